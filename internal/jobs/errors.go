package jobs

import (
	"errors"
	"fmt"
)

// Kind はエラーの分類です。HTTP 層はこれを見てステータスコードを決めます。
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConversion
	KindTransientInfra
)

// Error はコードとメッセージを持つ業務エラーです。
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

func validationError(message string) *Error {
	return newError(KindValidation, "INVALID_INPUT", message, nil)
}

var (
	// ErrJobNotFound は該当するジョブ記録が存在しないことを表します。
	ErrJobNotFound = newError(KindNotFound, "JOB_NOT_FOUND", "job not found", nil)
	// ErrTerminal は既に終了状態のジョブへの書き込みが拒否されたことを表します。
	ErrTerminal = errors.New("job already in terminal state")
	// ErrNoRetry でラップされたエラーは残りの試行を行わずに失敗とします。
	ErrNoRetry = errors.New("no retry")
)

// KindOf は err に含まれる *Error の Kind を返します。
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func IsValidation(err error) bool { return KindOf(err) == KindValidation }

func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// NoRetry は err を再試行不可としてマークします。
func NoRetry(err error) error {
	if err == nil || errors.Is(err, ErrNoRetry) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrNoRetry, err)
}
