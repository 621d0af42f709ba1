// Package media は変換対象メディアの種別（動画・音声・画像・ドキュメント）と、
// 種別ごとの入力拡張子・出力形式・オプションキーを定義します。
package media

import (
	"path/filepath"
	"strings"
)

// Type はメディア種別を表します。種別ごとにキューが1つ割り当てられます。
type Type string

const (
	Video    Type = "video"
	Audio    Type = "audio"
	Image    Type = "image"
	Document Type = "document"
)

// Descriptor は種別ごとの入力拡張子・出力形式・利用可能なオプションをまとめたものです。
type Descriptor struct {
	Type          Type
	Extensions    []string          // 先頭のドットを含む小文字の拡張子
	OutputFormats []string          // 変換先として許可する形式
	OptionKeys    []string          // 受け付けるオプション名
	Defaults      map[string]string // 未指定時に補うオプション値
}

var descriptors = []Descriptor{
	{
		Type:          Video,
		Extensions:    []string{".mp4", ".mkv", ".avi", ".mov", ".webm", ".wmv", ".flv", ".m4v", ".3gp"},
		OutputFormats: []string{"mp4", "webm", "mkv", "avi", "mov", "gif"},
		OptionKeys:    []string{"codec", "quality", "resolution"},
		Defaults:      map[string]string{"codec": "h264", "quality": "medium", "resolution": "original"},
	},
	{
		Type:          Audio,
		Extensions:    []string{".mp3", ".wav", ".flac", ".aac", ".ogg", ".m4a", ".wma", ".opus"},
		OutputFormats: []string{"mp3", "wav", "flac", "aac", "ogg", "m4a", "opus"},
		OptionKeys:    []string{"bitrate"},
		Defaults:      map[string]string{"bitrate": "192k"},
	},
	{
		Type:          Image,
		Extensions:    []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".tiff", ".tif", ".avif", ".svg", ".ico"},
		OutputFormats: []string{"png", "jpg", "jpeg", "webp", "avif", "gif", "tiff"},
		OptionKeys:    []string{"quality", "resize"},
		Defaults:      map[string]string{"quality": "85"},
	},
	{
		Type: Document,
		Extensions: []string{".pdf", ".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx", ".odt", ".ods", ".odp",
			".txt", ".md", ".markdown", ".html", ".htm", ".epub", ".rtf", ".rst"},
		OutputFormats: []string{"pdf", "docx", "html", "markdown", "txt", "epub", "odt"},
	},
}

var byExtension = func() map[string]Type {
	m := make(map[string]Type)
	for _, d := range descriptors {
		for _, ext := range d.Extensions {
			m[ext] = d.Type
		}
	}
	return m
}()

// Types は全種別を定義順に返します。
func Types() []Type {
	out := make([]Type, len(descriptors))
	for i, d := range descriptors {
		out[i] = d.Type
	}
	return out
}

// Lookup は種別の Descriptor を返します。
func Lookup(t Type) (Descriptor, bool) {
	for _, d := range descriptors {
		if d.Type == t {
			return d, true
		}
	}
	return Descriptor{}, false
}

// ParseType は文字列を種別に変換します。大文字小文字は区別しません。
func ParseType(s string) (Type, bool) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := Lookup(t); !ok {
		return "", false
	}
	return t, true
}

// Classify はファイル名の拡張子から種別を判定します（内容の判定は行いません）。
func Classify(filename string) (Type, bool) {
	t, ok := byExtension[strings.ToLower(filepath.Ext(filename))]
	return t, ok
}

// SupportsFormat は変換先形式がこの種別で許可されているかを返します。
func (d Descriptor) SupportsFormat(format string) bool {
	format = NormalizeFormat(format)
	for _, f := range d.OutputFormats {
		if f == format {
			return true
		}
	}
	return false
}

// FilterOptions は許可されたキーだけを残し、未指定のキーには既定値を補います。
// 未知のキーはエラーにせず無視します。
func (d Descriptor) FilterOptions(in map[string]string) map[string]string {
	out := make(map[string]string, len(d.OptionKeys))
	for _, key := range d.OptionKeys {
		if v := strings.TrimSpace(in[key]); v != "" {
			out[key] = v
			continue
		}
		if def, ok := d.Defaults[key]; ok {
			out[key] = def
		}
	}
	return out
}

// NormalizeFormat は形式名を比較用に正規化します（先頭ドットの除去と小文字化）。
func NormalizeFormat(format string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(format), "."))
}
