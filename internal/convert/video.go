package convert

import (
	"context"

	"github.com/rs/zerolog"
)

// Video は ffmpeg による映像変換です。
type Video struct {
	ffmpeg *FFmpeg
	logger zerolog.Logger
}

func NewVideo(ff *FFmpeg, logger zerolog.Logger) *Video {
	return &Video{ffmpeg: ff, logger: logger.With().Str("converter", "video").Logger()}
}

func (v *Video) Tools() []string { return []string{v.ffmpeg.Bin, v.ffmpeg.Probe} }

func (v *Video) Convert(ctx context.Context, req Request, progress ProgressReporter) (*Output, error) {
	args, err := videoArgs(req.InputPath, req.OutputPath, req.TargetFormat, req.Options)
	if err != nil {
		return nil, err
	}
	return runMedia(ctx, v.ffmpeg, req, args, progress, v.logger)
}

// Audio は ffmpeg による音声変換です。映像トラックは捨てます。
type Audio struct {
	ffmpeg *FFmpeg
	logger zerolog.Logger
}

func NewAudio(ff *FFmpeg, logger zerolog.Logger) *Audio {
	return &Audio{ffmpeg: ff, logger: logger.With().Str("converter", "audio").Logger()}
}

func (a *Audio) Tools() []string { return []string{a.ffmpeg.Bin, a.ffmpeg.Probe} }

func (a *Audio) Convert(ctx context.Context, req Request, progress ProgressReporter) (*Output, error) {
	args, err := audioArgs(req.InputPath, req.OutputPath, req.TargetFormat, req.Options)
	if err != nil {
		return nil, err
	}
	return runMedia(ctx, a.ffmpeg, req, args, progress, a.logger)
}

func runMedia(ctx context.Context, ff *FFmpeg, req Request, args []string, progress ProgressReporter, logger zerolog.Logger) (*Output, error) {
	reportProgress(progress, 0)

	total, err := ff.Duration(ctx, req.InputPath)
	if err != nil {
		logger.Debug().Err(err).Msg("duration probe failed, progress will be coarse")
		total = 0
	}

	if err := ff.Run(ctx, args, total, progress); err != nil {
		return nil, err
	}

	meta := map[string]any{}
	if total > 0 {
		meta["duration_seconds"] = total.Seconds()
	}
	return finishOutput(req.OutputPath, meta)
}
