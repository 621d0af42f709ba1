package convert

import (
	"fmt"
	"strings"
)

type videoPreset struct {
	codec  string
	preset string
}

var videoPresets = map[string]videoPreset{
	"h264": {codec: "libx264", preset: "fast"},
	"h265": {codec: "libx265", preset: "medium"},
	"hevc": {codec: "libx265", preset: "medium"},
	"vp9":  {codec: "libvpx-vp9"},
	"av1":  {codec: "libaom-av1"},
	"copy": {codec: "copy"},
}

var qualityCRF = map[string]int{
	"low":      28,
	"medium":   23,
	"high":     18,
	"lossless": 0,
}

var resolutionWidths = map[string]int{
	"480p":  854,
	"720p":  1280,
	"1080p": 1920,
	"1440p": 2560,
	"4k":    3840,
}

var audioCodecs = map[string]string{
	"mp3":  "libmp3lame",
	"aac":  "aac",
	"m4a":  "aac",
	"flac": "flac",
	"wav":  "pcm_s16le",
	"ogg":  "libvorbis",
	"opus": "libopus",
}

var audioBitrates = map[string]string{
	"64k":  "64k",
	"128k": "128k",
	"192k": "192k",
	"256k": "256k",
	"320k": "320k",
}

// webm コンテナに入れられる映像コーデック
var webmCodecs = map[string]bool{"vp9": true, "av1": true}

// videoArgs は映像変換の ffmpeg 引数を組み立てます。
func videoArgs(input, output, target string, opts map[string]string) ([]string, error) {
	args := []string{"-i", input}

	if target == "gif" {
		// gif は音声を持たない
		args = append(args, "-an")
		if filter := scaleFilter(opts["resolution"]); filter != "" {
			args = append(args, "-vf", filter)
		}
		return append(args, output), nil
	}

	codecName := strings.ToLower(opts["codec"])
	if codecName == "" {
		codecName = "h264"
	}
	preset, ok := videoPresets[codecName]
	if !ok {
		return nil, unsupportedf("unknown video codec: %s", codecName)
	}
	if target == "webm" && !webmCodecs[codecName] && codecName != "copy" {
		codecName = "vp9"
		preset = videoPresets[codecName]
	}

	args = append(args, "-c:v", preset.codec)
	if preset.codec == "copy" {
		return append(args, "-c:a", "copy", output), nil
	}
	if preset.preset != "" {
		args = append(args, "-preset", preset.preset)
	}

	crf, ok := qualityCRF[strings.ToLower(opts["quality"])]
	if !ok {
		crf = qualityCRF["medium"]
	}
	args = append(args, "-crf", fmt.Sprint(crf))
	if preset.codec == "libvpx-vp9" || preset.codec == "libaom-av1" {
		// 固定品質モードにする
		args = append(args, "-b:v", "0")
	}

	if filter := scaleFilter(opts["resolution"]); filter != "" {
		args = append(args, "-vf", filter)
	}
	if target == "webm" {
		args = append(args, "-c:a", "libopus")
	}
	return append(args, output), nil
}

func scaleFilter(resolution string) string {
	width, ok := resolutionWidths[strings.ToLower(resolution)]
	if !ok {
		return ""
	}
	return fmt.Sprintf("scale=%d:-2", width)
}

// audioArgs は音声抽出・変換の ffmpeg 引数を組み立てます。
func audioArgs(input, output, target string, opts map[string]string) ([]string, error) {
	codec, ok := audioCodecs[target]
	if !ok {
		return nil, unsupportedf("unsupported audio format: %s", target)
	}
	args := []string{"-i", input, "-vn", "-c:a", codec}

	// 可逆形式ではビットレートを指定しない
	if target != "flac" && target != "wav" {
		args = append(args, "-b:a", audioBitrate(opts["bitrate"]))
	}
	return append(args, output), nil
}

func audioBitrate(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return "192k"
	}
	if preset, ok := audioBitrates[value]; ok {
		return preset
	}
	return value
}
