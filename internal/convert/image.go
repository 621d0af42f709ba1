package convert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

const defaultImageQuality = 85

// ResizeSpec は画像リサイズの指定です。幅・高さのどちらかは省略できます。
type ResizeSpec struct {
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
	Fit    string `json:"fit,omitempty"`
}

var fitModes = map[string]bool{"inside": true, "outside": true, "cover": true, "contain": true, "fill": true}

// ParseResize は resize オプション（JSON文字列）を解釈します。空なら nil を返します。
func ParseResize(raw string) (*ResizeSpec, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var spec ResizeSpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		return nil, unsupportedf("invalid resize option: %v", err)
	}
	if spec.Width < 0 || spec.Height < 0 {
		return nil, unsupportedf("resize dimensions must be positive")
	}
	spec.Fit = strings.ToLower(spec.Fit)
	if spec.Fit == "" {
		spec.Fit = "inside"
	}
	if !fitModes[spec.Fit] {
		return nil, unsupportedf("unknown resize fit: %s", spec.Fit)
	}
	if spec.Width == 0 && spec.Height == 0 {
		return nil, nil
	}
	return &spec, nil
}

// layout はリサイズ後の描画サイズとキャンバスサイズです。
type layout struct {
	scaled image.Point
	canvas image.Point
}

// planResize は元画像のサイズと指定からリサイズ結果を決めます。拡大になる場合は ok=false です。
func planResize(srcW, srcH int, spec ResizeSpec) (layout, bool) {
	if srcW <= 0 || srcH <= 0 {
		return layout{}, false
	}
	w, h := spec.Width, spec.Height
	fit := spec.Fit

	// 片方だけの指定は比率を保つ
	if w == 0 || h == 0 {
		scale := float64(w) / float64(srcW)
		if w == 0 {
			scale = float64(h) / float64(srcH)
		}
		if scale > 1 {
			return layout{}, false
		}
		p := image.Pt(max(1, round(float64(srcW)*scale)), max(1, round(float64(srcH)*scale)))
		return layout{scaled: p, canvas: p}, true
	}

	sx := float64(w) / float64(srcW)
	sy := float64(h) / float64(srcH)

	switch fit {
	case "fill":
		if sx > 1 || sy > 1 {
			return layout{}, false
		}
		p := image.Pt(w, h)
		return layout{scaled: p, canvas: p}, true
	case "outside", "cover":
		scale := max(sx, sy)
		if scale > 1 {
			return layout{}, false
		}
		scaled := image.Pt(max(1, round(float64(srcW)*scale)), max(1, round(float64(srcH)*scale)))
		if fit == "outside" {
			return layout{scaled: scaled, canvas: scaled}, true
		}
		return layout{scaled: scaled, canvas: image.Pt(w, h)}, true
	default: // inside, contain
		scale := min(sx, sy)
		if scale > 1 {
			return layout{}, false
		}
		scaled := image.Pt(max(1, round(float64(srcW)*scale)), max(1, round(float64(srcH)*scale)))
		if fit == "contain" {
			return layout{scaled: scaled, canvas: image.Pt(w, h)}, true
		}
		return layout{scaled: scaled, canvas: scaled}, true
	}
}

// resizeImage は CatmullRom で縮小し、キャンバス中央に配置します（cover ははみ出しを切り取る）。
func resizeImage(src image.Image, l layout) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, l.canvas.X, l.canvas.Y))
	ox := (l.canvas.X - l.scaled.X) / 2
	oy := (l.canvas.Y - l.scaled.Y) / 2
	target := image.Rect(ox, oy, ox+l.scaled.X, oy+l.scaled.Y)
	draw.CatmullRom.Scale(dst, target, src, src.Bounds(), draw.Src, nil)
	return dst
}

// Image は Go の画像コーデックで変換し、対応しない形式だけ ffmpeg に任せます。
type Image struct {
	ffmpeg *FFmpeg
	logger zerolog.Logger
}

func NewImage(ff *FFmpeg, logger zerolog.Logger) *Image {
	return &Image{ffmpeg: ff, logger: logger.With().Str("converter", "image").Logger()}
}

func (c *Image) Tools() []string { return []string{c.ffmpeg.Bin} }

func (c *Image) Convert(ctx context.Context, req Request, progress ProgressReporter) (*Output, error) {
	reportProgress(progress, 10)

	quality := parseQuality(req.Options["quality"])
	spec, err := ParseResize(req.Options["resize"])
	if err != nil {
		return nil, err
	}

	src, err := c.decode(ctx, req)
	if err != nil {
		return nil, err
	}
	if spec != nil {
		b := src.Bounds()
		if l, ok := planResize(b.Dx(), b.Dy(), *spec); ok {
			src = resizeImage(src, l)
		}
	}
	reportProgress(progress, 30)

	if err := c.encode(ctx, src, req.OutputPath, req.TargetFormat, quality); err != nil {
		return nil, err
	}
	reportProgress(progress, 100)

	b := src.Bounds()
	return finishOutput(req.OutputPath, map[string]any{"width": b.Dx(), "height": b.Dy()})
}

func (c *Image) decode(ctx context.Context, req Request) (image.Image, error) {
	img, err := decodeFile(req.InputPath)
	if err == nil {
		return img, nil
	}
	if !errors.Is(err, image.ErrFormat) {
		return nil, unsupportedf("decode image: %v", err)
	}

	// svg / ico / avif などは ffmpeg で一度 png にする
	tmp := req.OutputPath + ".src.png"
	defer os.Remove(tmp)
	if err := c.ffmpeg.Run(ctx, []string{"-i", req.InputPath, "-frames:v", "1", tmp}, 0, nil); err != nil {
		return nil, err
	}
	img, err = decodeFile(tmp)
	if err != nil {
		return nil, fmt.Errorf("decode intermediate image: %w", err)
	}
	return img, nil
}

func (c *Image) encode(ctx context.Context, img image.Image, path, target string, quality int) error {
	switch target {
	case "png", "jpg", "jpeg", "gif", "tiff":
		return encodeFile(img, path, target, quality)
	case "webp", "avif":
		tmp := path + ".tmp.png"
		defer os.Remove(tmp)
		if err := encodeFile(img, tmp, "png", 100); err != nil {
			return err
		}
		args := append([]string{"-i", tmp}, ffmpegStillArgs(target, quality)...)
		return c.ffmpeg.Run(ctx, append(args, path), 0, nil)
	default:
		return unsupportedf("unsupported image format: %s", target)
	}
}

func ffmpegStillArgs(target string, quality int) []string {
	if target == "webp" {
		return []string{"-c:v", "libwebp", "-quality", strconv.Itoa(quality)}
	}
	crf := 63 - quality*63/100
	return []string{"-c:v", "libaom-av1", "-still-picture", "1", "-crf", strconv.Itoa(crf)}
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}

func encodeFile(img image.Image, path, target string, quality int) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	switch target {
	case "png":
		enc := png.Encoder{CompressionLevel: pngCompression(quality)}
		return enc.Encode(f, img)
	case "jpg", "jpeg":
		return jpeg.Encode(f, img, &jpeg.Options{Quality: quality})
	case "gif":
		return gif.Encode(f, img, &gif.Options{NumColors: 256})
	case "tiff":
		return tiff.Encode(f, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
	}
	return unsupportedf("unsupported image format: %s", target)
}

// pngCompression は品質値から圧縮レベル（9 - q/12）を求め、Go の段階に丸めます。
func pngCompression(quality int) png.CompressionLevel {
	level := 9 - quality/12
	switch {
	case level <= 0:
		return png.NoCompression
	case level <= 2:
		return png.BestSpeed
	case level >= 7:
		return png.BestCompression
	default:
		return png.DefaultCompression
	}
}

func parseQuality(raw string) int {
	q, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return defaultImageQuality
	}
	if q < 1 {
		return 1
	}
	if q > 100 {
		return 100
	}
	return q
}

func round(f float64) int { return int(f + 0.5) }
