package convert

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/rs/zerolog"
)

// pandoc で出力できる形式
var pandocTargets = map[string]bool{
	"html": true, "markdown": true, "md": true, "txt": true, "epub": true,
	"rst": true, "docx": true, "odt": true, "rtf": true,
}

// pandoc が読める入力
var pandocInputs = map[string]bool{
	".docx": true, ".odt": true, ".md": true, ".markdown": true, ".txt": true,
	".html": true, ".htm": true, ".epub": true, ".rst": true, ".rtf": true,
}

// LibreOffice で PDF にする入力
var officeInputs = map[string]bool{
	".doc": true, ".docx": true, ".xls": true, ".xlsx": true, ".ppt": true,
	".pptx": true, ".odt": true, ".ods": true, ".odp": true,
}

// LibreOffice で直接出力できる形式
var officeTargets = map[string]bool{"pdf": true, "docx": true, "odt": true, "html": true}

// DocumentConfig は文書変換で使う外部コマンドです。
type DocumentConfig struct {
	Pandoc    string
	Soffice   string
	PDFEngine string
}

// Document は pandoc / LibreOffice による文書変換です。PDF出力は pdfcpu で検証します。
type Document struct {
	cfg    DocumentConfig
	logger zerolog.Logger
}

func NewDocument(cfg DocumentConfig, logger zerolog.Logger) *Document {
	if cfg.Pandoc == "" {
		cfg.Pandoc = "pandoc"
	}
	if cfg.Soffice == "" {
		cfg.Soffice = "soffice"
	}
	if cfg.PDFEngine == "" {
		cfg.PDFEngine = "pdflatex"
	}
	return &Document{cfg: cfg, logger: logger.With().Str("converter", "document").Logger()}
}

func (d *Document) Tools() []string { return []string{d.cfg.Pandoc, d.cfg.Soffice} }

type docRoute int

const (
	routeUnsupported docRoute = iota
	routePDFRewrite
	routeOffice
	routePandoc
	routePandocPDF
)

// route は入力拡張子と出力形式から変換手段を選びます。
func route(inputExt, target string) docRoute {
	switch {
	case target == "pdf" && inputExt == ".pdf":
		return routePDFRewrite
	case target == "pdf" && officeInputs[inputExt]:
		return routeOffice
	case pandocTargets[target] && pandocInputs[inputExt]:
		return routePandoc
	case target == "pdf" && pandocInputs[inputExt]:
		return routePandocPDF
	case officeTargets[target] && officeInputs[inputExt]:
		return routeOffice
	default:
		return routeUnsupported
	}
}

func (d *Document) Convert(ctx context.Context, req Request, progress ProgressReporter) (*Output, error) {
	reportProgress(progress, 10)

	inputExt := strings.ToLower(filepath.Ext(req.OriginalName))
	if inputExt == "" {
		inputExt = strings.ToLower(filepath.Ext(req.InputPath))
	}
	r := route(inputExt, req.TargetFormat)
	if r == routeUnsupported {
		return nil, unsupportedf("cannot convert %s to %s", inputExt, req.TargetFormat)
	}

	work, err := os.MkdirTemp(filepath.Dir(req.OutputPath), ".work-")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(work)

	reportProgress(progress, 30)
	switch r {
	case routePDFRewrite:
		err = pdfapi.OptimizeFile(req.InputPath, req.OutputPath, nil)
	case routeOffice:
		err = d.soffice(ctx, work, req.InputPath, req.OutputPath, req.TargetFormat)
	case routePandoc:
		err = runTool(ctx, d.cfg.Pandoc, req.InputPath, "-o", req.OutputPath, "--standalone")
	case routePandocPDF:
		err = d.pandocPDF(ctx, work, req)
	}
	if err != nil {
		return nil, err
	}
	reportProgress(progress, 90)

	meta := map[string]any{}
	if req.TargetFormat == "pdf" {
		pages, err := inspectPDF(req.OutputPath)
		if err != nil {
			return nil, err
		}
		meta["pages"] = pages
	}
	reportProgress(progress, 100)
	return finishOutput(req.OutputPath, meta)
}

// pandocPDF は LaTeX エンジンで PDF を作り、失敗したら ODT を経由して LibreOffice で作ります。
func (d *Document) pandocPDF(ctx context.Context, work string, req Request) error {
	err := runTool(ctx, d.cfg.Pandoc, req.InputPath, "-o", req.OutputPath, "--pdf-engine="+d.cfg.PDFEngine)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	d.logger.Debug().Err(err).Msg("pdf engine failed, falling back to libreoffice")
	_ = os.Remove(req.OutputPath)

	odt := filepath.Join(work, "intermediate.odt")
	if err := runTool(ctx, d.cfg.Pandoc, req.InputPath, "-o", odt); err != nil {
		return err
	}
	return d.soffice(ctx, work, odt, req.OutputPath, "pdf")
}

// soffice は LibreOffice で変換し、生成されたファイルを output に移します。
// 同時実行で衝突しないよう、作業ディレクトリごとにプロファイルを分けます。
func (d *Document) soffice(ctx context.Context, work, input, output, target string) error {
	outDir := filepath.Join(work, "out")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create soffice outdir: %w", err)
	}
	profile, err := filepath.Abs(filepath.Join(work, "profile"))
	if err != nil {
		return err
	}

	err = runTool(ctx, d.cfg.Soffice,
		"-env:UserInstallation=file://"+filepath.ToSlash(profile),
		"--headless",
		"--convert-to", target,
		"--outdir", outDir,
		input,
	)
	if err != nil {
		return err
	}

	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	produced := filepath.Join(outDir, base+"."+target)
	if err := os.Rename(produced, output); err != nil {
		return fmt.Errorf("libreoffice produced no output: %w", err)
	}
	return nil
}

// inspectPDF は PDF を検証してページ数を返します。
func inspectPDF(path string) (int, error) {
	if err := pdfapi.ValidateFile(path, nil); err != nil {
		return 0, fmt.Errorf("generated pdf is invalid: %w", err)
	}
	pages, err := pdfapi.PageCountFile(path)
	if err != nil {
		return 0, fmt.Errorf("count pdf pages: %w", err)
	}
	return pages, nil
}
