package mimeguard

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/papermerge/papermerge-core-sub000/internal/apperr"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"go.uber.org/zap"
	_ "golang.org/x/image/tiff"
)

const opDetect = "mimeguard.detect"

// Supported mime types.
const (
	MimePDF  = "application/pdf"
	MimeJPEG = "image/jpeg"
	MimePNG  = "image/png"
	MimeTIFF = "image/tiff"
)

var (
	magicPDF      = []byte("%PDF-")
	magicPNG      = []byte("\x89PNG\r\n\x1a\n")
	magicTIFFLE   = []byte("II*\x00")
	magicTIFFBE   = []byte("MM\x00*")
	jpegMarkers   = []byte{0xDB, 0xE0, 0xE1, 0xEE}
	extensionMime = map[string]string{
		".pdf":  MimePDF,
		".jpg":  MimeJPEG,
		".jpeg": MimeJPEG,
		".png":  MimePNG,
		".tif":  MimeTIFF,
		".tiff": MimeTIFF,
	}
)

// UnsupportedFileTypeError reports bytes that match none of the accepted signatures.
type UnsupportedFileTypeError struct {
	Filename string
	Sniffed  string
}

func (e *UnsupportedFileTypeError) Error() string {
	return fmt.Sprintf("unsupported file type for %q (looks like %s)", e.Filename, e.Sniffed)
}

// InvalidFileError reports a recognised signature whose body does not parse.
type InvalidFileError struct {
	MimeType string
	Err      error
}

func (e *InvalidFileError) Error() string {
	return fmt.Sprintf("invalid %s file: %v", e.MimeType, e.Err)
}

func (e *InvalidFileError) Unwrap() error {
	return e.Err
}

// Result describes an accepted file.
type Result struct {
	MimeType  string
	PageCount int
	Width     int
	Height    int
}

func (r Result) IsPDF() bool {
	return r.MimeType == MimePDF
}

// Guard validates uploads. The zero value is not usable; use New.
type Guard struct {
	logger *zap.Logger
	conf   *model.Configuration
}

func New(logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{logger: logger, conf: model.NewDefaultConfiguration()}
}

// Detect classifies data by magic bytes, cross-checks the client hints and
// then parses the body. Client hints never override the magic bytes.
func (g *Guard) Detect(data []byte, filename, contentType string) (Result, error) {
	detected := sniff(data)
	if detected == "" {
		sniffed := mimetype.Detect(data).String()
		g.logger.Warn("rejected upload with unsupported signature",
			zap.String("filename", filename),
			zap.String("content_type", contentType),
			zap.String("sniffed", sniffed))
		return Result{}, &apperr.Error{
			Kind:   apperr.KindValidation,
			Op:     opDetect,
			Detail: "unsupported file type",
			Field:  "file",
			Err:    &UnsupportedFileTypeError{Filename: filename, Sniffed: sniffed},
		}
	}

	g.crossCheck(detected, data, filename, contentType)

	result, err := g.validateStructure(detected, data)
	if err != nil {
		return Result{}, &apperr.Error{
			Kind:   apperr.KindValidation,
			Op:     opDetect,
			Detail: "file is corrupted or unreadable",
			Field:  "file",
			Err:    &InvalidFileError{MimeType: detected, Err: err},
		}
	}
	return result, nil
}

func sniff(data []byte) string {
	switch {
	case bytes.HasPrefix(data, magicPDF):
		return MimePDF
	case len(data) >= 4 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF && bytes.IndexByte(jpegMarkers, data[3]) >= 0:
		return MimeJPEG
	case bytes.HasPrefix(data, magicPNG):
		return MimePNG
	case bytes.HasPrefix(data, magicTIFFLE), bytes.HasPrefix(data, magicTIFFBE):
		return MimeTIFF
	}
	return ""
}

func (g *Guard) crossCheck(detected string, data []byte, filename, contentType string) {
	if ext := strings.ToLower(filepath.Ext(filename)); ext != "" {
		if byExt, ok := extensionMime[ext]; !ok || byExt != detected {
			g.logger.Warn("file extension disagrees with content",
				zap.String("filename", filename),
				zap.String("detected", detected))
		}
	}
	if contentType != "" {
		declared, _, err := mime.ParseMediaType(contentType)
		if err != nil || declared != detected {
			g.logger.Warn("declared content type disagrees with content",
				zap.String("content_type", contentType),
				zap.String("detected", detected))
		}
	}
	if sniffed := mimetype.Detect(data); !sniffed.Is(detected) {
		g.logger.Debug("content sniffer disagrees with magic bytes",
			zap.String("sniffed", sniffed.String()),
			zap.String("detected", detected))
	}
}

func (g *Guard) validateStructure(detected string, data []byte) (Result, error) {
	if detected == MimePDF {
		count, err := api.PageCount(bytes.NewReader(data), g.conf)
		if err != nil {
			return Result{}, err
		}
		if count < 1 {
			return Result{}, fmt.Errorf("pdf has no pages")
		}
		return Result{MimeType: detected, PageCount: count}, nil
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Result{}, err
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Result{}, fmt.Errorf("%s image has zero dimensions", format)
	}
	return Result{MimeType: detected, PageCount: 1, Width: cfg.Width, Height: cfg.Height}, nil
}

// ExtensionFor returns the canonical file extension for a supported mime type.
func ExtensionFor(mimeType string) string {
	switch mimeType {
	case MimePDF:
		return ".pdf"
	case MimeJPEG:
		return ".jpg"
	case MimePNG:
		return ".png"
	case MimeTIFF:
		return ".tiff"
	}
	return ""
}
