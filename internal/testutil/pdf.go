// Package testutil builds small fixture files for package tests.
package testutil

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"golang.org/x/image/tiff"
)

// PDFPage describes one fixture page: a text label drawn on it and its /Rotate value.
type PDFPage struct {
	Label    string
	Rotation int
}

// BuildPDF renders a valid PDF with one labelled page per entry.
func BuildPDF(pages ...PDFPage) []byte {
	var b strings.Builder
	b.WriteString("%PDF-1.4\n")

	// 1 catalog, 2 page tree, 3 font, then a page and content object per page.
	total := 3 + 2*len(pages)
	offsets := make([]int, total+1)

	offsets[1] = b.Len()
	b.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")

	kids := make([]string, 0, len(pages))
	for i := range pages {
		kids = append(kids, strconv.Itoa(4+2*i)+" 0 R")
	}
	offsets[2] = b.Len()
	b.WriteString("2 0 obj\n<< /Type /Pages /Kids [" + strings.Join(kids, " ") + "] /Count " + strconv.Itoa(len(pages)) + " >>\nendobj\n")

	offsets[3] = b.Len()
	b.WriteString("3 0 obj\n<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>\nendobj\n")

	for i, page := range pages {
		pageObj := 4 + 2*i
		contentObj := pageObj + 1
		stream := "BT\n/F1 12 Tf\n72 720 Td\n(" + escape(page.Label) + ") Tj\nET"

		offsets[pageObj] = b.Len()
		b.WriteString(strconv.Itoa(pageObj) + " 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792]")
		if page.Rotation != 0 {
			b.WriteString(" /Rotate " + strconv.Itoa(page.Rotation))
		}
		b.WriteString(" /Contents " + strconv.Itoa(contentObj) + " 0 R /Resources << /Font << /F1 3 0 R >> >> >>\nendobj\n")

		offsets[contentObj] = b.Len()
		b.WriteString(strconv.Itoa(contentObj) + " 0 obj\n<< /Length " + strconv.Itoa(len(stream)) + " >>\nstream\n")
		b.WriteString(stream)
		b.WriteString("\nendstream\nendobj\n")
	}

	xrefOffset := b.Len()
	b.WriteString("xref\n0 " + strconv.Itoa(total+1) + "\n")
	b.WriteString("0000000000 65535 f \n")
	for i := 1; i <= total; i++ {
		b.WriteString(padOffset(offsets[i]))
		b.WriteString(" 00000 n \n")
	}
	b.WriteString("trailer\n<< /Size " + strconv.Itoa(total+1) + " /Root 1 0 R >>\nstartxref\n")
	b.WriteString(strconv.Itoa(xrefOffset))
	b.WriteString("\n%%EOF\n")
	return []byte(b.String())
}

// LabelledPDF is BuildPDF for unrotated pages.
func LabelledPDF(labels ...string) []byte {
	pages := make([]PDFPage, 0, len(labels))
	for _, label := range labels {
		pages = append(pages, PDFPage{Label: label})
	}
	return BuildPDF(pages...)
}

// WritePDF writes a labelled PDF into dir and returns its path.
func WritePDF(t *testing.T, dir, name string, labels ...string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, LabelledPDF(labels...), 0o644); err != nil {
		t.Fatalf("failed to write fixture pdf: %v", err)
	}
	return p
}

// PageLabels returns the text label drawn on each page of the PDF at path.
func PageLabels(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("failed to open pdf: %v", err)
	}
	defer f.Close()

	ctx, err := api.ReadValidateAndOptimize(f, model.NewDefaultConfiguration())
	if err != nil {
		t.Fatalf("failed to read pdf: %v", err)
	}
	labels := make([]string, 0, ctx.PageCount)
	for pageNr := 1; pageNr <= ctx.PageCount; pageNr++ {
		r, err := pdfcpu.ExtractPageContent(ctx, pageNr)
		if err != nil {
			t.Fatalf("failed to extract page %d: %v", pageNr, err)
		}
		data, err := io.ReadAll(r)
		if err != nil {
			t.Fatalf("failed to read page %d: %v", pageNr, err)
		}
		labels = append(labels, firstLiteral(data))
	}
	return labels
}

func firstLiteral(stream []byte) string {
	start := bytes.IndexByte(stream, '(')
	if start < 0 {
		return ""
	}
	end := bytes.Index(stream[start:], []byte(") Tj"))
	if end < 0 {
		return ""
	}
	return string(stream[start+1 : start+end])
}

// PNG returns an encoded w×h PNG.
func PNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, solid(w, h)); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

// JPEG returns an encoded w×h JPEG.
func JPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, solid(w, h), nil); err != nil {
		t.Fatalf("failed to encode jpeg: %v", err)
	}
	return buf.Bytes()
}

// TIFF returns an encoded w×h little-endian TIFF.
func TIFF(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := tiff.Encode(&buf, solid(w, h), nil); err != nil {
		t.Fatalf("failed to encode tiff: %v", err)
	}
	return buf.Bytes()
}

func solid(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: 200, G: 200, B: 200, A: 255})
		}
	}
	return img
}

func escape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "(", `\(`)
	return strings.ReplaceAll(s, ")", `\)`)
}

func padOffset(n int) string {
	s := strconv.Itoa(n)
	for len(s) < 10 {
		s = "0" + s
	}
	return s
}
