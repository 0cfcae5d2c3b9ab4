package fileproc

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	_ "golang.org/x/image/webp"
	"golang.org/x/net/html"
	"plexus/pkg/domain"
)

// PreviewRows is the number of CSV data rows kept in metadata.
const PreviewRows = 10

// Result is the outcome of processing one file.
type Result struct {
	Metadata domain.FileMetadata
	Text     string
}

// Process routes data to the extractor for mimeType. On failure the returned
// Result still carries the kind and the error message in Metadata.Error so
// callers can store it without failing the upload.
func Process(mimeType string, data []byte) (Result, error) {
	kind := KindOf(mimeType)
	var (
		res Result
		err error
	)
	switch kind {
	case "image":
		res, err = processImage(data)
	case "pdf":
		res, err = processPDF(data)
	case "docx":
		res, err = processDOCX(data)
	case "text":
		res, err = processText(data)
	case "csv":
		res, err = processCSV(data)
	default:
		err = ErrUnsupportedType
	}
	res.Metadata.Kind = kind
	if err != nil {
		res = Result{Metadata: domain.FileMetadata{Kind: kind, Error: err.Error()}}
	}
	return res, err
}

func processImage(data []byte) (Result, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Result{}, fmt.Errorf("decode image: %w", err)
	}
	return Result{Metadata: domain.FileMetadata{
		Width:    cfg.Width,
		Height:   cfg.Height,
		Format:   format,
		HasAlpha: hasAlpha(cfg.ColorModel),
	}}, nil
}

func hasAlpha(m color.Model) bool {
	switch m {
	case color.RGBAModel, color.RGBA64Model, color.NRGBAModel, color.NRGBA64Model,
		color.AlphaModel, color.Alpha16Model, color.NYCbCrAModel:
		return true
	}
	if p, ok := m.(color.Palette); ok {
		for _, c := range p {
			if _, _, _, a := c.RGBA(); a != 0xffff {
				return true
			}
		}
	}
	return false
}

func processPDF(data []byte) (Result, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Result{}, fmt.Errorf("open pdf: %w", err)
	}
	totalPages := reader.NumPage()
	var pages []string
	for i := 1; i <= totalPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Skip problematic pages instead of failing entirely
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			pages = append(pages, text)
		}
	}
	text := strings.Join(pages, "\n\n")
	return Result{
		Metadata: domain.FileMetadata{Pages: totalPages, Characters: utf8.RuneCountInString(text)},
		Text:     text,
	}, nil
}

func processDOCX(data []byte) (Result, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Result{}, fmt.Errorf("open docx: %w", err)
	}
	for _, file := range zr.File {
		if file.Name != "word/document.xml" {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return Result{}, fmt.Errorf("read docx document: %w", err)
		}
		defer rc.Close()
		text, err := extractDocumentText(rc)
		if err != nil {
			return Result{}, err
		}
		return Result{
			Metadata: domain.FileMetadata{Characters: utf8.RuneCountInString(text)},
			Text:     text,
		}, nil
	}
	return Result{}, errors.New("docx document part missing")
}

// extractDocumentText collects w:t runs, one line per w:p paragraph.
func extractDocumentText(r io.Reader) (string, error) {
	var (
		buf    strings.Builder
		inText bool
	)
	z := html.NewTokenizer(r)
	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return "", fmt.Errorf("parse docx xml: %w", err)
			}
			return strings.TrimSpace(buf.String()), nil
		case html.StartTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "w:t":
				inText = true
			case "w:tab":
				buf.WriteByte('\t')
			}
		case html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "w:br", "w:cr":
				buf.WriteByte('\n')
			case "w:tab":
				buf.WriteByte('\t')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "w:t":
				inText = false
			case "w:p":
				buf.WriteByte('\n')
			}
		case html.TextToken:
			if inText {
				buf.Write(z.Text())
			}
		}
	}
}

func processText(data []byte) (Result, error) {
	text := strings.ToValidUTF8(string(data), "")
	return Result{
		Metadata: domain.FileMetadata{
			Lines:      strings.Count(text, "\n") + 1,
			Characters: utf8.RuneCountInString(text),
		},
		Text: text,
	}, nil
}

func processCSV(data []byte) (Result, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return Result{}, fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return Result{Metadata: domain.FileMetadata{}}, nil
	}
	headers := records[0]
	rows := records[1:]

	var b strings.Builder
	b.WriteString(strings.Join(headers, ", "))
	b.WriteByte('\n')
	for _, row := range rows {
		b.WriteString(strings.Join(row, ", "))
		b.WriteByte('\n')
	}
	preview := rows
	if len(preview) > PreviewRows {
		preview = preview[:PreviewRows]
	}
	return Result{
		Metadata: domain.FileMetadata{
			Rows:    len(rows),
			Columns: len(headers),
			Headers: headers,
			Preview: preview,
		},
		Text: b.String(),
	}, nil
}
