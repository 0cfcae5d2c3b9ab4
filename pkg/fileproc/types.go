// Package fileproc validates uploaded file types and extracts metadata and
// plain text from supported formats.
package fileproc

import (
	"errors"
	"path/filepath"
	"strings"
)

const (
	MIMEPNG  = "image/png"
	MIMEJPEG = "image/jpeg"
	MIMEJPG  = "image/jpg"
	MIMEWebP = "image/webp"
	MIMEPDF  = "application/pdf"
	MIMEDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MIMEText = "text/plain"
	MIMECSV  = "text/csv"
)

var (
	ErrUnsupportedType   = errors.New("file type not allowed")
	ErrExtensionMismatch = errors.New("file extension does not match file type")
)

// allowedExtensions maps each accepted MIME type to the extensions it may carry.
var allowedExtensions = map[string][]string{
	MIMEPNG:  {".png"},
	MIMEJPEG: {".jpg", ".jpeg"},
	MIMEJPG:  {".jpg", ".jpeg"},
	MIMEWebP: {".webp"},
	MIMEPDF:  {".pdf"},
	MIMEDOCX: {".docx"},
	MIMEText: {".txt"},
	MIMECSV:  {".csv"},
}

// NormalizeMIME strips parameters and lower-cases a Content-Type value.
func NormalizeMIME(contentType string) string {
	mt, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}

// ValidateType checks the MIME allow-list and that the filename extension
// agrees with the declared type.
func ValidateType(mimeType, filename string) error {
	exts, ok := allowedExtensions[NormalizeMIME(mimeType)]
	if !ok {
		return ErrUnsupportedType
	}
	ext := strings.ToLower(filepath.Ext(filename))
	for _, allowed := range exts {
		if ext == allowed {
			return nil
		}
	}
	return ErrExtensionMismatch
}

// IsImage reports whether the MIME type is one of the accepted image types.
func IsImage(mimeType string) bool {
	switch NormalizeMIME(mimeType) {
	case MIMEPNG, MIMEJPEG, MIMEJPG, MIMEWebP:
		return true
	}
	return false
}

// KindOf returns the processing kind for a MIME type.
func KindOf(mimeType string) string {
	mt := NormalizeMIME(mimeType)
	switch {
	case IsImage(mt):
		return "image"
	case mt == MIMEPDF:
		return "pdf"
	case mt == MIMEDOCX:
		return "docx"
	case mt == MIMEText:
		return "text"
	case mt == MIMECSV:
		return "csv"
	}
	return ""
}
