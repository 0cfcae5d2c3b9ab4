package app

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"plexus/internal/util"
	"plexus/pkg/domain"
	"plexus/pkg/fileproc"
	"plexus/pkg/storage"
)

const (
	MaxFiles         = 5
	MaxFileSize      = 10 << 20
	MaxUploadMessage = 10000
	// MaxUploadBody bounds the whole multipart request.
	MaxUploadBody       = MaxFiles*MaxFileSize + 1<<20
	extractionPreviewLn = 500
)

// FileInput is one uploaded file, already read into memory.
type FileInput struct {
	Filename string
	MIMEType string
	Data     []byte
}

type UploadInput struct {
	ThreadID string
	Message  string
	Files    []FileInput
}

// ExtractionPreview summarizes what text processing produced for an upload.
type ExtractionPreview struct {
	ID                   string              `json:"id"`
	OriginalName         string              `json:"originalName"`
	MIMEType             string              `json:"mimeType"`
	ExtractedTextLength  int                 `json:"extractedTextLength"`
	ExtractedTextPreview string              `json:"extractedTextPreview"`
	Metadata             domain.FileMetadata `json:"metadata"`
	HasText              bool                `json:"hasText"`
}

// Upload validates every file first, then stores content and processing
// results. A processing failure is recorded in metadata and does not fail
// the upload.
func (a *App) Upload(ctx context.Context, ownerID string, in UploadInput) ([]domain.Upload, error) {
	threadID := strings.TrimSpace(in.ThreadID)
	if threadID == "" {
		return nil, ErrThreadIDRequired
	}
	if utf8.RuneCountInString(in.Message) > MaxUploadMessage {
		return nil, ErrMessageTooLong
	}
	switch {
	case len(in.Files) == 0:
		return nil, ErrNoFiles
	case len(in.Files) > MaxFiles:
		return nil, ErrTooManyFiles
	}
	for i, f := range in.Files {
		if len(f.Data) > MaxFileSize {
			return nil, ErrFileTooLarge
		}
		if !validFilename(f.Filename) {
			return nil, ErrInvalidFilename
		}
		mt := fileproc.NormalizeMIME(f.MIMEType)
		switch err := fileproc.ValidateType(mt, f.Filename); {
		case errors.Is(err, fileproc.ErrUnsupportedType):
			return nil, &Error{Status: ErrUnsupportedType.Status, Code: ErrUnsupportedType.Code,
				Message: fmt.Sprintf("File type %s is not supported", mt)}
		case errors.Is(err, fileproc.ErrExtensionMismatch):
			return nil, ErrTypeMismatch
		}
		in.Files[i].MIMEType = mt
	}

	logger := util.LoggerFromContext(ctx)
	out := make([]domain.Upload, 0, len(in.Files))
	for _, f := range in.Files {
		id := util.NewID()
		stored := uuid.NewString() + "-" + f.Filename
		key := "uploads/" + id + "/" + stored
		if err := a.objects.Put(ctx, key, bytes.NewReader(f.Data), int64(len(f.Data)), f.MIMEType); err != nil {
			a.discardUploads(ctx, out)
			return nil, fmt.Errorf("store upload content: %w", err)
		}
		res, err := fileproc.Process(f.MIMEType, f.Data)
		if err != nil {
			logger.Warn("file processing failed", "upload_id", id, "mime", f.MIMEType, "err", err)
		}
		up := domain.Upload{
			ID:            id,
			UserID:        ownerID,
			ThreadID:      threadID,
			Filename:      stored,
			OriginalName:  f.Filename,
			MIMEType:      f.MIMEType,
			Size:          int64(len(f.Data)),
			StorageKey:    key,
			Metadata:      res.Metadata,
			ExtractedText: res.Text,
			UploadedAt:    a.now(),
		}
		if err := a.store.SaveUpload(ctx, up); err != nil {
			if delErr := a.objects.Delete(ctx, key); delErr != nil {
				logger.Warn("cleanup upload content", "key", key, "err", delErr)
			}
			a.discardUploads(ctx, out)
			return nil, fmt.Errorf("save upload: %w", err)
		}
		out = append(out, up)
	}
	return out, nil
}

// discardUploads removes the files of a batch that failed partway, so a
// request either stores every file or none.
func (a *App) discardUploads(ctx context.Context, ups []domain.Upload) {
	ctx = context.WithoutCancel(ctx)
	logger := util.LoggerFromContext(ctx)
	for _, up := range ups {
		if err := a.objects.Delete(ctx, up.StorageKey); err != nil {
			logger.Warn("cleanup upload content", "key", up.StorageKey, "err", err)
		}
		if err := a.store.DeleteUpload(ctx, up.ID); err != nil {
			logger.Warn("cleanup upload record", "upload_id", up.ID, "err", err)
		}
	}
}

// GetUpload returns upload metadata after the ownership check.
func (a *App) GetUpload(ctx context.Context, ownerID, id string) (domain.Upload, error) {
	if !util.IsID(id) {
		return domain.Upload{}, ErrInvalidFileID
	}
	up, ok, err := a.store.GetUpload(ctx, id)
	if err != nil {
		return domain.Upload{}, fmt.Errorf("get upload: %w", err)
	}
	if !ok {
		return domain.Upload{}, ErrUploadNotFound
	}
	if !uploadVisible(up, ownerID) {
		return domain.Upload{}, ErrUploadForbidden
	}
	return up, nil
}

// OpenUpload returns the upload and a reader over its content.
func (a *App) OpenUpload(ctx context.Context, ownerID, id string) (domain.Upload, io.ReadCloser, error) {
	up, err := a.GetUpload(ctx, ownerID, id)
	if err != nil {
		return domain.Upload{}, nil, err
	}
	rc, err := a.objects.Get(ctx, up.StorageKey)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return domain.Upload{}, nil, ErrUploadNotFound
	}
	if err != nil {
		return domain.Upload{}, nil, fmt.Errorf("open upload content: %w", err)
	}
	return up, rc, nil
}

// UploadBase64 returns an image upload's content as standard base64.
func (a *App) UploadBase64(ctx context.Context, ownerID, id string) (domain.Upload, string, error) {
	up, err := a.GetUpload(ctx, ownerID, id)
	if err != nil {
		return domain.Upload{}, "", err
	}
	if !up.IsImage() {
		return domain.Upload{}, "", ErrNotImage
	}
	data, err := a.readObject(ctx, up.StorageKey)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return domain.Upload{}, "", ErrUploadNotFound
	}
	if err != nil {
		return domain.Upload{}, "", fmt.Errorf("read upload content: %w", err)
	}
	return up, base64.StdEncoding.EncodeToString(data), nil
}

// TestExtraction previews the extracted text of an upload.
func (a *App) TestExtraction(ctx context.Context, ownerID, id string) (ExtractionPreview, error) {
	up, err := a.GetUpload(ctx, ownerID, id)
	if err != nil {
		return ExtractionPreview{}, err
	}
	preview := truncateRunes(up.ExtractedText, extractionPreviewLn)
	if preview == "" {
		preview = "No text extracted"
	}
	return ExtractionPreview{
		ID:                   up.ID,
		OriginalName:         up.OriginalName,
		MIMEType:             up.MIMEType,
		ExtractedTextLength:  utf8.RuneCountInString(up.ExtractedText),
		ExtractedTextPreview: preview,
		Metadata:             up.Metadata,
		HasText:              up.ExtractedText != "",
	}, nil
}

// DeleteUpload removes the metadata record and the stored content.
func (a *App) DeleteUpload(ctx context.Context, ownerID, id string) error {
	up, err := a.GetUpload(ctx, ownerID, id)
	if err != nil {
		return err
	}
	if err := a.store.DeleteUpload(ctx, up.ID); err != nil {
		return fmt.Errorf("delete upload: %w", err)
	}
	if err := a.objects.Delete(ctx, up.StorageKey); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
		util.LoggerFromContext(ctx).Warn("delete upload content", "upload_id", up.ID, "err", err)
	}
	return nil
}

// ListThreadUploads lists the owner partition's uploads for a thread, newest
// first.
func (a *App) ListThreadUploads(ctx context.Context, ownerID, threadID string) ([]domain.Upload, error) {
	uploads, err := a.store.ListThreadUploads(ctx, ownerID, threadID)
	if err != nil {
		return nil, fmt.Errorf("list thread uploads: %w", err)
	}
	return uploads, nil
}

// uploadVisible: anonymous uploads are readable by anyone holding the id,
// owned uploads only by their owner.
func uploadVisible(u domain.Upload, ownerID string) bool {
	return u.UserID == "" || u.UserID == ownerID
}

func validFilename(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, "\x00/\\") {
		return false
	}
	return filepath.Base(name) == name
}
