package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"duochat/chat"
	"duochat/logger"
	"duochat/models"
)

// DiskUploader stores attachments as files in a directory that is served
// read-only under baseURL.
type DiskUploader struct {
	dir     string
	baseURL string
}

// NewDiskUploader creates dir if needed
func NewDiskUploader(dir, baseURL string) (*DiskUploader, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &DiskUploader{dir: dir, baseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

// Dir returns the directory files are written to
func (u *DiskUploader) Dir() string {
	return u.dir
}

// Upload writes the blob under a random name and returns its public reference.
// The file only becomes visible once it is completely written.
func (u *DiskUploader) Upload(ctx context.Context, blob chat.Blob) (models.Attachment, error) {
	if len(blob.Data) == 0 {
		return models.Attachment{}, errors.New("empty blob")
	}
	if err := ctx.Err(); err != nil {
		return models.Attachment{}, err
	}

	name := uuid.NewString() + safeExt(blob.Name)
	tmp, err := os.CreateTemp(u.dir, ".upload-*")
	if err != nil {
		return models.Attachment{}, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(blob.Data); err != nil {
		tmp.Close()
		return models.Attachment{}, fmt.Errorf("write attachment: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return models.Attachment{}, fmt.Errorf("close attachment: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return models.Attachment{}, err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(u.dir, name)); err != nil {
		return models.Attachment{}, fmt.Errorf("publish attachment: %w", err)
	}

	logger.L.Info("attachment stored", "file", name, "size", len(blob.Data))
	return models.Attachment{
		URL:  u.baseURL + "/" + name,
		Kind: models.KindFromContentType(blob.ContentType),
		Name: filepath.Base(blob.Name),
	}, nil
}

// safeExt keeps a short alphanumeric extension of name, or nothing
func safeExt(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if len(ext) < 2 || len(ext) > 10 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
