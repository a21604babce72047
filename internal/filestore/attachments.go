package filestore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"droidtour/internal/content"
	"droidtour/internal/models"
	"droidtour/internal/rtdb"
)

// Metadata is the record kept for every uploaded attachment.
type Metadata struct {
	Hash       string                `msgpack:"-" json:"hash"`
	Name       string                `msgpack:"name" json:"name"`
	MimeType   string                `msgpack:"mimeType" json:"mimeType"`
	Type       models.AttachmentType `msgpack:"type" json:"type"`
	Size       int64                 `msgpack:"size" json:"size"`
	UploaderID string                `msgpack:"uploaderId" json:"uploaderId"`
	CreatedAt  int64                 `msgpack:"createdAt" json:"createdAt"`
}

// Attachments stores chat attachments and records their metadata in the tree store.
type Attachments struct {
	db       *rtdb.DB
	files    *LocalFileStore
	baseURL  string
	maxBytes int64
}

func NewAttachments(db *rtdb.DB, files *LocalFileStore, baseURL string, maxBytes int64) *Attachments {
	return &Attachments{
		db:       db,
		files:    files,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		maxBytes: maxBytes,
	}
}

func metadataPath(hash string) string {
	return models.AttachmentsPath + "/" + hash
}

// URL is where clients download the attachment with the given hash.
func (a *Attachments) URL(hash string) string {
	return a.baseURL + "/api/attachments/" + hash
}

// Upload stores the content of r and returns the descriptor to attach to a message.
func (a *Attachments) Upload(ctx context.Context, uploaderID, name string, r io.Reader) (models.Attachment, error) {
	if uploaderID == "" {
		return models.Attachment{}, fmt.Errorf("%w: uploader id is required", models.ErrInvalidArgument)
	}
	name = content.SanitizeName(filepath.Base(name))
	if name == "" || name == "." || name == "/" {
		name = "attachment"
	}

	stored, err := a.files.Put(r, a.maxBytes)
	if err != nil {
		return models.Attachment{}, err
	}
	if stored.Size == 0 {
		return models.Attachment{}, fmt.Errorf("%w: empty file", models.ErrInvalidArgument)
	}

	kind, mime := content.DetectAttachment(stored.Head)
	err = a.db.Set(ctx, metadataPath(stored.Hash), map[string]any{
		"name":       name,
		"mimeType":   mime,
		"type":       string(kind),
		"size":       stored.Size,
		"uploaderId": uploaderID,
		"createdAt":  rtdb.ServerTimestamp,
	})
	if err != nil {
		return models.Attachment{}, fmt.Errorf("failed to save attachment metadata: %w", err)
	}

	return models.Attachment{
		Type: kind,
		URL:  a.URL(stored.Hash),
		Name: name,
		Size: stored.Size,
	}, nil
}

// Open returns the metadata and content of an attachment. The caller closes the file.
func (a *Attachments) Open(ctx context.Context, hash string) (Metadata, *os.File, error) {
	if !validHash(hash) {
		return Metadata{}, nil, fmt.Errorf("%w: malformed attachment hash", models.ErrInvalidArgument)
	}
	snap, err := a.db.Get(ctx, metadataPath(hash))
	if err != nil {
		return Metadata{}, nil, err
	}
	if !snap.Exists() {
		return Metadata{}, nil, fmt.Errorf("attachment %s: %w", hash, models.ErrNotFound)
	}
	var meta Metadata
	if err := snap.Decode(&meta); err != nil {
		return Metadata{}, nil, err
	}
	meta.Hash = hash

	f, err := a.files.Open(hash)
	if err != nil {
		return Metadata{}, nil, err
	}
	return meta, f, nil
}
