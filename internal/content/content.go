package content

import (
	"errors"
	"html"
	"regexp"
	"strings"

	"droidtour/internal/models"

	"github.com/h2non/filetype"
	"github.com/microcosm-cc/bluemonday"
)

const defaultMimeType = "application/octet-stream"

var (
	policy  = bluemonday.StrictPolicy()
	idRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

// Sanitize strips markup from message text and returns it as plain text.
// Characters such as "&" and "<" that are not part of a tag are kept as is.
func Sanitize(input string) string {
	return html.UnescapeString(policy.Sanitize(input))
}

// SanitizeName strips markup and surrounding space from display names.
func SanitizeName(input string) string {
	return strings.TrimSpace(Sanitize(input))
}

// ValidateID checks that a user or conversation id can be used as a single
// store path segment (alphanumeric, dot, dash, underscore).
func ValidateID(id string) error {
	if id == "" {
		return errors.New("id cannot be empty")
	}
	if !idRegex.MatchString(id) {
		return errors.New("id contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}

// DetectAttachment classifies an upload from its leading bytes.
func DetectAttachment(head []byte) (models.AttachmentType, string) {
	kind, err := filetype.Match(head)
	if err != nil || kind == filetype.Unknown {
		return models.AttachmentTypeFile, defaultMimeType
	}
	if filetype.IsImage(head) {
		return models.AttachmentTypeImage, kind.MIME.Value
	}
	return models.AttachmentTypeFile, kind.MIME.Value
}
