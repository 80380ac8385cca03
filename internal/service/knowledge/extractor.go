package knowledge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

var ErrUnsupportedContent = errors.New("knowledge: unsupported content type")

const maxExtractBytes = 4 << 20

// File is an uploaded file handed to an extractor.
type File struct {
	Name        string
	ContentType string
	Body        io.Reader
}

// Extractor turns an upload into plain text.
type Extractor interface {
	Extract(ctx context.Context, file File) (string, error)
}

// TextExtractor handles text/* uploads and well known text extensions.
// Image, audio and video extraction are served by external pipelines.
type TextExtractor struct{}

func (TextExtractor) Extract(_ context.Context, file File) (string, error) {
	if !isText(file) {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedContent, file.ContentType)
	}

	data, err := io.ReadAll(io.LimitReader(file.Body, maxExtractBytes))
	if err != nil {
		return "", fmt.Errorf("knowledge: read %s: %w", file.Name, err)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: %s is not utf-8 text", ErrUnsupportedContent, file.Name)
	}
	return strings.TrimSpace(string(data)), nil
}

// Category maps a content type to the bucket the upload belongs to.
func Category(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return "image"
	case strings.HasPrefix(contentType, "audio/"):
		return "audio"
	case strings.HasPrefix(contentType, "video/"):
		return "video"
	default:
		return "document"
	}
}

func isText(file File) bool {
	mediaType, _, err := mime.ParseMediaType(file.ContentType)
	if err == nil && strings.HasPrefix(mediaType, "text/") {
		return true
	}
	switch strings.ToLower(filepath.Ext(file.Name)) {
	case ".txt", ".md", ".markdown", ".csv":
		return true
	}
	return false
}
