// Package storage uploads generated assets to object storage.
package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// maxDownloadSize caps how much UploadFromURL will copy from a provider URL.
const maxDownloadSize = 512 << 20

// Storage defines the interface for object storage operations
type Storage interface {
	UploadBuffer(ctx context.Context, data []byte, opts UploadOptions) (*UploadResult, error)
	// UploadBase64 accepts raw base64 or a data: URI.
	UploadBase64(ctx context.Context, data string, opts UploadOptions) (*UploadResult, error)
	UploadFromURL(ctx context.Context, url string, opts UploadOptions) (*UploadResult, error)
}

// UploadOptions places an object. Bucket defaults to the configured bucket
// and FileName to a random name with an extension matching ContentType.
type UploadOptions struct {
	Bucket      string
	Folder      string
	FileName    string
	ContentType string
}

type UploadResult struct {
	Path      string `json:"path"`
	PublicURL string `json:"publicUrl"`
	Size      int64  `json:"size"`
}

var extensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
	"video/mp4":  ".mp4",
	"video/webm": ".webm",
	"audio/mpeg": ".mp3",
	"audio/wav":  ".wav",
	"audio/ogg":  ".ogg",
}

// Extension returns the file extension for a known content type, or "".
func Extension(contentType string) string {
	return extensions[contentType]
}

func objectKey(opts UploadOptions) string {
	name := opts.FileName
	if name == "" {
		name = uuid.New().String() + extensions[opts.ContentType]
	}
	if opts.Folder == "" {
		return name
	}
	return path.Join(strings.Trim(opts.Folder, "/"), name)
}

func resolveContentType(opts UploadOptions, data []byte) UploadOptions {
	if opts.ContentType == "" {
		opts.ContentType = http.DetectContentType(data)
		if i := strings.IndexByte(opts.ContentType, ';'); i >= 0 {
			opts.ContentType = opts.ContentType[:i]
		}
	}
	return opts
}

// decodeBase64 decodes raw base64 or a data URI. The content type of a data
// URI fills in opts.ContentType when unset.
func decodeBase64(data string, opts UploadOptions) ([]byte, UploadOptions, error) {
	if strings.HasPrefix(data, "data:") {
		comma := strings.IndexByte(data, ',')
		if comma < 0 {
			return nil, opts, fmt.Errorf("malformed data URI")
		}
		meta := data[len("data:"):comma]
		if !strings.HasSuffix(meta, ";base64") {
			return nil, opts, fmt.Errorf("data URI is not base64 encoded")
		}
		if opts.ContentType == "" {
			opts.ContentType = strings.TrimSuffix(meta, ";base64")
		}
		data = data[comma+1:]
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, opts, fmt.Errorf("failed to decode base64: %w", err)
	}
	return raw, opts, nil
}

type bufferUploader interface {
	UploadBuffer(ctx context.Context, data []byte, opts UploadOptions) (*UploadResult, error)
}

func uploadBase64(ctx context.Context, u bufferUploader, data string, opts UploadOptions) (*UploadResult, error) {
	raw, opts, err := decodeBase64(data, opts)
	if err != nil {
		return nil, err
	}
	return u.UploadBuffer(ctx, raw, opts)
}

func uploadFromURL(ctx context.Context, u bufferUploader, client *http.Client, url string, opts UploadOptions) (*UploadResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("failed to download %s: status %d", url, resp.StatusCode)
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(resp.Body, maxDownloadSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", url, err)
	}
	if n > maxDownloadSize {
		return nil, fmt.Errorf("download of %s exceeds %d bytes", url, maxDownloadSize)
	}

	if opts.ContentType == "" {
		if ct := resp.Header.Get("Content-Type"); ct != "" {
			opts.ContentType = strings.TrimSpace(strings.SplitN(ct, ";", 2)[0])
		}
	}
	return u.UploadBuffer(ctx, buf.Bytes(), opts)
}

func newDownloadClient() *http.Client {
	return &http.Client{Timeout: 2 * time.Minute}
}
