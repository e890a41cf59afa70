package storage

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gabrielkendy/agenciabase-sub002/internal/config"
)

func TestUploadBuffer(t *testing.T) {
	m := NewMemory("assets", "https://cdn.example.com/")
	res, err := m.UploadBuffer(context.Background(), []byte("hello"), UploadOptions{Folder: "/org-1/job-1/", FileName: "a.txt", ContentType: "text/plain"})
	require.NoError(t, err)

	assert.Equal(t, "org-1/job-1/a.txt", res.Path)
	assert.Equal(t, "https://cdn.example.com/org-1/job-1/a.txt", res.PublicURL)
	assert.Equal(t, int64(5), res.Size)

	obj, ok := m.Get(res.Path)
	require.True(t, ok)
	assert.Equal(t, "hello", string(obj.Data))
}

func TestUploadBufferGeneratesName(t *testing.T) {
	m := NewMemory("", "")
	res, err := m.UploadBuffer(context.Background(), []byte("x"), UploadOptions{Folder: "f", ContentType: "image/png"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.Path, "f/"))
	assert.True(t, strings.HasSuffix(res.Path, ".png"))
	assert.True(t, strings.HasPrefix(res.PublicURL, "memory://assets/f/"))
}

func TestUploadBase64(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("", "")
	payload := base64.StdEncoding.EncodeToString([]byte("png-bytes"))

	tests := []struct {
		name        string
		data        string
		contentType string
		wantErr     bool
	}{
		{name: "raw", data: payload, contentType: "text/plain"},
		{name: "data uri", data: "data:image/webp;base64," + payload, contentType: "image/webp"},
		{name: "not base64 uri", data: "data:text/plain,hello", wantErr: true},
		{name: "garbage", data: "%%%", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := m.UploadBase64(ctx, tt.data, UploadOptions{Folder: "b64"})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			obj, ok := m.Get(res.Path)
			require.True(t, ok)
			assert.Equal(t, "png-bytes", string(obj.Data))
			assert.Equal(t, tt.contentType, obj.ContentType)
		})
	}
}

func TestUploadFromURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "video/mp4; codecs=avc1")
		w.Write([]byte("video-bytes"))
	}))
	defer srv.Close()

	m := NewMemory("", "")
	res, err := m.UploadFromURL(context.Background(), srv.URL+"/v.mp4", UploadOptions{Folder: "v"})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(res.Path, ".mp4"))
	assert.Equal(t, int64(len("video-bytes")), res.Size)

	_, err = m.UploadFromURL(context.Background(), srv.URL+"/missing", UploadOptions{})
	assert.Error(t, err)
}

func TestNewS3RequiresCredentials(t *testing.T) {
	_, err := NewS3(config.StorageConfig{BucketName: "b"})
	assert.Error(t, err)

	_, err = NewS3(config.StorageConfig{AccessKeyID: "a", SecretAccessKey: "s", BucketName: "b"})
	assert.Error(t, err, "account id or endpoint is required")

	s, err := NewS3(config.StorageConfig{AccessKeyID: "a", SecretAccessKey: "s", BucketName: "b", AccountID: "acc", PublicURL: "https://cdn.example.com/"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/k.png", s.publicURLFor("b", "k.png"))
	assert.Equal(t, "https://other.r2.cloudflarestorage.com/k.png", s.publicURLFor("other", "k.png"))
}
