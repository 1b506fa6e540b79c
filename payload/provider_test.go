package payload

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestFile(t *testing.T, content string) string {
	t.Helper()
	pth := filepath.Join(t.TempDir(), "section.bin")
	require.NoError(t, os.WriteFile(pth, []byte(content), 0o644))
	return pth
}

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close() //nolint:errcheck
	content, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(content)
}

func TestProvider_Open_Local(t *testing.T) {
	pth := writeTestFile(t, "local content")
	provider := NewProvider(log.NewLogger())

	tests := []struct {
		name string
		src  string
	}{
		{name: "plain path", src: pth},
		{name: "file scheme", src: "file://" + pth},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc, err := provider.Open(context.Background(), tt.src)
			require.NoError(t, err)
			assert.Equal(t, "local content", readAll(t, rc))
		})
	}
}

func TestProvider_Open_MissingLocal(t *testing.T) {
	provider := NewProvider(log.NewLogger())

	_, err := provider.Open(context.Background(), filepath.Join(t.TempDir(), "missing.bin"))

	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestProvider_Open_Remote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chunks/1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("remote content"))
	}))
	defer server.Close()

	provider := NewProvider(log.NewLogger())

	rc, err := provider.Open(context.Background(), server.URL+"/chunks/1")
	require.NoError(t, err)
	assert.Equal(t, "remote content", readAll(t, rc))

	_, err = provider.Open(context.Background(), server.URL+"/chunks/2")
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
}

func TestProvider_LocalPath_Local(t *testing.T) {
	pth := writeTestFile(t, "x")
	provider := NewProvider(log.NewLogger())

	got, err := provider.LocalPath(context.Background(), "file://"+pth)

	require.NoError(t, err)
	assert.Equal(t, pth, got)
	assert.True(t, filepath.IsAbs(got))
}

func TestProvider_LocalPath_Remote(t *testing.T) {
	content := strings.Repeat("0123456789", 1024)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "video.mp4", time.Now(), bytes.NewReader([]byte(content)))
	}))
	defer server.Close()

	provider := NewProvider(log.NewLogger())

	localPath, err := provider.LocalPath(context.Background(), server.URL+"/uploads/video.mp4")
	require.NoError(t, err)
	defer os.RemoveAll(filepath.Dir(localPath)) //nolint:errcheck

	assert.Equal(t, "video.mp4", filepath.Base(localPath))
	downloaded, err := os.ReadFile(localPath)
	require.NoError(t, err)
	assert.Equal(t, content, string(downloaded))
}

func TestFileNameFromURL(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		{src: "https://example.com/a/b/video.mp4?sig=1", want: "video.mp4"},
		{src: "https://example.com/", want: "payload"},
		{src: "https://example.com", want: "payload"},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			got, err := fileNameFromURL(tt.src)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
