package files

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aperture-ai/assistant-gateway/internal/model"
	"github.com/aperture-ai/assistant-gateway/pkg/logger"
)

func TestFormatSize(t *testing.T) {
	cases := []struct {
		bytes int64
		want  string
	}{
		{0, "0 Bytes"},
		{512, "512 Bytes"},
		{1024, "1 KB"},
		{1536, "1.5 KB"},
		{1048576, "1 MB"},
		{2621440, "2.5 MB"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, FormatSize(tc.bytes), "bytes=%d", tc.bytes)
	}
}

func TestContextBlockFormat(t *testing.T) {
	atts := []model.Attachment{
		{Name: "photo.png", MIMEType: "image/png", URL: "https://cdn.example/photo.png", Size: 2048},
		{Name: "notes.txt", MIMEType: "text/plain", URL: "https://cdn.example/notes.txt", Size: 1536},
	}

	block := ContextBlock(atts)
	assert.True(t, strings.HasPrefix(block, "\n\n=== ATTACHED FILES ===\n"))
	assert.True(t, strings.HasSuffix(block, "\n=== END FILES ===\n"))
	assert.Contains(t, block, "IMAGES (1):")
	assert.Contains(t, block, "1. photo.png (image/png)\n   URL: https://cdn.example/photo.png")
	assert.Contains(t, block, "DOCUMENTS (1):")
	assert.Contains(t, block, "1. notes.txt (text/plain) - 1.5 KB")

	assert.Empty(t, ContextBlock(nil))
}

func TestContentsSection(t *testing.T) {
	section := ContentsSection([]Extract{{Name: "a.txt", Content: "hello"}})
	assert.Contains(t, section, "FILE CONTENTS:")
	assert.Contains(t, section, "--- Content of a.txt ---\nhello\n--- End of a.txt ---")
	assert.Empty(t, ContentsSection(nil))
}

func TestAcknowledgmentBlock(t *testing.T) {
	imgOnly := AcknowledgmentBlock([]model.Attachment{{Name: "x.png", MIMEType: "image/png"}})
	assert.Contains(t, imgOnly, "- Images:")
	assert.NotContains(t, imgOnly, "- Documents:")

	both := AcknowledgmentBlock([]model.Attachment{
		{Name: "x.png", MIMEType: "image/png"},
		{Name: "y.txt", MIMEType: "text/plain"},
	})
	assert.Contains(t, both, "- Images:")
	assert.Contains(t, both, "- Documents:")

	assert.Empty(t, AcknowledgmentBlock(nil))
}

func TestExtractAllTruncates(t *testing.T) {
	long := strings.Repeat("a", maxExtractChars+500)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(long))
	}))
	defer srv.Close()

	e := NewExtractor(logger.NewNop())
	extracts := e.ExtractAll(context.Background(), []model.Attachment{
		{Name: "big.txt", MIMEType: "text/plain", URL: srv.URL},
		{Name: "skip.bin", MIMEType: "application/octet-stream", URL: srv.URL},
	})

	require.Len(t, extracts, 1, "non-text attachments are skipped")
	assert.Equal(t, "big.txt", extracts[0].Name)
	assert.Len(t, extracts[0].Content, maxExtractChars+len(truncationMarker))
	assert.True(t, strings.HasSuffix(extracts[0].Content, truncationMarker))
}

func TestExtractAllTruncatesOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("界", 2*maxExtractChars/3)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(long))
	}))
	defer srv.Close()

	e := NewExtractor(logger.NewNop())
	extracts := e.ExtractAll(context.Background(), []model.Attachment{
		{Name: "cjk.txt", MIMEType: "text/plain", URL: srv.URL},
	})

	require.Len(t, extracts, 1)
	content := extracts[0].Content
	assert.True(t, utf8.ValidString(content), "truncation split a rune")
	assert.True(t, strings.HasSuffix(content, truncationMarker))
	assert.LessOrEqual(t, len(content), maxExtractChars+len(truncationMarker))
}

func TestExtractAllSwallowsFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	e := NewExtractor(logger.NewNop())
	extracts := e.ExtractAll(context.Background(), []model.Attachment{
		{Name: "gone.txt", MIMEType: "text/plain", URL: srv.URL},
	})
	assert.Empty(t, extracts)
}
