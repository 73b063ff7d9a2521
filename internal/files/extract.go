package files

import (
	"context"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/aperture-ai/assistant-gateway/internal/model"
	"github.com/aperture-ai/assistant-gateway/pkg/logger"
)

// maxExtractChars caps extracted file content before truncation.
const maxExtractChars = 5000

// truncationMarker is appended when extracted content exceeds the cap.
const truncationMarker = "...[truncated]"

// Extractor fetches text content from already-uploaded attachments.
type Extractor struct {
	httpClient *http.Client
	logger     *logger.Logger
}

// NewExtractor creates an attachment text extractor.
func NewExtractor(log *logger.Logger) *Extractor {
	return &Extractor{
		httpClient: &http.Client{},
		logger:     log,
	}
}

// Extractable reports whether text extraction is attempted for a MIME type.
func Extractable(mimeType string) bool {
	return strings.Contains(mimeType, "text/") || strings.Contains(mimeType, "json")
}

// ExtractAll fetches text content for every extractable attachment.
// Failures are logged and skipped; extraction is best-effort.
func (e *Extractor) ExtractAll(ctx context.Context, attachments []model.Attachment) []Extract {
	var extracts []Extract
	for _, att := range attachments {
		content, ok := e.extract(ctx, att)
		if ok {
			extracts = append(extracts, Extract{Name: att.Name, Content: content})
		}
	}
	return extracts
}

func (e *Extractor) extract(ctx context.Context, att model.Attachment) (string, bool) {
	if !Extractable(att.MIMEType) {
		return "", false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.URL, nil)
	if err != nil {
		return "", false
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		e.logger.Warn("could not extract attachment content",
			zap.String("name", att.Name), zap.Error(err))
		return "", false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		e.logger.Warn("could not extract attachment content",
			zap.String("name", att.Name), zap.Int("status", resp.StatusCode))
		return "", false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxExtractChars+1))
	if err != nil {
		return "", false
	}

	text := string(body)
	if len(text) > maxExtractChars {
		cut := maxExtractChars
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut] + truncationMarker
	}
	return text, true
}
