// Package files builds the deterministic attachment context injected into
// outbound user messages and extracts text content from uploaded files.
package files

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/aperture-ai/assistant-gateway/internal/model"
)

// Extract is text content recovered from one attachment.
type Extract struct {
	Name    string
	Content string
}

// ContextBlock renders the attachment listing injected into the outbound
// user message. Empty for no attachments.
func ContextBlock(attachments []model.Attachment) string {
	if len(attachments) == 0 {
		return ""
	}

	var images, documents []model.Attachment
	for _, a := range attachments {
		if a.IsImage() {
			images = append(images, a)
		} else {
			documents = append(documents, a)
		}
	}

	var b strings.Builder
	b.WriteString("\n\n=== ATTACHED FILES ===\n")

	if len(images) > 0 {
		fmt.Fprintf(&b, "\nIMAGES (%d):\n", len(images))
		for i, img := range images {
			fmt.Fprintf(&b, "%d. %s (%s)\n   URL: %s\n", i+1, img.Name, img.MIMEType, img.URL)
		}
	}

	if len(documents) > 0 {
		fmt.Fprintf(&b, "\nDOCUMENTS (%d):\n", len(documents))
		for i, doc := range documents {
			fmt.Fprintf(&b, "%d. %s (%s) - %s\n   URL: %s\n", i+1, doc.Name, doc.MIMEType, FormatSize(doc.Size), doc.URL)
		}
	}

	b.WriteString("\n=== END FILES ===\n")
	return b.String()
}

// ContentsSection renders the FILE CONTENTS block for extracted text.
// Empty when nothing was extracted.
func ContentsSection(extracts []Extract) string {
	if len(extracts) == 0 {
		return ""
	}

	parts := make([]string, len(extracts))
	for i, e := range extracts {
		parts[i] = fmt.Sprintf("\n--- Content of %s ---\n%s\n--- End of %s ---", e.Name, e.Content, e.Name)
	}
	return "\n\nFILE CONTENTS:\n" + strings.Join(parts, "\n")
}

// AugmentContent appends the attachment context and extracted file contents
// to a user message body.
func AugmentContent(content string, attachments []model.Attachment, extracts []Extract) string {
	return content + ContextBlock(attachments) + ContentsSection(extracts)
}

// AcknowledgmentBlock renders the system-instruction addition describing
// shared files. Empty for no attachments.
func AcknowledgmentBlock(attachments []model.Attachment) string {
	if len(attachments) == 0 {
		return ""
	}

	hasImages, hasDocs := false, false
	for _, a := range attachments {
		if a.IsImage() {
			hasImages = true
		} else {
			hasDocs = true
		}
	}

	var b strings.Builder
	b.WriteString("\n\nThe user has shared files with you:")
	if hasImages {
		b.WriteString("\n- Images: I can see the URLs and filenames. While I cannot directly view the images with this model, I can help based on the context and filenames provided.")
	}
	if hasDocs {
		b.WriteString("\n- Documents: I can see filenames, types, and have extracted text content where possible. Reference this information in your response.")
	}
	b.WriteString("\n\nPlease acknowledge the files and provide relevant assistance based on the file information provided.")
	return b.String()
}

var sizeUnits = []string{"Bytes", "KB", "MB", "GB"}

// FormatSize renders a byte count in a human-readable unit with up to two
// decimal places, trailing zeros dropped.
func FormatSize(bytes int64) string {
	if bytes == 0 {
		return "0 Bytes"
	}

	const k = 1024
	i := int(math.Floor(math.Log(float64(bytes)) / math.Log(k)))
	if i >= len(sizeUnits) {
		i = len(sizeUnits) - 1
	}

	v := float64(bytes) / math.Pow(k, float64(i))
	v = math.Round(v*100) / 100
	return strconv.FormatFloat(v, 'f', -1, 64) + " " + sizeUnits[i]
}
