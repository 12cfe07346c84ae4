package phases

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"addie/internal/domain"
)

// Source types the ingester can extract text from.
const (
	SourceText     = "text"
	SourceDocument = "document"
	SourceURL      = "url"
)

const maxFetchBytes = 5 << 20

var paragraphBreak = regexp.MustCompile(`\n[ \t]*\n`)

// Extractor turns a document into plain text.
type Extractor interface {
	Extract(ctx context.Context, doc domain.Document) (string, error)
}

// SourceExtractor reads inline text, local files and URLs. URL fetches share
// one rate limiter.
type SourceExtractor struct {
	Client  *http.Client
	Limiter *rate.Limiter
}

// NewSourceExtractor fills nil arguments with a 30s client and an unlimited
// limiter.
func NewSourceExtractor(client *http.Client, limiter *rate.Limiter) *SourceExtractor {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &SourceExtractor{Client: client, Limiter: limiter}
}

// Precheck classifies documents that can never be extracted so they skip the
// retry loop.
func Precheck(doc domain.Document) error {
	switch doc.SourceType {
	case SourceText:
		if strings.TrimSpace(doc.ContentText) == "" {
			return &CapabilityError{Code: CodeContentMissing, Message: "text document has no content"}
		}
	case SourceDocument:
		if doc.FilePath == "" && strings.TrimSpace(doc.ContentText) == "" {
			return &CapabilityError{Code: CodeContentMissing, Message: "document has neither a file nor extracted text"}
		}
	case SourceURL:
		if doc.SourceURL == "" {
			return &CapabilityError{Code: CodeContentMissing, Message: "url document has no source url"}
		}
	default:
		return &CapabilityError{Code: CodeUnsupportedSourceType, Message: fmt.Sprintf("source type %q is not supported", doc.SourceType)}
	}
	return nil
}

func (e *SourceExtractor) Extract(ctx context.Context, doc domain.Document) (string, error) {
	switch doc.SourceType {
	case SourceText:
		return doc.ContentText, nil
	case SourceDocument:
		if strings.TrimSpace(doc.ContentText) != "" {
			return doc.ContentText, nil
		}
		data, err := os.ReadFile(doc.FilePath)
		if os.IsNotExist(err) {
			return "", &CapabilityError{Code: CodeContentMissing, Message: fmt.Sprintf("file %s not found", doc.FilePath)}
		}
		if err != nil {
			return "", &TransientError{Code: CodeExtractionFailed, Err: err}
		}
		return string(data), nil
	case SourceURL:
		return e.fetch(ctx, doc.SourceURL)
	}
	return "", &CapabilityError{Code: CodeUnsupportedSourceType, Message: fmt.Sprintf("source type %q is not supported", doc.SourceType)}
}

func (e *SourceExtractor) fetch(ctx context.Context, url string) (string, error) {
	if err := e.Limiter.Wait(ctx); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &CapabilityError{Code: CodeSourceUnavailable, Message: err.Error()}
	}
	resp, err := e.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &TransientError{Code: CodeURLFetchFailed, Err: err}
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return "", &TransientError{Code: CodeURLFetchFailed, Err: fmt.Errorf("GET %s: %s", url, resp.Status)}
	case resp.StatusCode >= 300:
		return "", &CapabilityError{Code: CodeSourceUnavailable, Message: fmt.Sprintf("GET %s: %s", url, resp.Status)}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return "", &TransientError{Code: CodeURLFetchFailed, Err: err}
	}
	return string(body), nil
}

// Chunk splits text into paragraphs on blank lines.
func Chunk(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var chunks []string
	for _, para := range paragraphBreak.Split(text, -1) {
		para = strings.Join(strings.Fields(para), " ")
		if para != "" {
			chunks = append(chunks, para)
		}
	}
	return chunks
}
