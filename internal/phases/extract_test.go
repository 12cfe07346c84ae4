package phases_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"addie/internal/domain"
	"addie/internal/phases"
)

func TestPrecheckClassifiesCapabilityErrors(t *testing.T) {
	cases := []struct {
		name string
		doc  domain.Document
		code string
	}{
		{"unsupported", domain.Document{SourceType: "video", SourceURL: "http://x"}, phases.CodeUnsupportedSourceType},
		{"empty text", domain.Document{SourceType: "text", ContentText: "  "}, phases.CodeContentMissing},
		{"no file", domain.Document{SourceType: "document"}, phases.CodeContentMissing},
		{"no url", domain.Document{SourceType: "url"}, phases.CodeContentMissing},
		{"ok", domain.Document{SourceType: "text", ContentText: "hello"}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := phases.Precheck(tc.doc)
			if tc.code == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tc.code, phases.ErrorCode(err))
		})
	}
}

func TestChunkSplitsParagraphs(t *testing.T) {
	chunks := phases.Chunk("First  line\nstill first.\n\nSecond.\r\n  \r\nThird.\n\n\n")
	assert.Equal(t, []string{"First line still first.", "Second.", "Third."}, chunks)
	assert.Empty(t, phases.Chunk("\n\n  \n"))
}

func TestURLExtractionRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, "Para one.\n\nPara two.")
	}))
	defer srv.Close()

	ex := phases.NewSourceExtractor(srv.Client(), rate.NewLimiter(rate.Inf, 1))
	doc := domain.Document{SourceType: "url", SourceURL: srv.URL}
	var text string
	attempts, err := phases.RetryPolicy{MaxAttempts: 3}.Do(context.Background(), func(ctx context.Context, _ int) error {
		var err error
		text, err = ex.Extract(ctx, doc)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Len(t, phases.Chunk(text), 2)
}

func TestURLExtractionClientErrorIsNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	ex := phases.NewSourceExtractor(srv.Client(), nil)
	_, err := ex.Extract(context.Background(), domain.Document{SourceType: "url", SourceURL: srv.URL})
	require.Error(t, err)
	assert.False(t, phases.IsRetryable(err))
	assert.Equal(t, phases.CodeSourceUnavailable, phases.ErrorCode(err))
}
