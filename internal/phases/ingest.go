package phases

import (
	"context"
	"errors"
	"time"

	"addie/internal/domain"
	"addie/internal/repo"
)

// Document states written by the ingester.
const (
	DocIndexed = "indexed"
	DocFailed  = "failed"
)

// Ingester extracts and chunks every document of a project. A failing
// document is recorded in the result without failing the phase; the gate
// decides whether the phase passes.
type Ingester struct {
	Store     Store
	Retry     RetryPolicy
	Extractor Extractor
	now       func() time.Time
}

func (in *Ingester) Execute(ctx context.Context, projectID string) (Report, error) {
	if _, err := in.Store.GetProject(ctx, projectID); err != nil {
		return missingOr(err)
	}
	docs, err := in.Store.ListDocuments(ctx, projectID)
	if err != nil {
		return Report{}, err
	}
	result := domain.IngestResult{Documents: []domain.DocumentIngest{}}
	report := Report{Status: StatusCompleted}
	for _, doc := range docs {
		outcome, chunks, err := in.ingest(ctx, doc)
		if err != nil {
			return Report{}, err
		}
		if outcome.Attempts > 1 {
			report.Retries += outcome.Attempts - 1
		}
		report.ComputeCost += float64(len(chunks))
		doc.Status = outcome.Status
		doc.ErrorCode = outcome.ErrorCode
		doc.ErrorMessage = outcome.Message
		doc.UpdatedAt = timestamp(clockOf(in.now))
		if err := in.Store.SaveDocumentIndex(ctx, doc, chunks); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return Report{Status: StatusMissing}, nil
			}
			return Report{}, err
		}
		result.Documents = append(result.Documents, outcome)
		if outcome.Status == DocIndexed {
			result.Indexed++
		} else {
			result.Failed++
		}
	}
	err = in.Store.UpdatePhaseResults(ctx, projectID, timestamp(clockOf(in.now)), func(r *domain.PhaseResults) {
		r.Ingest = &result
	})
	if err != nil {
		return missingOr(err)
	}
	return report, nil
}

// ingest returns a non-nil error only when ctx ends; document failures are
// reported in the outcome.
func (in *Ingester) ingest(ctx context.Context, doc domain.Document) (domain.DocumentIngest, []string, error) {
	outcome := domain.DocumentIngest{DocumentID: doc.ID}
	if err := Precheck(doc); err != nil {
		outcome.Status = DocFailed
		outcome.ErrorCode = ErrorCode(err)
		outcome.Message = err.Error()
		return outcome, nil, nil
	}
	var chunks []string
	attempts, err := in.Retry.Do(ctx, func(ctx context.Context, _ int) error {
		text, err := in.Extractor.Extract(ctx, doc)
		if err != nil {
			return err
		}
		chunks = Chunk(text)
		if len(chunks) == 0 {
			return &CapabilityError{Code: CodeContentMissing, Message: "no extractable text"}
		}
		return nil
	})
	outcome.Attempts = attempts
	if ctxErr := ctx.Err(); ctxErr != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return outcome, nil, ctxErr
	}
	if err != nil {
		outcome.Status = DocFailed
		outcome.ErrorCode = ErrorCode(err)
		outcome.Message = err.Error()
		outcome.Retryable = IsRetryable(err)
		return outcome, nil, nil
	}
	outcome.Status = DocIndexed
	outcome.ChunkCount = len(chunks)
	return outcome, chunks, nil
}

func missingOr(err error) (Report, error) {
	if errors.Is(err, repo.ErrNotFound) {
		return Report{Status: StatusMissing}, nil
	}
	return Report{}, err
}
