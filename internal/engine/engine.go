package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"addie/internal/config"
	"addie/internal/domain"
	"addie/internal/events"
	"addie/internal/phases"
	"addie/internal/repo"
	"addie/internal/telemetry"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Phases  *phases.Registry
	Logger  *zap.Logger
	Metrics *telemetry.Metrics
	Now     func() time.Time
}

// New wires an engine with the reference phase workers. Logger and metrics
// may be nil.
func New(db *sql.DB, cfg *config.Config, logger *zap.Logger, metrics *telemetry.Metrics) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics,
		Now:     time.Now,
	}
	limit := rate.Inf
	if r := cfg.Orchestrator.FetchRatePerSecond; r > 0 {
		limit = rate.Limit(r)
	}
	e.Phases = phases.NewReferenceRegistry(e.Repo, phases.Options{
		Retry: phases.RetryPolicy{
			MaxAttempts: cfg.Orchestrator.IngestRetry.MaxAttempts,
			Backoff:     cfg.Orchestrator.IngestRetry.Backoff,
		},
		Extractor: phases.NewSourceExtractor(nil, rate.NewLimiter(limit, 1)),
		Now:       e.now,
	})
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) timestamp() string {
	return e.now().Format(time.RFC3339)
}

func (e Engine) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

// ValidationError reports bad caller input.
type ValidationError struct {
	Message string
}

func (e ValidationError) Error() string {
	return e.Message
}

// ConflictError reports a request that is valid but not applicable to the
// current state.
type ConflictError struct {
	Message string
}

func (e ConflictError) Error() string {
	return e.Message
}

// ProjectCreateOptions are parameters for creating a project.
type ProjectCreateOptions struct {
	ID          string
	OrgID       string
	Name        string
	Description string
	ActorID     string
}

// CreateProject inserts a project with one pending record per phase.
func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Project{}, ValidationError{Message: "name is required"}
	}
	if opts.OrgID == "" {
		opts.OrgID = "default-org"
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	now := e.timestamp()
	p := domain.Project{
		ID:             opts.ID,
		OrgID:          opts.OrgID,
		Name:           opts.Name,
		Description:    opts.Description,
		Status:         "draft",
		CurrentPhase:   domain.FirstPhase,
		RunState:       domain.RunIdle,
		AutonomousMode: true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.CreateProject(ctx, tx, p); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.TypeProjectCreated, events.Scope{ProjectID: p.ID, ActorID: opts.ActorID},
			events.EventPayload{"org_id": p.OrgID, "name": p.Name})
	})
	if err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// DocumentAddOptions are parameters for attaching a source document.
type DocumentAddOptions struct {
	ProjectID   string
	Title       string
	Description string
	SourceType  string
	SourceURL   string
	FilePath    string
	ContentText string
	ActorID     string
}

func (e Engine) AddDocument(ctx context.Context, opts DocumentAddOptions) (domain.Document, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Document{}, ValidationError{Message: "title is required"}
	}
	if opts.SourceType == "" {
		opts.SourceType = phases.SourceText
	}
	now := e.timestamp()
	doc := domain.Document{
		ID:          uuid.NewString(),
		ProjectID:   opts.ProjectID,
		Title:       opts.Title,
		Description: opts.Description,
		SourceType:  opts.SourceType,
		SourceURL:   opts.SourceURL,
		FilePath:    opts.FilePath,
		ContentText: opts.ContentText,
		Status:      "pending",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Repo.LoadProject(ctx, tx, opts.ProjectID); err != nil {
			return err
		}
		if err := e.Repo.InsertDocument(ctx, tx, doc); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.TypeDocumentAdded, events.Scope{ProjectID: doc.ProjectID, ActorID: opts.ActorID},
			events.EventPayload{"document_id": doc.ID, "source_type": doc.SourceType})
	})
	if err != nil {
		return domain.Document{}, err
	}
	return doc, nil
}

// AddLearner registers a learner the implement phase will enroll.
func (e Engine) AddLearner(ctx context.Context, orgID, name, actorID string) (domain.Learner, error) {
	if orgID == "" || strings.TrimSpace(name) == "" {
		return domain.Learner{}, ValidationError{Message: "org and name are required"}
	}
	l := domain.Learner{ID: uuid.NewString(), OrgID: orgID, Name: name, CreatedAt: e.timestamp()}
	err := e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertLearner(ctx, tx, l); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.TypeLearnerAdded, events.Scope{ActorID: actorID},
			events.EventPayload{"learner_id": l.ID, "org_id": orgID})
	})
	if err != nil {
		return domain.Learner{}, err
	}
	return l, nil
}

func (e Engine) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return e.Repo.GetProject(ctx, id)
}

func (e Engine) ListDocuments(ctx context.Context, projectID string) ([]domain.Document, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListDocuments(ctx, projectID)
}

// ListEvents returns the audit trail of a project.
func (e Engine) ListEvents(ctx context.Context, projectID, runID string) ([]domain.Event, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListEvents(ctx, projectID, runID, 0)
}

// IsNotFound reports whether err is a missing-entity error.
func IsNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
