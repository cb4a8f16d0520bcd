package adflow

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adflowhq/adflow/internal/httpapi"
	"github.com/adflowhq/adflow/internal/modules"
	"github.com/adflowhq/adflow/internal/persistence"
	"github.com/adflowhq/adflow/internal/saga"
	"github.com/adflowhq/adflow/pkg/api"
	"github.com/adflowhq/adflow/pkg/worker"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Run                  = api.Run
	RunListOptions       = api.RunListOptions
	State                = api.State
	ArtifactRef          = api.ArtifactRef
	Override             = api.Override
	StepDefinition       = api.StepDefinition
	StepResult           = api.StepResult
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Re-export workflow states for convenience.

const (
	StateCreated           = api.StateCreated
	StateIntakeComplete    = api.StateIntakeComplete
	StateStrategyGenerated = api.StateStrategyGenerated
	StateStrategyApproved  = api.StateStrategyApproved
	StateCampaignDefined   = api.StateCampaignDefined
	StateCreativeGenerated = api.StateCreativeGenerated
	StateQCFailed          = api.StateQCFailed
	StateQCApproved        = api.StateQCApproved
	StateDelivered         = api.StateDelivered
)

// Service is the campaign pipeline orchestrator: it starts runs, answers
// queries, arms overrides, and executes claimed work.
type Service interface {
	Start(ctx context.Context, briefID string) (*Run, error)
	Get(ctx context.Context, runID string) (*Run, error)
	List(ctx context.Context, opts RunListOptions) ([]*Run, error)
	RequireOverride(ctx context.Context, runID, reason, actor string) (*Run, error)
	ForceTransition(ctx context.Context, runID string, to State) (*Run, error)
	ExecuteRun(ctx context.Context, runID, workerID string, ttl time.Duration) (*Run, error)
	ExecuteNext(ctx context.Context, workerID string, ttl time.Duration) (*Run, error)
	RenewLease(ctx context.Context, runID, workerID string, ttl time.Duration) error
}

// Service constructors
// These wrap the internal packages so external callers never need to import
// them. Every variant needs a SQL database for the module artifact tables;
// the run-store backend varies.

func newService(runs persistence.RunStore, db *sql.DB, dialect modules.Dialect, obs Observer) (Service, error) {
	pipeline, err := saga.NewPipeline(db, dialect)
	if err != nil {
		return nil, err
	}
	return saga.NewOrchestrator(runs, pipeline.Steps(), obs)
}

// NewInMemoryService keeps run records in memory (non-durable, best for
// tests) and the module artifact tables in the given SQLite database.
func NewInMemoryService(artifactDB *sql.DB) (Service, error) {
	return NewInMemoryServiceWithObserver(artifactDB, nil)
}

// NewInMemoryServiceWithObserver is NewInMemoryService with an Observer.
func NewInMemoryServiceWithObserver(artifactDB *sql.DB, obs Observer) (Service, error) {
	return newService(persistence.NewInMemoryStore(), artifactDB, modules.DialectSQLite, obs)
}

// NewSQLiteService persists runs and artifacts in the same SQLite database.
func NewSQLiteService(db *sql.DB) (Service, error) {
	return NewSQLiteServiceWithObserver(db, nil)
}

// NewSQLiteServiceWithObserver is NewSQLiteService with an Observer.
func NewSQLiteServiceWithObserver(db *sql.DB, obs Observer) (Service, error) {
	runs, err := persistence.NewSQLiteRunStore(db)
	if err != nil {
		return nil, err
	}
	return newService(runs, db, modules.DialectSQLite, obs)
}

// NewPostgresService persists runs and artifacts in PostgreSQL.
func NewPostgresService(db *sql.DB) (Service, error) {
	return NewPostgresServiceWithObserver(db, nil)
}

// NewPostgresServiceWithObserver is NewPostgresService with an Observer.
func NewPostgresServiceWithObserver(db *sql.DB, obs Observer) (Service, error) {
	runs, err := persistence.NewPostgresRunStore(db)
	if err != nil {
		return nil, err
	}
	return newService(runs, db, modules.DialectPostgres, obs)
}

// NewRedisService keeps run records and leases in Redis and the module
// artifact tables in the given SQLite database.
func NewRedisService(client *redis.Client, prefix string, artifactDB *sql.DB) (Service, error) {
	return NewRedisServiceWithObserver(client, prefix, artifactDB, nil)
}

// NewRedisServiceWithObserver is NewRedisService with an Observer.
func NewRedisServiceWithObserver(client *redis.Client, prefix string, artifactDB *sql.DB, obs Observer) (Service, error) {
	return newService(persistence.NewRedisRunStore(client, prefix), artifactDB, modules.DialectSQLite, obs)
}

// NewWorker builds a claim-poll worker over a Service returned by one of
// the constructors above.
func NewWorker(s Service, opts worker.Options) *worker.Worker {
	orch := s.(*saga.Orchestrator)
	return worker.New(orch.Runs(), orch.Executor(), opts)
}

// NewHTTPHandler exposes the Service over HTTP. metrics may be nil.
func NewHTTPHandler(s Service, metrics *BasicMetrics) http.Handler {
	return httpapi.NewRouter(s.(*saga.Orchestrator), metrics)
}
