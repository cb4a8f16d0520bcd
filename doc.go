// Package adflow is a saga-style orchestration core for a campaign
// production pipeline: client intake, strategy, creative production,
// quality control, and delivery.
//
// Each brief moves through an explicit state machine
//
//	CREATED -> INTAKE_COMPLETE -> STRATEGY_GENERATED -> STRATEGY_APPROVED
//	        -> CAMPAIGN_DEFINED -> CREATIVE_GENERATED -> (QC_FAILED | QC_APPROVED)
//	        -> DELIVERED
//
// driven by an ordered list of steps. Every step persists its artifact
// idempotently in its own store; when a step fails, the completed steps are
// compensated in reverse order with real deletions, leaving no orphan rows.
// A rejected QC review is a branch, not a failure: the run parks in
// QC_FAILED and a later claim re-runs the review, replacing its previous
// result.
//
// # Runs, claims and leases
//
// A Run is the durable record of one pipeline instance. Workers claim runs
// through an atomic conditional update with a lease; an expired lease makes
// the run reclaimable, which is also how crashed workers are recovered. The
// executor persists the run after every step, so a reclaimed run resumes
// exactly where the previous worker left off.
//
// # Backends
//
// Run records can live in memory (tests), SQLite, PostgreSQL, or Redis.
// Module artifact tables are SQL-backed in every configuration:
//
//	db, _ := sql.Open("sqlite", "adflow.db")
//	svc, _ := adflow.NewSQLiteService(db)
//
//	run, _ := svc.Start(ctx, "brief-42")
//	run, _ = svc.ExecuteRun(ctx, run.ID, "worker-1", 30*time.Second)
//
// # Workers
//
// For continuous processing, run one or more workers:
//
//	w := adflow.NewWorker(svc, worker.Options{})
//	go w.Run(ctx)
//
// Workers heartbeat their lease while a run executes and release it when
// done. Any number of workers may share a store.
//
// # Manual intervention
//
// Illegal state transitions are rejected without mutating the run. An
// operator can arm a one-shot override (with a reason and an actor) that
// lets exactly the next transition attempt through:
//
//	svc.RequireOverride(ctx, runID, "client escalation", "ops@example.com")
//	svc.ForceTransition(ctx, runID, adflow.StateQCApproved)
//
// # Observability
//
// Observers receive run and step lifecycle callbacks. LoggingObserver emits
// structured slog records, BasicMetrics keeps counters, and
// CompositeObserver fans out to several observers at once.
package adflow
