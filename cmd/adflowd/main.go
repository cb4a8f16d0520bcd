// Command adflowd runs the campaign pipeline daemon: an HTTP API for
// starting and inspecting runs, and a worker loop that executes them.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/adflowhq/adflow/internal/config"
	"github.com/adflowhq/adflow/internal/httpapi"
	"github.com/adflowhq/adflow/internal/modules"
	"github.com/adflowhq/adflow/internal/persistence"
	"github.com/adflowhq/adflow/internal/saga"
	"github.com/adflowhq/adflow/pkg/api"
	"github.com/adflowhq/adflow/pkg/worker"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "adflowd",
		Short:         "Campaign pipeline orchestration daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	root.AddCommand(newServeCmd(), newWorkCmd(), newStatesCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// stack is everything a command needs: the orchestrator plus its observers.
type stack struct {
	cfg     config.Config
	orch    *saga.Orchestrator
	metrics *api.BasicMetrics
	close   func()
}

func buildStack() (*stack, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	metrics := &api.BasicMetrics{}
	observer := api.NewCompositeObserver(
		api.NewLoggingObserver(slog.Default()),
		metrics,
	)

	var closers []func()
	closeAll := func() {
		for _, fn := range closers {
			fn()
		}
	}

	// The module artifact tables are SQL-backed in every configuration.
	artifactDriver := "sqlite"
	dialect := modules.DialectSQLite
	if cfg.Backend == config.BackendPostgres {
		artifactDriver = "pgx"
		dialect = modules.DialectPostgres
	}
	db, err := sql.Open(artifactDriver, cfg.ArtifactDatabase())
	if err != nil {
		return nil, fmt.Errorf("open artifact database: %w", err)
	}
	closers = append(closers, func() { _ = db.Close() })

	var runs persistence.RunStore
	switch cfg.Backend {
	case config.BackendMemory:
		runs = persistence.NewInMemoryStore()
	case config.BackendSQLite:
		runs, err = persistence.NewSQLiteRunStore(db)
	case config.BackendPostgres:
		runs, err = persistence.NewPostgresRunStore(db)
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.DSN})
		closers = append(closers, func() { _ = client.Close() })
		runs = persistence.NewRedisRunStore(client, "adflow:")
	}
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("init run store: %w", err)
	}

	pipeline, err := saga.NewPipeline(db, dialect)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("init pipeline: %w", err)
	}

	threshold := cfg.QCThreshold
	pipeline.SetGenerators(saga.Generators{
		Review: func(ctx context.Context, run *api.Run, draftID string, attempt int) (modules.QCPayload, error) {
			const score = 90
			return modules.QCPayload{
				Score:   score,
				Notes:   "automated review",
				Passed:  score >= threshold,
				Attempt: attempt,
			}, nil
		},
	})

	orch, err := saga.NewOrchestrator(runs, pipeline.Steps(), observer)
	if err != nil {
		closeAll()
		return nil, err
	}

	return &stack{cfg: cfg, orch: orch, metrics: metrics, close: closeAll}, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := buildStack()
			if err != nil {
				return err
			}
			defer st.close()

			srv := &http.Server{
				Addr:    st.cfg.ListenAddr,
				Handler: httpapi.NewRouter(st.orch, st.metrics),
			}

			ctx, stop := signalContext()
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				slog.Info("http_api_listening", slog.String("addr", st.cfg.ListenAddr))
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func newWorkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "work",
		Short: "Run the claim-poll worker loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := buildStack()
			if err != nil {
				return err
			}
			defer st.close()

			w := worker.New(st.orch.Runs(), st.orch.Executor(), worker.Options{
				ID:           st.cfg.Worker.ID,
				LeaseTTL:     st.cfg.Worker.LeaseTTL,
				PollInterval: st.cfg.Worker.PollInterval,
				Observer:     st.orch.Observer(),
			})

			ctx, stop := signalContext()
			defer stop()

			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

func newStatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "states",
		Short: "Print the workflow state transition table",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Print(api.RenderTransitionTable())
		},
	}
}
