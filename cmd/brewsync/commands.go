package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/brewsync/internal/records"
	"github.com/MarcoPoloResearchLab/brewsync/internal/refcache"
	"github.com/MarcoPoloResearchLab/brewsync/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	shutdownTimeout = 10 * time.Second

	taskProbe     = "connectivity.probe"
	taskWatch     = "records.watch_connectivity"
	taskHydration = "hydration.startup"
)

// runWithApplication builds the engine, runs fn and releases it.
func runWithApplication(cmd *cobra.Command, fn func(ctx context.Context, app *application) error) error {
	app, err := newApplication()
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(cmd.Context(), app)
}

func writeJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func untilCanceled(fn func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine with connectivity probing and the diagnostics server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApplication(cmd, runServe)
		},
	}
}

func runServe(ctx context.Context, app *application) error {
	logger := app.logger

	app.supervisor.Go(taskProbe, untilCanceled(app.prober.Run))
	app.supervisor.Go(taskWatch, untilCanceled(func(taskCtx context.Context) error {
		return app.records.WatchConnectivity(taskCtx, app.prober)
	}))
	app.supervisor.Go(taskHydration, func(taskCtx context.Context) error {
		app.prober.Probe(taskCtx)
		return app.hydration.HydrateOnStartup(taskCtx, app.userID(), app.config.UnitSystem)
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		References:     app.references,
		Hydration:      app.hydration,
		Queue:          app.records,
		Tasks:          app.supervisor,
		Connectivity:   app.prober,
		AllowedOrigins: app.config.DiagnosticsOrigins,
		Heartbeat:      app.config.DiagnosticsHeartbeat,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    app.config.DiagnosticsAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("diagnostics server starting", zap.String("address", app.config.DiagnosticsAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newHydrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hydrate",
		Short: "Run startup hydration once and print the resulting status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApplication(cmd, func(ctx context.Context, app *application) error {
				app.settle(ctx)
				if err := app.hydration.HydrateOnStartup(ctx, app.userID(), app.config.UnitSystem); err != nil {
					return err
				}
				app.supervisor.Wait()
				return writeJSON(cmd.OutOrStdout(), app.hydration.Status())
			})
		},
	}
}

func newDrainCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Replay the pending operation queue against the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApplication(cmd, func(ctx context.Context, app *application) error {
				app.settle(ctx)
				report, err := app.records.Drain(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), report)
			})
		},
	}
}

type statsOutput struct {
	References []refcache.CollectionStats  `json:"references"`
	Queue      []records.PendingOperation `json:"queue"`
	IDMappings []records.IDMapping        `json:"id_mappings"`
}

func newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print reference cache statistics and queue contents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApplication(cmd, func(ctx context.Context, app *application) error {
				return writeJSON(cmd.OutOrStdout(), statsOutput{
					References: app.references.CacheStats(ctx),
					Queue:      app.records.PendingOperations(ctx),
					IDMappings: app.records.IDMappings(ctx),
				})
			})
		},
	}
}

func newClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached reference collection, user record and queued operation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApplication(cmd, func(ctx context.Context, app *application) error {
				if err := app.references.Clear(ctx); err != nil {
					return err
				}
				if err := app.records.Clear(ctx); err != nil {
					return err
				}
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "offline caches cleared")
				return err
			})
		},
	}
}

func newQueueCommand() *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair the pending operation queue",
	}

	queueCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List pending operations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runWithApplication(cmd, func(ctx context.Context, app *application) error {
					return writeJSON(cmd.OutOrStdout(), app.records.PendingOperations(ctx))
				})
			},
		},
		&cobra.Command{
			Use:   "discard <operation-id>",
			Short: "Drop an operation and roll back its local effect",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runWithApplication(cmd, func(ctx context.Context, app *application) error {
					removed, err := app.records.Discard(ctx, args[0])
					if err != nil {
						return err
					}
					_, err = fmt.Fprintf(cmd.OutOrStdout(), "discarded %d operation(s)\n", removed)
					return err
				})
			},
		},
		&cobra.Command{
			Use:   "retry <operation-id>",
			Short: "Reset a failed operation to pending",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runWithApplication(cmd, func(ctx context.Context, app *application) error {
					if err := app.records.Retry(ctx, args[0]); err != nil {
						return err
					}
					_, err := fmt.Fprintf(cmd.OutOrStdout(), "operation %s queued for retry\n", args[0])
					return err
				})
			},
		},
	)
	return queueCmd
}

func newRecordsCommand() *cobra.Command {
	var (
		entityType string
		nameFilter string
	)

	recordsCmd := &cobra.Command{
		Use:   "records",
		Short: "Read the locally cached user records",
	}
	recordsCmd.PersistentFlags().StringVar(&entityType, "type", string(records.EntityTypeRecipe), "Entity type (recipe, brew_session)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List merged confirmed and optimistic records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApplication(cmd, func(ctx context.Context, app *application) error {
				entities, err := app.records.List(ctx, records.EntityType(entityType), records.ListFilter{
					UserID: app.userID(),
					Name:   nameFilter,
				})
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), entities)
			})
		},
	}
	listCmd.Flags().StringVar(&nameFilter, "name", "", "Case-insensitive name filter")

	pullCmd := &cobra.Command{
		Use:   "pull",
		Short: "Replace confirmed records with the backend's copy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApplication(cmd, func(ctx context.Context, app *application) error {
				if !app.settle(ctx) {
					return errors.New("backend unreachable")
				}
				count, err := app.records.RefreshFromServer(ctx, records.EntityType(entityType), app.userID())
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "pulled %d %s record(s)\n", count, entityType)
				return err
			})
		},
	}

	recordsCmd.AddCommand(listCmd, pullCmd)
	return recordsCmd
}
