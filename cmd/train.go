package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/sizif/internal/config"
	"github.com/cwbudde/sizif/internal/remote"
	"github.com/cwbudde/sizif/internal/retention"
	"github.com/cwbudde/sizif/internal/server"
	"github.com/cwbudde/sizif/internal/store"
	"github.com/cwbudde/sizif/internal/trainer"
)

var (
	fresh       bool
	metricsAddr string
	epochs      int
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train with checkpoint retention",
	Long: `Runs the training loop and keeps the best snapshots locally and on the
configured remote store. Training resumes from the best existing snapshot
unless --fresh is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("metrics-addr") {
			cfg.Metrics.Addr = metricsAddr
		}
		if epochs > 0 {
			cfg.Training.Epochs = epochs
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runTraining(ctx, cmd.OutOrStdout(), cfg, fresh)
	},
}

func init() {
	trainCmd.Flags().BoolVar(&fresh, "fresh", false, "Ignore existing snapshots and start from scratch")
	trainCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve metrics and status on this address (e.g. :9090)")
	trainCmd.Flags().IntVar(&epochs, "epochs", 0, "Override the number of epochs")
	rootCmd.AddCommand(trainCmd)
}

func runTraining(ctx context.Context, out io.Writer, c *config.Config, fresh bool) error {
	local, rem, err := openBackends(c)
	if err != nil {
		return err
	}

	journal, err := store.OpenJournal(local.Dir())
	if err != nil {
		return err
	}
	defer journal.Close()
	slog.Debug("Recording divergence journal", "path", journal.Path())

	policy := c.Policy()
	model := &trainer.Model{Objective: c.Training.Objective}
	startEpoch := 0

	if fresh {
		slog.Info("Starting fresh, existing snapshots are not restored")
	} else {
		resolver, err := retention.NewResolver(policy, local, rem)
		if err != nil {
			return err
		}
		snap, err := resolver.Restore(ctx, model)
		if err != nil {
			return fmt.Errorf("failed to restore: %w", err)
		}
		if snap != nil {
			startEpoch = snap.Iteration
			slog.Info("Resuming from snapshot", "snapshot_id", snap.ID, "iteration", snap.Iteration)
		}
	}

	tr, err := trainer.New(c.TrainerConfig(), model)
	if err != nil {
		return err
	}

	opts := []retention.Option{retention.WithJournal(journal)}
	if rem != nil {
		opts = append(opts, retention.WithRemote(rem))
	}
	engine, err := retention.NewEngine(policy, local, model, opts...)
	if err != nil {
		return err
	}
	engine.Register(tr)

	if c.Metrics.Addr != "" {
		srv := server.NewServer(c.Metrics.Addr, engine)
		go func() {
			if err := srv.Start(); err != nil {
				slog.Error("HTTP server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	start := time.Now()
	err = tr.Run(ctx, startEpoch)
	if errors.Is(err, context.Canceled) {
		slog.Warn("Training interrupted", "epoch", model.Epoch)
		err = nil
	}
	if store.IsRemote(err) {
		return fmt.Errorf("remote store failed (set remote.die_on_remote_errors=false to continue locally): %w", err)
	}
	if err != nil {
		return err
	}

	printSummary(out, engine, rem, model, time.Since(start))
	return nil
}

func printSummary(w io.Writer, engine *retention.Engine, rem store.Backend, model *trainer.Model, elapsed time.Duration) {
	fmt.Fprintf(w, "Trained to epoch %d in %s (loss %.6f, val_loss %.6f)\n",
		model.Epoch, elapsed.Round(time.Millisecond), model.Loss, model.ValLoss)

	if best, ok := engine.Best(); ok {
		fmt.Fprintf(w, "Best monitored value: %.6f\n", best)
	}
	fmt.Fprintf(w, "Snapshots kept: %d\n", len(engine.Snapshots()))

	d := engine.Divergence()
	if len(d.PendingMirror) > 0 || d.RemoteStale {
		fmt.Fprintf(w, "Remote store is behind: %d pending mirror(s), stale=%t\n", len(d.PendingMirror), d.RemoteStale)
	}
	if r, ok := rem.(*remote.Resilient); ok && r.State() != "closed" {
		fmt.Fprintf(w, "Remote circuit breaker: %s\n", r.State())
	}
}
