package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cwbudde/sizif/internal/config"
	"github.com/cwbudde/sizif/internal/retention"
	"github.com/cwbudde/sizif/internal/store"
)

var (
	keepCount   int
	forceClean  bool
	showJournal int
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Manage model snapshots",
	Long: `Manage the snapshots of the configured model version in the local folder
and on the remote store.`,
}

var listCheckpointsCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, best first",
	Long: `Display the snapshots of the configured version with their metrics, where
they are stored and whether the next rotation keeps them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listCheckpoints(cmd.Context(), cmd.OutOrStdout(), cfg, showJournal)
	},
}

var cleanCheckpointsCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete snapshots beyond the keep count",
	Long: `Apply the retention policy to both backends without training. --keep
overrides the configured keep count.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := *cfg
		if cmd.Flags().Changed("keep") {
			c.Checkpoint.KeepCount = keepCount
		}
		return cleanCheckpoints(cmd.Context(), cmd.OutOrStdout(), cmd.InOrStdin(), &c, forceClean)
	},
}

func init() {
	rootCmd.AddCommand(checkpointsCmd)
	checkpointsCmd.AddCommand(listCheckpointsCmd)
	checkpointsCmd.AddCommand(cleanCheckpointsCmd)

	listCheckpointsCmd.Flags().IntVar(&showJournal, "journal", 0, "Also print the last N divergence journal entries")

	cleanCheckpointsCmd.Flags().IntVar(&keepCount, "keep", 0, "Keep only the best N snapshots per backend")
	cleanCheckpointsCmd.Flags().BoolVarP(&forceClean, "force", "f", false, "Skip confirmation prompt")
}

// openCatalog builds a maintenance engine over both backends and reconciles
// it. journal may be nil.
func openCatalog(ctx context.Context, c *config.Config, journal func(local *store.LocalStore) (*store.Journal, error)) (*retention.Engine, *store.LocalStore, func(), error) {
	local, rem, err := openBackends(c)
	if err != nil {
		return nil, nil, nil, err
	}

	closer := func() {}
	var opts []retention.Option
	if rem != nil {
		opts = append(opts, retention.WithRemote(rem))
	}
	if journal != nil {
		j, err := journal(local)
		if err != nil {
			return nil, nil, nil, err
		}
		opts = append(opts, retention.WithJournal(j))
		closer = func() { _ = j.Close() }
	}

	engine, err := retention.NewEngine(c.Policy(), local, nil, opts...)
	if err != nil {
		closer()
		return nil, nil, nil, err
	}
	if err := engine.Reconcile(ctx); err != nil {
		closer()
		return nil, nil, nil, err
	}
	return engine, local, closer, nil
}

func listCheckpoints(ctx context.Context, out io.Writer, c *config.Config, journalEntries int) error {
	engine, local, closer, err := openCatalog(ctx, c, nil)
	if err != nil {
		return err
	}
	defer closer()

	retained, evicted := engine.Plan()
	if len(retained)+len(evicted) == 0 {
		fmt.Fprintln(out, "No snapshots found.")
		fmt.Fprintf(out, "Looked for names starting with %s in %s\n", engine.Scheme().Prefix(), local.Dir())
	} else {
		monitor := c.Checkpoint.Monitor
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "ID\tITERATION\t%s\tLOCAL\tREMOTE\tSIZE\tKEEP\n", strings.ToUpper(monitor))
		fmt.Fprintln(w, "--\t---------\t"+strings.Repeat("-", len(monitor))+"\t-----\t------\t----\t----")

		printRef := func(ref retention.Ref, keep bool) {
			value := "-"
			if v, ok := ref.Metrics[monitor]; ok {
				value = fmt.Sprintf("%.6f", v)
			}
			size := "-"
			if ref.OnLocal {
				if info, err := local.Stat(ref.ID); err == nil {
					size = formatBytes(info.Size)
				}
			}
			remote := yesNo(ref.OnRemote)
			if ref.PendingMirror {
				remote = "pending"
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
				ref.ID, ref.Iteration, value, yesNo(ref.OnLocal), remote, size, yesNo(keep))
		}
		for _, ref := range retained {
			printRef(ref, true)
		}
		for _, ref := range evicted {
			printRef(ref, false)
		}
		w.Flush()

		fmt.Fprintf(out, "\nTotal snapshots: %d (%d beyond keep count)\n", len(retained)+len(evicted), len(evicted))
	}

	d := engine.Divergence()
	if d.RemoteStale {
		fmt.Fprintln(out, "Remote store could not be listed.")
	}
	if len(d.RemoteOnly) > 0 {
		fmt.Fprintf(out, "Remote only: %s\n", strings.Join(d.RemoteOnly, ", "))
	}

	if journalEntries > 0 {
		return printJournal(out, local.Dir(), journalEntries)
	}
	return nil
}

func printJournal(out io.Writer, dir string, last int) error {
	entries, err := store.ReadJournal(dir)
	if err != nil {
		return err
	}
	if len(entries) > last {
		entries = entries[len(entries)-last:]
	}

	fmt.Fprintln(out, "\nJournal:")
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.Time.Format("2006-01-02 15:04:05"), e.Event, e.Backend, e.ID, e.Error)
	}
	return w.Flush()
}

func cleanCheckpoints(ctx context.Context, out io.Writer, in io.Reader, c *config.Config, force bool) error {
	if c.Checkpoint.KeepCount <= 0 {
		return fmt.Errorf("keep count is unbounded, pass --keep N")
	}

	engine, _, closer, err := openCatalog(ctx, c, func(local *store.LocalStore) (*store.Journal, error) {
		return store.OpenJournal(local.Dir())
	})
	if err != nil {
		return err
	}
	defer closer()

	_, evicted := engine.Plan()
	if len(evicted) == 0 {
		fmt.Fprintln(out, "No snapshots beyond the keep count.")
		return nil
	}

	// Show what will be deleted
	fmt.Fprintf(out, "Found %d snapshot(s) to delete:\n", len(evicted))
	for _, ref := range evicted {
		var where []string
		if ref.OnLocal {
			where = append(where, "local")
		}
		if ref.OnRemote {
			where = append(where, "remote")
		}
		fmt.Fprintf(out, "  - %s (iteration %d, %s)\n", ref.ID, ref.Iteration, strings.Join(where, "+"))
	}

	// Ask for confirmation unless --force is set
	if !force {
		fmt.Fprint(out, "\nProceed with deletion? [y/N]: ")
		response, _ := bufio.NewReader(in).ReadString('\n')
		response = strings.TrimSpace(response)
		if response != "y" && response != "Y" {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	if err := engine.Rotate(ctx); err != nil {
		return err
	}

	retained, left := engine.Plan()
	slog.Info("Rotation complete", "retained", len(retained), "remaining_beyond_keep", len(left))
	fmt.Fprintf(out, "\nDeleted %d snapshot(s), %d could not be deleted.\n", len(evicted)-len(left), len(left))
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// formatBytes formats bytes as human-readable string
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
