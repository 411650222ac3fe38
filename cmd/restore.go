package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/cwbudde/sizif/internal/config"
	"github.com/cwbudde/sizif/internal/retention"
)

var restoreOut string

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Resolve the snapshot training would resume from",
	Long: `Selects the best snapshot of the configured version, downloading it from the
remote store when the local folder has none. With --out the snapshot blob is
also copied to the given file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRestore(cmd.Context(), cmd.OutOrStdout(), cfg, restoreOut)
	},
}

func init() {
	restoreCmd.Flags().StringVarP(&restoreOut, "out", "o", "", "Write the snapshot blob to this file")
	rootCmd.AddCommand(restoreCmd)
}

func runRestore(ctx context.Context, w io.Writer, c *config.Config, out string) error {
	local, rem, err := openBackends(c)
	if err != nil {
		return err
	}

	resolver, err := retention.NewResolver(c.Policy(), local, rem)
	if err != nil {
		return err
	}
	snap, err := resolver.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve snapshot: %w", err)
	}
	if snap == nil {
		fmt.Fprintln(w, "No snapshot found.")
		return nil
	}

	info := snap.ToInfo()
	fmt.Fprintf(w, "Snapshot:  %s\n", info.ID)
	fmt.Fprintf(w, "Iteration: %d\n", info.Iteration)
	fmt.Fprintf(w, "Size:      %s\n", formatBytes(info.Size))
	fmt.Fprintf(w, "Written:   %s\n", info.ModTime.Format("2006-01-02 15:04:05"))
	names := make([]string, 0, len(info.Metrics))
	for name := range info.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %s: %g\n", name, info.Metrics[name])
	}
	fmt.Fprintf(w, "Path:      %s\n", local.Path(snap.ID))

	if out != "" {
		if err := os.WriteFile(out, snap.Blob, 0o644); err != nil {
			return fmt.Errorf("failed to write snapshot: %w", err)
		}
		fmt.Fprintf(w, "Wrote %s (%s)\n", out, formatBytes(int64(len(snap.Blob))))
	}
	return nil
}
