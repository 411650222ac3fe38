package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/cwbudde/sizif/internal/server"
)

var serverURL string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running training job",
	Long: `Queries the status endpoint of a training job started with --metrics-addr
and prints the retention state and backend divergence.`,
	// The server address is all that is needed
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		return runStatus(ctx, cmd.OutOrStdout(), serverURL)
	},
}

func init() {
	statusCmd.Flags().StringVar(&serverURL, "server", "http://localhost:9090", "Server URL")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(ctx context.Context, w io.Writer, base string) error {
	var status server.StatusResponse
	if err := getJSON(ctx, strings.TrimRight(base, "/")+"/api/v1/status", &status); err != nil {
		return err
	}
	var snapshots []server.SnapshotResponse
	if err := getJSON(ctx, strings.TrimRight(base, "/")+"/api/v1/snapshots", &snapshots); err != nil {
		return err
	}

	fmt.Fprintf(w, "State: %s\n", status.State)
	if status.Best != nil {
		fmt.Fprintf(w, "Best: %.6f\n", *status.Best)
	}
	fmt.Fprintf(w, "Snapshots: %d\n", status.Snapshots)
	for _, s := range snapshots {
		where := "local"
		switch {
		case s.Local && s.Remote:
			where = "local+remote"
		case s.Remote:
			where = "remote"
		case s.PendingMirror:
			where = "local, mirror pending"
		}
		fmt.Fprintf(w, "  %s (iteration %d, %s)\n", s.ID, s.Iteration, where)
	}

	if status.RemoteStale {
		fmt.Fprintln(w, "\nRemote store unreachable, running local-only")
	}
	if len(status.PendingMirror) > 0 {
		fmt.Fprintf(w, "Pending mirrors: %d\n", len(status.PendingMirror))
	}
	return nil
}

func getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned error: %s", strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
