package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yourusername/tg-media-indexer/internal/app"
	"github.com/yourusername/tg-media-indexer/internal/domain"
	"github.com/yourusername/tg-media-indexer/pkg/logger"
)

var (
	serverURL   string
	configPath  string
	noAutoStart bool
	rootCmd     = &cobra.Command{
		Use:   "media-indexer",
		Short: "Media indexer CLI - index Telegram chat media into a searchable store",
		Long: `A command-line interface for the media indexer server. It starts and
follows indexing runs, cancels them and searches the resulting records.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8090", "Server URL")
	rootCmd.PersistentFlags().BoolVar(&noAutoStart, "no-auto-start", false, "Don't auto-start server if not running")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file for an auto-started server; it listens on the --server address")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
}

// ensureServer checks if server is running and starts it if needed (unless --no-auto-start)
func ensureServer() {
	if noAutoStart {
		return
	}
	if err := ensureServerRunning(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
}

var startCmd = &cobra.Command{
	Use:   "start [reference]",
	Short: "Start an indexing run",
	Long: `Start an indexing run at a message reference: a t.me link, "chat/123",
a forwarded "chat:123" or a bare chat name.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ensureServer()

		skip, _ := cmd.Flags().GetString("skip")
		total, _ := cmd.Flags().GetInt("total")
		follow, _ := cmd.Flags().GetBool("follow")

		var run domain.Run
		req := app.StartRequest{Reference: args[0], Skip: skip, Total: total}
		if err := newClient().postJSON("/api/v1/runs", req, &run); err != nil {
			return err
		}

		fmt.Printf("Run started\n")
		fmt.Printf("ID:     %s\n", run.ID)
		fmt.Printf("Chat:   %s\n", run.ChatID)
		fmt.Printf("Skip:   %s\n", run.Skip)
		fmt.Printf("Status: %s\n", run.Status)

		if !follow {
			return nil
		}
		return followRun(cmd, run.ID)
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List indexing runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ensureServer()
		limit, _ := cmd.Flags().GetInt("limit")

		var out struct {
			Runs   []*domain.Run `json:"runs"`
			Active int           `json:"active"`
		}
		if err := newClient().getJSON("/api/v1/runs?limit="+strconv.Itoa(limit), &out); err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCHAT\tSTATUS\tPROCESSED\tSKIPPED\tERRORS\tNEXT\tCREATED")
		for _, r := range out.Runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
				truncate(r.ID, 8),
				truncate(r.ChatID, 24),
				r.Status,
				r.Processed,
				r.Skipped,
				r.Errors,
				r.Cursor,
				r.CreatedAt.Local().Format("2006-01-02 15:04"))
		}
		w.Flush()
		fmt.Printf("\n%d active\n", out.Active)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [id]",
	Short: "Show run details and progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ensureServer()
		c := newClient()
		id := args[0]

		var run domain.Run
		if err := c.getJSON("/api/v1/runs/"+url.PathEscape(id), &run); err != nil {
			return err
		}
		var snap domain.ProgressSnapshot
		if err := c.getJSON("/api/v1/runs/"+url.PathEscape(id)+"/progress", &snap); err != nil {
			return err
		}

		fmt.Printf("Run Details:\n")
		fmt.Printf("  ID:        %s\n", run.ID)
		fmt.Printf("  Chat:      %s\n", run.ChatID)
		fmt.Printf("  Reference: %d\n", run.RefIndex)
		fmt.Printf("  Skip:      %s\n", run.Skip)
		fmt.Printf("  Status:    %s\n", run.Status)
		fmt.Printf("  Created:   %s\n", run.CreatedAt.Local().Format(time.RFC3339))
		if run.FinishedAt != nil {
			fmt.Printf("  Finished:  %s\n", run.FinishedAt.Local().Format(time.RFC3339))
		}
		if run.ErrorMessage != "" {
			fmt.Printf("  Error:     %s\n", run.ErrorMessage)
		}
		fmt.Println()
		fmt.Println(formatProgress(snap))
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [id]",
	Short: "Follow the progress of a run until it ends",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ensureServer()
		return followRun(cmd, args[0])
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [id]",
	Short: "Cancel a running indexing run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ensureServer()
		id := args[0]
		if err := newClient().postJSON("/api/v1/runs/"+url.PathEscape(id)+"/cancel", nil, nil); err != nil {
			return err
		}
		fmt.Println("Cancellation requested; the run stops at its next checkpoint")
		return nil
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs [id]",
	Short: "View the event log of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ensureServer()
		jsonOutput, _ := cmd.Flags().GetBool("json")
		date, _ := cmd.Flags().GetString("date")

		path := "/api/v1/runs/" + url.PathEscape(args[0]) + "/log"
		if date != "" {
			path += "?date=" + url.QueryEscape(date)
		}

		var out struct {
			Entries []logger.LogEntry `json:"entries"`
		}
		if err := newClient().getJSON(path, &out); err != nil {
			return err
		}

		if jsonOutput {
			prettyJSON, _ := json.MarshalIndent(out.Entries, "", "  ")
			fmt.Println(string(prettyJSON))
			return nil
		}
		for _, e := range out.Entries {
			fmt.Println(formatLogEntry(e))
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show record store statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ensureServer()

		var stats domain.RecordStats
		if err := newClient().getJSON("/api/v1/records/stats", &stats); err != nil {
			return err
		}

		fmt.Println("Record Statistics:")
		fmt.Printf("  Total:      %d\n", stats.Total)
		fmt.Printf("  Audio:      %d\n", stats.Audio)
		fmt.Printf("  Video:      %d\n", stats.Video)
		fmt.Printf("  Documents:  %d\n", stats.Document)
		fmt.Printf("  Photos:     %d\n", stats.Photo)
		fmt.Printf("  With track: %d\n", stats.WithTrack)
		fmt.Printf("  Backed up:  %d\n", stats.BackedUp)
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search [file name]",
	Short: "Search records by file name or track id",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		trackID, _ := cmd.Flags().GetString("track-id")
		limit, _ := cmd.Flags().GetInt("limit")

		query := url.Values{}
		switch {
		case trackID != "":
			query.Set("track_id", trackID)
		case len(args) == 1:
			query.Set("q", args[0])
			query.Set("limit", strconv.Itoa(limit))
		default:
			return fmt.Errorf("a file name or --track-id is required")
		}

		ensureServer()
		var out struct {
			Records []*domain.IndexRecord `json:"records"`
		}
		if err := newClient().getJSON("/api/v1/records/search?"+query.Encode(), &out); err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "FILE\tARTIST\tTITLE\tTRACK\tCHAT\tMESSAGE\tBACKUP")
		for _, r := range out.Records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
				truncate(r.FileName, 40),
				truncate(r.Artist, 24),
				truncate(r.Title, 32),
				r.TrackID,
				truncate(r.ChatID, 20),
				r.MessageID,
				r.BackupMessageID)
		}
		w.Flush()
		return nil
	},
}

var recordCmd = &cobra.Command{
	Use:   "record [file identifier]",
	Short: "Show a single record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ensureServer()

		var record domain.IndexRecord
		if err := newClient().getJSON("/api/v1/records/"+url.PathEscape(args[0]), &record); err != nil {
			return err
		}
		prettyJSON, _ := json.MarshalIndent(record, "", "  ")
		fmt.Println(string(prettyJSON))
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with default values",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("path")
		force, _ := cmd.Flags().GetBool("force")

		if path == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			path = filepath.Join(home, ".media-indexer", "config.yaml")
		}
		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("%s already exists, use --force to overwrite", path)
		}

		if err := app.SaveConfig(domain.DefaultConfig(), path); err != nil {
			return err
		}
		fmt.Printf("Configuration written to %s\n", path)
		return nil
	},
}

func init() {
	startCmd.Flags().StringP("skip", "s", "", `Where to begin: a message count, "none" or "auto"`)
	startCmd.Flags().IntP("total", "t", 0, "Number of messages in the history, when known")
	startCmd.Flags().BoolP("follow", "f", false, "Follow progress until the run ends")
	runsCmd.Flags().IntP("limit", "n", 20, "Maximum number of runs to list")
	logsCmd.Flags().BoolP("json", "j", false, "Output in JSON format")
	logsCmd.Flags().StringP("date", "d", "", "Log day (YYYY-MM-DD), defaults to the run's start day")
	searchCmd.Flags().String("track-id", "", "Exact track id to look up")
	searchCmd.Flags().IntP("limit", "n", 50, "Maximum number of records")
	configInitCmd.Flags().StringP("path", "p", "", "Config file path (default $HOME/.media-indexer/config.yaml)")
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
