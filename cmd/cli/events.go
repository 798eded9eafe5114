package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/yourusername/tg-media-indexer/internal/domain"
	"github.com/yourusername/tg-media-indexer/pkg/logger"
)

// followRun prints every progress event of a run until the server sends
// the end event. Ctrl-C stops following, not the run.
func followRun(cmd *cobra.Command, id string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		newClient().baseURL+"/api/v1/runs/"+url.PathEscape(id)+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// no client timeout: the stream lasts as long as the run
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return responseError(resp.StatusCode, body)
	}

	err = readEvents(resp.Body, func(event string, data []byte) (bool, error) {
		switch event {
		case "progress":
			var snap domain.ProgressSnapshot
			if err := json.Unmarshal(data, &snap); err != nil {
				return false, fmt.Errorf("bad progress event: %w", err)
			}
			fmt.Println(formatProgressLine(snap))
		case "end":
			var end struct {
				State domain.RunStatus `json:"state"`
			}
			json.Unmarshal(data, &end)
			fmt.Printf("Run %s\n", end.State)
			return true, nil
		}
		return false, nil
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// readEvents parses a text/event-stream body and calls fn once per event.
// fn returns true to stop reading.
func readEvents(r io.Reader, fn func(event string, data []byte) (bool, error)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var (
		event string
		data  []string
	)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if len(data) > 0 || event != "" {
				if event == "" {
					event = "message"
				}
				done, err := fn(event, []byte(strings.Join(data, "\n")))
				if err != nil || done {
					return err
				}
			}
			event, data = "", nil
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event = value
		case "data":
			data = append(data, value)
		}
	}
	return scanner.Err()
}

// formatProgressLine renders a snapshot for the follow stream
func formatProgressLine(s domain.ProgressSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %-9s next=%d processed=%d skipped=%d errors=%d",
		s.At.Local().Format("15:04:05"), s.State, s.Cursor, s.Processed, s.Skipped, s.Errors)
	if s.TotalEstimate > 0 {
		fmt.Fprintf(&b, " %.1f%% of %d", s.Percent, s.TotalEstimate)
	}
	fmt.Fprintf(&b, " %.1f/min", s.ThroughputPerMinute)
	if s.ETA > 0 {
		fmt.Fprintf(&b, " eta %s", s.ETA.Round(time.Second))
	}
	return b.String()
}

// formatProgress renders a snapshot for the status command
func formatProgress(s domain.ProgressSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Progress:\n")
	fmt.Fprintf(&b, "  State:      %s\n", s.State)
	fmt.Fprintf(&b, "  Next index: %d\n", s.Cursor)
	fmt.Fprintf(&b, "  Processed:  %d\n", s.Processed)
	fmt.Fprintf(&b, "  Skipped:    %d\n", s.Skipped)
	fmt.Fprintf(&b, "  Errors:     %d\n", s.Errors)
	if s.TotalEstimate > 0 {
		fmt.Fprintf(&b, "  Complete:   %.1f%% of %d\n", s.Percent, s.TotalEstimate)
	}
	fmt.Fprintf(&b, "  Throughput: %.1f/min\n", s.ThroughputPerMinute)
	fmt.Fprintf(&b, "  Elapsed:    %s", s.Elapsed.Round(time.Second))
	if s.ETA > 0 {
		fmt.Fprintf(&b, "\n  ETA:        %s", s.ETA.Round(time.Second))
	}
	if s.EstimatedCompletion != nil {
		fmt.Fprintf(&b, " (%s)", s.EstimatedCompletion.Local().Format("15:04"))
	}
	return b.String()
}

// formatLogEntry renders one run log line with its fields sorted by key
func formatLogEntry(e logger.LogEntry) string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "%s %-5s %s", e.Timestamp, strings.ToUpper(e.Level), e.Message)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Fields[k])
	}
	return b.String()
}
