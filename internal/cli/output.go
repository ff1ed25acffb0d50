package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/kimhsiao/millsync/backend/internal/app"
	"github.com/kimhsiao/millsync/backend/internal/models"
	syncpkg "github.com/kimhsiao/millsync/backend/internal/sync"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the sync ran but ended in error
	ExitCommandError = 2 // bad flags, unreadable config, database errors
)

// ExitError carries an exit code out of a command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

const timeLayout = "2006-01-02 15:04:05"

// OutputFormatter writes command results as text or JSON.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// JSON reports whether JSON output was requested.
func (f *OutputFormatter) JSON() bool {
	return f.Format == "json"
}

// Emit writes data as indented JSON, or calls text otherwise.
func (f *OutputFormatter) Emit(data interface{}, text func(w io.Writer)) error {
	if f.JSON() {
		enc := json.NewEncoder(f.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	}
	text(f.Writer)
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(timeLayout)
}

func displayValue(v models.Value) string {
	if s, ok := v.(models.String); ok {
		return strconv.Quote(string(s))
	}
	return v.Canonical()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func renderStatus(w io.Writer, st app.Status) {
	remote := "not configured"
	if st.Configured {
		remote = "configured"
	}
	sched := "stopped"
	if st.Scheduler.IsRunning {
		sched = "running"
	}
	if !st.Scheduler.IsOnline {
		sched += " (offline)"
	}
	last := "never"
	if st.Sync.LastSyncTime != nil {
		last = formatTime(*st.Sync.LastSyncTime)
	}

	fmt.Fprintf(w, "State:       %s\n", st.Sync.State)
	fmt.Fprintf(w, "Remote:      %s\n", remote)
	fmt.Fprintf(w, "Scheduler:   %s\n", sched)
	fmt.Fprintf(w, "Last sync:   %s\n", last)
	fmt.Fprintf(w, "Pending:     %d\n", st.Outbox.Pending+st.Outbox.InFlight)
	fmt.Fprintf(w, "Failed:      %d\n", st.Outbox.Failed)
	fmt.Fprintf(w, "Conflicts:   %d\n", st.Conflicts)
	if st.Sync.ErrorMessage != "" {
		fmt.Fprintf(w, "Last error:  %s\n", st.Sync.ErrorMessage)
	}
	if len(st.Watermarks) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "%-20s  %s\n", "TABLE", "PULLED THROUGH")
		for _, s := range st.Watermarks {
			through := "never"
			if s.LastPulledAt > 0 {
				through = formatTime(time.Unix(0, s.LastPulledAt))
			}
			fmt.Fprintf(w, "%-20s  %s\n", truncate(s.TableName, 20), through)
		}
	}
}

func renderResult(w io.Writer, r *syncpkg.SyncResult) {
	fmt.Fprintf(w, "Sync finished: %s in %s\n", r.State, r.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  pushed %d, failed %d, rejected %d\n", r.Pushed, r.PushFailed, r.Rejected)
	fmt.Fprintf(w, "  pulled %d\n", r.Pulled)
	fmt.Fprintf(w, "  conflicts %d detected, %d resolved, %d deferred\n",
		r.ConflictsDetected, r.ConflictsResolved, r.ConflictsDeferred)
	if r.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", r.Error)
	}
}

func renderOutbox(w io.Writer, entries []models.OutboxEntry, maxRetries int) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "Outbox is empty.")
		return
	}
	fmt.Fprintf(w, "%-6s  %-16s  %-6s  %-36s  %-7s  %s\n", "ID", "TABLE", "OP", "RECORD", "RETRIES", "STATUS")
	for _, e := range entries {
		status := string(e.Status)
		switch {
		case e.Permanent:
			status = "rejected"
		case e.IsFailed(maxRetries):
			status = "failed"
		}
		fmt.Fprintf(w, "%-6d  %-16s  %-6s  %-36s  %-7d  %s\n",
			e.ID, truncate(e.TableName, 16), e.Operation, truncate(e.RecordID, 36), e.RetryCount, status)
		if e.LastError != "" {
			fmt.Fprintf(w, "        last error: %s\n", e.LastError)
		}
	}
}

func renderConflicts(w io.Writer, conflicts []models.SyncConflict) {
	if len(conflicts) == 0 {
		fmt.Fprintln(w, "No conflicts.")
		return
	}
	fmt.Fprintf(w, "%-36s  %-16s  %-19s  %-11s  %s\n", "ID", "TABLE", "DETECTED", "STATUS", "RECORD")
	for _, c := range conflicts {
		status := "open"
		if c.IsResolved {
			status = string(c.Resolution)
		}
		record := c.LocalID
		if c.ServerID != "" {
			record += " -> " + c.ServerID
		}
		fmt.Fprintf(w, "%-36s  %-16s  %-19s  %-11s  %s\n",
			c.ID, truncate(c.TableName, 16), formatTime(c.DetectedAt), status, record)
	}
	fmt.Fprintf(w, "\n%d conflict(s)\n", len(conflicts))
}

func renderConflict(w io.Writer, c models.SyncConflict, diff []models.FieldDiff) {
	fmt.Fprintf(w, "Conflict %s\n", c.ID)
	fmt.Fprintf(w, "  Table:     %s\n", c.TableName)
	fmt.Fprintf(w, "  Record:    local %s, server %s\n", c.LocalID, c.ServerID)
	fmt.Fprintf(w, "  Local:     modified %s\n", formatTime(c.LocalModifiedAt))
	fmt.Fprintf(w, "  Server:    modified %s\n", formatTime(c.ServerModifiedAt))
	fmt.Fprintf(w, "  Detected:  %s\n", formatTime(c.DetectedAt))
	if c.IsResolved {
		at := "unknown"
		if c.ResolvedAt != nil {
			at = formatTime(*c.ResolvedAt)
		}
		fmt.Fprintf(w, "  Status:    resolved (%s) at %s\n", c.Resolution, at)
	} else {
		fmt.Fprintf(w, "  Status:    open\n")
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %-16s  %-24s  %s\n", "FIELD", "LOCAL", "SERVER")
	for _, d := range diff {
		mark := " "
		if !d.Equal {
			mark = "*"
		}
		fmt.Fprintf(w, "%s %-16s  %-24s  %s\n",
			mark, truncate(d.Field, 16), truncate(displayValue(d.Local), 24), truncate(displayValue(d.Server), 24))
	}
}

func renderRecords(w io.Writer, table string, records []models.Record) {
	if len(records) == 0 {
		fmt.Fprintf(w, "No records in %s.\n", table)
		return
	}
	for _, r := range records {
		id, _ := r.StringField(models.FieldLocalID)
		status, _ := r.StringField(models.FieldSyncStatus)
		fmt.Fprintf(w, "%s [%s]\n", id, status)
		for _, k := range r.SortedKeys() {
			if models.IsBookkeepingField(k) {
				continue
			}
			fmt.Fprintf(w, "  %-16s %s\n", truncate(k, 16), truncate(displayValue(r.Get(k)), 60))
		}
	}
}
