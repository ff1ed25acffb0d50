package cli

import (
	"bytes"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"

	"github.com/kimhsiao/millsync/backend/internal/app"
	"github.com/kimhsiao/millsync/backend/internal/models"
	syncpkg "github.com/kimhsiao/millsync/backend/internal/sync"
	"github.com/kimhsiao/millsync/backend/internal/sync/outbox"
	"github.com/kimhsiao/millsync/backend/internal/sync/scheduler"
)

// Golden files live in testdata/golden. Regenerate with:
//
//	go test ./internal/cli -update
func newGoldie(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

var (
	detected   = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	resolvedAt = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
)

func TestRenderConflicts(t *testing.T) {
	conflicts := []models.SyncConflict{
		{
			ID:         "c0ffee00-0000-4000-8000-000000000001",
			TableName:  "notes",
			LocalID:    "l-1",
			ServerID:   "s-1",
			DetectedAt: detected,
		},
		{
			ID:         "c0ffee00-0000-4000-8000-000000000002",
			TableName:  "a_very_long_table_name",
			LocalID:    "l-2",
			DetectedAt: time.Date(2026, 3, 2, 8, 30, 5, 0, time.UTC),
			IsResolved: true,
			Resolution: models.StrategyKeepServer,
			ResolvedAt: &resolvedAt,
		},
	}

	var buf bytes.Buffer
	renderConflicts(&buf, conflicts)
	newGoldie(t).Assert(t, "conflicts_list", buf.Bytes())
}

func TestRenderConflicts_Empty(t *testing.T) {
	var buf bytes.Buffer
	renderConflicts(&buf, nil)
	assert.Equal(t, "No conflicts.\n", buf.String())
}

func TestRenderConflict(t *testing.T) {
	c := models.SyncConflict{
		ID:               "c0ffee00-0000-4000-8000-000000000001",
		TableName:        "notes",
		LocalID:          "l-1",
		ServerID:         "s-1",
		LocalModifiedAt:  time.Date(2026, 3, 1, 11, 58, 0, 0, time.UTC),
		ServerModifiedAt: time.Date(2026, 3, 1, 11, 59, 30, 0, time.UTC),
		DetectedAt:       detected,
	}
	body := models.String("milk, eggs and a very long list")
	diff := []models.FieldDiff{
		{Field: "body", Local: body, Server: body, Equal: true},
		{Field: "pinned", Local: models.Bool(true), Server: models.Bool(false)},
		{Field: "tags", Local: models.Null{}, Server: models.String("home")},
		{Field: "title", Local: models.String("Groceries"), Server: models.String("Groceries list")},
	}

	var buf bytes.Buffer
	renderConflict(&buf, c, diff)
	newGoldie(t).Assert(t, "conflict_show", buf.Bytes())
}

func TestRenderOutbox(t *testing.T) {
	entries := []models.OutboxEntry{
		{ID: 1, TableName: "notes", Operation: models.OperationCreate, RecordID: "l-1", Status: models.OutboxPending},
		{ID: 7, TableName: "tags", Operation: models.OperationUpdate, RecordID: "l-2", RetryCount: 3,
			Status: models.OutboxPending, LastError: "remote unavailable"},
		{ID: 12, TableName: "notes", Operation: models.OperationDelete, RecordID: "l-3", Permanent: true,
			Status: models.OutboxPending, LastError: "rejected: schema mismatch"},
	}

	var buf bytes.Buffer
	renderOutbox(&buf, entries, 3)
	newGoldie(t).Assert(t, "outbox_list", buf.Bytes())
}

func TestRenderStatus(t *testing.T) {
	st := app.Status{
		Sync: syncpkg.Status{
			State:        syncpkg.StateSuccess,
			LastSyncTime: &detected,
			ErrorMessage: "remote unavailable",
		},
		Scheduler:  scheduler.SchedulerStatus{IsOnline: true},
		Outbox:     outbox.Stats{Total: 3, Pending: 2, Failed: 1},
		Conflicts:  1,
		Configured: true,
		Watermarks: []models.SyncState{
			{TableName: "notes", LastPulledAt: time.Date(2026, 3, 1, 11, 59, 30, 0, time.UTC).UnixNano()},
			{TableName: "tags"},
		},
	}

	var buf bytes.Buffer
	renderStatus(&buf, st)
	newGoldie(t).Assert(t, "status", buf.Bytes())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 16))
	assert.Equal(t, "a_very_long_t...", truncate("a_very_long_table_name", 16))
	assert.Equal(t, "héllo wö...", truncate("héllo wörld and more", 11))
}
