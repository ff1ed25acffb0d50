package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/millsync/backend/internal/app"
	"github.com/kimhsiao/millsync/backend/internal/config"
	"github.com/kimhsiao/millsync/backend/internal/db"
	"github.com/kimhsiao/millsync/backend/internal/db/dbtest"
	"github.com/kimhsiao/millsync/backend/internal/models"
	"github.com/kimhsiao/millsync/backend/internal/sync/conflict"
	"github.com/kimhsiao/millsync/backend/internal/sync/storage"
)

type harness struct {
	opts *RootOptions
	db   *db.DB
	fs   afero.Fs
}

// newHarness wires commands to a throwaway database. With remote set, an
// in-memory object store stands in for the remote.
func newHarness(t *testing.T, remote bool) *harness {
	t.Helper()
	database := dbtest.New(t)
	fs := afero.NewMemMapFs()
	store := storage.NewMemoryStore()

	h := &harness{db: database, fs: fs}
	h.opts = &RootOptions{
		Fs: fs,
		Loader: &config.Loader{
			Fs:        fs,
			LookupEnv: func(string) (string, bool) { return "", false },
		},
		Open: func(ctx context.Context, cfg config.Config) (*app.App, error) {
			opts := []app.Option{app.WithDB(database)}
			if remote {
				opts = append(opts, app.WithObjectStore(store))
			}
			return app.New(ctx, cfg, opts...)
		},
		Interactive: func() bool { return false },
	}
	return h
}

func (h *harness) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommandWith(h.opts)
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func exitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return -1
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "millsync", cmd.Use)
	assert.Contains(t, cmd.Long, "outbox")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"sync"}, {"status"}, {"compact"},
		{"outbox", "list"}, {"outbox", "failed"}, {"outbox", "retry"}, {"outbox", "discard"},
		{"conflicts", "list"}, {"conflicts", "show"}, {"conflicts", "resolve"}, {"conflicts", "export"}, {"conflicts", "prune"},
		{"records", "list"}, {"records", "get"}, {"records", "create"}, {"records", "update"}, {"records", "delete"},
		{"credentials", "set"}, {"credentials", "show"}, {"credentials", "remove"},
	}

	for _, path := range commands {
		t.Run(path[len(path)-1], func(t *testing.T) {
			sub, _, err := cmd.Find(path)
			require.NoError(t, err)
			assert.Equal(t, path[len(path)-1], sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	sync, _, err := cmd.Find([]string{"sync"})
	require.NoError(t, err)
	assert.NotNil(t, sync.Flags().Lookup("watch"))
}

func TestInvalidFormat(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.run(t, "status", "--format", "yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, exitCode(err))
}

func TestMissingConfigFile(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.run(t, "status", "--config", "/etc/millsync.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, exitCode(err))
}

func TestRecordsThenSync(t *testing.T) {
	h := newHarness(t, true)

	out, err := h.run(t, "records", "create", "notes", "--json", `{"title":"hello"}`, "--format", "json")
	require.NoError(t, err)
	var created map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	assert.Equal(t, "hello", created["title"])
	assert.Equal(t, models.SyncStatusPending, created[models.FieldSyncStatus])
	localID, _ := created[models.FieldLocalID].(string)
	require.NotEmpty(t, localID)

	out, err = h.run(t, "status", "--format", "json")
	require.NoError(t, err)
	var st app.Status
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, 1, st.Outbox.Pending)
	assert.True(t, st.Configured)

	out, err = h.run(t, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "Sync finished: success")
	assert.Contains(t, out, "pushed 1, failed 0, rejected 0")

	out, err = h.run(t, "outbox", "list")
	require.NoError(t, err)
	assert.Equal(t, "Outbox is empty.\n", out)

	out, err = h.run(t, "records", "get", "notes", localID)
	require.NoError(t, err)
	assert.Contains(t, out, localID+" [synced]")
	assert.Contains(t, out, `"hello"`)

	_, err = h.run(t, "records", "delete", "notes", localID)
	require.NoError(t, err)
	out, err = h.run(t, "records", "list", "notes")
	require.NoError(t, err)
	assert.Equal(t, "No records in notes.\n", out)
}

func TestRecordsCreate_InvalidJSON(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.run(t, "records", "create", "notes", "--json", `{"title":`)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, exitCode(err))
}

func TestSync_OfflineWithoutRemote(t *testing.T) {
	h := newHarness(t, false)

	_, err := h.run(t, "records", "create", "notes", "--json", `{"title":"draft"}`)
	require.NoError(t, err)

	out, err := h.run(t, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "Sync finished: offline")

	out, err = h.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Remote:      not configured")
	assert.Contains(t, out, "Pending:     1")
}

func TestOutboxRetry(t *testing.T) {
	h := newHarness(t, false)

	_, err := h.run(t, "outbox", "retry", "abc")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, exitCode(err))

	_, err = h.run(t, "outbox", "retry", "42")
	require.Error(t, err, "unknown entry")

	out, err := h.run(t, "outbox", "retry")
	require.NoError(t, err)
	assert.Equal(t, "Reset 0 entries.\n", out)
}

// seedConflict creates a pending note through the CLI and records a
// conflict for it against a diverging server copy.
func seedConflict(t *testing.T, h *harness) models.SyncConflict {
	t.Helper()
	out, err := h.run(t, "records", "create", "notes", "--json", `{"title":"local title","body":"same"}`, "--format", "json")
	require.NoError(t, err)
	var local models.Record
	require.NoError(t, json.Unmarshal([]byte(out), &local))
	localID, _ := local.StringField(models.FieldLocalID)

	server := models.Record{
		models.FieldID: models.String("srv-1"),
		"title":        models.String("server title"),
		"body":         models.String("same"),
	}
	c := models.SyncConflict{
		ID:               "c0ffee00-0000-4000-8000-000000000001",
		TableName:        "notes",
		LocalID:          localID,
		ServerID:         "srv-1",
		LocalData:        local,
		ServerData:       server,
		LocalModifiedAt:  time.Date(2026, 3, 1, 11, 58, 0, 0, time.UTC),
		ServerModifiedAt: time.Date(2026, 3, 1, 11, 59, 30, 0, time.UTC),
		DetectedAt:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, conflict.NewRegistry(h.db).Save(context.Background(), &c))
	return c
}

func TestConflicts_ListShowResolve(t *testing.T) {
	h := newHarness(t, false)
	c := seedConflict(t, h)

	out, err := h.run(t, "conflicts", "list", "--format", "json")
	require.NoError(t, err)
	var listed []models.SyncConflict
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, c.ID, listed[0].ID)

	out, err = h.run(t, "conflicts", "show", c.ID)
	require.NoError(t, err)
	assert.Contains(t, out, `* title             "local title"`)
	assert.Contains(t, out, `  body              "same"`)
	assert.NotContains(t, out, models.FieldLocalID, "bookkeeping fields are not diffed")

	_, err = h.run(t, "conflicts", "resolve", c.ID)
	require.Error(t, err, "no strategy and no terminal")
	assert.Equal(t, ExitCommandError, exitCode(err))

	_, err = h.run(t, "conflicts", "resolve", c.ID, "--strategy", "sideways")
	require.Error(t, err)

	out, err = h.run(t, "conflicts", "resolve", c.ID, "--strategy", "keep-local")
	require.NoError(t, err)
	assert.Equal(t, "Resolved "+c.ID+" with keep_local.\n", out)

	out, err = h.run(t, "conflicts", "list")
	require.NoError(t, err)
	assert.Equal(t, "No conflicts.\n", out)

	out, err = h.run(t, "conflicts", "list", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "keep_local")

	out, err = h.run(t, "conflicts", "prune", "--older-than", "0s")
	require.NoError(t, err)
	assert.Equal(t, "Pruned 1 resolved conflict(s).\n", out)
}

func TestConflicts_ResolveAll(t *testing.T) {
	h := newHarness(t, false)
	seedConflict(t, h)

	_, err := h.run(t, "conflicts", "resolve")
	require.Error(t, err, "neither id nor --all")

	out, err := h.run(t, "conflicts", "resolve", "--all", "--strategy", "merge", "--format", "json")
	require.NoError(t, err)
	var res struct {
		Resolved []string `json:"resolved"`
		Deferred []string `json:"deferred"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Len(t, res.Resolved, 1)
	assert.Empty(t, res.Deferred)
}

func TestConflicts_Export(t *testing.T) {
	h := newHarness(t, false)
	c := seedConflict(t, h)

	out, err := h.run(t, "conflicts", "export", "/exports/conflicts.json")
	require.NoError(t, err)
	assert.Equal(t, "Exported 1 conflict(s) to /exports/conflicts.json.\n", out)

	data, err := afero.ReadFile(h.fs, "/exports/conflicts.json")
	require.NoError(t, err)
	var exported []struct {
		ID        string   `json:"id"`
		Differing []string `json:"differing"`
	}
	require.NoError(t, json.Unmarshal(data, &exported))
	require.Len(t, exported, 1)
	assert.Equal(t, c.ID, exported[0].ID)
	assert.Equal(t, []string{"title"}, exported[0].Differing)
}

func TestCredentials_ShowWithoutStored(t *testing.T) {
	h := newHarness(t, false)

	out, err := h.run(t, "credentials", "show")
	require.NoError(t, err)
	assert.Equal(t, "No credentials stored.\n", out)

	_, err = h.run(t, "credentials", "set", "--bucket", "b")
	require.Error(t, err, "keys are required off a terminal")
}

func TestCompact_WithoutRemote(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.run(t, "compact")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, exitCode(err))
}
