package conflict

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/millsync/backend/internal/db/dbtest"
	"github.com/kimhsiao/millsync/backend/internal/models"
)

var (
	t1 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	t2 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
)

func customer(updated time.Time, kv ...any) models.Record {
	r := models.Record{
		models.FieldLocalID:   models.String("c-7"),
		models.FieldUpdatedAt: models.Timestamp(updated),
	}
	for i := 0; i+1 < len(kv); i += 2 {
		r[kv[i].(string)] = kv[i+1].(models.Value)
	}
	return r
}

func TestCompare_NoConflictWhenComparableFieldsEqual(t *testing.T) {
	d := NewDetector(DefaultConfig())

	local := customer(t1, "name", models.String("Alice"), "balance", models.Number("100"))
	local[models.FieldSyncStatus] = models.String(models.SyncStatusPending)
	server := customer(t2, "balance", models.Number("100.0"), "name", models.String("Alice"))
	server[models.FieldServerID] = models.String("srv-7")
	server[models.FieldID] = models.String("srv-7")

	assert.Nil(t, d.Compare("customers", "c-7", local, server))
	assert.Nil(t, d.Compare("customers", "c-7", server, local), "comparison is symmetric")
}

func TestCompare_CanonicalFormsAreEqual(t *testing.T) {
	d := NewDetector(DefaultConfig())

	local := customer(t1, "qty", models.String("1.0"), "active", models.String("true"))
	server := customer(t2, "qty", models.NewNumber(1), "active", models.Bool(true))

	assert.Nil(t, d.Compare("stock", "c-7", local, server))
}

func TestCompare_RequiresTimestamps(t *testing.T) {
	d := NewDetector(DefaultConfig())

	local := models.Record{"name": models.String("A")}
	server := customer(t2, "name", models.String("B"))

	assert.Nil(t, d.Compare("customers", "c-7", local, server))
	assert.Nil(t, d.Compare("customers", "c-7", server, local))
}

func TestCompare_DetectsDivergence(t *testing.T) {
	d := NewDetector(DefaultConfig())

	local := customer(t1, "balance", models.Number("100"), "tags", models.Array{models.String("a"), models.String("b")})
	server := customer(t2, "balance", models.Number("100"), "tags", models.Array{models.String("b"), models.String("a")})
	server[models.FieldServerID] = models.String("srv-7")

	c := d.Compare("customers", "c-7", local, server)
	require.NotNil(t, c)
	assert.Equal(t, "customers", c.TableName)
	assert.Equal(t, "c-7", c.LocalID)
	assert.Equal(t, "srv-7", c.ServerID)
	assert.True(t, c.LocalModifiedAt.Equal(t1))
	assert.True(t, c.ServerModifiedAt.Equal(t2))
	assert.True(t, strings.HasPrefix(c.ID, "customers:c-7:"))

	local["balance"] = models.Number("999")
	assert.Equal(t, models.Number("100"), c.LocalData["balance"], "snapshots are frozen")
}

func TestCompare_MissingFieldDiffers(t *testing.T) {
	d := NewDetector(DefaultConfig())

	local := customer(t1, "phone", models.String("555"))
	server := customer(t2)

	assert.NotNil(t, d.Compare("customers", "c-7", local, server))
}

func TestCompare_PerTableExclusions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExcludedFields = map[string][]string{"customers": {"version"}}
	d := NewDetector(cfg)

	local := customer(t1, "version", models.NewNumber(3))
	server := customer(t2, "version", models.NewNumber(4))

	assert.Nil(t, d.Compare("customers", "c-7", local, server))
	assert.NotNil(t, d.Compare("orders", "c-7", local, server))
}

func TestCompare_UniqueIDsWithFrozenClock(t *testing.T) {
	d := NewDetector(DefaultConfig())
	d.now = func() time.Time { return t2 }

	local := customer(t1, "name", models.String("A"))
	server := customer(t2, "name", models.String("B"))

	a := d.Compare("customers", "c-7", local, server)
	b := d.Compare("customers", "c-7", local, server)
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.NotEqual(t, a.ID, b.ID)
	assert.True(t, b.DetectedAt.After(a.DetectedAt))
}

func TestDetect_PersistsAndSupersedes(t *testing.T) {
	reg := NewRegistry(dbtest.New(t))
	d := NewDetector(DefaultConfig())
	ctx := context.Background()

	local := customer(t1, "name", models.String("A"))
	first, err := d.Detect(ctx, reg, "customers", "c-7", local, customer(t2, "name", models.String("B")))
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := d.Detect(ctx, reg, "customers", "c-7", local, customer(t2, "name", models.String("C")))
	require.NoError(t, err)
	require.NotNil(t, second)

	unresolved, err := reg.ListUnresolved(ctx)
	require.NoError(t, err)
	require.Len(t, unresolved, 1)
	assert.Equal(t, second.ID, unresolved[0].ID)
	assert.Equal(t, models.String("C"), unresolved[0].ServerData["name"])

	none, err := d.Detect(ctx, reg, "customers", "c-7", local, customer(t2, "name", models.String("A")))
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestDiff(t *testing.T) {
	c := models.SyncConflict{
		LocalData:  customer(t1, "name", models.String("A"), "city", models.String("Oslo")),
		ServerData: customer(t2, "name", models.String("B"), "city", models.String("Oslo"), "zip", models.String("0150")),
	}

	diff := Diff(c, DefaultConfig().Excluded("customers"))
	require.Len(t, diff, 3)
	assert.Equal(t, "city", diff[0].Field)
	assert.True(t, diff[0].Equal)
	assert.Equal(t, "name", diff[1].Field)
	assert.False(t, diff[1].Equal)
	assert.Equal(t, models.Null{}, diff[2].Local)
	assert.Equal(t, []string{"name", "zip"}, Differing(diff))
}
