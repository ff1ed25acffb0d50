package conflict

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/millsync/backend/internal/logging"
	"github.com/kimhsiao/millsync/backend/internal/models"
)

// Detector compares local and server snapshots of a record.
type Detector struct {
	cfg Config
	now func() time.Time

	mu   sync.Mutex
	last int64
}

// NewDetector creates a detector using cfg's exclusions.
func NewDetector(cfg Config) *Detector {
	return &Detector{cfg: cfg.clone(), now: time.Now}
}

// Compare returns a conflict when any comparable field of local and server
// differs, or nil. Both sides need a resolvable updated_at; without one
// there is nothing to anchor a conflict to. The conflict is not persisted.
func (d *Detector) Compare(table, localID string, local, server models.Record) *models.SyncConflict {
	localMod, ok := local.ModifiedAt()
	if !ok {
		return nil
	}
	serverMod, ok := server.ModifiedAt()
	if !ok {
		return nil
	}

	excluded := d.cfg.Excluded(table)
	diverged := false
	for _, f := range ComparableFields(local, server, excluded) {
		if !models.Equal(local.Get(f), server.Get(f)) {
			diverged = true
			break
		}
	}
	if !diverged {
		return nil
	}

	detectedAt := d.tick()
	serverID, _ := server.StringField(models.FieldServerID)
	if serverID == "" {
		serverID, _ = server.StringField(models.FieldID)
	}
	if serverID == "" {
		serverID, _ = local.StringField(models.FieldServerID)
	}

	return &models.SyncConflict{
		ID:               fmt.Sprintf("%s:%s:%d", table, localID, detectedAt.UnixNano()),
		TableName:        table,
		LocalID:          localID,
		ServerID:         serverID,
		LocalData:        local.Clone(),
		ServerData:       server.Clone(),
		LocalModifiedAt:  localMod,
		ServerModifiedAt: serverMod,
		DetectedAt:       detectedAt,
	}
}

// Detect runs Compare and records a detected conflict in reg.
func (d *Detector) Detect(ctx context.Context, reg *Registry, table, localID string, local, server models.Record) (*models.SyncConflict, error) {
	c := d.Compare(table, localID, local, server)
	if c == nil {
		return nil, nil
	}
	if err := reg.Save(ctx, c); err != nil {
		return nil, err
	}

	logging.Info("Conflict detected", map[string]interface{}{
		"conflict_id": c.ID,
		"table":       table,
		"local_id":    localID,
		"fields":      Differing(Diff(*c, d.cfg.Excluded(table))),
	})
	return c, nil
}

// tick returns a detection time strictly after the previous one, so ids
// stay unique even when the clock does not advance.
func (d *Detector) tick() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := d.now().UnixNano()
	if n <= d.last {
		n = d.last + 1
	}
	d.last = n
	return time.Unix(0, n).UTC()
}
