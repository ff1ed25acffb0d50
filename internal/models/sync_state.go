package models

import "time"

// SyncState holds the per-table pull watermark.
type SyncState struct {
	TableName    string `db:"table_name" json:"table_name"`
	LastPulledAt int64  `db:"last_pulled_at" json:"last_pulled_at"` // unix nanos of newest applied server change
	LastSyncedAt int64  `db:"last_synced_at" json:"last_synced_at"` // unix millis
}

// Table returns the storage table for SyncState.
func (SyncState) Table() string {
	return "sync_state"
}

// Watermark returns LastPulledAt as time.Time; zero when never pulled.
func (s *SyncState) Watermark() time.Time {
	if s.LastPulledAt == 0 {
		return time.Time{}
	}
	return time.Unix(0, s.LastPulledAt).UTC()
}
