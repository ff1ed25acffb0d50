package models

import (
	"fmt"
	"time"
)

// Strategy names a conflict resolution policy.
type Strategy string

const (
	StrategyKeepLocal  Strategy = "keep_local"
	StrategyKeepServer Strategy = "keep_server"
	StrategyMerge      Strategy = "merge"
	StrategyDuplicate  Strategy = "duplicate"
	StrategyManual     Strategy = "manual"
)

// Strategies lists every strategy in display order.
var Strategies = []Strategy{
	StrategyKeepLocal,
	StrategyKeepServer,
	StrategyMerge,
	StrategyDuplicate,
	StrategyManual,
}

// ParseStrategy validates s as a Strategy. Hyphenated and camel-case
// spellings ("keep-local", "keepLocal") are accepted.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "keep_local", "keep-local", "keepLocal", "local":
		return StrategyKeepLocal, nil
	case "keep_server", "keep-server", "keepServer", "server":
		return StrategyKeepServer, nil
	case "merge":
		return StrategyMerge, nil
	case "duplicate":
		return StrategyDuplicate, nil
	case "manual":
		return StrategyManual, nil
	}
	return "", fmt.Errorf("unknown conflict strategy %q", s)
}

// SyncConflict is a detected divergence between the local and server
// versions of one record. LocalData and ServerData are frozen at detection.
type SyncConflict struct {
	ID               string     `db:"id" json:"id"`
	TableName        string     `db:"table_name" json:"table_name"`
	LocalID          string     `db:"local_id" json:"local_id"`
	ServerID         string     `db:"server_id" json:"server_id,omitempty"`
	LocalData        Record     `db:"local_data" json:"local_data"`
	ServerData       Record     `db:"server_data" json:"server_data"`
	LocalModifiedAt  time.Time  `db:"local_modified_at" json:"local_modified_at"`
	ServerModifiedAt time.Time  `db:"server_modified_at" json:"server_modified_at"`
	DetectedAt       time.Time  `db:"detected_at" json:"detected_at"`
	IsResolved       bool       `db:"is_resolved" json:"is_resolved"`
	Resolution       Strategy   `db:"resolution" json:"resolution,omitempty"`
	ResolvedAt       *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
}

// Table returns the storage table for SyncConflict.
func (SyncConflict) Table() string {
	return "sync_conflicts"
}

// FieldDiff is one row of the field-level comparison shown to a person
// resolving a conflict by hand.
type FieldDiff struct {
	Field  string `json:"field"`
	Local  Value  `json:"local"`
	Server Value  `json:"server"`
	Equal  bool   `json:"equal"`
}
