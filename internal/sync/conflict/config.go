// Package conflict detects divergence between local and server versions of
// a record and resolves it according to a configured policy.
package conflict

import (
	"strings"

	"github.com/kimhsiao/millsync/backend/internal/models"
)

// ManualResolver is asked to pick a strategy for a conflict that cannot be
// resolved automatically. It receives the field-level diff for display.
type ManualResolver func(c models.SyncConflict, diff []models.FieldDiff) models.Strategy

// Config is the resolution policy. Treat it as immutable once handed to a
// Detector or Resolver; both keep their own copy.
type Config struct {
	DefaultStrategy models.Strategy
	// TableStrategies overrides DefaultStrategy per table.
	TableStrategies map[string]models.Strategy
	// FieldStrategies is keyed by "table.field" and only consulted by Merge.
	FieldStrategies    map[string]models.Strategy
	AlwaysLocalFields  []string
	AlwaysServerFields []string
	AutoResolve        bool
	// ExcludedFields lists extra per-table fields that are never conflict
	// material, on top of models.BookkeepingFields.
	ExcludedFields     map[string][]string
	OnManualResolution ManualResolver
}

// DefaultConfig resolves automatically, preferring the server unless the
// local copy is newer.
func DefaultConfig() Config {
	return Config{
		DefaultStrategy: models.StrategyKeepServer,
		AutoResolve:     true,
	}
}

func (c Config) clone() Config {
	out := c
	out.TableStrategies = copyMap(c.TableStrategies)
	out.FieldStrategies = copyMap(c.FieldStrategies)
	out.AlwaysLocalFields = append([]string(nil), c.AlwaysLocalFields...)
	out.AlwaysServerFields = append([]string(nil), c.AlwaysServerFields...)
	if c.ExcludedFields != nil {
		out.ExcludedFields = make(map[string][]string, len(c.ExcludedFields))
		for k, v := range c.ExcludedFields {
			out.ExcludedFields[k] = append([]string(nil), v...)
		}
	}
	if out.DefaultStrategy == "" {
		out.DefaultStrategy = models.StrategyKeepServer
	}
	return out
}

func copyMap(m map[string]models.Strategy) map[string]models.Strategy {
	if m == nil {
		return nil
	}
	out := make(map[string]models.Strategy, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Excluded returns the fields of table that are skipped during comparison.
func (c Config) Excluded(table string) []string {
	return append(append([]string(nil), models.BookkeepingFields...), c.ExcludedFields[table]...)
}

func (c Config) fieldStrategy(table, field string) (models.Strategy, bool) {
	s, ok := c.FieldStrategies[table+"."+field]
	return s, ok
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ParseFieldKey splits a "table.field" key.
func ParseFieldKey(key string) (table, field string, ok bool) {
	table, field, ok = strings.Cut(key, ".")
	return table, field, ok && table != "" && field != ""
}
