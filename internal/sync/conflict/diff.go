package conflict

import (
	"sort"

	"github.com/kimhsiao/millsync/backend/internal/models"
)

// ComparableFields returns the union of local and server field names minus
// excluded, in ascending order.
func ComparableFields(local, server models.Record, excluded []string) []string {
	seen := make(map[string]struct{}, len(local)+len(server))
	for k := range local {
		seen[k] = struct{}{}
	}
	for k := range server {
		seen[k] = struct{}{}
	}
	for _, k := range excluded {
		delete(seen, k)
	}

	fields := make([]string, 0, len(seen))
	for k := range seen {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

// Diff lists every comparable field of the conflict with both values and
// whether they are equal.
func Diff(c models.SyncConflict, excluded []string) []models.FieldDiff {
	fields := ComparableFields(c.LocalData, c.ServerData, excluded)
	out := make([]models.FieldDiff, 0, len(fields))
	for _, f := range fields {
		l, s := c.LocalData.Get(f), c.ServerData.Get(f)
		out = append(out, models.FieldDiff{
			Field:  f,
			Local:  l,
			Server: s,
			Equal:  models.Equal(l, s),
		})
	}
	return out
}

// Differing returns only the fields whose values differ.
func Differing(diff []models.FieldDiff) []string {
	var out []string
	for _, d := range diff {
		if !d.Equal {
			out = append(out, d.Field)
		}
	}
	return out
}
