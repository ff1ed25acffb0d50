package models

import (
	"encoding/json"
	"time"
)

// Bookkeeping field names carried by every synced record.
const (
	FieldLocalID    = "local_id"
	FieldServerID   = "server_id"
	FieldCreatedAt  = "created_at"
	FieldUpdatedAt  = "updated_at"
	FieldSyncStatus = "sync_status"
	FieldID         = "id"
)

// Values of the sync_status field.
const (
	SyncStatusPending = "pending"
	SyncStatusSynced  = "synced"
)

// BookkeepingFields are never treated as conflict material.
var BookkeepingFields = []string{
	FieldLocalID,
	FieldServerID,
	FieldCreatedAt,
	FieldUpdatedAt,
	FieldSyncStatus,
	FieldID,
}

// IsBookkeepingField reports whether name is one of BookkeepingFields.
func IsBookkeepingField(name string) bool {
	for _, f := range BookkeepingFields {
		if f == name {
			return true
		}
	}
	return false
}

// Record is a schema-less field map: the unit that is stored locally,
// queued in the outbox and exchanged with the remote.
type Record map[string]Value

// Clone returns a shallow copy of r. Values are treated as immutable.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Merge returns a copy of r with every field of other written over it.
func (r Record) Merge(other Record) Record {
	out := make(Record, len(r)+len(other))
	for k, v := range r {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Get returns the field value, or Null when absent.
func (r Record) Get(field string) Value {
	if v, ok := r[field]; ok && v != nil {
		return v
	}
	return Null{}
}

// StringField returns the field as a non-empty string.
func (r Record) StringField(field string) (string, bool) {
	s, ok := r[field].(String)
	if !ok || s == "" {
		return "", false
	}
	return string(s), true
}

// ModifiedAt resolves the record's updated_at as a time.
func (r Record) ModifiedAt() (time.Time, bool) {
	v, ok := r[FieldUpdatedAt]
	if !ok {
		return time.Time{}, false
	}
	return TimeOf(v)
}

// SyncStatus returns the record's sync_status, defaulting to pending.
func (r Record) SyncStatus() string {
	if s, ok := r.StringField(FieldSyncStatus); ok {
		return s
	}
	return SyncStatusPending
}

// SortedKeys returns the field names in ascending order.
func (r Record) SortedKeys() []string {
	return Object(r).SortedKeys()
}

// MarshalJSON implements json.Marshaler with sorted keys.
func (r Record) MarshalJSON() ([]byte, error) {
	return MarshalValue(Object(r))
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Record) UnmarshalJSON(data []byte) error {
	var obj Object
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*r = Record(obj)
	return nil
}

// RecordFromMap converts plain Go values into a Record.
func RecordFromMap(m map[string]any) (Record, error) {
	v, err := ToValue(m)
	if err != nil {
		return nil, err
	}
	return Record(v.(Object)), nil
}
