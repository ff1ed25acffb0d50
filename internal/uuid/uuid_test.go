package uuid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	id := New()
	assert.True(t, IsValid(id), "New() = %q", id)

	parsed, err := NewFromString(id)
	require.NoError(t, err)
	assert.EqualValues(t, 4, parsed.Version())
}

func TestNewRecordID(t *testing.T) {
	id := NewRecordID()
	assert.True(t, IsValid(id), "NewRecordID() = %q", id)

	parsed, err := NewFromString(id)
	require.NoError(t, err)
	assert.EqualValues(t, 7, parsed.Version())
}

func TestNewRecordID_unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewRecordID()
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestIsValid(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"v4", "123e4567-e89b-42d3-a456-426614174000", true},
		{"v7", "01890a5d-ac96-774b-bcce-b302099a8057", true},
		{"v1", "123e4567-e89b-12d3-a456-426614174000", false},
		{"bad variant", "123e4567-e89b-42d3-c456-426614174000", false},
		{"no dashes", "123e4567e89b42d3a456426614174000", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValid(tt.in))
		})
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(New()))
	assert.Error(t, Validate("not-a-uuid"))
}

func TestNewFromString_rejectsOtherVersions(t *testing.T) {
	_, err := NewFromString("123e4567-e89b-12d3-a456-426614174000")
	assert.Error(t, err)

	_, err = NewFromString("garbage")
	assert.Error(t, err)
}
