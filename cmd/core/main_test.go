package main

import (
	"testing"
)

func TestVersionDefault(t *testing.T) {
	// Version might be set by build flags; it must never be empty.
	if Version == "" {
		t.Error("Version should not be empty")
	}
}
