package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestStoreInsertAndFingerprint(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	argv := []string{"buildah", "bud", "-t", "myreg/base:v1"}
	fp := Fingerprint(argv)
	if fp == "" {
		t.Fatalf("Fingerprint returned empty string")
	}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	err = store.Insert(context.Background(), Record{
		RunID:       "run-1",
		Command:     "buildah bud -t myreg/base:v1",
		Fingerprint: fp,
		Succeeded:   true,
		StartedAt:   now,
		FinishedAt:  now.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
}

func TestFingerprintStableAcrossCalls(t *testing.T) {
	argv := []string{"buildah", "push", "myreg/base:v1"}
	if Fingerprint(argv) != Fingerprint(argv) {
		t.Errorf("Fingerprint should be stable for identical argv")
	}
	other := []string{"buildah", "push", "myreg/other:v1"}
	if Fingerprint(argv) == Fingerprint(other) {
		t.Errorf("Fingerprint should differ for different argv")
	}
}
