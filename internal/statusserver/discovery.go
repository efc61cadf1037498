// Package statusserver is the cross-process status coordination mechanism:
// an embedded HTTP endpoint aggregating per-component status, a versioned
// on-disk discovery record pointing other processes at it, and a companion
// client that waits for aggregate readiness.
package statusserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// DiscoveryVersion is the current discovery record schema version. Readers
// ignore records with any other version.
const DiscoveryVersion = 1

// StalenessWindow is how old a discovery record may be before readers treat
// it as absent.
const StalenessWindow = 24 * time.Hour

// ErrNoEnvironment means no live environment could be discovered: the
// record is missing, stale, from an unknown schema version, or its owning
// process is gone. Callers treat this as "not ready", not as a failure.
var ErrNoEnvironment = errors.New("no environment found")

// DiscoveryRecord is the on-disk pointer that lets a second process find
// the coordination server of an environment started by a first process.
type DiscoveryRecord struct {
	Version   int       `json:"version"`
	Port      int       `json:"port"`
	PID       int       `json:"pid"`
	CreatedAt time.Time `json:"createdAt"`
}

// For mocking in tests
var pidAlive = func(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes for existence without delivering anything.
	return proc.Signal(syscall.Signal(0)) == nil
}

// DiscoveryPath returns the well-known record path for a worker.
func DiscoveryPath(dir, workerID string) string {
	return filepath.Join(dir, fmt.Sprintf("status-%s.json", workerID))
}

func writeDiscoveryRecord(dir, workerID string, port int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create status dir %s: %w", dir, err)
	}
	rec := DiscoveryRecord{
		Version:   DiscoveryVersion,
		Port:      port,
		PID:       os.Getpid(),
		CreatedAt: time.Now(),
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal discovery record: %w", err)
	}
	path := DiscoveryPath(dir, workerID)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write discovery record %s: %w", path, err)
	}
	return nil
}

func removeDiscoveryRecord(dir, workerID string) error {
	err := os.Remove(DiscoveryPath(dir, workerID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ReadDiscoveryRecord loads and verifies the discovery record for a worker.
// Missing, unparseable, version-unknown, stale, or owner-dead records all
// yield ErrNoEnvironment.
func ReadDiscoveryRecord(dir, workerID string) (DiscoveryRecord, error) {
	data, err := os.ReadFile(DiscoveryPath(dir, workerID))
	if err != nil {
		return DiscoveryRecord{}, ErrNoEnvironment
	}
	var rec DiscoveryRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return DiscoveryRecord{}, ErrNoEnvironment
	}
	if rec.Version != DiscoveryVersion {
		return DiscoveryRecord{}, ErrNoEnvironment
	}
	if time.Since(rec.CreatedAt) > StalenessWindow {
		return DiscoveryRecord{}, ErrNoEnvironment
	}
	if !pidAlive(rec.PID) {
		return DiscoveryRecord{}, ErrNoEnvironment
	}
	return rec, nil
}
