// Package store persists actor snapshots as JSON documents so that a
// computation can be resumed by a new process.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	semver "github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/najoast/stepwise/core"
	"github.com/najoast/stepwise/engine"
)

// FormatVersion is written into every snapshot.
const FormatVersion = "1.2.0"

// SupportedVersions is the constraint a snapshot's version must satisfy.
const SupportedVersions = "^1.0.0"

// Store errors.
var (
	ErrNotFound     = errors.New("snapshot not found")
	ErrIncompatible = errors.New("incompatible snapshot version")
	ErrInvalidName  = errors.New("invalid snapshot name")
)

// Snapshot is the persisted state of one actor. State is the actor's own
// snapshot reply; Generation and Cursor are lifted from it for inspection.
type Snapshot struct {
	Version    string          `json:"version"`
	Actor      string          `json:"actor"`
	SavedAt    time.Time       `json:"saved_at"`
	Generation uuid.UUID       `json:"generation"`
	Cursor     engine.Cursor   `json:"cursor"`
	State      json.RawMessage `json:"state"`
}

// NewSnapshot wraps the snapshot reply of actor.
func NewSnapshot(actor string, state []byte) (Snapshot, error) {
	var head struct {
		Runner engine.RunnerState `json:"runner"`
	}
	if err := json.Unmarshal(state, &head); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot of %s: %w", actor, err)
	}
	return Snapshot{
		Version:    FormatVersion,
		Actor:      actor,
		SavedAt:    time.Now().UTC(),
		Generation: head.Runner.Generation,
		Cursor:     head.Runner.Cursor,
		State:      json.RawMessage(state),
	}, nil
}

// Compatible checks version against SupportedVersions.
func Compatible(version string) error {
	c, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return err
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrIncompatible, version, err)
	}
	if !c.Check(v) {
		return fmt.Errorf("%w: %s does not satisfy %s", ErrIncompatible, v, SupportedVersions)
	}
	return nil
}

// FileStore keeps one snapshot file per actor in a directory.
type FileStore struct {
	dir    string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{dir: dir, logger: logger.With("component", "snapshot-store")}, nil
}

// Dir returns the snapshot directory.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(actor string) (string, error) {
	if actor == "" || actor != filepath.Base(actor) || strings.HasPrefix(actor, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, actor)
	}
	return filepath.Join(s.dir, actor+".json"), nil
}

// Save writes snap atomically, replacing any earlier snapshot of the actor.
func (s *FileStore) Save(snap Snapshot) error {
	path, err := s.path(snap.Actor)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, snap.Actor+".*.tmp")
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}

	s.logger.Debug("snapshot saved", "actor", snap.Actor, "generation", snap.Generation, "cursor", snap.Cursor.String())
	return nil
}

// Load reads the snapshot of actor.
func (s *FileStore) Load(actor string) (Snapshot, error) {
	path, err := s.path(actor)
	if err != nil {
		return Snapshot{}, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, fmt.Errorf("%s: %w", actor, ErrNotFound)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot %s: %w", actor, err)
	}
	if err := Compatible(snap.Version); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot %s: %w", actor, err)
	}
	if err := snap.Cursor.Validate(); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot %s: %w", actor, err)
	}
	return snap, nil
}

// List returns the actors that have a snapshot, sorted.
func (s *FileStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	var names []string
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), ".json"); ok && !e.IsDir() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes the snapshot of actor. A missing snapshot is not an error.
func (s *FileStore) Delete(actor string) error {
	path, err := s.path(actor)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// Target names a snapshotting actor and its command kinds.
type Target struct {
	Name         string
	SnapshotKind engine.Kind
	RestoreKind  engine.Kind
}

// Capture asks the target actor for its state and saves it.
func (s *FileStore) Capture(ctx context.Context, sys core.ActorSystem, t Target) (Snapshot, error) {
	id, ok := sys.Lookup(t.Name)
	if !ok {
		return Snapshot{}, fmt.Errorf("service %s: %w", t.Name, core.ErrActorNotFound)
	}
	data, err := sys.Call(ctx, id, engine.MustEncode(t.SnapshotKind, nil))
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot %s: %w", t.Name, err)
	}
	snap, err := NewSnapshot(t.Name, data)
	if err != nil {
		return Snapshot{}, err
	}
	return snap, s.Save(snap)
}

// Restore loads the target's snapshot and hands it to the actor. The
// actor does not resume on its own.
func (s *FileStore) Restore(ctx context.Context, sys core.ActorSystem, t Target) (Snapshot, error) {
	snap, err := s.Load(t.Name)
	if err != nil {
		return Snapshot{}, err
	}
	id, ok := sys.Lookup(t.Name)
	if !ok {
		return Snapshot{}, fmt.Errorf("service %s: %w", t.Name, core.ErrActorNotFound)
	}
	data, err := engine.Encode(t.RestoreKind, snap.State)
	if err != nil {
		return Snapshot{}, err
	}
	if _, err := sys.Call(ctx, id, data); err != nil {
		return Snapshot{}, fmt.Errorf("restore %s: %w", t.Name, err)
	}
	s.logger.Info("snapshot restored", "actor", t.Name, "generation", snap.Generation, "cursor", snap.Cursor.String())
	return snap, nil
}
