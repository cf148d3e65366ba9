package episode

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/loomcast/loomcast/pkg/persist"
)

// ErrCheckpointExists is returned by Begin when a checkpoint is already active.
var ErrCheckpointExists = errors.New("episode: checkpoint already active")

// CheckpointStore holds at most one active checkpoint per process, backed by
// a JSON file plus one artifact file per completed stage, all under dir.
type CheckpointStore struct {
	mu  sync.Mutex
	dir string
	cp  *Checkpoint
	now func() time.Time
}

// NewCheckpointStore loads any checkpoint already persisted under dir.
func NewCheckpointStore(dir string) *CheckpointStore {
	s := &CheckpointStore{dir: dir, now: time.Now}
	var cp Checkpoint
	if ok, _ := persist.ReadJSON(s.checkpointPath(), &cp); ok {
		s.cp = &cp
	}
	return s
}

func (s *CheckpointStore) checkpointPath() string {
	return filepath.Join(s.dir, "checkpoint.json")
}

func (s *CheckpointStore) artifactPath(stage Stage) string {
	return filepath.Join(s.dir, "artifacts", string(stage)+".json")
}

// Begin creates a new checkpoint for guid, failing if one is already active.
func (s *CheckpointStore) Begin(guid string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cp != nil {
		return nil, ErrCheckpointExists
	}
	now := s.now()
	cp := &Checkpoint{
		EpisodeGUID:     guid,
		CompletedStages: nil,
		Artifacts:       make(map[Stage]string),
		StartTime:       now,
		LastUpdate:      now,
	}
	if err := persist.WriteJSON(s.checkpointPath(), cp); err != nil {
		return nil, fmt.Errorf("episode: begin checkpoint: %w", err)
	}
	s.cp = cp
	return cp, nil
}

// Advance marks stage completed, persists the artifact for that stage (if
// non-nil), and atomically rewrites the checkpoint JSON.
func (s *CheckpointStore) Advance(stage Stage, artifact any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cp == nil {
		return errors.New("episode: no active checkpoint")
	}
	if artifact != nil {
		path := s.artifactPath(stage)
		if err := persist.WriteJSON(path, artifact); err != nil {
			return fmt.Errorf("episode: persist artifact %s: %w", stage, err)
		}
		s.cp.Artifacts[stage] = path
	}
	if !s.cp.isCompleted(stage) {
		s.cp.CompletedStages = append(s.cp.CompletedStages, stage)
	}
	s.cp.LastUpdate = s.now()
	return persist.WriteJSON(s.checkpointPath(), s.cp)
}

// Resume reports the earliest not-yet-completed stage and the artifact paths
// recorded so far, or ok=false if no checkpoint is active. If the artifact a
// resumed stage needs is missing, callers fall back to the earliest stage
// whose artifact actually exists.
func (s *CheckpointStore) Resume() (stage Stage, artifacts map[Stage]string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cp == nil {
		return "", nil, false
	}
	next, has := s.cp.NextStage()
	if !has {
		return "", s.cp.Artifacts, true
	}
	return next, s.cp.Artifacts, true
}

// LoadArtifact decodes the stage's persisted artifact into v.
func (s *CheckpointStore) LoadArtifact(stage Stage, v any) (bool, error) {
	s.mu.Lock()
	path, ok := s.cp.Artifacts[stage]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	return persist.ReadJSON(path, v)
}

// Complete deletes the active checkpoint and its artifacts on success.
func (s *CheckpointStore) Complete() error {
	return s.clear()
}

// Abandon deletes the active checkpoint without recording success.
func (s *CheckpointStore) Abandon() error {
	return s.clear()
}

func (s *CheckpointStore) clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cp == nil {
		return nil
	}
	for _, path := range s.cp.Artifacts {
		_ = persist.Remove(path)
	}
	if err := persist.Remove(s.checkpointPath()); err != nil {
		return err
	}
	s.cp = nil
	return nil
}

// Active reports whether a checkpoint is currently open.
func (s *CheckpointStore) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cp != nil
}
