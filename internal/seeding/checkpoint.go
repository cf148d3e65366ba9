package seeding

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/loomcast/loomcast/pkg/persist"
)

// step names one checkpointed stage of the seeding pipeline. Unlike
// episode.Stage, these never need ordering logic beyond "has it run yet" —
// the executor always runs them in the same fixed sequence.
type step string

const (
	stepStructure  step = "structure"
	stepUnits      step = "units"
	stepKnowledge  step = "knowledge"
	stepResolution step = "resolution"
)

// StepStore persists each seeding step's output keyed by episode GUID, so a
// retried run resumes from the furthest completed step instead of reissuing
// LLM calls the episode already paid for.
type StepStore struct {
	mu  sync.Mutex
	dir string
}

func NewStepStore(dir string) *StepStore {
	return &StepStore{dir: dir}
}

func (s *StepStore) path(guid string, st step) string {
	return filepath.Join(s.dir, guid, string(st)+".json")
}

// Save persists v as the output of step st for guid.
func (s *StepStore) Save(guid string, st step, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := persist.WriteJSON(s.path(guid, st), v); err != nil {
		return fmt.Errorf("seeding: save %s/%s: %w", guid, st, err)
	}
	return nil
}

// Load decodes step st's persisted output for guid into v. ok is false if
// the step has not run yet (or its file is corrupt, treated the same way).
func (s *StepStore) Load(guid string, st step, v any) (ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return persist.ReadJSON(s.path(guid, st), v)
}

// Clear deletes every persisted step output for guid once the episode's
// graph write has succeeded.
func (s *StepStore) Clear(guid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range []step{stepStructure, stepUnits, stepKnowledge, stepResolution} {
		if err := persist.Remove(s.path(guid, st)); err != nil {
			return err
		}
	}
	return nil
}
