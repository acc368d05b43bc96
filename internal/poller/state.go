package poller

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// SavedState is the in-flight job a watcher can resume after a restart.
type SavedState struct {
	JobID   uuid.UUID `json:"jobId"`
	Status  string    `json:"status"`
	SavedAt time.Time `json:"savedAt"`
}

// StateStore keeps SavedState in a JSON file.
// Use afero.NewOsFs() for the real filesystem or afero.NewMemMapFs() in tests.
type StateStore struct {
	fs   afero.Fs
	path string
}

func NewStateStore(fs afero.Fs, path string) *StateStore {
	return &StateStore{fs: fs, path: path}
}

// Save records jobID and its last known status.
func (s *StateStore) Save(jobID uuid.UUID, status string) error {
	data, err := json.MarshalIndent(SavedState{
		JobID:   jobID,
		Status:  status,
		SavedAt: time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding poller state: %w", err)
	}

	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	if err := afero.WriteFile(s.fs, s.path, data, 0o600); err != nil {
		return fmt.Errorf("writing poller state: %w", err)
	}
	return nil
}

// Load returns the saved state, or nil when nothing is saved.
func (s *StateStore) Load() (*SavedState, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading poller state: %w", err)
	}

	var st SavedState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decoding poller state %s: %w", s.path, err)
	}
	if st.JobID == uuid.Nil {
		return nil, nil
	}
	return &st, nil
}

// Clear removes the saved state. Clearing a missing file is not an error.
func (s *StateStore) Clear() error {
	err := s.fs.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing poller state: %w", err)
	}
	return nil
}

// Recover returns the job id a previous watcher left unfinished.
func Recover(s *StateStore) (uuid.UUID, bool, error) {
	st, err := s.Load()
	if err != nil || st == nil {
		return uuid.Nil, false, err
	}
	return st.JobID, true, nil
}
