package upload

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// State is the lifecycle state of an upload run.
type State string

const (
	StateNotStarted State = "not_started"
	StateRunning    State = "running"
	StateCompleted  State = "completed"
	StateHalted     State = "halted_on_failure"
)

// Outcome of a single batch.
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeFailed    Outcome = "failed"
)

// BatchEntry is one line of the batch log.
type BatchEntry struct {
	BatchNumber int       `json:"batch_number"`
	FirstID     int64     `json:"first_id"`
	LastID      int64     `json:"last_id"`
	Count       int       `json:"count"`
	Outcome     Outcome   `json:"outcome"`
	Retries     int       `json:"retries"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Progress is the persisted state of an upload run against one target.
type Progress struct {
	RunID  string `json:"run_id"`
	Target string `json:"target"`
	State  State  `json:"state"`

	// LastConfirmedID is the highest id of the last confirmed batch; nil before the first.
	LastConfirmedID *int64 `json:"last_confirmed_id"`
	// LastConfirmedOffset is the number of work-list records confirmed so far.
	LastConfirmedOffset int `json:"last_confirmed_offset"`

	TotalTarget      int `json:"total_target"`
	TotalConfirmed   int `json:"total_confirmed"`
	BatchesConfirmed int `json:"batches_confirmed"`
	TotalRetries     int `json:"total_retries"`
	BatchSize        int `json:"batch_size"`

	StartedAt   time.Time `json:"started_at"`
	LastUpdated time.Time `json:"last_updated"`
	HaltReason  string    `json:"halt_reason,omitempty"`

	BatchLog []BatchEntry `json:"batch_log"`
}

// Resumable reports whether a later run should continue from this checkpoint.
func (p *Progress) Resumable() bool {
	return p != nil && (p.State == StateRunning || p.State == StateHalted)
}

// Done reports whether every targeted record is confirmed.
func (p *Progress) Done() bool {
	return p.TotalConfirmed >= p.TotalTarget
}

// confirm advances the checkpoint past entry.
func (p *Progress) confirm(entry BatchEntry) {
	last := entry.LastID
	p.LastConfirmedID = &last
	p.LastConfirmedOffset += entry.Count
	p.TotalConfirmed += entry.Count
	p.BatchesConfirmed++
	p.TotalRetries += entry.Retries
	p.LastUpdated = entry.Timestamp
	p.BatchLog = append(p.BatchLog, entry)
}

// clone returns a deep copy safe to hand to observers.
func (p *Progress) clone() *Progress {
	c := *p
	if p.LastConfirmedID != nil {
		id := *p.LastConfirmedID
		c.LastConfirmedID = &id
	}
	c.BatchLog = append([]BatchEntry(nil), p.BatchLog...)
	return &c
}

// Store persists checkpoints. At most one run may write a store at a time.
type Store interface {
	// Load returns the saved checkpoint, or nil when none exists.
	Load() (*Progress, error)
	Save(p *Progress) error
	// Location describes where the checkpoint lives, for resume hints.
	Location() string
}

// CheckpointFile is the progress file for target inside dir.
func CheckpointFile(dir, target string) string {
	return filepath.Join(dir, target+".progress.json")
}

// FileStore keeps a checkpoint as an indented JSON file.
type FileStore struct {
	Path string
}

// NewFileStore returns a store writing to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

// Load implements Store.
func (s *FileStore) Load() (*Progress, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var p Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", s.Path, err)
	}
	return &p, nil
}

// Save implements Store. The file is replaced atomically so a crash
// mid-write leaves the previous checkpoint intact.
func (s *FileStore) Save(p *Progress) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.Path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return nil
}

// Location implements Store.
func (s *FileStore) Location() string { return s.Path }

// MemoryStore keeps the checkpoint in memory. Save stores a copy.
type MemoryStore struct {
	saved *Progress
	Saves int
}

// Load implements Store.
func (m *MemoryStore) Load() (*Progress, error) {
	if m.saved == nil {
		return nil, nil
	}
	return m.saved.clone(), nil
}

// Save implements Store.
func (m *MemoryStore) Save(p *Progress) error {
	m.saved = p.clone()
	m.Saves++
	return nil
}

// Location implements Store.
func (m *MemoryStore) Location() string { return "memory" }
