// Package state implements the durable per-file state store. Every stage
// transition is persisted before the next stage begins, so a crash at any
// point leaves a consistent snapshot on disk.
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
)

// Status is the lifecycle stage of a tracked file.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFetching  Status = "fetching"
	StatusFetched   Status = "fetched"
	StatusEncoding  Status = "encoding"
	StatusEncoded   Status = "encoded"
	StatusUploading Status = "uploading"
	StatusUploaded  Status = "uploaded"
	StatusVerified  Status = "verified"
	StatusReplacing Status = "replacing"
	StatusReplaced  Status = "replaced"
	StatusSkipped   Status = "skipped"
	StatusError     Status = "error"
)

// Terminal reports whether the status is an unconditional end state.
// VERIFIED is deliberately not terminal: with replacement enabled it still
// needs the replace stage, and the orchestrator decides based on config.
func (s Status) Terminal() bool {
	switch s {
	case StatusReplaced, StatusSkipped, StatusError:
		return true
	}
	return false
}

// Done reports whether the file needs no further work given the replace
// setting.
func (s Status) Done(replaceEnabled bool) bool {
	return s.Terminal() || (s == StatusVerified && !replaceEnabled)
}

// InFlight reports whether the status indicates an interrupted copy or
// encode when observed at startup.
func (s Status) InFlight() bool {
	switch s {
	case StatusFetching, StatusEncoding, StatusUploading:
		return true
	}
	return false
}

// ReadyToAdvance reports whether the orchestrator can push this file through
// its remaining stages without fetching first.
func (s Status) ReadyToAdvance() bool {
	switch s {
	case StatusFetched, StatusEncoding, StatusEncoded,
		StatusUploading, StatusUploaded, StatusReplacing:
		return true
	}
	return false
}

// FileRecord is the durable per-file state, keyed by source path.
type FileRecord struct {
	Status      Status    `json:"status"`
	Added       time.Time `json:"added"`
	LastUpdated time.Time `json:"last_updated"`

	LocalPath  string `json:"local_path,omitempty"`  // staged input
	OutputPath string `json:"output_path,omitempty"` // staged encode output
	DestPath   string `json:"dest_path,omitempty"`   // .av1.mkv on remote storage
	FinalPath  string `json:"final_path,omitempty"`  // replaced original
	BackupPath string `json:"backup_path,omitempty"` // original during replace

	InputSizeBytes   int64   `json:"input_size_bytes,omitempty"`
	OutputSizeBytes  int64   `json:"output_size_bytes,omitempty"`
	DestSizeBytes    int64   `json:"dest_size_bytes,omitempty"`
	BytesSaved       int64   `json:"bytes_saved,omitempty"`
	CompressionRatio float64 `json:"compression_ratio,omitempty"`
	EncodeTimeSecs   float64 `json:"encode_time_secs,omitempty"`

	Reason string `json:"reason,omitempty"` // why skipped
	Error  string `json:"error,omitempty"`  // last error message
	Stage  string `json:"stage,omitempty"`  // stage that produced the error
}

// ResClassStats aggregates results per resolution key (4K_HDR, 1080p, ...).
type ResClassStats struct {
	Completed           int     `json:"completed"`
	BytesSaved          int64   `json:"bytes_saved"`
	TotalInputBytes     int64   `json:"total_input_bytes"`
	TotalOutputBytes    int64   `json:"total_output_bytes"`
	TotalEncodeTimeSecs float64 `json:"total_encode_time_secs"`
}

// Stats is the denormalized global counters block.
type Stats struct {
	TotalFiles          int                       `json:"total_files"`
	Completed           int                       `json:"completed"`
	Skipped             int                       `json:"skipped"`
	Errors              int                       `json:"errors"`
	BytesSaved          int64                     `json:"bytes_saved"`
	TotalEncodeTimeSecs float64                   `json:"total_encode_time_secs"`
	ResClass            map[string]*ResClassStats `json:"res_class,omitempty"`
}

// document is the on-disk shape of the state file.
type document struct {
	RunID       string                 `json:"run_id"`
	Created     time.Time              `json:"created"`
	LastUpdated time.Time              `json:"last_updated"`
	Config      json.RawMessage        `json:"config,omitempty"`
	Stats       Stats                  `json:"stats"`
	Files       map[string]*FileRecord `json:"files"`
}

// Store owns all FileRecords and persists the whole document atomically
// (temp file + rename) on every transition. The mutex is never held across
// subprocess calls or sleeps; all public methods take and release it.
type Store struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
	doc    document
}

// Open loads the state file at path, creating a fresh document if it does
// not exist yet.
func Open(path string, logger *slog.Logger) (*Store, error) {
	s := &Store{
		path:   path,
		logger: logger,
		doc: document{
			RunID:   uuid.NewString(),
			Created: time.Now(),
			Files:   make(map[string]*FileRecord),
		},
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &s.doc); err != nil {
			return nil, fmt.Errorf("parsing state file %s: %w", path, err)
		}
		if s.doc.Files == nil {
			s.doc.Files = make(map[string]*FileRecord)
		}
		// A resumed run gets a fresh identity but keeps all file records.
		s.doc.RunID = uuid.NewString()
		logger.Info("loaded state",
			slog.String("path", path),
			slog.Int("files_tracked", len(s.doc.Files)))
	case os.IsNotExist(err):
		// First run.
	default:
		return nil, fmt.Errorf("reading state file %s: %w", path, err)
	}

	return s, nil
}

// RunID returns this run's identity.
func (s *Store) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.RunID
}

// SetConfig records the effective configuration inside the state file and
// persists immediately.
func (s *Store) SetConfig(cfg any) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("serializing config: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Config = raw
	return s.persistLocked()
}

// Get returns a copy of the record for the given source path.
func (s *Store) Get(path string) (FileRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.doc.Files[path]
	if !ok {
		return FileRecord{}, false
	}
	return *rec, true
}

// StatusOf returns the current status, or StatusPending for untracked paths.
func (s *Store) StatusOf(path string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.doc.Files[path]; ok {
		return rec.Status
	}
	return StatusPending
}

// Set transitions the record for path to status, applies the optional merge
// function on top, and persists the document. The record is created on first
// use.
func (s *Store) Set(path string, status Status, merge func(*FileRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(path, status, merge)
	return s.persistLocked()
}

func (s *Store) setLocked(path string, status Status, merge func(*FileRecord)) {
	rec, ok := s.doc.Files[path]
	if !ok {
		rec = &FileRecord{Added: time.Now()}
		s.doc.Files[path] = rec
	}
	rec.Status = status
	rec.LastUpdated = time.Now()
	if merge != nil {
		merge(rec)
	}
}

// ClaimFetch atomically claims the FETCHING status for path. It returns
// false when another worker already holds the claim. The status check and
// the transition happen inside one critical section so that the prefetch
// worker and an inline orchestrator fetch cannot both proceed.
func (s *Store) ClaimFetch(path, localPath string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.doc.Files[path]; ok && rec.Status == StatusFetching {
		return false, nil
	}
	s.setLocked(path, StatusFetching, func(r *FileRecord) {
		r.LocalPath = localPath
	})
	return true, s.persistLocked()
}

// PathsByStatus returns the source paths currently in the given status.
func (s *Store) PathsByStatus(status Status) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var paths []string
	for p, rec := range s.doc.Files {
		if rec.Status == status {
			paths = append(paths, p)
		}
	}
	return paths
}

// CountByStatus returns how many records are in the given status.
func (s *Store) CountByStatus(status Status) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.doc.Files {
		if rec.Status == status {
			n++
		}
	}
	return n
}

// Stats returns a copy of the global stats block.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.doc.Stats
	if s.doc.Stats.ResClass != nil {
		out.ResClass = make(map[string]*ResClassStats, len(s.doc.Stats.ResClass))
		for k, v := range s.doc.Stats.ResClass {
			cp := *v
			out.ResClass[k] = &cp
		}
	}
	return out
}

// UpdateStats applies fn to the global stats block under the store lock and
// persists.
func (s *Store) UpdateStats(fn func(*Stats)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.doc.Stats)
	return s.persistLocked()
}

// ResClassFor returns (creating if needed) the per-resolution sub-block.
// Must only be called from within an UpdateStats callback.
func (st *Stats) ResClassFor(resKey string) *ResClassStats {
	if st.ResClass == nil {
		st.ResClass = make(map[string]*ResClassStats)
	}
	rc, ok := st.ResClass[resKey]
	if !ok {
		rc = &ResClassStats{}
		st.ResClass[resKey] = rc
	}
	return rc
}

// Save persists the current document. Most callers rely on Set's implicit
// persistence; Save exists for explicit checkpoints.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

// persistLocked writes the document atomically. Callers must hold s.mu.
func (s *Store) persistLocked() error {
	s.doc.LastUpdated = time.Now()
	data, err := json.MarshalIndent(&s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing state: %w", err)
	}
	// renameio writes a sibling temp file, fsyncs and renames it over the
	// target, so readers never observe a torn state file.
	if err := renameio.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	return nil
}

// RecoverZombies resets records whose in-flight status no longer matches
// what is on disk, so an interrupted run resumes cleanly:
//
//   - FETCHING always restarts from PENDING; a partially copied input is
//     removed.
//   - ENCODING falls back to FETCHED when the staged input still exists
//     (re-encode), otherwise to PENDING.
//   - UPLOADING falls back to ENCODED when the staged output still exists
//     (re-upload), otherwise to PENDING.
//
// It returns the number of records touched.
func (s *Store) RecoverZombies() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recovered := 0
	for path, rec := range s.doc.Files {
		var next Status
		switch rec.Status {
		case StatusFetching:
			if rec.LocalPath != "" {
				if err := os.Remove(rec.LocalPath); err == nil {
					s.logger.Info("removed partial fetch", slog.String("path", rec.LocalPath))
				}
			}
			next = StatusPending
		case StatusEncoding:
			if fileExists(rec.LocalPath) {
				next = StatusFetched
			} else {
				next = StatusPending
			}
			if rec.OutputPath != "" {
				// Encode output from an interrupted run is untrusted.
				_ = os.Remove(rec.OutputPath)
			}
		case StatusUploading:
			if fileExists(rec.OutputPath) {
				next = StatusEncoded
			} else {
				next = StatusPending
			}
		default:
			continue
		}

		s.logger.Info("recovering interrupted file",
			slog.String("file", path),
			slog.String("from", string(rec.Status)),
			slog.String("to", string(next)))
		s.setLocked(path, next, nil)
		recovered++
	}

	if recovered == 0 {
		return 0, nil
	}
	return recovered, s.persistLocked()
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
