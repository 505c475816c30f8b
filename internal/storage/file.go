package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "taskbell/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl    (append-only JSON Lines)
//   - <prefix>.snapshot.json  (tasks + dedup, rewritten on compaction)
//   - <prefix>.journal.jsonl  (append-only mutations since the snapshot)
//
// The journal is compacted into the snapshot every CompactEvery writes and
// whenever Compact is called.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile    *os.File
	snapshotPath string
	journalFile  *os.File

	tasks map[string]TaskRecord
	dedup map[string]int64 // unix milli

	writes       int
	compactEvery int
}

type journalOp string

const (
	opPut   journalOp = "put"
	opDel   journalOp = "del"
	opDedup journalOp = "dedup"
)

type journalRecord struct {
	Op    journalOp   `json:"op"`
	Task  *TaskRecord `json:"task,omitempty"`
	ID    string      `json:"id,omitempty"`
	Key   string      `json:"key,omitempty"`
	Until int64       `json:"until,omitempty"`
}

type snapshotFile struct {
	Tasks map[string]TaskRecord `json:"tasks"`
	Dedup map[string]int64      `json:"dedup"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	auditPath := prefix + ".audit.jsonl"
	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	snap := snapshotFile{Tasks: map[string]TaskRecord{}, Dedup: map[string]int64{}}
	if err := loadSnapshot(snapPath, &snap); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("storage snapshot unreadable, starting from journal", logx.String("path", snapPath), logx.Err(err))
	}
	skipped, err := replayJournal(journalPath, &snap)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = af.Close()
		return nil, err
	}
	if skipped > 0 {
		log.Warn("storage journal had unreadable lines", logx.String("path", journalPath), logx.Int("skipped", skipped))
	}
	pruneExpiredDedup(snap.Dedup)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}
	if err := terminateLastLine(jf); err != nil {
		_ = af.Close()
		_ = jf.Close()
		return nil, err
	}

	every := cfg.CompactEvery
	if every <= 0 {
		every = 500
	}
	return &fileStore{
		log:          log,
		auditFile:    af,
		snapshotPath: snapPath,
		journalFile:  jf,
		tasks:        snap.Tasks,
		dedup:        snap.Dedup,
		compactEvery: every,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.auditFile != nil {
		err1 = s.auditFile.Close()
		s.auditFile = nil
	}
	if s.journalFile != nil {
		err2 = s.journalFile.Close()
		s.journalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) LoadTasks(ctx context.Context) ([]TaskRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil, ErrClosed
	}
	out := make([]TaskRecord, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	sortRecords(out)
	return out, nil
}

func (s *fileStore) PutTask(ctx context.Context, t TaskRecord) error {
	_ = ctx
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("task id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: opPut, Task: &t}); err != nil {
		return err
	}
	s.tasks[t.ID] = t
	return nil
}

func (s *fileStore) DeleteTask(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return nil
	}
	if err := s.appendLocked(journalRecord{Op: opDel, ID: id}); err != nil {
		return err
	}
	delete(s.tasks, id)
	return nil
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: opDedup, Key: key, Until: ms}); err != nil {
		return err
	}
	s.dedup[key] = ms
	return nil
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) Compact(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	return s.compactLocked()
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if s.journalFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		// Best-effort; the journal stays authoritative on failure.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("storage compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	pruneExpiredDedup(s.dedup)

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snapshotFile{Tasks: s.tasks, Dedup: s.dedup}); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out *snapshotFile) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshotFile
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for k, v := range snap.Tasks {
		out.Tasks[k] = v
	}
	for k, v := range snap.Dedup {
		out.Dedup[k] = v
	}
	return nil
}

// replayJournal applies journal records over out. Lines that do not decode
// (a torn final write, for example) are skipped and counted.
func replayJournal(path string, out *snapshotFile) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	skipped := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			skipped++
			continue
		}
		switch r.Op {
		case opPut:
			if r.Task != nil && r.Task.ID != "" {
				out.Tasks[r.Task.ID] = *r.Task
			}
		case opDel:
			delete(out.Tasks, r.ID)
		case opDedup:
			if r.Key != "" {
				out.Dedup[r.Key] = r.Until
			}
		default:
			skipped++
		}
	}
	return skipped, sc.Err()
}

// terminateLastLine appends a newline when the journal ends mid-record so
// new records never join a torn line.
func terminateLastLine(f *os.File) error {
	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return err
	}
	var last [1]byte
	if _, err := f.ReadAt(last[:], info.Size()-1); err != nil {
		return err
	}
	if last[0] == '\n' {
		return nil
	}
	_, err = f.Write([]byte{'\n'})
	return err
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}

// sortRecords orders by creation time, then ID.
func sortRecords(rs []TaskRecord) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].CreatedAt.Before(rs[j].CreatedAt)
		}
		return rs[i].ID < rs[j].ID
	})
}
