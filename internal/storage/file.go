package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"cronbot/internal/jobs"
	logx "cronbot/pkg/logx"
)

// fileStore persists everything as plain files.
//
// Files:
//   - <prefix>.jobs.jsonl    (one job per line, rewritten via temp+fsync+rename)
//   - <prefix>.history.jsonl (append-only execution records)
//   - <prefix>.audit.jsonl   (append-only lifecycle audit)
//   - <prefix>.kv.json       (job kv + notifier dedup snapshot, temp+rename)
//
// A single mutex serializes every writer. The job table is re-read on each
// operation so edits made by another process between calls are picked up.
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	closed bool

	jobsPath    string
	historyPath string
	auditPath   string
	kvPath      string

	historyFile *os.File
	auditFile   *os.File
}

type kvSnapshot struct {
	Jobs  map[string]map[string]string `json:"jobs"`
	Dedup map[string]int64             `json:"dedup,omitempty"` // unix milli
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:         log.With(logx.String("comp", "storage.file")),
		jobsPath:    prefix + ".jobs.jsonl",
		historyPath: prefix + ".history.jsonl",
		auditPath:   prefix + ".audit.jsonl",
		kvPath:      prefix + ".kv.json",
	}

	var err error
	if s.historyFile, err = openAppend(s.historyPath); err != nil {
		return nil, err
	}
	if s.auditFile, err = openAppend(s.auditPath); err != nil {
		_ = s.historyFile.Close()
		return nil, err
	}
	return s, nil
}

// openAppend opens an append-only log. A torn final line left by a crash is
// terminated so the next record starts on its own line.
func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if st.Size() > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, st.Size()-1); err != nil {
			_ = f.Close()
			return nil, err
		}
		if last[0] != '\n' {
			if _, err := f.Write([]byte{'\n'}); err != nil {
				_ = f.Close()
				return nil, err
			}
		}
	}
	return f, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return errors.Join(s.historyFile.Close(), s.auditFile.Close())
}

// ---- jobs ----

func (s *fileStore) LoadJobs(ctx context.Context) ([]jobs.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.readJobsLocked()
}

func (s *fileStore) readJobsLocked() ([]jobs.Job, error) {
	f, err := os.Open(s.jobsPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var (
		out  []jobs.Job
		seen = map[string]int{}
		line int
	)
	err = scanLines(f, func(b []byte) {
		line++
		var j jobs.Job
		if err := json.Unmarshal(b, &j); err != nil {
			s.log.Warn("skipping corrupt job entry", logx.String("file", s.jobsPath), logx.Int("line", line), logx.Err(err))
			return
		}
		if err := checkJob(j); err != nil {
			s.log.Warn("skipping invalid job entry", logx.String("file", s.jobsPath), logx.Int("line", line), logx.Err(err))
			return
		}
		// last write wins for duplicated ids
		if i, ok := seen[j.ID]; ok {
			out[i] = j
			return
		}
		seen[j.ID] = len(out)
		out = append(out, j)
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.jobsPath, err)
	}
	sortJobs(out)
	return out, nil
}

func (s *fileStore) writeJobsLocked(list []jobs.Job) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, j := range list {
		if err := enc.Encode(j); err != nil {
			return err
		}
	}
	return writeFileAtomic(s.jobsPath, buf.Bytes())
}

func (s *fileStore) GetJob(ctx context.Context, id string) (jobs.Job, error) {
	list, err := s.LoadJobs(ctx)
	if err != nil {
		return jobs.Job{}, err
	}
	for _, j := range list {
		if j.ID == id {
			return j, nil
		}
	}
	return jobs.Job{}, fmt.Errorf("job %q: %w", id, ErrNotFound)
}

func (s *fileStore) SaveJob(ctx context.Context, j jobs.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkJob(j); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	list, err := s.readJobsLocked()
	if err != nil {
		return err
	}
	i := slices.IndexFunc(list, func(x jobs.Job) bool { return x.ID == j.ID })
	if i >= 0 {
		list[i] = j
	} else {
		list = append(list, j)
	}
	return s.writeJobsLocked(list)
}

func (s *fileStore) UpdateJob(ctx context.Context, id string, fn func(*jobs.Job) error) (jobs.Job, error) {
	if err := ctx.Err(); err != nil {
		return jobs.Job{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return jobs.Job{}, ErrClosed
	}
	list, err := s.readJobsLocked()
	if err != nil {
		return jobs.Job{}, err
	}
	i := slices.IndexFunc(list, func(x jobs.Job) bool { return x.ID == id })
	if i < 0 {
		return jobs.Job{}, fmt.Errorf("job %q: %w", id, ErrNotFound)
	}
	j := list[i].Clone()
	if err := fn(&j); err != nil {
		return jobs.Job{}, err
	}
	j.ID = id
	if err := checkJob(j); err != nil {
		return jobs.Job{}, err
	}
	list[i] = j
	if err := s.writeJobsLocked(list); err != nil {
		return jobs.Job{}, err
	}
	return j, nil
}

func (s *fileStore) UpdateStatus(ctx context.Context, id string, status jobs.Status, errMsg string) error {
	_, err := s.UpdateJob(ctx, id, func(j *jobs.Job) error {
		applyStatus(j, status, errMsg, time.Now())
		return nil
	})
	return err
}

func (s *fileStore) MarkRun(ctx context.Context, id string, at time.Time) error {
	_, err := s.UpdateJob(ctx, id, func(j *jobs.Job) error {
		applyMarkRun(j, at)
		return nil
	})
	return err
}

// ---- history / audit ----

func (s *fileStore) AppendHistory(ctx context.Context, rec jobs.ExecutionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkRecord(rec); err != nil {
		return err
	}
	return s.appendLine(s.historyFile, rec)
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	return s.appendLine(s.auditFile, e)
}

// appendLine writes v as one JSON line and syncs it. The line is built in
// memory first so a reader holding the lock never sees half of it.
func (s *fileStore) appendLine(f *os.File, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := f.Write(b); err != nil {
		return err
	}
	return f.Sync()
}

func (s *fileStore) ListHistory(ctx context.Context, jobID string, limit int) ([]jobs.ExecutionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	var out []jobs.ExecutionRecord
	err := s.scanFileLocked(s.historyPath, func(b []byte) {
		var r jobs.ExecutionRecord
		if err := json.Unmarshal(b, &r); err != nil {
			s.log.Warn("skipping corrupt history entry", logx.Err(err))
			return
		}
		if jobID == "" || r.JobID == jobID {
			out = append(out, r)
		}
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(out)
	slices.SortStableFunc(out, func(a, b jobs.ExecutionRecord) int { return b.StartedAt.Compare(a.StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fileStore) ListAudit(ctx context.Context, jobID string, limit int) ([]AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	var out []AuditEntry
	err := s.scanFileLocked(s.auditPath, func(b []byte) {
		var e AuditEntry
		if err := json.Unmarshal(b, &e); err != nil {
			s.log.Warn("skipping corrupt audit entry", logx.Err(err))
			return
		}
		if jobID == "" || e.JobID == jobID {
			out = append(out, e)
		}
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fileStore) scanFileLocked(path string, fn func([]byte)) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	if err := scanLines(f, fn); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}

// ---- kv / dedup ----

func (s *fileStore) readKVLocked() (kvSnapshot, error) {
	snap := kvSnapshot{Jobs: map[string]map[string]string{}, Dedup: map[string]int64{}}
	b, err := os.ReadFile(s.kvPath)
	if errors.Is(err, os.ErrNotExist) {
		return snap, nil
	}
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(b, &snap); err != nil {
		return snap, fmt.Errorf("decode %s: %w", s.kvPath, err)
	}
	if snap.Jobs == nil {
		snap.Jobs = map[string]map[string]string{}
	}
	if snap.Dedup == nil {
		snap.Dedup = map[string]int64{}
	}
	return snap, nil
}

func (s *fileStore) writeKVLocked(snap kvSnapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.kvPath, b)
}

func (s *fileStore) KVGet(ctx context.Context, jobID, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false, ErrClosed
	}
	snap, err := s.readKVLocked()
	if err != nil {
		return "", false, err
	}
	v, ok := snap.Jobs[jobID][key]
	return v, ok, nil
}

func (s *fileStore) KVPut(ctx context.Context, jobID, key, value string) error {
	return s.mutateKV(ctx, func(snap *kvSnapshot) {
		m := snap.Jobs[jobID]
		if m == nil {
			m = map[string]string{}
			snap.Jobs[jobID] = m
		}
		m[key] = value
	})
}

func (s *fileStore) KVDelete(ctx context.Context, jobID, key string) error {
	return s.mutateKV(ctx, func(snap *kvSnapshot) {
		if m := snap.Jobs[jobID]; m != nil {
			delete(m, key)
			if len(m) == 0 {
				delete(snap.Jobs, jobID)
			}
		}
	})
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	return s.mutateKV(ctx, func(snap *kvSnapshot) {
		now := time.Now().UnixMilli()
		for k, v := range snap.Dedup {
			if v < now {
				delete(snap.Dedup, k)
			}
		}
		snap.Dedup[key] = until.UnixMilli()
	})
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return time.Time{}, false, ErrClosed
	}
	snap, err := s.readKVLocked()
	if err != nil {
		return time.Time{}, false, err
	}
	ms, ok := snap.Dedup[strings.TrimSpace(key)]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) mutateKV(ctx context.Context, fn func(*kvSnapshot)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	snap, err := s.readKVLocked()
	if err != nil {
		return err
	}
	fn(&snap)
	return s.writeKVLocked(snap)
}

// ---- helpers ----

// writeFileAtomic replaces path with data so readers see either the old or
// the new content, never a partial file.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	if d, err := os.Open(filepath.Dir(path)); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// scanLines calls fn for every non-blank line. Lines may be large (job code,
// captured output), so it uses a reader rather than bufio.Scanner.
func scanLines(r io.Reader, fn func([]byte)) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			fn(line)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
