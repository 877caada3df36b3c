package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "castbot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.actions.jsonl            (append-only JSON Lines)
//   - <prefix>.lastsent.snapshot.json   (periodic snapshot)
//   - <prefix>.lastsent.journal.jsonl   (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	actionFile *os.File

	snapshotPath string
	journalFile  *os.File
	lastSent     map[string]int64 // unix milli

	journalWrites int
}

type lastSentRecord struct {
	Target string `json:"target"`
	At     int64  `json:"at"`
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

	actionPath := prefix + ".actions.jsonl"
	snapPath := prefix + ".lastsent.snapshot.json"
	journalPath := prefix + ".lastsent.journal.jsonl"

	af, err := os.OpenFile(actionPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	// Load last-sent state from snapshot + journal.
	lastSent := map[string]int64{}
	_ = loadLastSentSnapshot(snapPath, lastSent)
	_ = replayLastSentJournal(journalPath, lastSent)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	return &fileStore{
		log:          log,
		actionFile:   af,
		snapshotPath: snapPath,
		journalFile:  jf,
		lastSent:     lastSent,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.actionFile != nil {
		err1 = s.actionFile.Close()
		s.actionFile = nil
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

func (s *fileStore) AppendAction(ctx context.Context, rec ActionRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.actionFile == nil {
		return errors.New("action log closed")
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	return json.NewEncoder(s.actionFile).Encode(rec)
}

func (s *fileStore) PutLastSent(ctx context.Context, target string, at time.Time) error {
	_ = ctx
	target = strings.TrimSpace(target)
	if target == "" {
		return nil
	}
	ms := at.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("last-sent journal closed")
	}
	if s.lastSent == nil {
		s.lastSent = map[string]int64{}
	}
	s.lastSent[target] = ms

	// Append journal record.
	if err := json.NewEncoder(s.journalFile).Encode(lastSentRecord{Target: target, At: ms}); err != nil {
		return err
	}
	s.journalWrites++
	if s.journalWrites%1000 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("last-sent compact failed", logx.Any("err", err))
		}
	}
	return nil
}

func (s *fileStore) GetLastSent(ctx context.Context, target string) (time.Time, bool, error) {
	_ = ctx
	target = strings.TrimSpace(target)
	if target == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSent == nil {
		return time.Time{}, false, nil
	}
	ms, ok := s.lastSent[target]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) compactLocked() error {
	if s.lastSent == nil {
		return nil
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.lastSent); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadLastSentSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayLastSentJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r lastSentRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Target == "" {
			continue
		}
		out[r.Target] = r.At
	}
	return sc.Err()
}
