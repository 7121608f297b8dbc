package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// spool is one append-only JSONL file with size-based rotation. Rotated
// segments are numbered so lexicographic order is append order.
type spool struct {
	dir      string
	base     string
	maxBytes int64
	compress bool
	logger   *zap.Logger
	onRotate func(path string)

	file *os.File
	size int64
	seq  int
}

func openSpool(dir, base string, maxBytes int64, compress bool, logger *zap.Logger) (*spool, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}

	s := &spool{
		dir:      dir,
		base:     base,
		maxBytes: maxBytes,
		compress: compress,
		logger:   logger,
	}

	segments, err := s.segmentNames()
	if err != nil {
		return nil, err
	}
	for _, name := range segments {
		if n, ok := s.segmentSeq(name); ok && n > s.seq {
			s.seq = n
		}
	}

	if err := s.openActive(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *spool) activePath() string {
	return filepath.Join(s.dir, s.base+".jsonl")
}

func (s *spool) openActive() error {
	f, err := os.OpenFile(s.activePath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open spool %s: %w", s.base, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat spool %s: %w", s.base, err)
	}
	s.file = f
	s.size = info.Size()
	return nil
}

// segmentNames returns rotated segment file names in append order.
func (s *spool) segmentNames() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read spool dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := s.segmentSeq(e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *spool) segmentSeq(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, s.base+"-")
	if !ok {
		return 0, false
	}
	rest = strings.TrimSuffix(rest, ".zst")
	rest, ok = strings.CutSuffix(rest, ".jsonl")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (s *spool) append(line []byte) error {
	if s.size > 0 && s.size+int64(len(line))+1 > s.maxBytes {
		if err := s.rotate(); err != nil {
			return err
		}
	}
	n, err := s.file.Write(append(line, '\n'))
	s.size += int64(n)
	if err != nil {
		return fmt.Errorf("append to spool %s: %w", s.base, err)
	}
	return nil
}

func (s *spool) rotate() error {
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close spool %s: %w", s.base, err)
	}

	s.seq++
	segPath := filepath.Join(s.dir, fmt.Sprintf("%s-%06d.jsonl", s.base, s.seq))
	if err := os.Rename(s.activePath(), segPath); err != nil {
		return fmt.Errorf("rotate spool %s: %w", s.base, err)
	}

	final := segPath
	if s.compress {
		compressed, err := compressSegment(segPath)
		if err != nil {
			s.logger.Warn("segment compression failed, keeping plain segment",
				zap.String("segment", segPath), zap.Error(err))
		} else {
			final = compressed
		}
	}

	if s.onRotate != nil {
		s.onRotate(final)
	}
	return s.openActive()
}

// compressSegment writes path.zst and removes the plain segment.
func compressSegment(path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(path + ".zst")
	if err != nil {
		return "", err
	}

	enc, err := zstd.NewWriter(dst)
	if err != nil {
		_ = dst.Close()
		return "", err
	}
	if _, err := io.Copy(enc, src); err != nil {
		_ = enc.Close()
		_ = dst.Close()
		return "", err
	}
	if err := enc.Close(); err != nil {
		_ = dst.Close()
		return "", err
	}
	if err := dst.Close(); err != nil {
		return "", err
	}

	if err := os.Remove(path); err != nil {
		return "", err
	}
	return path + ".zst", nil
}

// walk streams every line of every segment plus the active file, oldest
// first.
func (s *spool) walk(fn func(line []byte) error) error {
	segments, err := s.segmentNames()
	if err != nil {
		return err
	}

	paths := make([]string, 0, len(segments)+1)
	for _, name := range segments {
		paths = append(paths, filepath.Join(s.dir, name))
	}
	paths = append(paths, s.activePath())

	for _, p := range paths {
		if err := walkFile(p, fn); err != nil {
			return err
		}
	}
	return nil
}

func walkFile(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open segment %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return fmt.Errorf("open compressed segment %s: %w", path, err)
		}
		defer dec.Close()
		r = dec
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read segment %s: %w", path, err)
	}
	return nil
}

func (s *spool) close() error {
	return s.file.Close()
}

// FileStore keeps the audit trail in rotating JSONL spools on local disk,
// one for failover events and one for policy records.
type FileStore struct {
	mu       sync.Mutex
	dir      string
	events   *spool
	policies *spool
	head     string
	logger   *zap.Logger
}

// NewFileStore opens the spools under dir and recovers the chain head from
// the newest persisted event.
func NewFileStore(dir string, segmentMaxBytes int64, compress bool, logger *zap.Logger) (*FileStore, error) {
	if segmentMaxBytes <= 0 {
		segmentMaxBytes = 8 << 20
	}

	events, err := openSpool(dir, "events", segmentMaxBytes, compress, logger)
	if err != nil {
		return nil, err
	}
	policies, err := openSpool(dir, "policies", segmentMaxBytes, compress, logger)
	if err != nil {
		_ = events.close()
		return nil, err
	}

	s := &FileStore{
		dir:      dir,
		events:   events,
		policies: policies,
		logger:   logger,
	}
	if err := s.loadHead(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *FileStore) loadHead() error {
	return s.events.walk(func(line []byte) error {
		var tail struct {
			ChainHash string `json:"chain_hash"`
		}
		if err := json.Unmarshal(line, &tail); err != nil {
			return fmt.Errorf("decode audit record: %w", err)
		}
		s.head = tail.ChainHash
		return nil
	})
}

// OnRotate installs a hook invoked with the path of each rotated segment.
// Install before the first append; rotation runs under the store lock.
func (s *FileStore) OnRotate(fn func(path string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events.onRotate = fn
	s.policies.onRotate = fn
}

// Dir returns the spool directory, for disk space checks.
func (s *FileStore) Dir() string {
	return s.dir
}

// Append persists one failover event.
func (s *FileStore) Append(ctx context.Context, ev *FailoverEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode failover event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.events.append(data); err != nil {
		return err
	}
	s.head = ev.ChainHash
	return nil
}

// AppendPolicy persists one policy record.
func (s *FileStore) AppendPolicy(ctx context.Context, rec *PolicyRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode policy record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policies.append(data)
}

// Events returns matching events, newest first.
func (s *FileStore) Events(ctx context.Context, q Query) ([]*FailoverEvent, error) {
	var matches []*FailoverEvent
	err := s.Walk(ctx, func(ev *FailoverEvent) error {
		if q.matches(ev) {
			matches = append(matches, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Walk yields oldest first.
	for i, j := 0, len(matches)-1; i < j; i, j = i+1, j-1 {
		matches[i], matches[j] = matches[j], matches[i]
	}

	limit := clampLimit(q.Limit)
	if q.Offset >= len(matches) {
		return nil, nil
	}
	matches = matches[q.Offset:]
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

var errStopWalk = errors.New("audit: stop walk")

// EventByID scans the spool for a single event.
func (s *FileStore) EventByID(ctx context.Context, id uuid.UUID) (*FailoverEvent, error) {
	var found *FailoverEvent
	err := s.Walk(ctx, func(ev *FailoverEvent) error {
		if ev.ID == id {
			found = ev
			return errStopWalk
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopWalk) {
		return nil, err
	}
	if found == nil {
		return nil, ErrEventNotFound
	}
	return found, nil
}

// Policies returns the most recent policy records, newest first.
func (s *FileStore) Policies(ctx context.Context, limit int) ([]*PolicyRecord, error) {
	limit = clampLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*PolicyRecord
	err := s.policies.walk(func(line []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var rec PolicyRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("decode policy record: %w", err)
		}
		all = append(all, &rec)
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Walk streams every event in append order.
func (s *FileStore) Walk(ctx context.Context, fn func(*FailoverEvent) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.events.walk(func(line []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var ev FailoverEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return fmt.Errorf("decode audit record: %w", err)
		}
		return fn(&ev)
	})
}

// LatestChainHash returns the chain head recovered at open or advanced by
// appends since.
func (s *FileStore) LatestChainHash(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head, nil
}

// Close closes both spools.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	errEvents := s.events.close()
	errPolicies := s.policies.close()
	if errEvents != nil {
		return errEvents
	}
	return errPolicies
}

// ErrEventNotFound is returned when an event ID has no record.
var ErrEventNotFound = errors.New("audit: event not found")
