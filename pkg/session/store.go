package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/harun/agentloop/internal/observability"
	"github.com/harun/agentloop/internal/tracing"
	"github.com/harun/agentloop/pkg/agent"
	"github.com/harun/agentloop/pkg/runner"
	"github.com/harun/agentloop/pkg/transcript"
)

const (
	transcriptExt = ".jsonl"
	pendingExt    = ".pending.json"
)

// ErrNotFound is returned for operations on a session that does not exist.
var ErrNotFound = errors.New("session does not exist")

// Entry is one line of a session file.
type Entry struct {
	SessionKey string          `json:"session_key"`
	Item       transcript.Item `json:"item"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Info describes a stored session.
type Info struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	Items        int       `json:"items"`
	Paused       bool      `json:"paused"`
}

// Store keeps sessions under one directory.
type Store struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
	now        func() time.Time
}

// New creates a store in dir, defaulting to ~/.agentloop/sessions.
func New(dir string) (*Store, error) {
	observability.EnsureRegistered()

	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(home, ".agentloop", "sessions")
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	log.Debug().Str("dir", dir).Msg("Session store initialized")
	return &Store{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
		now:        time.Now,
	}, nil
}

// Dir returns the directory holding the session files.
func (s *Store) Dir() string { return s.dir }

// ValidateKey rejects keys that could escape the store directory.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("session key cannot be empty")
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("session key cannot contain '..'")
	}
	if strings.ContainsAny(key, "/\\") {
		return fmt.Errorf("session key cannot contain path separators")
	}
	if strings.Contains(key, "\x00") {
		return fmt.Errorf("session key cannot contain null bytes")
	}
	if strings.HasSuffix(key, ".pending") {
		return fmt.Errorf("session key cannot end with .pending")
	}
	return nil
}

func (s *Store) transcriptPath(key string) string {
	return filepath.Join(s.dir, key+transcriptExt)
}

func (s *Store) pendingPath(key string) string {
	return filepath.Join(s.dir, key+pendingExt)
}

func (s *Store) lock(key string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if l, ok := s.writeLocks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.writeLocks[key] = l
	return l
}

func (s *Store) span(ctx context.Context, op, key string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx = tracing.WithSessionKey(ctx, key)
	attrs = append([]attribute.KeyValue{attribute.String("session_key", key)}, attrs...)
	return tracing.StartSpan(ctx, "session."+op, attrs...)
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Append writes items to the end of the session, creating it if needed.
// Every item must be well-formed on its own.
func (s *Store) Append(ctx context.Context, key string, items ...transcript.Item) error {
	ctx, span := s.span(ctx, "append", key, attribute.Int("items", len(items)))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	start := time.Now()
	defer func() { observability.RecordSessionSave(time.Since(start)) }()

	if err := ValidateKey(key); err != nil {
		return fail(span, err)
	}
	for i, it := range items {
		if err := it.Check(); err != nil {
			return fail(span, fmt.Errorf("item %d: %w", i, err))
		}
	}
	if len(items) == 0 {
		return nil
	}

	l := s.lock(key)
	l.Lock()
	defer l.Unlock()

	file, err := os.OpenFile(s.transcriptPath(key), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fail(span, fmt.Errorf("failed to open session file: %w", err))
	}
	defer file.Close()

	if err := s.writeEntries(file, key, items); err != nil {
		return fail(span, err)
	}
	if err := file.Sync(); err != nil {
		return fail(span, fmt.Errorf("failed to sync session file: %w", err))
	}

	logger.Debug().Int("items", len(items)).Msg("Session items appended")
	return nil
}

func (s *Store) writeEntries(file *os.File, key string, items []transcript.Item) error {
	w := bufio.NewWriter(file)
	now := s.now()
	for _, it := range items {
		data, err := json.Marshal(Entry{SessionKey: key, Item: it, Timestamp: now})
		if err != nil {
			return fmt.Errorf("failed to marshal item: %w", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("failed to write item: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write item: %w", err)
	}
	return nil
}

// Load returns the stored transcript. A missing session loads as empty.
// Lines that cannot be decoded are skipped with a warning.
func (s *Store) Load(ctx context.Context, key string) (transcript.Transcript, error) {
	entries, err := s.entries(ctx, key)
	if err != nil {
		return nil, err
	}
	out := make(transcript.Transcript, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Item)
	}
	return out, nil
}

func (s *Store) entries(ctx context.Context, key string) ([]Entry, error) {
	ctx, span := s.span(ctx, "load", key)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	start := time.Now()
	defer func() { observability.RecordSessionLoad(time.Since(start)) }()

	if err := ValidateKey(key); err != nil {
		return nil, fail(span, err)
	}

	file, err := os.Open(s.transcriptPath(key))
	if os.IsNotExist(err) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fail(span, fmt.Errorf("failed to open session file: %w", err))
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			logger.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse session line, skipping")
			continue
		}
		if err := entry.Item.Check(); err != nil {
			logger.Warn().Int("line", lineNum).Err(err).Msg("Invalid session item, skipping")
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("failed to read session file: %w", err))
	}

	span.SetAttributes(attribute.Int("items", len(entries)))
	return entries, nil
}

// Replace atomically rewrites the session with t.
func (s *Store) Replace(ctx context.Context, key string, t transcript.Transcript) error {
	ctx, span := s.span(ctx, "replace", key, attribute.Int("items", len(t)))
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordSessionSave(time.Since(start)) }()

	if err := ValidateKey(key); err != nil {
		return fail(span, err)
	}
	if err := t.Validate(); err != nil {
		return fail(span, err)
	}

	l := s.lock(key)
	l.Lock()
	defer l.Unlock()

	if err := s.rewrite(key, t); err != nil {
		return fail(span, err)
	}
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().Int("items", len(t)).Msg("Session replaced")
	return nil
}

func (s *Store) rewrite(key string, t transcript.Transcript) error {
	path := s.transcriptPath(key)
	tmp := path + ".tmp"

	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if err := s.writeEntries(file, key, t); err != nil {
		file.Close()
		os.Remove(tmp)
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync file: %w", err)
	}
	file.Close()

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}

// Repair rewrites the session without its unreadable lines and returns how
// many items were kept.
func (s *Store) Repair(ctx context.Context, key string) (int, error) {
	history, err := s.Load(ctx, key)
	if err != nil {
		return 0, err
	}
	if _, err := os.Stat(s.transcriptPath(key)); os.IsNotExist(err) {
		return 0, ErrNotFound
	}

	l := s.lock(key)
	l.Lock()
	defer l.Unlock()

	if err := s.rewrite(key, history); err != nil {
		return 0, err
	}
	log.Info().Str("session_key", key).Int("items", len(history)).Msg("Session repaired")
	return len(history), nil
}

// SavePending stores a paused run for the session, replacing any earlier one.
func (s *Store) SavePending(ctx context.Context, key string, state *runner.RunState) error {
	ctx, span := s.span(ctx, "save_pending", key)
	defer span.End()

	if err := ValidateKey(key); err != nil {
		return fail(span, err)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fail(span, fmt.Errorf("failed to encode run state: %w", err))
	}

	l := s.lock(key)
	l.Lock()
	defer l.Unlock()

	path := s.pendingPath(key)
	if err := os.WriteFile(path+".tmp", data, 0o600); err != nil {
		return fail(span, fmt.Errorf("failed to write run state: %w", err))
	}
	if err := os.Rename(path+".tmp", path); err != nil {
		os.Remove(path + ".tmp")
		return fail(span, fmt.Errorf("failed to write run state: %w", err))
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().Str("run_id", state.ID()).Msg("Paused run saved")
	return nil
}

// LoadPending restores the paused run of the session against root. It
// returns nil without error when nothing is paused.
func (s *Store) LoadPending(ctx context.Context, key string, root *agent.Agent) (*runner.RunState, error) {
	_, span := s.span(ctx, "load_pending", key)
	defer span.End()

	if err := ValidateKey(key); err != nil {
		return nil, fail(span, err)
	}
	data, err := os.ReadFile(s.pendingPath(key))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fail(span, fmt.Errorf("failed to read run state: %w", err))
	}

	state, err := runner.RestoreState(data, root)
	if err != nil {
		return nil, fail(span, err)
	}
	return state, nil
}

// ClearPending drops the paused run of the session, if any.
func (s *Store) ClearPending(ctx context.Context, key string) error {
	_, span := s.span(ctx, "clear_pending", key)
	defer span.End()

	if err := ValidateKey(key); err != nil {
		return fail(span, err)
	}
	l := s.lock(key)
	l.Lock()
	defer l.Unlock()

	if err := os.Remove(s.pendingPath(key)); err != nil && !os.IsNotExist(err) {
		return fail(span, fmt.Errorf("failed to remove run state: %w", err))
	}
	return nil
}

// Delete removes the session and its paused run.
func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, span := s.span(ctx, "delete", key)
	defer span.End()

	if err := ValidateKey(key); err != nil {
		return fail(span, err)
	}

	l := s.lock(key)
	l.Lock()
	defer l.Unlock()

	var errs []error
	for _, path := range []string{s.transcriptPath(key), s.pendingPath(key)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("failed to delete %s: %w", filepath.Base(path), err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fail(span, err)
	}

	s.locksMu.Lock()
	delete(s.writeLocks, key)
	s.locksMu.Unlock()

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Info().Msg("Session deleted")
	return nil
}

// List returns the keys of all stored sessions, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	keys := []string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), transcriptExt) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(e.Name(), transcriptExt))
	}
	sort.Strings(keys)
	return keys, nil
}

// Info returns metadata about a session.
func (s *Store) Info(ctx context.Context, key string) (Info, error) {
	if err := ValidateKey(key); err != nil {
		return Info{}, err
	}

	stat, err := os.Stat(s.transcriptPath(key))
	if os.IsNotExist(err) {
		return Info{}, ErrNotFound
	}
	if err != nil {
		return Info{}, fmt.Errorf("failed to stat session file: %w", err)
	}

	history, err := s.Load(ctx, key)
	if err != nil {
		return Info{}, err
	}
	_, pendingErr := os.Stat(s.pendingPath(key))

	return Info{
		Key:          key,
		Size:         stat.Size(),
		LastModified: stat.ModTime(),
		Items:        len(history),
		Paused:       pendingErr == nil,
	}, nil
}
