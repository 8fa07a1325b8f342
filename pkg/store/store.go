// Package store persists license usage state in a site's state directory.
//
// All files except the instance id are rot47 obfuscated. Every file is
// guarded by an advisory lock on a sibling ".lock" file; the lock file is
// separate because writes replace the data file atomically, which would
// otherwise swap the locked inode out from under a waiting process.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/natefinch/atomic"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/thannaske/licenseusage/pkg/rot47"
	"github.com/thannaske/licenseusage/pkg/usage"
)

const (
	HistoryFile    = "history.json"
	NextRunFile    = "next_run"
	ExtensionsFile = "extensions.json"
	InstanceIDFile = "instance_id"

	lockSuffix     = ".lock"
	lockRetryDelay = 100 * time.Millisecond
)

// Store reads and writes the usage state files of one site.
type Store struct {
	dir string
	log slog.Logger
}

// New returns a Store rooted at dir, creating the directory if needed.
func New(dir string, log slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, xerrors.Errorf("create state dir: %w", err)
	}
	return &Store{dir: dir, log: log}, nil
}

// Dir returns the state directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

// lock blocks until the exclusive lock for the named file is held or ctx
// is done.
func (s *Store) lock(ctx context.Context, name string) (*flock.Flock, error) {
	lockPath := s.path(name) + lockSuffix
	l := flock.New(lockPath)
	ok, err := l.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, xerrors.Errorf("could not acquire flock for %v: %w", lockPath, err)
	}
	if !ok {
		return nil, xerrors.Errorf("could not acquire flock for %v", lockPath)
	}
	return l, nil
}

func (s *Store) unlock(ctx context.Context, l *flock.Flock) {
	if err := l.Close(); err != nil {
		s.log.Warn(ctx, "release lock", slog.F("path", l.Path()), slog.Error(err))
	}
}

// Tx gives access to the history and the next-run marker while both locks
// are held. It must not be used after the Update callback returns.
type Tx struct {
	s          *Store
	ctx        context.Context
	instanceID uuid.UUID
}

// Update runs fn holding the next-run marker lock and then the history
// lock, for the whole read-modify-write cycle. Every writer takes the locks
// in this order.
func (s *Store) Update(ctx context.Context, instanceID uuid.UUID, fn func(tx *Tx) error) error {
	markerLock, err := s.lock(ctx, NextRunFile)
	if err != nil {
		return err
	}
	defer s.unlock(ctx, markerLock)

	historyLock, err := s.lock(ctx, HistoryFile)
	if err != nil {
		return err
	}
	defer s.unlock(ctx, historyLock)

	return fn(&Tx{s: s, ctx: ctx, instanceID: instanceID})
}

// ReadHistory loads the history for read-only consumers. It takes only the
// history lock.
func (s *Store) ReadHistory(ctx context.Context, instanceID uuid.UUID) (*usage.History, error) {
	l, err := s.lock(ctx, HistoryFile)
	if err != nil {
		return nil, err
	}
	defer s.unlock(ctx, l)
	return s.loadHistory(ctx, instanceID)
}

// HistoryModTime returns the modification time of the history file.
func (s *Store) HistoryModTime() (time.Time, bool) {
	fi, err := os.Stat(s.path(HistoryFile))
	if err != nil {
		return time.Time{}, false
	}
	return fi.ModTime(), true
}

// History loads the current history. A missing or corrupted file yields
// an empty history.
func (tx *Tx) History() (*usage.History, error) {
	return tx.s.loadHistory(tx.ctx, tx.instanceID)
}

// SaveHistory replaces the history file.
func (tx *Tx) SaveHistory(h *usage.History) error {
	raw, err := h.MarshalReport()
	if err != nil {
		return err
	}
	return tx.s.writeObfuscated(HistoryFile, raw)
}

// NextRun returns the earliest time the sampler may run again. It reports
// false when the marker is missing or unreadable, meaning "run now".
func (tx *Tx) NextRun() (time.Time, bool) {
	raw, err := tx.s.readObfuscated(NextRunFile)
	if err != nil {
		tx.s.log.Warn(tx.ctx, "read next run marker", slog.Error(err))
		return time.Time{}, false
	}
	epoch, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		if len(raw) > 0 {
			tx.s.log.Warn(tx.ctx, "ignoring unparseable next run marker", slog.F("raw", string(raw)))
		}
		return time.Time{}, false
	}
	return time.Unix(epoch, 0), true
}

// SaveNextRun writes the next-run marker.
func (tx *Tx) SaveNextRun(t time.Time) error {
	return tx.s.writeObfuscated(NextRunFile, []byte(strconv.FormatInt(t.Unix(), 10)))
}

func (s *Store) loadHistory(ctx context.Context, instanceID uuid.UUID) (*usage.History, error) {
	raw, err := s.readObfuscated(HistoryFile)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(raw)) > 0 && !json.Valid(raw) {
		s.log.Warn(ctx, "history file is corrupted, starting over", slog.F("path", s.path(HistoryFile)))
		return usage.NewHistory(), nil
	}
	h, err := usage.ParseHistory(raw, instanceID)
	var typeErr *json.UnmarshalTypeError
	if xerrors.As(err, &typeErr) {
		s.log.Warn(ctx, "history file has an unexpected shape, starting over",
			slog.F("path", s.path(HistoryFile)),
			slog.Error(err),
		)
		return usage.NewHistory(), nil
	}
	if err != nil {
		return nil, xerrors.Errorf("parse %s: %w", HistoryFile, err)
	}
	return h, nil
}

type extensionsDocument struct {
	NTop bool `json:"ntop"`
}

// Extensions reads the extensions file. Missing or corrupted content
// yields the zero value.
func (s *Store) Extensions(ctx context.Context) (usage.Extensions, error) {
	l, err := s.lock(ctx, ExtensionsFile)
	if err != nil {
		return usage.Extensions{}, err
	}
	defer s.unlock(ctx, l)

	raw, err := s.readObfuscated(ExtensionsFile)
	if err != nil {
		return usage.Extensions{}, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return usage.Extensions{}, nil
	}
	var doc extensionsDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		s.log.Warn(ctx, "extensions file is corrupted", slog.Error(err))
		return usage.Extensions{}, nil
	}
	return usage.Extensions{NTop: doc.NTop}, nil
}

// SaveExtensions replaces the extensions file.
func (s *Store) SaveExtensions(ctx context.Context, ext usage.Extensions) error {
	l, err := s.lock(ctx, ExtensionsFile)
	if err != nil {
		return err
	}
	defer s.unlock(ctx, l)

	raw, err := json.Marshal(extensionsDocument{NTop: ext.NTop})
	if err != nil {
		return xerrors.Errorf("encode extensions: %w", err)
	}
	return s.writeObfuscated(ExtensionsFile, raw)
}

// InstanceID returns the persistent id of this installation, generating
// it on first use.
func (s *Store) InstanceID(ctx context.Context) (uuid.UUID, error) {
	l, err := s.lock(ctx, InstanceIDFile)
	if err != nil {
		return uuid.Nil, err
	}
	defer s.unlock(ctx, l)

	raw, err := os.ReadFile(s.path(InstanceIDFile))
	switch {
	case err == nil:
		id, err := uuid.Parse(strings.TrimSpace(string(raw)))
		if err != nil {
			return uuid.Nil, xerrors.Errorf("parse %s: %w", InstanceIDFile, err)
		}
		return id, nil
	case !xerrors.Is(err, os.ErrNotExist):
		return uuid.Nil, xerrors.Errorf("read %s: %w", InstanceIDFile, err)
	}

	id := uuid.New()
	if err := atomic.WriteFile(s.path(InstanceIDFile), strings.NewReader(id.String()+"\n")); err != nil {
		return uuid.Nil, xerrors.Errorf("write %s: %w", InstanceIDFile, err)
	}
	s.log.Info(ctx, "created instance id", slog.F("instance_id", id))
	return id, nil
}

func (s *Store) readObfuscated(name string) ([]byte, error) {
	raw, err := os.ReadFile(s.path(name))
	if xerrors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("read %s: %w", name, err)
	}
	return rot47.DecodeBytes(raw), nil
}

func (s *Store) writeObfuscated(name string, data []byte) error {
	if err := atomic.WriteFile(s.path(name), bytes.NewReader(rot47.EncodeBytes(data))); err != nil {
		return xerrors.Errorf("write %s: %w", name, err)
	}
	return nil
}
