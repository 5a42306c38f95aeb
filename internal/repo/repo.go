// Package repo implements the repository lifecycle: locating the repository root (bare or `<workspace>/.wsvc`),
// creating and opening the on-disk layout, and the single-writer session
// lock. It also owns the three small plain-text files that live directly
// under the repository root (HEAD, ORIGIN and LOCK) since none of them
// belongs to internal/store's object-kind directories.
package repo

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/ret2shell/wsvc/internal/object"
	"github.com/ret2shell/wsvc/internal/objectid"
	"github.com/ret2shell/wsvc/internal/store"
	"github.com/ret2shell/wsvc/internal/wsvcerr"
)

const (
	headFile   = "HEAD"
	originFile = "ORIGIN"
	lockFile   = "LOCK"
)

// dirs is the set of directories that must exist for open() to accept a
// path as a repository.
var dirs = []string{"objects", "trees", "records"}

// Repo is an opened repository: a root directory, the object store rooted
// there, and (while held) the session lock.
type Repo struct {
	root     string
	bare     bool
	store    *store.Store
	sessID   string
	haveLock bool
}

// Root returns the repository root directory (the bare directory itself,
// or `<workspace>/.wsvc` for a non-bare repository).
func (r *Repo) Root() string { return r.root }

// Bare reports whether this repository was opened/created as bare.
func (r *Repo) Bare() bool { return r.bare }

// Store returns the object store backing this repository.
func (r *Repo) Store() *store.Store { return r.store }

// resolveRoot computes the repository root for path: an explicit bare
// directory, or `<workspace>/.wsvc` otherwise.
func resolveRoot(path string, bare bool) string {
	if bare {
		return path
	}
	return filepath.Join(path, ".wsvc")
}

// Create lays out a fresh repository at the root resolved from path and
// bare, failing with Exists if anything already lives at that root. An
// existing empty directory is acceptable as a bare root, so `init --bare`
// works in a directory made ahead of time.
func Create(path string, bare bool) (*Repo, error) {
	root := resolveRoot(path, bare)
	if info, err := os.Stat(root); err == nil {
		if !info.IsDir() {
			return nil, wsvcerr.Newf(wsvcerr.Exists, "repo: %s already exists", root)
		}
		entries, err := os.ReadDir(root)
		if err != nil {
			return nil, wsvcerr.Wrap(wsvcerr.IO, "repo: read repository root", err)
		}
		if len(entries) > 0 {
			return nil, wsvcerr.Newf(wsvcerr.Exists, "repo: %s already exists and is not empty", root)
		}
	} else if !os.IsNotExist(err) {
		return nil, wsvcerr.Wrap(wsvcerr.IO, "repo: stat repository root", err)
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, wsvcerr.Wrap(wsvcerr.IO, "repo: create root", err)
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return nil, wsvcerr.Wrap(wsvcerr.IO, "repo: create "+d, err)
		}
	}
	if err := os.MkdirAll(filepath.Join(root, "temp"), 0o755); err != nil {
		return nil, wsvcerr.Wrap(wsvcerr.IO, "repo: create temp", err)
	}
	if err := os.WriteFile(filepath.Join(root, headFile), []byte{}, 0o644); err != nil {
		return nil, wsvcerr.Wrap(wsvcerr.IO, "repo: create HEAD", err)
	}

	slog.Info("repository created", "root", root, "bare", bare)
	return &Repo{root: root, bare: bare, store: store.Open(root)}, nil
}

// Open accepts path as a repository only if objects/, trees/, records/ and
// HEAD are all present at the root resolved from path and bare.
func Open(path string, bare bool) (*Repo, error) {
	root := resolveRoot(path, bare)
	for _, d := range dirs {
		info, err := os.Stat(filepath.Join(root, d))
		if err != nil || !info.IsDir() {
			return nil, wsvcerr.Newf(wsvcerr.NotFound, "repo: %s is not a wsvc repository", root)
		}
	}
	if _, err := os.Stat(filepath.Join(root, headFile)); err != nil {
		return nil, wsvcerr.Newf(wsvcerr.NotFound, "repo: %s is not a wsvc repository", root)
	}
	return &Repo{root: root, bare: bare, store: store.Open(root)}, nil
}

// Probe tries path as a non-bare repository first, falling back to a bare
// repository at path itself.
func Probe(path string) (*Repo, error) {
	r, err := Open(path, false)
	if err == nil {
		return r, nil
	}
	return Open(path, true)
}

// Acquire takes the single-writer session lock. A fresh session id is
// generated and recorded; re-entering with the same Repo value (the id
// already matches) succeeds without contention. A LOCK held by a
// different session fails with Locked.
func (r *Repo) Acquire() error {
	path := filepath.Join(r.root, lockFile)
	existing, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		id := uuid.NewString()
		if err := os.WriteFile(path, []byte(id), 0o644); err != nil {
			return wsvcerr.Wrap(wsvcerr.IO, "repo: write lock", err)
		}
		r.sessID = id
		r.haveLock = true
		slog.Debug("session lock acquired", "root", r.root, "session", id)
		return nil
	case err != nil:
		return wsvcerr.Wrap(wsvcerr.IO, "repo: read lock", err)
	}

	if r.sessID != "" && string(existing) == r.sessID {
		r.haveLock = true
		return nil
	}
	return wsvcerr.Newf(wsvcerr.Locked, "repo: %s is locked by another session", r.root)
}

// Release removes the LOCK file if this session holds it. It is safe to
// call on a Repo that never acquired the lock.
func (r *Repo) Release() error {
	if !r.haveLock {
		return nil
	}
	if err := os.Remove(filepath.Join(r.root, lockFile)); err != nil && !os.IsNotExist(err) {
		return wsvcerr.Wrap(wsvcerr.IO, "repo: release lock", err)
	}
	r.haveLock = false
	slog.Debug("session lock released", "root", r.root, "session", r.sessID)
	return nil
}

// WithSession acquires the lock, runs fn, and releases the lock on every
// exit path, including a panic propagating out of fn.
func (r *Repo) WithSession(fn func() error) error {
	if err := r.Acquire(); err != nil {
		return err
	}
	defer r.Release()
	return fn()
}

// HEAD reads the current HEAD fingerprint. The zero value and ok=false are
// returned when HEAD is empty (no snapshots yet).
func (r *Repo) HEAD() (fp objectid.FP, ok bool, err error) {
	data, err := os.ReadFile(filepath.Join(r.root, headFile))
	if err != nil {
		return objectid.FP{}, false, wsvcerr.Wrap(wsvcerr.IO, "repo: read HEAD", err)
	}
	s := string(data)
	if s == "" {
		return objectid.FP{}, false, nil
	}
	fp, err = objectid.Parse(s)
	if err != nil {
		return objectid.FP{}, false, wsvcerr.Wrap(wsvcerr.Corrupt, "repo: parse HEAD", err)
	}
	return fp, true, nil
}

// SetHEAD rewrites HEAD to fp, called on every commit and checkout.
func (r *Repo) SetHEAD(fp objectid.FP) error {
	if err := os.WriteFile(filepath.Join(r.root, headFile), []byte(fp.String()), 0o644); err != nil {
		return wsvcerr.Wrap(wsvcerr.IO, "repo: write HEAD", err)
	}
	return nil
}

// Origin reads the configured remote peer URL, or "" if ORIGIN is absent.
func (r *Repo) Origin() (string, error) {
	data, err := os.ReadFile(filepath.Join(r.root, originFile))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", wsvcerr.Wrap(wsvcerr.IO, "repo: read ORIGIN", err)
	}
	return string(data), nil
}

// SetOrigin records the remote peer URL.
func (r *Repo) SetOrigin(url string) error {
	if err := os.WriteFile(filepath.Join(r.root, originFile), []byte(url), 0o644); err != nil {
		return wsvcerr.Wrap(wsvcerr.IO, "repo: write ORIGIN", err)
	}
	return nil
}

// SortedRecords lists every record sorted by date descending, breaking
// ties by fingerprint lexicographic order.
func (r *Repo) SortedRecords() ([]object.Record, error) {
	records, err := r.store.ListRecords()
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Date != records[j].Date {
			return records[i].Date > records[j].Date
		}
		return objectid.Less(records[i].Hash, records[j].Hash)
	})
	return records, nil
}

// Latest returns the record with the greatest date (ties broken by FP
// lexicographic order), and false if the store has no records.
func (r *Repo) Latest() (object.Record, bool, error) {
	records, err := r.SortedRecords()
	if err != nil {
		return object.Record{}, false, err
	}
	if len(records) == 0 {
		return object.Record{}, false, nil
	}
	return records[0], true, nil
}

// ResolvePrefix finds the unique record whose fingerprint starts with
// prefix (case-insensitive). An empty result is BadUsage; more than one
// match is BadUsage carrying every match, so the CLI can print the full
// listing.
func (r *Repo) ResolvePrefix(prefix string) (object.Record, error) {
	records, err := r.store.ListRecords()
	if err != nil {
		return object.Record{}, err
	}
	lower := strings.ToLower(prefix)
	var matches []object.Record
	for _, rec := range records {
		if strings.HasPrefix(rec.Hash.String(), lower) {
			matches = append(matches, rec)
		}
	}
	switch len(matches) {
	case 0:
		return object.Record{}, wsvcerr.Newf(wsvcerr.BadUsage, "repo: no record matches prefix %q", prefix)
	case 1:
		return matches[0], nil
	default:
		sort.Slice(matches, func(i, j int) bool { return objectid.Less(matches[i].Hash, matches[j].Hash) })
		return object.Record{}, wsvcerr.NewAmbiguousPrefix(prefix, matches, len(matches))
	}
}

