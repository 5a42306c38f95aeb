// Package snapshot implements the two procedures that move content between
// a live workspace directory and the object store: Commit walks a
// workspace into a Record, and Checkout reconciles a workspace to match a
// Record.
package snapshot

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/ret2shell/wsvc/internal/object"
	"github.com/ret2shell/wsvc/internal/objectid"
	"github.com/ret2shell/wsvc/internal/repo"
	"github.com/ret2shell/wsvc/internal/store"
	"github.com/ret2shell/wsvc/internal/wsvcerr"
)

// wsvcDirName is the basename skipped at every level of a commit walk and
// never descended into or removed during a checkout.
const wsvcDirName = ".wsvc"

// CommitOption tunes a single Commit call.
type CommitOption func(*commitConfig)

type commitConfig struct {
	now int64
}

// WithDate overrides the record's timestamp (seconds since epoch UTC);
// mainly for tests that need reproducible fixtures. Commit uses the
// caller-supplied wall clock reading by default.
func WithDate(unixSeconds int64) CommitOption {
	return func(c *commitConfig) { c.now = unixSeconds }
}

// Commit walks workspace, writes a blob object for every file and a tree
// object for every directory (skipping any entry named .wsvc at any
// level), and, unless the resulting root tree already exists under an
// existing record, writes a new Record and advances HEAD to it.
//
// now is the wall clock reading (seconds since epoch UTC) recorded on the
// Record; the engine carries no clock of its own, callers supply one.
func Commit(r *repo.Repo, workspace, author, message string, now int64, opts ...CommitOption) (object.Record, error) {
	cfg := commitConfig{now: now}
	for _, opt := range opts {
		opt(&cfg)
	}

	b := &builder{store: r.Store()}
	rootTree, err := b.buildTree(workspace, filepath.Base(workspace))
	if err != nil {
		return object.Record{}, err
	}

	rootIsNew, err := b.store.PutTree(rootTree)
	if err != nil {
		return object.Record{}, err
	}

	if !rootIsNew {
		existing, err := findRecordByRoot(r, rootTree.Hash)
		if err != nil {
			return object.Record{}, err
		}
		if existing != nil {
			return object.Record{}, wsvcerr.NewNoChange(existing.Hash)
		}
		// The tree object pre-exists (e.g. from a sibling directory with
		// identical content) but no record currently references it as a
		// root: fall through and commit a fresh record anyway.
	}

	record, err := object.NewRecord(message, author, cfg.now, rootTree.Hash)
	if err != nil {
		return object.Record{}, err
	}
	if err := r.Store().PutRecord(record); err != nil {
		return object.Record{}, err
	}
	if err := r.SetHEAD(record.Hash); err != nil {
		return object.Record{}, err
	}

	slog.Info("commit created", "record", record.Hash.Short(), "root", rootTree.Hash.Short(), "author", author)
	return record, nil
}

func findRecordByRoot(r *repo.Repo, rootFP objectid.FP) (*object.Record, error) {
	records, err := r.Store().ListRecords()
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].Root == rootFP {
			return &records[i], nil
		}
	}
	return nil, nil
}

// builder accumulates the recursive tree-build state for one Commit call.
type builder struct {
	store *store.Store
}

// buildTree recursively builds the Tree rooted at absPath, writing every
// blob and child tree beneath it, and returns the self-fingerprinted Tree
// without writing it; the caller stores it with PutTree. Child entries are
// appended in sorted name order so identical content hashes identically
// regardless of the filesystem's enumeration order.
func (b *builder) buildTree(absPath, name string) (object.Tree, error) {
	entries, err := os.ReadDir(absPath)
	if err != nil {
		return object.Tree{}, wsvcerr.Wrap(wsvcerr.IO, "snapshot: read dir "+absPath, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var childTrees []objectid.FP
	var childBlobs []object.BlobEntry
	for _, entry := range entries {
		if entry.Name() == wsvcDirName {
			continue
		}
		childPath := filepath.Join(absPath, entry.Name())

		info, err := entry.Info()
		if err != nil {
			return object.Tree{}, wsvcerr.Wrap(wsvcerr.IO, "snapshot: stat "+childPath, err)
		}

		if info.IsDir() {
			childTree, err := b.buildTree(childPath, entry.Name())
			if err != nil {
				return object.Tree{}, err
			}
			if _, err := b.store.PutTree(childTree); err != nil {
				return object.Tree{}, err
			}
			childTrees = append(childTrees, childTree.Hash)
			continue
		}

		fp, err := b.store.PutBlob(childPath)
		if err != nil {
			return object.Tree{}, err
		}
		childBlobs = append(childBlobs, object.BlobEntry{Name: entry.Name(), Hash: fp})
	}

	return object.NewTree(name, childTrees, childBlobs)
}
