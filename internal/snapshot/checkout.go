package snapshot

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ret2shell/wsvc/internal/object"
	"github.com/ret2shell/wsvc/internal/objectid"
	"github.com/ret2shell/wsvc/internal/repo"
	"github.com/ret2shell/wsvc/internal/store"
	"github.com/ret2shell/wsvc/internal/wsvcerr"
)

// Checkout loads the record named recordFP, reconciles workspace to match
// its root tree (writing missing files, overwriting mismatched ones, and
// deleting anything not present in the tree), rewrites HEAD, and clears
// temp/.
func Checkout(r *repo.Repo, recordFP objectid.FP, workspace string) (object.Record, error) {
	record, err := r.Store().GetRecord(recordFP)
	if err != nil {
		return object.Record{}, err
	}
	rootTree, err := r.Store().GetTree(record.Root)
	if err != nil {
		return object.Record{}, err
	}

	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return object.Record{}, wsvcerr.Wrap(wsvcerr.IO, "snapshot: create workspace", err)
	}
	if err := reconcile(r.Store(), rootTree, workspace); err != nil {
		return object.Record{}, err
	}

	if err := r.SetHEAD(record.Hash); err != nil {
		return object.Record{}, err
	}
	if err := r.Store().ClearTemp(); err != nil {
		return object.Record{}, err
	}

	slog.Info("checkout complete", "record", record.Hash.Short(), "workspace", workspace)
	return record, nil
}

// reconcile makes directory dir byte-identical to tree: children listed in
// tree are created or overwritten as needed, and anything else found in
// dir is removed, except .wsvc, which is never descended into nor
// removed.
func reconcile(s *store.Store, tree object.Tree, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return wsvcerr.Wrap(wsvcerr.IO, "snapshot: read workspace dir "+dir, err)
	}
	remaining := make(map[string]os.DirEntry, len(entries))
	for _, e := range entries {
		remaining[e.Name()] = e
	}

	for _, childFP := range tree.Trees {
		child, err := s.GetTree(childFP)
		if err != nil {
			return err
		}
		childPath := filepath.Join(dir, child.Name)
		existing, had := remaining[child.Name]
		delete(remaining, child.Name)

		if !had {
			if err := os.MkdirAll(childPath, 0o755); err != nil {
				return wsvcerr.Wrap(wsvcerr.IO, "snapshot: mkdir "+childPath, err)
			}
		} else if !existing.IsDir() {
			if err := os.Remove(childPath); err != nil {
				return wsvcerr.Wrap(wsvcerr.IO, "snapshot: remove non-dir "+childPath, err)
			}
			if err := os.MkdirAll(childPath, 0o755); err != nil {
				return wsvcerr.Wrap(wsvcerr.IO, "snapshot: mkdir "+childPath, err)
			}
		}
		if err := reconcile(s, child, childPath); err != nil {
			return err
		}
	}

	for _, blob := range tree.Blobs {
		blobPath := filepath.Join(dir, blob.Name)
		delete(remaining, blob.Name)

		matches, err := fileMatches(blobPath, blob.Hash)
		if err != nil {
			return err
		}
		if matches {
			continue
		}
		if err := checkoutBlob(s, blob.Hash, blobPath); err != nil {
			return err
		}
	}

	for name, entry := range remaining {
		path := filepath.Join(dir, name)
		if name == wsvcDirName {
			continue
		}
		if entry.IsDir() {
			if err := os.RemoveAll(path); err != nil {
				return wsvcerr.Wrap(wsvcerr.IO, "snapshot: remove "+path, err)
			}
			continue
		}
		if err := os.Remove(path); err != nil {
			return wsvcerr.Wrap(wsvcerr.IO, "snapshot: remove "+path, err)
		}
	}
	return nil
}

// fileMatches reports whether the workspace file at path already has
// content fingerprint want. A missing file never matches.
func fileMatches(path string, want objectid.FP) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, wsvcerr.Wrap(wsvcerr.IO, "snapshot: open "+path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, wsvcerr.Wrap(wsvcerr.IO, "snapshot: stat "+path, err)
	}
	if info.IsDir() {
		return false, nil
	}

	hasher := objectid.NewHasher()
	if _, err := io.Copy(hasher, f); err != nil {
		return false, wsvcerr.Wrap(wsvcerr.IO, "snapshot: hash "+path, err)
	}
	return objectid.SumHasher(hasher) == want, nil
}

// checkoutBlob decompresses the blob named fp into dest via temp+rename,
// overwriting any existing non-directory entry at dest.
func checkoutBlob(s *store.Store, fp objectid.FP, dest string) error {
	if info, err := os.Lstat(dest); err == nil && info.IsDir() {
		if err := os.RemoveAll(dest); err != nil {
			return wsvcerr.Wrap(wsvcerr.IO, "snapshot: remove directory at "+dest, err)
		}
	}

	rc, err := s.GetBlobStream(fp)
	if err != nil {
		return err
	}
	defer rc.Close()

	tmp := s.TempPath()
	out, err := os.Create(tmp)
	if err != nil {
		return wsvcerr.Wrap(wsvcerr.IO, "snapshot: create temp checkout file", err)
	}
	_, copyErr := io.Copy(out, rc)
	closeErr := out.Close()
	if copyErr != nil {
		os.Remove(tmp)
		return wsvcerr.Wrap(wsvcerr.IO, "snapshot: write blob content", copyErr)
	}
	if closeErr != nil {
		os.Remove(tmp)
		return wsvcerr.Wrap(wsvcerr.IO, "snapshot: close temp checkout file", closeErr)
	}

	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return wsvcerr.Wrap(wsvcerr.IO, "snapshot: promote checkout file", err)
	}
	return nil
}
