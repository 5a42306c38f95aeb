// Package store implements the on-disk object store: blob payloads under
// objects/, tree and record objects as canonical JSON under trees/ and
// records/, all written atomically via temp+rename.
//
// The store never walks a workspace or reconciles a checkout target
// itself; internal/snapshot calls into it one object at a time. It also
// never opens a network connection; internal/wsvcsync calls into it to
// stage and promote objects received from a peer.
package store

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/ret2shell/wsvc/internal/codec"
	"github.com/ret2shell/wsvc/internal/object"
	"github.com/ret2shell/wsvc/internal/objectid"
	"github.com/ret2shell/wsvc/internal/wsvcerr"
)

// Store is a handle on the object directories under a repository root. It
// holds no other state; callers are responsible for the session lock.
type Store struct {
	root string
}

// Open returns a Store rooted at root. It does not verify the directory
// layout exists; internal/repo owns lifecycle checks.
func Open(root string) *Store {
	return &Store{root: root}
}

// Root returns the repository root this store operates under.
func (s *Store) Root() string { return s.root }

func (s *Store) objectsDir() string { return filepath.Join(s.root, "objects") }
func (s *Store) treesDir() string   { return filepath.Join(s.root, "trees") }
func (s *Store) recordsDir() string { return filepath.Join(s.root, "records") }
func (s *Store) tempDir() string    { return filepath.Join(s.root, "temp") }

func (s *Store) objectPath(fp objectid.FP) string { return filepath.Join(s.objectsDir(), fp.String()) }
func (s *Store) treePath(fp objectid.FP) string   { return filepath.Join(s.treesDir(), fp.String()) }
func (s *Store) recordPath(fp objectid.FP) string { return filepath.Join(s.recordsDir(), fp.String()) }

// TempPath returns a fresh, collision-free path under temp/ for staging a
// write before it is renamed into place.
func (s *Store) TempPath() string {
	return filepath.Join(s.tempDir(), uuid.NewString())
}

// ClearTemp removes the entire temp/ directory and recreates it empty,
// called at the end of a checkout.
func (s *Store) ClearTemp() error {
	if err := os.RemoveAll(s.tempDir()); err != nil {
		return wsvcerr.Wrap(wsvcerr.IO, "store: clear temp", err)
	}
	if err := os.MkdirAll(s.tempDir(), 0o755); err != nil {
		return wsvcerr.Wrap(wsvcerr.IO, "store: recreate temp", err)
	}
	return nil
}

// PutBlob streams the file at srcPath, compressing it chunk-by-chunk into
// temp/ while accumulating the fingerprint of the uncompressed bytes, then
// renames the result into objects/<fp>. A rename onto an existing blob is
// accepted silently: both versions are byte-equivalent by construction.
func (s *Store) PutBlob(srcPath string) (objectid.FP, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return objectid.FP{}, wsvcerr.Wrap(wsvcerr.IO, "store: open source file", err)
	}
	defer src.Close()
	return s.putBlobFromReader(src)
}

// PutBlobBytes stores plain as a blob and returns its content fingerprint.
// It exists for callers (and tests) that already hold the content in
// memory rather than on disk.
func (s *Store) PutBlobBytes(plain []byte) (objectid.FP, error) {
	return s.putBlobFromReader(bytes.NewReader(plain))
}

func (s *Store) putBlobFromReader(r io.Reader) (objectid.FP, error) {
	tmp := s.TempPath()
	out, err := os.Create(tmp)
	if err != nil {
		return objectid.FP{}, wsvcerr.Wrap(wsvcerr.IO, "store: create temp blob", err)
	}

	hasher := objectid.NewHasher()
	tee := io.TeeReader(r, hasher)
	compressErr := codec.Compress(out, tee)
	closeErr := out.Close()
	if compressErr != nil {
		os.Remove(tmp)
		return objectid.FP{}, compressErr
	}
	if closeErr != nil {
		os.Remove(tmp)
		return objectid.FP{}, wsvcerr.Wrap(wsvcerr.IO, "store: close temp blob", closeErr)
	}

	fp := objectid.SumHasher(hasher)
	if err := os.Rename(tmp, s.objectPath(fp)); err != nil {
		os.Remove(tmp)
		return objectid.FP{}, wsvcerr.Wrap(wsvcerr.IO, "store: promote blob", err)
	}
	return fp, nil
}

// GetBlobStream opens the blob named fp and returns a reader that yields
// its decompressed content. The caller must Close it.
func (s *Store) GetBlobStream(fp objectid.FP) (io.ReadCloser, error) {
	f, err := os.Open(s.objectPath(fp))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, wsvcerr.Newf(wsvcerr.NotFound, "store: blob %s not found", fp)
		}
		return nil, wsvcerr.Wrap(wsvcerr.IO, "store: open blob", err)
	}

	pr, pw := io.Pipe()
	go func() {
		defer f.Close()
		err := codec.Decompress(pw, f)
		pw.CloseWithError(err)
	}()
	return pr, nil
}

// ReadRawBlob reads the raw compressed bytes of the blob named fp exactly
// as stored under objects/, for the sync protocol's Round 4 file
// transfer: blobs travel compressed, exactly as on disk.
func (s *Store) ReadRawBlob(fp objectid.FP) ([]byte, error) {
	data, err := os.ReadFile(s.objectPath(fp))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, wsvcerr.Newf(wsvcerr.NotFound, "store: blob %s not found", fp)
		}
		return nil, wsvcerr.Wrap(wsvcerr.IO, "store: read raw blob", err)
	}
	return data, nil
}

// ExistsBlob reports whether a blob with the given fingerprint is stored.
func (s *Store) ExistsBlob(fp objectid.FP) bool {
	_, err := os.Stat(s.objectPath(fp))
	return err == nil
}

// ExistsTree reports whether a tree with the given fingerprint is stored.
func (s *Store) ExistsTree(fp objectid.FP) bool {
	_, err := os.Stat(s.treePath(fp))
	return err == nil
}

// PutTree writes tree to trees/<fp> only if not already present, and
// reports whether the write actually happened. The commit path uses the
// isNew flag to detect "no changes".
func (s *Store) PutTree(tree object.Tree) (isNew bool, err error) {
	if s.ExistsTree(tree.Hash) {
		return false, nil
	}
	data, err := tree.Encode()
	if err != nil {
		return false, err
	}
	if err := s.writeAtomic(s.treePath(tree.Hash), data); err != nil {
		return false, err
	}
	return true, nil
}

// PutRecord writes record to records/<fp> unconditionally: a record's
// fingerprint is unique by construction because it includes its timestamp.
func (s *Store) PutRecord(record object.Record) error {
	data, err := record.Encode()
	if err != nil {
		return err
	}
	return s.writeAtomic(s.recordPath(record.Hash), data)
}

func (s *Store) writeAtomic(dest string, data []byte) error {
	tmp := s.TempPath()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return wsvcerr.Wrap(wsvcerr.IO, "store: write temp object", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return wsvcerr.Wrap(wsvcerr.IO, "store: promote object", err)
	}
	return nil
}

// GetTree reads and decodes the tree named fp.
func (s *Store) GetTree(fp objectid.FP) (object.Tree, error) {
	data, err := os.ReadFile(s.treePath(fp))
	if err != nil {
		if os.IsNotExist(err) {
			return object.Tree{}, wsvcerr.Newf(wsvcerr.NotFound, "store: tree %s not found", fp)
		}
		return object.Tree{}, wsvcerr.Wrap(wsvcerr.IO, "store: read tree", err)
	}
	return object.DecodeTree(data)
}

// GetRecord reads and decodes the record named fp.
func (s *Store) GetRecord(fp objectid.FP) (object.Record, error) {
	data, err := os.ReadFile(s.recordPath(fp))
	if err != nil {
		if os.IsNotExist(err) {
			return object.Record{}, wsvcerr.Newf(wsvcerr.NotFound, "store: record %s not found", fp)
		}
		return object.Record{}, wsvcerr.Wrap(wsvcerr.IO, "store: read record", err)
	}
	return object.DecodeRecord(data)
}

// ListRecords enumerates every record in the store. Order is unspecified;
// callers that need a particular order (internal/repo.SortedRecords) sort
// the result themselves.
func (s *Store) ListRecords() ([]object.Record, error) {
	entries, err := os.ReadDir(s.recordsDir())
	if err != nil {
		return nil, wsvcerr.Wrap(wsvcerr.IO, "store: list records", err)
	}
	records := make([]object.Record, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fp, err := objectid.Parse(entry.Name())
		if err != nil {
			continue
		}
		record, err := s.GetRecord(fp)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// TreesOf traverses the tree DAG rooted at recordFP's root tree,
// returning every reachable tree. Duplicates are permitted.
func (s *Store) TreesOf(recordFP objectid.FP) ([]object.Tree, error) {
	record, err := s.GetRecord(recordFP)
	if err != nil {
		return nil, err
	}
	return s.treesReachableFrom(record.Root)
}

func (s *Store) treesReachableFrom(root objectid.FP) ([]object.Tree, error) {
	var out []object.Tree
	queue := []objectid.FP{root}
	for len(queue) > 0 {
		fp := queue[0]
		queue = queue[1:]
		tree, err := s.GetTree(fp)
		if err != nil {
			return nil, err
		}
		out = append(out, tree)
		queue = append(queue, tree.Trees...)
	}
	return out, nil
}

// BlobsOf returns the blob entries immediately referenced by the tree
// named treeFP.
func (s *Store) BlobsOf(treeFP objectid.FP) ([]object.BlobEntry, error) {
	tree, err := s.GetTree(treeFP)
	if err != nil {
		return nil, err
	}
	return tree.Blobs, nil
}

// RecordBlobs unions the blob entries of every tree reachable from
// recordFP, deriving a whole record's blob set.
func (s *Store) RecordBlobs(recordFP objectid.FP) ([]object.BlobEntry, error) {
	trees, err := s.TreesOf(recordFP)
	if err != nil {
		return nil, err
	}
	seen := make(map[objectid.FP]bool)
	var out []object.BlobEntry
	for _, tree := range trees {
		for _, blob := range tree.Blobs {
			if seen[blob.Hash] {
				continue
			}
			seen[blob.Hash] = true
			out = append(out, blob)
		}
	}
	sort.Slice(out, func(i, j int) bool { return objectid.Less(out[i].Hash, out[j].Hash) })
	return out, nil
}

// StageBlob writes raw compressed bytes (as produced by internal/codec)
// into temp/objects/<fp>, for the sync protocol to verify before
// promotion. It does not touch objects/ directly.
func (s *Store) StageBlob(fp objectid.FP, compressed io.Reader) error {
	stageDir := filepath.Join(s.tempDir(), "objects")
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return wsvcerr.Wrap(wsvcerr.IO, "store: create stage dir", err)
	}
	path := filepath.Join(stageDir, fp.String())
	out, err := os.Create(path)
	if err != nil {
		return wsvcerr.Wrap(wsvcerr.IO, "store: create staged blob", err)
	}
	if _, err := io.Copy(out, compressed); err != nil {
		out.Close()
		return wsvcerr.Wrap(wsvcerr.IO, "store: write staged blob", err)
	}
	if err := out.Close(); err != nil {
		return wsvcerr.Wrap(wsvcerr.IO, "store: close staged blob", err)
	}
	return nil
}

// VerifyStagedBlob recomputes the content fingerprint of a staged blob by
// streaming a decompress pass over it, failing with ChecksumMismatch if it
// does not equal the fingerprint it was announced under.
func (s *Store) VerifyStagedBlob(fp objectid.FP) error {
	path := filepath.Join(s.tempDir(), "objects", fp.String())
	f, err := os.Open(path)
	if err != nil {
		return wsvcerr.Wrap(wsvcerr.IO, "store: open staged blob", err)
	}
	defer f.Close()

	hasher := objectid.NewHasher()
	if err := codec.Decompress(hasher, f); err != nil {
		return wsvcerr.Wrap(wsvcerr.Corrupt, "store: decompress staged blob", err)
	}
	got := objectid.SumHasher(hasher)
	if got != fp {
		return wsvcerr.Newf(wsvcerr.ChecksumMismatch, "store: staged blob fingerprint mismatch: announced %s, computed %s", fp, got)
	}
	return nil
}

// PromoteStagedBlob renames a verified staged blob from temp/objects/ into
// objects/.
func (s *Store) PromoteStagedBlob(fp objectid.FP) error {
	staged := filepath.Join(s.tempDir(), "objects", fp.String())
	if err := os.Rename(staged, s.objectPath(fp)); err != nil {
		return wsvcerr.Wrap(wsvcerr.IO, "store: promote staged blob", err)
	}
	return nil
}

// PromoteTree writes a received tree object unconditionally; a tree the
// store already holds is overwritten with identical bytes.
func (s *Store) PromoteTree(tree object.Tree) error {
	data, err := tree.Encode()
	if err != nil {
		return err
	}
	return s.writeAtomic(s.treePath(tree.Hash), data)
}

// PromoteRecord writes a received record object unconditionally.
func (s *Store) PromoteRecord(record object.Record) error {
	return s.PutRecord(record)
}

