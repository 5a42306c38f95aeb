package store

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/ret2shell/wsvc/internal/object"
	"github.com/ret2shell/wsvc/internal/objectid"
	"github.com/ret2shell/wsvc/internal/wsvcerr"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()
	for _, d := range []string{"objects", "trees", "records", "temp"} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
	}
	return Open(root)
}

func TestPutBlobRoundTrip(t *testing.T) {
	s := newStore(t)
	content := []byte("hi\n")

	src := filepath.Join(t.TempDir(), "hello.txt")
	if err := os.WriteFile(src, content, 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	fp, err := s.PutBlob(src)
	if err != nil {
		t.Fatalf("PutBlob: %v", err)
	}
	if want := objectid.Sum(content); fp != want {
		t.Fatalf("blob fingerprint is %s, want %s", fp, want)
	}
	if !s.ExistsBlob(fp) {
		t.Fatal("ExistsBlob false after PutBlob")
	}

	rc, err := s.GetBlobStream(fp)
	if err != nil {
		t.Fatalf("GetBlobStream: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read blob stream: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("blob content is %q, want %q", got, content)
	}
}

func TestPutBlobDedup(t *testing.T) {
	s := newStore(t)
	a, err := s.PutBlobBytes([]byte("same content"))
	if err != nil {
		t.Fatalf("first PutBlobBytes: %v", err)
	}
	b, err := s.PutBlobBytes([]byte("same content"))
	if err != nil {
		t.Fatalf("second PutBlobBytes: %v", err)
	}
	if a != b {
		t.Fatalf("identical content produced different fingerprints: %s != %s", a, b)
	}

	entries, err := os.ReadDir(filepath.Join(s.Root(), "objects"))
	if err != nil {
		t.Fatalf("read objects dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one stored object, found %d", len(entries))
	}
}

func TestGetBlobStreamNotFound(t *testing.T) {
	s := newStore(t)
	_, err := s.GetBlobStream(objectid.Sum([]byte("never stored")))
	if !wsvcerr.Is(err, wsvcerr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestPutTreeReportsIsNew(t *testing.T) {
	s := newStore(t)
	tree, err := object.NewTree("root", nil, []object.BlobEntry{{Name: "a", Hash: objectid.Sum([]byte("a"))}})
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}

	isNew, err := s.PutTree(tree)
	if err != nil {
		t.Fatalf("first PutTree: %v", err)
	}
	if !isNew {
		t.Fatal("first PutTree should report isNew")
	}

	isNew, err = s.PutTree(tree)
	if err != nil {
		t.Fatalf("second PutTree: %v", err)
	}
	if isNew {
		t.Fatal("second PutTree of the same tree should not report isNew")
	}

	got, err := s.GetTree(tree.Hash)
	if err != nil {
		t.Fatalf("GetTree: %v", err)
	}
	if got.Hash != tree.Hash || got.Name != tree.Name {
		t.Fatalf("stored tree mismatch: %+v", got)
	}
}

func TestListRecordsAndGet(t *testing.T) {
	s := newStore(t)
	var want []objectid.FP
	for i, msg := range []string{"first", "second", "third"} {
		rec, err := object.NewRecord(msg, "a", int64(1000+i), objectid.Sum([]byte(msg)))
		if err != nil {
			t.Fatalf("NewRecord: %v", err)
		}
		if err := s.PutRecord(rec); err != nil {
			t.Fatalf("PutRecord: %v", err)
		}
		want = append(want, rec.Hash)
	}

	records, err := s.ListRecords()
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if len(records) != len(want) {
		t.Fatalf("listed %d records, want %d", len(records), len(want))
	}
	seen := make(map[objectid.FP]bool)
	for _, r := range records {
		seen[r.Hash] = true
	}
	for _, fp := range want {
		if !seen[fp] {
			t.Fatalf("record %s missing from listing", fp)
		}
	}
}

func TestTreesOfAndRecordBlobs(t *testing.T) {
	s := newStore(t)

	leafBlob := object.BlobEntry{Name: "leaf.txt", Hash: objectid.Sum([]byte("leaf"))}
	leaf, err := object.NewTree("sub", nil, []object.BlobEntry{leafBlob})
	if err != nil {
		t.Fatalf("NewTree leaf: %v", err)
	}
	rootBlob := object.BlobEntry{Name: "root.txt", Hash: objectid.Sum([]byte("root"))}
	root, err := object.NewTree("ws", []objectid.FP{leaf.Hash}, []object.BlobEntry{rootBlob})
	if err != nil {
		t.Fatalf("NewTree root: %v", err)
	}
	for _, tr := range []object.Tree{leaf, root} {
		if _, err := s.PutTree(tr); err != nil {
			t.Fatalf("PutTree: %v", err)
		}
	}
	rec, err := object.NewRecord("m", "a", 1000, root.Hash)
	if err != nil {
		t.Fatalf("NewRecord: %v", err)
	}
	if err := s.PutRecord(rec); err != nil {
		t.Fatalf("PutRecord: %v", err)
	}

	trees, err := s.TreesOf(rec.Hash)
	if err != nil {
		t.Fatalf("TreesOf: %v", err)
	}
	if len(trees) != 2 {
		t.Fatalf("TreesOf returned %d trees, want 2", len(trees))
	}

	blobs, err := s.RecordBlobs(rec.Hash)
	if err != nil {
		t.Fatalf("RecordBlobs: %v", err)
	}
	if len(blobs) != 2 {
		t.Fatalf("RecordBlobs returned %d entries, want 2", len(blobs))
	}
	names := map[string]bool{}
	for _, b := range blobs {
		names[b.Name] = true
	}
	if !names["leaf.txt"] || !names["root.txt"] {
		t.Fatalf("RecordBlobs missing expected entries: %+v", blobs)
	}
}

func TestStageVerifyPromoteBlob(t *testing.T) {
	src := newStore(t)
	dst := newStore(t)
	content := []byte("synced payload")

	fp, err := src.PutBlobBytes(content)
	if err != nil {
		t.Fatalf("PutBlobBytes: %v", err)
	}
	raw, err := src.ReadRawBlob(fp)
	if err != nil {
		t.Fatalf("ReadRawBlob: %v", err)
	}

	if err := dst.StageBlob(fp, bytes.NewReader(raw)); err != nil {
		t.Fatalf("StageBlob: %v", err)
	}
	if err := dst.VerifyStagedBlob(fp); err != nil {
		t.Fatalf("VerifyStagedBlob: %v", err)
	}
	if dst.ExistsBlob(fp) {
		t.Fatal("blob visible in objects/ before promotion")
	}
	if err := dst.PromoteStagedBlob(fp); err != nil {
		t.Fatalf("PromoteStagedBlob: %v", err)
	}
	if !dst.ExistsBlob(fp) {
		t.Fatal("blob missing from objects/ after promotion")
	}

	rc, err := dst.GetBlobStream(fp)
	if err != nil {
		t.Fatalf("GetBlobStream: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read promoted blob: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("promoted blob content is %q, want %q", got, content)
	}
}

func TestVerifyStagedBlobChecksumMismatch(t *testing.T) {
	src := newStore(t)
	dst := newStore(t)

	fp, err := src.PutBlobBytes([]byte("original"))
	if err != nil {
		t.Fatalf("PutBlobBytes: %v", err)
	}
	// Stage a valid compressed stream under the wrong fingerprint.
	otherFP, err := src.PutBlobBytes([]byte("different"))
	if err != nil {
		t.Fatalf("PutBlobBytes: %v", err)
	}
	raw, err := src.ReadRawBlob(otherFP)
	if err != nil {
		t.Fatalf("ReadRawBlob: %v", err)
	}
	if err := dst.StageBlob(fp, bytes.NewReader(raw)); err != nil {
		t.Fatalf("StageBlob: %v", err)
	}

	err = dst.VerifyStagedBlob(fp)
	if !wsvcerr.Is(err, wsvcerr.ChecksumMismatch) {
		t.Fatalf("expected ChecksumMismatch, got %v", err)
	}
	if dst.ExistsBlob(fp) {
		t.Fatal("mismatched blob must not reach objects/")
	}
}

func TestClearTemp(t *testing.T) {
	s := newStore(t)
	leftover := s.TempPath()
	if err := os.WriteFile(leftover, []byte("scratch"), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	if err := s.ClearTemp(); err != nil {
		t.Fatalf("ClearTemp: %v", err)
	}
	if _, err := os.Stat(leftover); !os.IsNotExist(err) {
		t.Fatal("temp file survived ClearTemp")
	}
	entries, err := os.ReadDir(filepath.Join(s.Root(), "temp"))
	if err != nil {
		t.Fatalf("temp/ missing after ClearTemp: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("temp/ not empty after ClearTemp: %d entries", len(entries))
	}
}
