// Package object defines the persisted tree and record object kinds
// (blobs are opaque byte streams handled by internal/codec and
// internal/store directly) along with the canonical JSON encoding that
// gives each one its content fingerprint.
//
// The encoding is deliberately minimal: Go's encoding/json already marshals
// struct fields in declaration order and emits no extra whitespace for a
// bare Marshal call, which is exactly the bit-stability canonical JSON
// requires. The only work this package does on top of that is zeroing the
// self-referential hash field before hashing and normalizing nil slices to
// empty ones so an object with no children still serializes its list
// fields as `[]`, not `null`.
package object

import (
	"encoding/json"

	"github.com/ret2shell/wsvc/internal/objectid"
	"github.com/ret2shell/wsvc/internal/wsvcerr"
)

// BlobEntry names one file child of a Tree.
type BlobEntry struct {
	Name string      `json:"name"`
	Hash objectid.FP `json:"hash"`
}

// Tree is a directory object: a name, its own fingerprint, an ordered list
// of child-tree fingerprints, and an ordered list of file children.
type Tree struct {
	Name  string        `json:"name"`
	Hash  objectid.FP   `json:"hash"`
	Trees []objectid.FP `json:"trees"`
	Blobs []BlobEntry   `json:"blobs"`
}

// Record is a snapshot object: the commit metadata plus the fingerprint of
// the root Tree it captured.
type Record struct {
	Hash    objectid.FP `json:"hash"`
	Message string      `json:"message"`
	Author  string      `json:"author"`
	Date    int64       `json:"date"`
	Root    objectid.FP `json:"root"`
}

// NewTree builds a Tree with normalized (non-nil) child slices and its
// fingerprint computed and set.
func NewTree(name string, trees []objectid.FP, blobs []BlobEntry) (Tree, error) {
	t := Tree{Name: name, Trees: normalizeFPs(trees), Blobs: normalizeBlobs(blobs)}
	fp, err := t.fingerprint()
	if err != nil {
		return Tree{}, err
	}
	t.Hash = fp
	return t, nil
}

// NewRecord builds a Record with its fingerprint computed and set.
func NewRecord(message, author string, date int64, root objectid.FP) (Record, error) {
	r := Record{Message: message, Author: author, Date: date, Root: root}
	fp, err := r.fingerprint()
	if err != nil {
		return Record{}, err
	}
	r.Hash = fp
	return r, nil
}

// Encode renders the object as the canonical JSON stored on disk and sent
// on the wire, with its real Hash field populated.
func (t Tree) Encode() ([]byte, error) {
	c := t
	c.Trees = normalizeFPs(c.Trees)
	c.Blobs = normalizeBlobs(c.Blobs)
	data, err := json.Marshal(c)
	if err != nil {
		return nil, wsvcerr.Wrap(wsvcerr.Corrupt, "object: encode tree", err)
	}
	return data, nil
}

// DecodeTree parses a tree object and verifies its self-fingerprint matches
// its stored Hash field, returning Corrupt on either failure.
func DecodeTree(data []byte) (Tree, error) {
	var t Tree
	if err := json.Unmarshal(data, &t); err != nil {
		return Tree{}, wsvcerr.Wrap(wsvcerr.Corrupt, "object: decode tree", err)
	}
	t.Trees = normalizeFPs(t.Trees)
	t.Blobs = normalizeBlobs(t.Blobs)
	want, err := t.fingerprint()
	if err != nil {
		return Tree{}, err
	}
	if want != t.Hash {
		return Tree{}, wsvcerr.Newf(wsvcerr.Corrupt, "object: tree self-fingerprint mismatch: stored %s, computed %s", t.Hash, want)
	}
	return t, nil
}

// fingerprint computes the self-FP of t with Hash zeroed, per the canonical
// serialization rule.
func (t Tree) fingerprint() (objectid.FP, error) {
	c := t
	c.Hash = objectid.Zero
	c.Trees = normalizeFPs(c.Trees)
	c.Blobs = normalizeBlobs(c.Blobs)
	data, err := json.Marshal(c)
	if err != nil {
		return objectid.FP{}, wsvcerr.Wrap(wsvcerr.Corrupt, "object: marshal tree for fingerprint", err)
	}
	return objectid.Sum(data), nil
}

// Encode renders the record as the canonical JSON stored on disk and sent
// on the wire, with its real Hash field populated.
func (r Record) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, wsvcerr.Wrap(wsvcerr.Corrupt, "object: encode record", err)
	}
	return data, nil
}

// DecodeRecord parses a record object and verifies its self-fingerprint
// matches its stored Hash field, returning Corrupt on either failure.
func DecodeRecord(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, wsvcerr.Wrap(wsvcerr.Corrupt, "object: decode record", err)
	}
	want, err := r.fingerprint()
	if err != nil {
		return Record{}, err
	}
	if want != r.Hash {
		return Record{}, wsvcerr.Newf(wsvcerr.Corrupt, "object: record self-fingerprint mismatch: stored %s, computed %s", r.Hash, want)
	}
	return r, nil
}

func (r Record) fingerprint() (objectid.FP, error) {
	c := r
	c.Hash = objectid.Zero
	data, err := json.Marshal(c)
	if err != nil {
		return objectid.FP{}, wsvcerr.Wrap(wsvcerr.Corrupt, "object: marshal record for fingerprint", err)
	}
	return objectid.Sum(data), nil
}

func normalizeFPs(fps []objectid.FP) []objectid.FP {
	if fps == nil {
		return []objectid.FP{}
	}
	return fps
}

func normalizeBlobs(blobs []BlobEntry) []BlobEntry {
	if blobs == nil {
		return []BlobEntry{}
	}
	return blobs
}
