// Package wsvcsync implements the four-round set-reconciliation protocol:
// Initiator and Responder exchange records,
// trees and blob metadata to compute what each side is missing, then
// transfer only the missing blob payloads before atomically promoting
// everything received into the local store.
package wsvcsync

import "github.com/ret2shell/wsvc/internal/object"

// state tags one entry of a round's diff packet: which side wants it, or
// which side is giving it, from the Initiator's point of view.
type state int

const (
	// stateWanted marks an object the Initiator wants from the Responder.
	stateWanted state = 1
	// stateWillGive marks an object the Initiator will give the Responder.
	stateWillGive state = 2
)

// recordDiff is one entry of Round 1's diff packet.
type recordDiff struct {
	Record object.Record `json:"record"`
	State  state         `json:"state"`
}

// treeDiff is one entry of Round 2's diff packet.
type treeDiff struct {
	Tree  object.Tree `json:"tree"`
	State state       `json:"state"`
}

// blobDiff is one entry of Round 3's diff packet.
type blobDiff struct {
	Blob  object.BlobEntry `json:"blob"`
	State state            `json:"state"`
}

// Stats summarizes one sync session for logging and CLI reporting.
type Stats struct {
	RecordsPulled int
	RecordsPushed int
	TreesPulled   int
	TreesPushed   int
	BlobsPulled   int
	BlobsPushed   int
}
