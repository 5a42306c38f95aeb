package wsvcsync

import (
	"bytes"
	"encoding/json"
	"log/slog"

	"github.com/ret2shell/wsvc/internal/object"
	"github.com/ret2shell/wsvc/internal/objectid"
	"github.com/ret2shell/wsvc/internal/store"
	"github.com/ret2shell/wsvc/internal/wire"
	"github.com/ret2shell/wsvc/internal/wsvcerr"
)

// RunResponder drives the passive side of a sync session: it answers the
// Initiator's four rounds, then atomically promotes whatever the Initiator
// gave it (blobs, then trees, then records).
func RunResponder(ch wire.Channel, s *store.Store) (Stats, error) {
	// Round 1: records.
	localRecords, err := s.ListRecords()
	if err != nil {
		return Stats{}, err
	}
	if err := sendJSON(ch, localRecords); err != nil {
		return Stats{}, err
	}
	var round1 []recordDiff
	if err := recvJSON(ch, &round1); err != nil {
		return Stats{}, err
	}
	var wantedRecords, willGiveRecords []object.Record
	for _, d := range round1 {
		switch d.State {
		case stateWanted:
			wantedRecords = append(wantedRecords, d.Record)
		case stateWillGive:
			willGiveRecords = append(willGiveRecords, d.Record)
		default:
			return Stats{}, wsvcerr.Newf(wsvcerr.Protocol, "wsvcsync: unknown round-1 diff state %d", d.State)
		}
	}

	// Round 2: trees.
	treesForWanted, err := treesReachable(s, wantedRecords)
	if err != nil {
		return Stats{}, err
	}
	if err := sendJSON(ch, treesForWanted); err != nil {
		return Stats{}, err
	}
	var round2 []treeDiff
	if err := recvJSON(ch, &round2); err != nil {
		return Stats{}, err
	}
	var wantedTrees, willGiveTrees []object.Tree
	for _, d := range round2 {
		switch d.State {
		case stateWanted:
			wantedTrees = append(wantedTrees, d.Tree)
		case stateWillGive:
			willGiveTrees = append(willGiveTrees, d.Tree)
		default:
			return Stats{}, wsvcerr.Newf(wsvcerr.Protocol, "wsvcsync: unknown round-2 diff state %d", d.State)
		}
	}

	// Round 3: blob metadata.
	wantedTreeBlobs := blobsOfTrees(wantedTrees)
	if err := sendJSON(ch, wantedTreeBlobs); err != nil {
		return Stats{}, err
	}
	var round3 []blobDiff
	if err := recvJSON(ch, &round3); err != nil {
		return Stats{}, err
	}
	var wantedBlobs, willGiveBlobs []object.BlobEntry
	for _, d := range round3 {
		switch d.State {
		case stateWanted:
			wantedBlobs = append(wantedBlobs, d.Blob)
		case stateWillGive:
			willGiveBlobs = append(willGiveBlobs, d.Blob)
		default:
			return Stats{}, wsvcerr.Newf(wsvcerr.Protocol, "wsvcsync: unknown round-3 diff state %d", d.State)
		}
	}

	// Round 4: Responder pushes wantedBlobs, then Initiator pushes
	// willGiveBlobs. The two directions never interleave.
	if err := sendBlobs(ch, s, wantedBlobs); err != nil {
		return Stats{}, err
	}
	if err := recvAndStageBlobs(ch, s, len(willGiveBlobs)); err != nil {
		return Stats{}, err
	}

	if err := promote(s, willGiveRecords, willGiveTrees, willGiveBlobs); err != nil {
		return Stats{}, err
	}

	stats := Stats{
		RecordsPulled: len(willGiveRecords),
		RecordsPushed: len(wantedRecords),
		TreesPulled:   len(willGiveTrees),
		TreesPushed:   len(wantedTrees),
		BlobsPulled:   len(willGiveBlobs),
		BlobsPushed:   len(wantedBlobs),
	}
	slog.Info("sync responder finished", "pulled_records", stats.RecordsPulled, "pushed_records", stats.RecordsPushed, "pulled_blobs", stats.BlobsPulled, "pushed_blobs", stats.BlobsPushed)
	return stats, nil
}

// RunInitiator drives the active side of a sync session: it drives each
// round's comparison against the local store, then atomically promotes
// whatever the Responder gave it.
func RunInitiator(ch wire.Channel, s *store.Store) (Stats, error) {
	// Round 1: records.
	var responderRecords []object.Record
	if err := recvJSON(ch, &responderRecords); err != nil {
		return Stats{}, err
	}
	localRecords, err := s.ListRecords()
	if err != nil {
		return Stats{}, err
	}
	localByHash := recordSet(localRecords)
	responderByHash := recordSet(responderRecords)

	var wantedRecords, willGiveRecords []object.Record
	var round1 []recordDiff
	for _, r := range responderRecords {
		if _, have := localByHash[r.Hash]; !have {
			wantedRecords = append(wantedRecords, r)
			round1 = append(round1, recordDiff{Record: r, State: stateWanted})
		}
	}
	for _, r := range localRecords {
		if _, have := responderByHash[r.Hash]; !have {
			willGiveRecords = append(willGiveRecords, r)
			round1 = append(round1, recordDiff{Record: r, State: stateWillGive})
		}
	}
	if err := sendJSON(ch, round1); err != nil {
		return Stats{}, err
	}

	// Round 2: trees.
	var responderTrees []object.Tree
	if err := recvJSON(ch, &responderTrees); err != nil {
		return Stats{}, err
	}
	responderTreeHashes := make(map[objectid.FP]bool, len(responderTrees))
	for _, t := range responderTrees {
		responderTreeHashes[t.Hash] = true
	}

	var wantedTrees []object.Tree
	seenWanted := make(map[objectid.FP]bool)
	for _, t := range responderTrees {
		if s.ExistsTree(t.Hash) || seenWanted[t.Hash] {
			continue
		}
		seenWanted[t.Hash] = true
		wantedTrees = append(wantedTrees, t)
	}

	willGiveCandidates, err := treesReachable(s, willGiveRecords)
	if err != nil {
		return Stats{}, err
	}
	var willGiveTrees []object.Tree
	seenGive := make(map[objectid.FP]bool)
	for _, t := range willGiveCandidates {
		if responderTreeHashes[t.Hash] || seenGive[t.Hash] {
			continue
		}
		seenGive[t.Hash] = true
		willGiveTrees = append(willGiveTrees, t)
	}

	var round2 []treeDiff
	for _, t := range wantedTrees {
		round2 = append(round2, treeDiff{Tree: t, State: stateWanted})
	}
	for _, t := range willGiveTrees {
		round2 = append(round2, treeDiff{Tree: t, State: stateWillGive})
	}
	if err := sendJSON(ch, round2); err != nil {
		return Stats{}, err
	}

	// Round 3: blob metadata.
	var responderBlobs []object.BlobEntry
	if err := recvJSON(ch, &responderBlobs); err != nil {
		return Stats{}, err
	}
	responderKnownBlobs := make(map[objectid.FP]bool, len(responderBlobs))
	for _, b := range responderBlobs {
		responderKnownBlobs[b.Hash] = true
	}

	var wantedBlobs []object.BlobEntry
	seenWantedBlob := make(map[objectid.FP]bool)
	for _, b := range responderBlobs {
		if s.ExistsBlob(b.Hash) || seenWantedBlob[b.Hash] {
			continue
		}
		seenWantedBlob[b.Hash] = true
		wantedBlobs = append(wantedBlobs, b)
	}

	// Only the blobs the Responder listed above are known to be present
	// there; any other blob of willGiveTrees is sent, even if the Responder
	// already stores it.
	willGiveBlobCandidates := blobsOfTrees(willGiveTrees)
	var willGiveBlobs []object.BlobEntry
	seenGiveBlob := make(map[objectid.FP]bool)
	for _, b := range willGiveBlobCandidates {
		if responderKnownBlobs[b.Hash] || seenGiveBlob[b.Hash] {
			continue
		}
		seenGiveBlob[b.Hash] = true
		willGiveBlobs = append(willGiveBlobs, b)
	}

	var round3 []blobDiff
	for _, b := range wantedBlobs {
		round3 = append(round3, blobDiff{Blob: b, State: stateWanted})
	}
	for _, b := range willGiveBlobs {
		round3 = append(round3, blobDiff{Blob: b, State: stateWillGive})
	}
	if err := sendJSON(ch, round3); err != nil {
		return Stats{}, err
	}

	// Round 4: Responder pushes wantedBlobs first, then Initiator pushes
	// willGiveBlobs.
	if err := recvAndStageBlobs(ch, s, len(wantedBlobs)); err != nil {
		return Stats{}, err
	}
	if err := sendBlobs(ch, s, willGiveBlobs); err != nil {
		return Stats{}, err
	}

	if err := promote(s, wantedRecords, wantedTrees, wantedBlobs); err != nil {
		return Stats{}, err
	}

	stats := Stats{
		RecordsPulled: len(wantedRecords),
		RecordsPushed: len(willGiveRecords),
		TreesPulled:   len(wantedTrees),
		TreesPushed:   len(willGiveTrees),
		BlobsPulled:   len(wantedBlobs),
		BlobsPushed:   len(willGiveBlobs),
	}
	slog.Info("sync initiator finished", "pulled_records", stats.RecordsPulled, "pushed_records", stats.RecordsPushed, "pulled_blobs", stats.BlobsPulled, "pushed_blobs", stats.BlobsPushed)
	return stats, nil
}

func recordSet(records []object.Record) map[objectid.FP]object.Record {
	m := make(map[objectid.FP]object.Record, len(records))
	for _, r := range records {
		m[r.Hash] = r
	}
	return m
}

// treesReachable unions every tree reachable from each record's root.
// Duplicates are permitted.
func treesReachable(s *store.Store, records []object.Record) ([]object.Tree, error) {
	var out []object.Tree
	for _, r := range records {
		trees, err := s.TreesOf(r.Hash)
		if err != nil {
			return nil, err
		}
		out = append(out, trees...)
	}
	return out, nil
}

// blobsOfTrees unions the immediate blob entries of every tree, deduped by
// fingerprint.
func blobsOfTrees(trees []object.Tree) []object.BlobEntry {
	seen := make(map[objectid.FP]bool)
	var out []object.BlobEntry
	for _, t := range trees {
		for _, b := range t.Blobs {
			if seen[b.Hash] {
				continue
			}
			seen[b.Hash] = true
			out = append(out, b)
		}
	}
	return out
}

func sendJSON(ch wire.Channel, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return wsvcerr.Wrap(wsvcerr.IO, "wsvcsync: marshal packet", err)
	}
	return wire.SendPacket(ch, data)
}

func recvJSON(ch wire.Channel, v any) error {
	data, err := wire.RecvPacket(ch)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return wsvcerr.Wrap(wsvcerr.Corrupt, "wsvcsync: unmarshal packet", err)
	}
	return nil
}

// sendBlobs transfers each blob's raw (compressed, as stored) bytes via
// file framing, named by its fingerprint.
func sendBlobs(ch wire.Channel, s *store.Store, blobs []object.BlobEntry) error {
	for _, b := range blobs {
		raw, err := s.ReadRawBlob(b.Hash)
		if err != nil {
			return err
		}
		if err := wire.SendFile(ch, b.Hash.String(), raw); err != nil {
			return err
		}
	}
	return nil
}

// recvAndStageBlobs receives exactly count file transfers, staging each
// into temp/objects/ and verifying its fingerprint before accepting it.
func recvAndStageBlobs(ch wire.Channel, s *store.Store, count int) error {
	for i := 0; i < count; i++ {
		filename, data, err := wire.RecvFile(ch)
		if err != nil {
			return err
		}
		fp, err := objectid.Parse(filename)
		if err != nil {
			return wsvcerr.Wrap(wsvcerr.Protocol, "wsvcsync: file transfer name is not a fingerprint", err)
		}
		if err := s.StageBlob(fp, bytes.NewReader(data)); err != nil {
			return err
		}
		if err := s.VerifyStagedBlob(fp); err != nil {
			return err
		}
	}
	return nil
}

// promote moves received objects into the store as blobs, then trees,
// then records, so no dangling reference is ever observable.
func promote(s *store.Store, records []object.Record, trees []object.Tree, blobs []object.BlobEntry) error {
	for _, b := range blobs {
		if err := s.PromoteStagedBlob(b.Hash); err != nil {
			return err
		}
	}
	for _, t := range trees {
		if err := s.PromoteTree(t); err != nil {
			return err
		}
	}
	for _, r := range records {
		if err := s.PromoteRecord(r); err != nil {
			return err
		}
	}
	return nil
}
