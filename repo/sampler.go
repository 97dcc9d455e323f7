// repo/sampler.go
// BSD licensed; see LICENSE for details.

package repo

import (
	"math/rand"

	"github.com/snvd-io/blobvault/storage"
)

// sampleEntry is one (chunk id, blob) pair chosen for verification. The
// descriptor always comes from the snapshot that referenced the chunk, so
// a chunk that appears with different blobs across snapshots yields one
// entry per distinct blob.
type sampleEntry struct {
	chunk storage.Hash
	blob  BlobDescriptor
}

// appDataShare is how much of the sample's byte budget goes to app-data
// blobs before artifact blobs get any: app data is gone for good if it
// rots, while package artifacts can be reinstalled.
const appDataShare = 0.75

// buildSample picks the size-weighted random subset of blobs to verify:
// roughly percent% of the total stored bytes, preferring app-data blobs
// over package-artifact blobs, deduplicated by blob id. App-data blobs
// only fill their appDataShare of the budget; the rest comes from
// artifact blobs alone, so when there is too little artifact data the
// sample stays below percent%. The permutation comes from rng so callers
// control determinism.
func buildSample(snapshots []*Snapshot, percent int, rng *rand.Rand) []sampleEntry {
	appEntries, appSize := collectEntries(snapshots, false)
	apkEntries, apkSize := collectEntries(snapshots, true)

	totalSize := appSize + apkSize
	targetSize := int64(float64(totalSize)*float64(percent)/100 + 0.5)
	appTargetSize := int64(float64(targetSize)*appDataShare + 0.5)
	if appTargetSize > appSize {
		appTargetSize = appSize
	}

	// Greedily take randomly-permuted app-data blobs until their share of
	// the budget is covered...
	var sample []sampleEntry
	chosen := make(map[storage.Hash]struct{})
	var accumulated int64

	for _, i := range rng.Perm(len(appEntries)) {
		if accumulated >= appTargetSize {
			break
		}
		e := appEntries[i]
		sample = append(sample, e)
		chosen[e.blob.ID] = struct{}{}
		accumulated += e.blob.Length
	}

	// ...then fill the rest of the budget from the artifact blobs. A blob
	// can back both an app chunk and an artifact chunk; never verify it
	// twice.
	for _, i := range rng.Perm(len(apkEntries)) {
		if accumulated >= targetSize {
			break
		}
		e := apkEntries[i]
		if _, ok := chosen[e.blob.ID]; ok {
			continue
		}
		sample = append(sample, e)
		chosen[e.blob.ID] = struct{}{}
		accumulated += e.blob.Length
	}

	return sample
}

// collectEntries gathers the (chunk, blob) pairs referenced by either the
// apps' data streams or their artifact splits across all snapshots,
// deduplicated by blob id, along with their total on-backend size.
func collectEntries(snapshots []*Snapshot, artifacts bool) ([]sampleEntry, int64) {
	var entries []sampleEntry
	var size int64
	seen := make(map[storage.Hash]struct{})

	add := func(s *Snapshot, chunk storage.Hash) {
		blob, ok := s.Blobs[chunk]
		if !ok {
			log.Warning("snapshot %d: chunk %s has no blob entry", s.Token, chunk)
			return
		}
		if _, dup := seen[blob.ID]; dup {
			return
		}
		seen[blob.ID] = struct{}{}
		entries = append(entries, sampleEntry{chunk: chunk, blob: blob})
		size += blob.Length
	}

	for _, s := range snapshots {
		for _, app := range s.Apps {
			if artifacts {
				for _, split := range app.Artifact.Splits {
					for _, chunk := range split.Chunks {
						add(s, chunk)
					}
				}
			} else {
				for _, chunk := range app.Chunks {
					add(s, chunk)
				}
			}
		}
	}

	return entries, size
}
