// repo/snapshot.go
// BSD licensed; see LICENSE for details.

package repo

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sort"

	"github.com/snvd-io/blobvault/storage"
)

// Snapshot is one backup manifest: which chunks each application's data
// stream and installable artifact consist of, and which backend blob
// carries each chunk.
type Snapshot struct {
	// Token is the snapshot's creation time in milliseconds; tokens are
	// monotonic across snapshots of one repository.
	Token int64

	// Blobs maps every chunk id this snapshot references to the
	// descriptor of the stored blob carrying it. Within this snapshot,
	// this is the sole authoritative descriptor for each chunk.
	Blobs map[storage.Hash]BlobDescriptor

	// Apps maps application names to their backed-up state.
	Apps map[string]AppBackup
}

// AppBackup is one application's entry in a snapshot: the ordered chunk
// list of its data stream plus its installable artifact.
type AppBackup struct {
	Chunks   []storage.Hash
	Artifact PackageArtifact
}

// PackageArtifact is an installable package, stored as one or more
// splits, each with its own ordered chunk list. Artifacts are recoverable
// by reinstalling, which is why the checker samples them less eagerly
// than app data.
type PackageArtifact struct {
	Splits []ArtifactSplit
}

type ArtifactSplit struct {
	Name   string
	Chunks []storage.Hash
}

// WriteSnapshot gob-encodes the snapshot and stores it on the backend,
// named by the hash of its encoding.
func WriteSnapshot(ctx context.Context, be storage.Backend, s *Snapshot) (storage.Hash, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return storage.Hash{}, err
	}

	id := storage.HashBytes(buf.Bytes())
	if _, err := be.Save(ctx, storage.KindSnapshot, id, &buf); err != nil {
		return storage.Hash{}, err
	}
	return id, nil
}

// readSnapshot loads and decodes one manifest through the backend's
// (decrypted) stream.
func readSnapshot(ctx context.Context, be storage.Backend, id storage.Hash) (*Snapshot, error) {
	r, err := be.Load(ctx, storage.KindSnapshot, id)
	if err != nil {
		return nil, err
	}

	var s Snapshot
	if err := gob.NewDecoder(r).Decode(&s); err != nil {
		r.Close()
		return nil, err
	}
	return &s, r.Close()
}

// loadSnapshots lists the snapshot handles on the backend and decodes
// each manifest. A listing failure is returned as an error; a manifest
// that fails to load or decode is skipped with a warning, which is why
// the returned handle count can exceed len(snapshots).
func loadSnapshots(ctx context.Context, be storage.Backend) (handleCount int, snapshots []*Snapshot, err error) {
	var handles []storage.Hash
	err = be.List(ctx, storage.KindSnapshot, func(info storage.BlobInfo) error {
		handles = append(handles, info.ID)
		return nil
	})
	if err != nil {
		return 0, nil, fmt.Errorf("listing snapshots: %w", err)
	}

	for _, id := range handles {
		if err := ctx.Err(); err != nil {
			return 0, nil, err
		}

		s, err := readSnapshot(ctx, be, id)
		if err != nil {
			log.Warning("%s: unreadable snapshot: %s", id, err)
			continue
		}
		snapshots = append(snapshots, s)
	}

	// Backends enumerate in storage order; present snapshots oldest
	// first.
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Token < snapshots[j].Token
	})

	return len(handles), snapshots, nil
}
