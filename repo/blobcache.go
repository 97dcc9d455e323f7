// repo/blobcache.go
// BSD licensed; see LICENSE for details.

package repo

import (
	"os"
	"path/filepath"

	"github.com/snvd-io/blobvault/storage"
)

// BlobCache maps chunk ids to the descriptors of blobs already stored on
// the backend, so a backup run never re-uploads data the backend has. The
// in-memory index lives for one backup run; the append-only cache log and
// the quarantine file under dir survive restarts and aborted backups.
//
// Populate runs before any backup writers; afterwards the index is only
// read via Get/ContainsAll and mutated via SaveNewBlob, whose callers are
// serialized upstream.
type BlobCache struct {
	dir   string
	blobs map[storage.Hash]BlobDescriptor
}

// NewBlobCache returns a BlobCache whose persistent files live under dir,
// which should be a process-private directory; it is created if needed.
func NewBlobCache(dir string) *BlobCache {
	log.CheckError(os.MkdirAll(dir, 0700))
	return &BlobCache{
		dir:   dir,
		blobs: make(map[storage.Hash]BlobDescriptor),
	}
}

func (c *BlobCache) cacheLogPath() string {
	return filepath.Join(c.dir, cacheLogName)
}

func (c *BlobCache) quarantinePath() string {
	return filepath.Join(c.dir, quarantineName)
}

// Populate rebuilds the in-memory index from the persistent cache log,
// the given snapshots, and the backend listing, keeping only chunks whose
// blob is present on the backend with the recorded size and isn't
// quarantined.
func (c *BlobCache) Populate(backendBlobs []storage.BlobInfo, snapshots []*Snapshot) {
	c.Clear()

	allowed := make(map[storage.Hash]int64, len(backendBlobs))
	for _, info := range backendBlobs {
		allowed[info.ID] = info.Size
	}

	// Quarantined blobs are dead to us no matter who references them.
	for hexId := range c.GetQuarantine() {
		id, err := storage.ParseHash(hexId)
		if err == nil {
			delete(allowed, id)
		}
	}

	ok := func(blob BlobDescriptor) bool {
		size, present := allowed[blob.ID]
		return present && size == blob.Length
	}

	// First the local cache log from previous runs...
	err := loadCacheLog(c.cacheLogPath(), func(chunk storage.Hash, blob BlobDescriptor) {
		if !ok(blob) {
			log.Warning("%s: cached blob gone from backend or size changed; dropping",
				blob.ID)
			return
		}
		c.blobs[chunk] = blob
	})
	if err != nil {
		// Worst case some chunks get uploaded again.
		log.Warning("%s: error reading blob cache: %s", c.cacheLogPath(), err)
	}

	// ...then everything the existing snapshots reference.
	for _, s := range snapshots {
		for chunk, blob := range s.Blobs {
			if !ok(blob) {
				log.Warning("snapshot %d: blob %s for chunk %s missing or size mismatch",
					s.Token, blob.ID, chunk)
				continue
			}

			if prev, present := c.blobs[chunk]; present {
				if prev.ID != blob.ID {
					log.Warning("chunk %s: seen with blob %s and blob %s; keeping the first",
						chunk, prev.ID, blob.ID)
				}
				continue
			}
			c.blobs[chunk] = blob
		}
	}
}

// Get returns the descriptor for the given chunk id, if the index has one.
func (c *BlobCache) Get(chunk storage.Hash) (BlobDescriptor, bool) {
	blob, ok := c.blobs[chunk]
	return blob, ok
}

// ContainsAll reports whether every given chunk id is in the index.
func (c *BlobCache) ContainsAll(chunks []storage.Hash) bool {
	for _, chunk := range chunks {
		if _, ok := c.blobs[chunk]; !ok {
			return false
		}
	}
	return true
}

// SaveNewBlob records that the given chunk now lives in the given blob,
// both in the index and in the persistent cache log. If the chunk is
// already in the index the call is a no-op: the first descriptor wins.
func (c *BlobCache) SaveNewBlob(chunk storage.Hash, blob BlobDescriptor) {
	if _, ok := c.blobs[chunk]; ok {
		return
	}
	c.blobs[chunk] = blob

	if err := appendCacheRecord(c.cacheLogPath(), chunk, blob); err != nil {
		// Not fatal; the blob may get uploaded again after a restart.
		log.Warning("%s: error appending to blob cache: %s", c.cacheLogPath(), err)
	}
}

// Clear drops the in-memory index, releasing its memory. The persistent
// files are untouched.
func (c *BlobCache) Clear() {
	c.blobs = make(map[storage.Hash]BlobDescriptor)
}

// ClearLocalCache deletes the persistent cache log. Called after a
// successful backup (the new snapshot now references everything the log
// did) or when the storage target changes.
func (c *BlobCache) ClearLocalCache() error {
	err := os.Remove(c.cacheLogPath())
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// DoNotUseBlob persistently marks the given blob id as corrupt so no
// future run reuses or re-trusts it.
func (c *BlobCache) DoNotUseBlob(id storage.Hash) {
	if err := appendQuarantine(c.quarantinePath(), id); err != nil {
		log.Warning("%s: error appending to quarantine: %s", c.quarantinePath(), err)
	}
}

// GetQuarantine returns the current quarantine as a set of hex blob ids.
func (c *BlobCache) GetQuarantine() map[string]struct{} {
	return readQuarantine(c.quarantinePath())
}

// OnBlobsRemoved drops the given blob ids (hex form) from the quarantine;
// the pruner calls this after deleting blobs so the quarantine doesn't
// accumulate entries for blobs that no longer exist. A missing quarantine
// is a no-op.
func (c *BlobCache) OnBlobsRemoved(removed map[string]struct{}) error {
	if _, err := os.Stat(c.quarantinePath()); os.IsNotExist(err) {
		return nil
	}

	ids := c.GetQuarantine()
	for hexId := range removed {
		delete(ids, hexId)
	}
	return rewriteQuarantine(c.quarantinePath(), ids)
}
