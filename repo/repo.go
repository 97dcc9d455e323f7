// repo/repo.go
// BSD licensed; see LICENSE for details.

// Package repo implements the integrity core of the repository: the
// persistent blob cache and quarantine, the in-memory chunk index used
// for deduplication during backups, and the sampling checker that
// verifies stored blobs against their chunk hashes.
package repo

import (
	"github.com/snvd-io/blobvault/storage"
	u "github.com/snvd-io/blobvault/util"
)

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

// BlobDescriptor records where a plaintext chunk lives on the backend: the
// 32-byte id of the stored (encrypted) blob, its on-backend byte length,
// and the plaintext length for bookkeeping.
type BlobDescriptor struct {
	ID                 storage.Hash
	Length             int64
	UncompressedLength int64
}
