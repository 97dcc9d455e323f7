// storage/storage.go
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"io"

	u "github.com/snvd-io/blobvault/util"
	"golang.org/x/crypto/sha3"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrObjectExists   = errors.New("object already exists")
	ErrHashMismatch   = errors.New("hash value mismatch")
	ErrBadHashLength  = errors.New("hash has wrong length")
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////
// Hashing

// HashSize is the number of bytes in the hash values used to identify
// both plaintext chunks and stored blobs.
const HashSize = 32

// Hash encodes a fixed-size secure hash of a collection of bytes.
type Hash [HashSize]byte

func NewHash(b []byte) (h Hash) {
	log.Check(len(b) == len(h))
	copy(h[:], b)
	return h
}

// HashBytes computes the SHAKE256 hash of the given byte slice.
func HashBytes(b []byte) Hash {
	var h Hash
	sha3.ShakeSum256(h[:], b)
	return h
}

// NewShake returns a sha3 SHAKE256 instance for incrementally hashing a
// stream; read HashSize bytes out of it to get the final Hash.
func NewShake() sha3.ShakeHash {
	return sha3.NewShake256()
}

// String returns the given Hash as a hexadecimal-encoded string.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ParseHash decodes a lowercase hex string into a Hash.
func ParseHash(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, err
	}
	if len(b) != HashSize {
		return Hash{}, ErrBadHashLength
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}

///////////////////////////////////////////////////////////////////////////
// Interface to storage backends

// Kind selects which class of object a backend operation addresses.
type Kind int

const (
	// KindBlob objects carry encrypted chunk data.
	KindBlob Kind = iota
	// KindSnapshot objects carry backup manifests.
	KindSnapshot
)

func (k Kind) folder() string {
	if k == KindBlob {
		return "blobs"
	}
	return "snapshots"
}

func (k Kind) String() string {
	return k.folder()
}

// BlobInfo is a directory-listing entry: an object's id and its size on
// the backend.
type BlobInfo struct {
	ID   Hash
	Size int64
}

// Backend describes a general interface for low-level object storage.
// Objects are stored under 32-byte ids, partitioned by Kind. The
// repository core only lists and loads; Save and Remove exist for the
// backup producer and the pruner.
//
// Note: it isn't safe in general for multiple goroutines to call Save
// concurrently, though Load may be called by many goroutines at once.
type Backend interface {
	// String returns the name of the Backend in the form of a string.
	String() string

	// RequiresNetwork reports whether reads leave the local machine;
	// callers use it to bound their read concurrency.
	RequiresNetwork() bool

	// List calls fn for every stored object of the given kind along with
	// its stored size. Enumeration stops at the first error fn returns.
	List(ctx context.Context, kind Kind, fn func(BlobInfo) error) error

	// Load opens a read stream for the object with the given id. Returns
	// ErrObjectNotFound if no such object exists.
	Load(ctx context.Context, kind Kind, id Hash) (io.ReadCloser, error)

	// Save stores the contents of r under the given id, returning the
	// number of bytes that landed on the backend. Saving an id that
	// already exists returns ErrObjectExists.
	Save(ctx context.Context, kind Kind, id Hash, r io.Reader) (int64, error)

	// Remove deletes the object with the given id.
	Remove(ctx context.Context, kind Kind, id Hash) error
}
