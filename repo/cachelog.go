// repo/cachelog.go
// BSD licensed; see LICENSE for details.

package repo

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/snvd-io/blobvault/storage"
)

// On-disk formats:
// - Cache log: for each saved blob, the raw 32-byte chunk id, then the
//   descriptor's encoded length as a uvarint, then the encoded
//   descriptor. Append-only; a truncated final record is ignored.
// - Quarantine: a bare concatenation of 32-byte blob ids, no framing. A
//   file whose length isn't a multiple of 32 is corrupt and is deleted.

const (
	cacheLogName   = "blobsCache"
	quarantineName = "doNotUseBlobs"
)

var errShortDescriptor = errors.New("descriptor truncated")

// encodeDescriptor renders a BlobDescriptor into its canonical bytes:
// the 32-byte blob id followed by the two lengths as uvarints.
func encodeDescriptor(b BlobDescriptor) []byte {
	buf := make([]byte, 0, storage.HashSize+2*binary.MaxVarintLen64)
	buf = append(buf, b.ID[:]...)
	buf = binary.AppendUvarint(buf, uint64(b.Length))
	buf = binary.AppendUvarint(buf, uint64(b.UncompressedLength))
	return buf
}

func decodeDescriptor(buf []byte) (BlobDescriptor, error) {
	var b BlobDescriptor
	if len(buf) < storage.HashSize {
		return b, errShortDescriptor
	}
	copy(b.ID[:], buf)
	buf = buf[storage.HashSize:]

	length, n := binary.Uvarint(buf)
	if n <= 0 {
		return b, errShortDescriptor
	}
	buf = buf[n:]

	uncompressed, n := binary.Uvarint(buf)
	if n <= 0 {
		return b, errShortDescriptor
	}

	b.Length = int64(length)
	b.UncompressedLength = int64(uncompressed)
	return b, nil
}

// appendCacheRecord appends one (chunk id, descriptor) record to the
// cache log, creating the file on first use. The file is opened, written,
// and closed per record so a crash between backups never loses earlier
// records.
func appendCacheRecord(path string, chunk storage.Hash, blob BlobDescriptor) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return err
	}

	desc := encodeDescriptor(blob)
	rec := make([]byte, 0, storage.HashSize+binary.MaxVarintLen64+len(desc))
	rec = append(rec, chunk[:]...)
	rec = binary.AppendUvarint(rec, uint64(len(desc)))
	rec = append(rec, desc...)

	if _, err := f.Write(rec); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// loadCacheLog streams the records of the cache log at path, calling fn
// for each complete one. A truncated final record terminates reading
// without error; the records before it are still delivered. A missing
// file is an empty log.
func loadCacheLog(path string, fn func(chunk storage.Hash, blob BlobDescriptor)) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		var chunk storage.Hash
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			// Partial chunk id at the tail: a record was cut off
			// mid-append. Everything before it is fine.
			if err == io.ErrUnexpectedEOF {
				return nil
			}
			return err
		}

		n, err := binary.ReadUvarint(r)
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return err
		}

		desc := make([]byte, n)
		if _, err := io.ReadFull(r, desc); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return err
		}

		blob, err := decodeDescriptor(desc)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		fn(chunk, blob)
	}
}

///////////////////////////////////////////////////////////////////////////
// Quarantine file

// appendQuarantine adds one 32-byte blob id to the quarantine file.
func appendQuarantine(path string, id storage.Hash) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(id[:]); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// readQuarantine returns the set of quarantined blob ids, keyed by their
// hex form. If the file turns out to be corrupt (its length isn't a
// multiple of 32, or a read fails), it is deleted and whatever was read
// before the failure is returned; the quarantine is a best-effort
// accelerator, not a source of truth.
func readQuarantine(path string) map[string]struct{} {
	ids := make(map[string]struct{})

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return ids
	}
	if err != nil {
		log.Warning("%s: %s; deleting quarantine", path, err)
		os.Remove(path)
		return ids
	}

	for {
		var id storage.Hash
		_, err := io.ReadFull(f, id[:])
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Warning("%s: corrupt quarantine (%s); deleting", path, err)
			f.Close()
			os.Remove(path)
			return ids
		}
		ids[id.String()] = struct{}{}
	}

	f.Close()
	return ids
}

// rewriteQuarantine atomically replaces the quarantine file so it holds
// exactly the given ids. An empty set removes the file.
func rewriteQuarantine(path string, ids map[string]struct{}) error {
	if len(ids) == 0 {
		err := os.Remove(path)
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	for hexId := range ids {
		id, err := storage.ParseHash(hexId)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
		if _, err := f.Write(id[:]); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
