// storage/compressed.go
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"context"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/gzip"
)

///////////////////////////////////////////////////////////////////////////
// compressed

// compressed implements the Backend interface. It applies gzip
// compression to object data before passing it along to another backend
// for storage. Each stored object starts with a single flag byte: 1 if
// the body is gzip-compressed, 0 if it was stored as-is because
// compression didn't help.
type compressed struct {
	backend Backend

	mu                                 sync.Mutex
	bytesSaved, bytesProcessed         int64
	compressedBlobs, uncompressedBlobs int
}

// NewCompressed returns a Backend that applies gzip compression to the
// contents of objects stored in the provided underlying backend.
func NewCompressed(backend Backend) Backend {
	return &compressed{backend: backend}
}

func (c *compressed) String() string {
	return "gzip compressed " + c.backend.String()
}

func (c *compressed) RequiresNetwork() bool {
	return c.backend.RequiresNetwork()
}

func (c *compressed) List(ctx context.Context, kind Kind, fn func(BlobInfo) error) error {
	return c.backend.List(ctx, kind, fn)
}

// Reusing gzip writers gives a huge benefit; much less GC.
var writerPool = sync.Pool{
	New: func() interface{} {
		return gzip.NewWriter(os.Stderr)
	},
}

func (c *compressed) Save(ctx context.Context, kind Kind, id Hash, r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}

	// Compress the input to a buffer.
	var buf bytes.Buffer

	w := writerPool.Get().(*gzip.Writer)
	w.Reset(&buf)
	_, err = w.Write(data)
	if err == nil {
		err = w.Close()
	}
	writerPool.Put(w)
	if err != nil {
		return 0, err
	}

	// Is the compressed buffer smaller than the input?
	var stored []byte
	if buf.Len() < len(data) {
		stored = append([]byte{1}, buf.Bytes()...)
	} else {
		stored = append([]byte{0}, data...)
	}

	n, err := c.backend.Save(ctx, kind, id, bytes.NewReader(stored))
	if err != nil {
		return n, err
	}

	c.mu.Lock()
	c.bytesProcessed += int64(len(data))
	c.bytesSaved += int64(len(stored))
	if stored[0] == 1 {
		c.compressedBlobs++
	} else {
		c.uncompressedBlobs++
	}
	c.mu.Unlock()

	return n, nil
}

// Reusing readers gives a smaller benefit than writers, but still helps.
var readerPool = sync.Pool{
	New: func() interface{} {
		// A bare gzip header, to give us a valid initial reader
		// without an error being issued. (Its state will be reset
		// immediately after it's fetched from the pool.)
		foo := []byte{0x1f, 0x8b, 0x8, 0x0, 0x0, 0x9, 0x6e, 0x88, 0x0, 0xff}
		r, err := gzip.NewReader(bytes.NewReader(foo))
		log.CheckError(err)
		return r
	},
}

func (c *compressed) Load(ctx context.Context, kind Kind, id Hash) (io.ReadCloser, error) {
	r, err := c.backend.Load(ctx, kind, id)
	if err != nil {
		return nil, err
	}

	// Read the first byte to see if it's compressed or not.
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		r.Close()
		return nil, err
	}

	if b[0] == 1 {
		// Compressed: make a gzip reader.
		gzr := readerPool.Get().(*gzip.Reader)
		if err := gzr.Reset(r); err != nil {
			readerPool.Put(gzr)
			r.Close()
			return nil, err
		}
		return &zipReaderAndCloser{gzr, r}, nil
	}

	// Otherwise just read the rest of the data normally.
	return r, nil
}

func (c *compressed) Remove(ctx context.Context, kind Kind, id Hash) error {
	return c.backend.Remove(ctx, kind, id)
}

type zipReaderAndCloser struct {
	gzr *gzip.Reader
	c   io.Closer
}

func (z *zipReaderAndCloser) Read(b []byte) (int, error) {
	return z.gzr.Read(b)
}

func (z *zipReaderAndCloser) Close() error {
	readerPool.Put(z.gzr)
	return z.c.Close()
}
