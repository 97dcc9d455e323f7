// storage/storage_test.go
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"os"
	"testing"

	u "github.com/snvd-io/blobvault/util"
)

func TestMain(m *testing.M) {
	SetLogger(u.NewLogger(false, false))
	os.Exit(m.Run())
}

func getStorage(t *testing.T) []Backend {
	key := DeriveKey("foobar", []byte("0123456789abcdef"))

	var b []Backend
	b = append(b, NewMemory())
	b = append(b, NewCompressed(NewMemory()))
	b = append(b, NewEncrypted(NewMemory(), key))
	b = append(b, NewDisk(t.TempDir()))
	b = append(b, NewEncrypted(NewDisk(t.TempDir()), key))
	b = append(b, NewCompressed(NewEncrypted(NewDisk(t.TempDir()), key)))
	return b
}

func TestSimple(t *testing.T) {
	ctx := context.Background()
	for _, backend := range getStorage(t) {
		// Write something simple and get it back.
		simple := []byte{0, 1, 2, 3, 4, 5}
		id := HashBytes(simple)

		if _, err := backend.Save(ctx, KindBlob, id, bytes.NewReader(simple)); err != nil {
			t.Errorf("%s: save: %v", backend, err)
		}

		r, err := backend.Load(ctx, KindBlob, id)
		if err != nil {
			t.Fatalf("%s: load: %v", backend, err)
		}
		got, err := io.ReadAll(r)
		if err != nil {
			t.Errorf("%s: read all: %v", backend, err)
		}
		r.Close()
		if !bytes.Equal(simple, got) {
			t.Errorf("%s: bytes mismatch: wrote %+v, read %+v", backend, simple, got)
		}

		// Saving the same id again must be refused.
		if _, err := backend.Save(ctx, KindBlob, id, bytes.NewReader(simple)); !errors.Is(err, ErrObjectExists) {
			t.Errorf("%s: duplicate save: got %v, want ErrObjectExists", backend, err)
		}
	}
}

func TestNotFound(t *testing.T) {
	ctx := context.Background()
	for _, backend := range getStorage(t) {
		id := HashBytes([]byte("no such object"))
		if _, err := backend.Load(ctx, KindBlob, id); !errors.Is(err, ErrObjectNotFound) {
			t.Errorf("%s: load missing: got %v, want ErrObjectNotFound", backend, err)
		}
		if err := backend.Remove(ctx, KindBlob, id); !errors.Is(err, ErrObjectNotFound) {
			t.Errorf("%s: remove missing: got %v, want ErrObjectNotFound", backend, err)
		}
	}
}

func TestKindsAreSeparate(t *testing.T) {
	ctx := context.Background()
	for _, backend := range getStorage(t) {
		data := []byte("manifest bytes")
		id := HashBytes(data)
		if _, err := backend.Save(ctx, KindSnapshot, id, bytes.NewReader(data)); err != nil {
			t.Fatalf("%s: save: %v", backend, err)
		}

		if _, err := backend.Load(ctx, KindBlob, id); !errors.Is(err, ErrObjectNotFound) {
			t.Errorf("%s: snapshot leaked into blobs: %v", backend, err)
		}

		n := 0
		err := backend.List(ctx, KindSnapshot, func(info BlobInfo) error {
			if info.ID != id {
				t.Errorf("%s: listed unexpected id %s", backend, info.ID)
			}
			n++
			return nil
		})
		if err != nil {
			t.Errorf("%s: list: %v", backend, err)
		}
		if n != 1 {
			t.Errorf("%s: listed %d snapshots, want 1", backend, n)
		}
	}
}

func TestListSizes(t *testing.T) {
	ctx := context.Background()
	for _, backend := range getStorage(t) {
		// The size List reports must match what Save reported it stored,
		// whatever wrappers sit in between.
		sizes := make(map[Hash]int64)
		for i := 1; i < 64; i++ {
			data := genRandom(rand.Intn(8 * 1024))
			id := HashBytes(data)
			if _, ok := sizes[id]; ok {
				continue
			}
			n, err := backend.Save(ctx, KindBlob, id, bytes.NewReader(data))
			if err != nil {
				t.Fatalf("%s: save: %v", backend, err)
			}
			sizes[id] = n
		}

		seen := 0
		err := backend.List(ctx, KindBlob, func(info BlobInfo) error {
			want, ok := sizes[info.ID]
			if !ok {
				t.Errorf("%s: listed unknown id %s", backend, info.ID)
			} else if info.Size != want {
				t.Errorf("%s: %s: listed size %d, saved size %d",
					backend, info.ID, info.Size, want)
			}
			seen++
			return nil
		})
		if err != nil {
			t.Errorf("%s: list: %v", backend, err)
		}
		if seen != len(sizes) {
			t.Errorf("%s: listed %d blobs, want %d", backend, seen, len(sizes))
		}
	}
}

func genRandom(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

func TestManyRandom(t *testing.T) {
	ctx := context.Background()
	for _, backend := range getStorage(t) {
		var ids []Hash
		chunks := make(map[Hash][]byte)
		const count = 500

		for i := 0; i < count; i++ {
			buf := genRandom(rand.Intn(32 * 1024))
			id := HashBytes(buf)
			if _, ok := chunks[id]; ok {
				continue
			}
			if _, err := backend.Save(ctx, KindBlob, id, bytes.NewReader(buf)); err != nil {
				t.Fatalf("%s: %d: %v", backend, i, err)
			}
			ids = append(ids, id)
			chunks[id] = buf
		}

		perm := rand.Perm(len(ids))
		for _, i := range perm {
			r, err := backend.Load(ctx, KindBlob, ids[i])
			if err != nil {
				t.Fatalf("%s: %d: %v", backend, i, err)
			}

			c, err := io.ReadAll(r)
			r.Close()
			if err != nil {
				t.Fatalf("%s: %d: %v", backend, i, err)
			}

			if !bytes.Equal(c, chunks[ids[i]]) {
				t.Errorf("%s: %d: didn't get same bytes back!", backend, i)
			}
		}
	}
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	for _, backend := range getStorage(t) {
		data := []byte("soon to be pruned")
		id := HashBytes(data)
		if _, err := backend.Save(ctx, KindBlob, id, bytes.NewReader(data)); err != nil {
			t.Fatalf("%s: save: %v", backend, err)
		}
		if err := backend.Remove(ctx, KindBlob, id); err != nil {
			t.Errorf("%s: remove: %v", backend, err)
		}
		if _, err := backend.Load(ctx, KindBlob, id); !errors.Is(err, ErrObjectNotFound) {
			t.Errorf("%s: load after remove: got %v, want ErrObjectNotFound", backend, err)
		}
	}
}

func TestParseHash(t *testing.T) {
	h := HashBytes([]byte("round trip"))
	got, err := ParseHash(h.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != h {
		t.Errorf("round trip mismatch: %s != %s", got, h)
	}

	if _, err := ParseHash("abcd"); !errors.Is(err, ErrBadHashLength) {
		t.Errorf("short hash: got %v, want ErrBadHashLength", err)
	}
	if _, err := ParseHash("zz"); err == nil {
		t.Errorf("junk hash: expected error")
	}
}
