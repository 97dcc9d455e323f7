// storage/memory.go
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
)

type memory struct {
	mu      sync.Mutex
	objects map[Kind]map[Hash][]byte
}

// Duplicate the provided byte slice.
func dupe(src []byte) []byte {
	d := make([]byte, len(src))
	copy(d, src)
	return d
}

// NewMemory returns a Backend that stores all objects in RAM. It's really
// only useful for testing of code built on top of Backend, where we may
// want to save the trouble of saving a bunch of stuff to disk.
func NewMemory() Backend {
	return &memory{
		objects: map[Kind]map[Hash][]byte{
			KindBlob:     make(map[Hash][]byte),
			KindSnapshot: make(map[Hash][]byte),
		},
	}
}

func (m *memory) String() string {
	return "memory"
}

func (m *memory) RequiresNetwork() bool {
	return false
}

func (m *memory) List(ctx context.Context, kind Kind, fn func(BlobInfo) error) error {
	m.mu.Lock()
	infos := make([]BlobInfo, 0, len(m.objects[kind]))
	for id, b := range m.objects[kind] {
		infos = append(infos, BlobInfo{ID: id, Size: int64(len(b))})
	}
	m.mu.Unlock()

	// Deterministic enumeration order keeps tests stable.
	sort.Slice(infos, func(i, j int) bool {
		return bytes.Compare(infos[i].ID[:], infos[j].ID[:]) < 0
	})

	for _, info := range infos {
		if err := fn(info); err != nil {
			return err
		}
	}
	return nil
}

func (m *memory) Load(ctx context.Context, kind Kind, id Hash) (io.ReadCloser, error) {
	m.mu.Lock()
	b, ok := m.objects[kind][id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memory) Save(ctx context.Context, kind Kind, id Hash, r io.Reader) (int64, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[kind][id]; ok {
		return 0, ErrObjectExists
	}
	m.objects[kind][id] = dupe(b)
	return int64(len(b)), nil
}

func (m *memory) Remove(ctx context.Context, kind Kind, id Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[kind][id]; !ok {
		return ErrObjectNotFound
	}
	delete(m.objects[kind], id)
	return nil
}
