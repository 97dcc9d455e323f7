// repo/blobcache_test.go
// BSD licensed; see LICENSE for details.

package repo

import (
	"reflect"
	"testing"

	"github.com/snvd-io/blobvault/storage"
)

func infoFor(blobs ...BlobDescriptor) []storage.BlobInfo {
	var infos []storage.BlobInfo
	for _, b := range blobs {
		infos = append(infos, storage.BlobInfo{ID: b.ID, Size: b.Length})
	}
	return infos
}

func TestSaveThenPopulate(t *testing.T) {
	dir := t.TempDir()
	cache := NewBlobCache(dir)

	written := map[storage.Hash]BlobDescriptor{
		chunkOf(1): descOf(1, 10),
		chunkOf(2): descOf(2, 20),
		chunkOf(3): descOf(3, 30),
	}
	var listing []storage.BlobInfo
	for chunk, blob := range written {
		cache.SaveNewBlob(chunk, blob)
		listing = append(listing, storage.BlobInfo{ID: blob.ID, Size: blob.Length})
	}

	// A fresh cache over the same directory sees everything again, as
	// long as the backend still agrees.
	fresh := NewBlobCache(dir)
	fresh.Populate(listing, nil)

	for chunk, blob := range written {
		got, ok := fresh.Get(chunk)
		if !ok {
			t.Errorf("chunk %s missing after restart", chunk)
		} else if got != blob {
			t.Errorf("chunk %s: got %+v, want %+v", chunk, got, blob)
		}
	}

	// Populate is idempotent: a second run over the same inputs yields
	// the same index.
	before := make(map[storage.Hash]BlobDescriptor, len(fresh.blobs))
	for k, v := range fresh.blobs {
		before[k] = v
	}
	fresh.Populate(listing, nil)
	if !reflect.DeepEqual(before, fresh.blobs) {
		t.Errorf("second Populate changed the index")
	}
}

func TestPopulateFiltersMissingAndResized(t *testing.T) {
	dir := t.TempDir()
	cache := NewBlobCache(dir)

	kept := descOf(1, 10)
	gone := descOf(2, 20)
	resized := descOf(3, 100)

	cache.SaveNewBlob(chunkOf(1), kept)
	cache.SaveNewBlob(chunkOf(2), gone)
	cache.SaveNewBlob(chunkOf(3), resized)

	// The backend lists only two of the blobs, one with the wrong size.
	listing := []storage.BlobInfo{
		{ID: kept.ID, Size: kept.Length},
		{ID: resized.ID, Size: 99},
	}

	fresh := NewBlobCache(dir)
	fresh.Populate(listing, nil)

	if _, ok := fresh.Get(chunkOf(1)); !ok {
		t.Errorf("backend-confirmed blob dropped")
	}
	if _, ok := fresh.Get(chunkOf(2)); ok {
		t.Errorf("blob absent from backend survived populate")
	}
	if _, ok := fresh.Get(chunkOf(3)); ok {
		t.Errorf("blob with size mismatch survived populate")
	}
}

func TestPopulateFromSnapshots(t *testing.T) {
	cache := NewBlobCache(t.TempDir())

	b1, b2 := descOf(1, 10), descOf(2, 20)
	snap := &Snapshot{
		Token: 1,
		Blobs: map[storage.Hash]BlobDescriptor{
			chunkOf(1): b1,
			chunkOf(2): b2,
		},
	}

	cache.Populate(infoFor(b1, b2), []*Snapshot{snap})

	if got, _ := cache.Get(chunkOf(1)); got != b1 {
		t.Errorf("chunk 1: got %+v", got)
	}
	if got, _ := cache.Get(chunkOf(2)); got != b2 {
		t.Errorf("chunk 2: got %+v", got)
	}
	if !cache.ContainsAll([]storage.Hash{chunkOf(1), chunkOf(2)}) {
		t.Errorf("ContainsAll should hold")
	}
	if cache.ContainsAll([]storage.Hash{chunkOf(1), chunkOf(9)}) {
		t.Errorf("ContainsAll with an unknown chunk should fail")
	}
}

func TestPopulateKeepsEarlierDescriptor(t *testing.T) {
	cache := NewBlobCache(t.TempDir())

	// Two snapshots map the same chunk to different blobs; the first one
	// wins, and the loser's descriptor is still usable elsewhere.
	first, second := descOf(1, 10), descOf(2, 10)
	s1 := &Snapshot{Token: 1, Blobs: map[storage.Hash]BlobDescriptor{chunkOf(1): first}}
	s2 := &Snapshot{Token: 2, Blobs: map[storage.Hash]BlobDescriptor{chunkOf(1): second}}

	cache.Populate(infoFor(first, second), []*Snapshot{s1, s2})

	if got, _ := cache.Get(chunkOf(1)); got != first {
		t.Errorf("expected the earlier snapshot's descriptor, got %+v", got)
	}
}

func TestPopulateExcludesQuarantined(t *testing.T) {
	cache := NewBlobCache(t.TempDir())

	ok, poisoned := descOf(1, 10), descOf(2, 20)
	cache.DoNotUseBlob(poisoned.ID)

	snap := &Snapshot{Token: 1, Blobs: map[storage.Hash]BlobDescriptor{
		chunkOf(1): ok,
		chunkOf(2): poisoned,
	}}
	cache.Populate(infoFor(ok, poisoned), []*Snapshot{snap})

	if _, present := cache.Get(chunkOf(1)); !present {
		t.Errorf("clean blob missing")
	}
	if _, present := cache.Get(chunkOf(2)); present {
		t.Errorf("quarantined blob made it into the index")
	}
}

func TestSaveNewBlobFirstWins(t *testing.T) {
	cache := NewBlobCache(t.TempDir())

	first, second := descOf(1, 10), descOf(2, 20)
	cache.SaveNewBlob(chunkOf(1), first)
	cache.SaveNewBlob(chunkOf(1), second)

	if got, _ := cache.Get(chunkOf(1)); got != first {
		t.Errorf("second SaveNewBlob replaced the mapping: %+v", got)
	}
}

func TestClearLocalCache(t *testing.T) {
	dir := t.TempDir()
	cache := NewBlobCache(dir)

	b := descOf(1, 10)
	cache.SaveNewBlob(chunkOf(1), b)
	if err := cache.ClearLocalCache(); err != nil {
		t.Fatal(err)
	}
	// Clearing twice is fine.
	if err := cache.ClearLocalCache(); err != nil {
		t.Fatal(err)
	}

	fresh := NewBlobCache(dir)
	fresh.Populate(infoFor(b), nil)
	if _, ok := fresh.Get(chunkOf(1)); ok {
		t.Errorf("cache log survived ClearLocalCache")
	}
}

func TestQuarantinePersistence(t *testing.T) {
	dir := t.TempDir()

	b1, b2 := descOf(1, 10).ID, descOf(2, 20).ID
	cache := NewBlobCache(dir)
	cache.DoNotUseBlob(b1)
	cache.DoNotUseBlob(b2)

	// "Restart": a fresh instance over the same directory.
	fresh := NewBlobCache(dir)
	ids := fresh.GetQuarantine()
	if len(ids) != 2 {
		t.Fatalf("got %d quarantined ids, want 2", len(ids))
	}

	// Removing one real id and one unknown junk id leaves exactly the
	// other real one.
	err := fresh.OnBlobsRemoved(map[string]struct{}{
		b1.String(): {},
		"foo":       {},
	})
	if err != nil {
		t.Fatal(err)
	}

	ids = fresh.GetQuarantine()
	if len(ids) != 1 {
		t.Fatalf("got %d quarantined ids after removal, want 1", len(ids))
	}
	if _, ok := ids[b2.String()]; !ok {
		t.Errorf("%s should have survived", b2)
	}
}

func TestOnBlobsRemovedNoQuarantine(t *testing.T) {
	cache := NewBlobCache(t.TempDir())
	if err := cache.OnBlobsRemoved(map[string]struct{}{"foo": {}}); err != nil {
		t.Errorf("missing quarantine should be a no-op: %v", err)
	}
}
