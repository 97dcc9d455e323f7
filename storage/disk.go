// storage/disk.go
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
)

// disk stores each object as its own file, named by the lowercase hex of
// its id, under a blobs/ or snapshots/ directory.
type disk struct {
	dir string
}

// NewDisk returns a Backend that stores objects under the given
// directory. The directory and its blobs/ and snapshots/ subdirectories
// are created if needed.
func NewDisk(dir string) Backend {
	log.CheckError(os.MkdirAll(dir, 0700))

	for _, k := range []Kind{KindBlob, KindSnapshot} {
		log.CheckError(os.MkdirAll(filepath.Join(dir, k.folder()), 0700))
	}

	return &disk{dir: dir}
}

func (d *disk) String() string {
	return "disk: " + d.dir
}

func (d *disk) RequiresNetwork() bool {
	return false
}

func (d *disk) path(kind Kind, id Hash) string {
	return filepath.Join(d.dir, kind.folder(), id.String())
}

func (d *disk) List(ctx context.Context, kind Kind, fn func(BlobInfo) error) error {
	entries, err := os.ReadDir(filepath.Join(d.dir, kind.folder()))
	if err != nil {
		return err
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.IsDir() {
			log.Warning("%s: directory found in %s/", e.Name(), kind.folder())
			continue
		}

		id, err := ParseHash(e.Name())
		if err != nil {
			// Editors and sync tools drop stray files; skip them.
			log.Warning("%s: non-object file in %s/", e.Name(), kind.folder())
			continue
		}

		info, err := e.Info()
		if err != nil {
			return err
		}

		if err := fn(BlobInfo{ID: id, Size: info.Size()}); err != nil {
			return err
		}
	}
	return nil
}

func (d *disk) Load(ctx context.Context, kind Kind, id Hash) (io.ReadCloser, error) {
	f, err := os.Open(d.path(kind, id))
	if os.IsNotExist(err) {
		return nil, ErrObjectNotFound
	}
	return f, err
}

func (d *disk) Save(ctx context.Context, kind Kind, id Hash, r io.Reader) (int64, error) {
	path := d.path(kind, id)
	if _, err := os.Stat(path); err == nil {
		return 0, ErrObjectExists
	}

	// Write to a temporary name first so a crashed save never leaves a
	// half-written object under a valid id.
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return n, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return n, err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return n, err
	}

	return n, os.Rename(tmp, path)
}

func (d *disk) Remove(ctx context.Context, kind Kind, id Hash) error {
	err := os.Remove(d.path(kind, id))
	if os.IsNotExist(err) {
		return ErrObjectNotFound
	}
	return err
}
