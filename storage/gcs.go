// storage/gcs.go
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"hash/crc32"
	"io"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// gcsBackend stores each object at <kind>/<hex id> in a bucket.
type gcsBackend struct {
	client     *gcs.Client
	bucket     *gcs.BucketHandle
	bucketName string
	limiter    *BandwidthLimiter
}

type GCSOptions struct {
	BucketName string
	ProjectId  string
	// Optional. Will use "us-central1" if not specified.
	Location string

	// zero -> unlimited
	MaxDownloadBytesPerSecond int
}

// NewGCS returns a Backend that stores objects in a Google Cloud Storage
// bucket, creating the bucket if it doesn't exist.
func NewGCS(ctx context.Context, options GCSOptions) Backend {
	client, err := gcs.NewClient(ctx)
	log.CheckError(err)

	g := &gcsBackend{
		client:     client,
		bucket:     client.Bucket(options.BucketName),
		bucketName: options.BucketName,
		limiter:    NewBandwidthLimiter(options.MaxDownloadBytesPerSecond),
	}

	// Create the bucket if it doesn't exist.
	if _, err := g.bucket.Attrs(ctx); err == gcs.ErrBucketNotExist {
		loc := options.Location
		if loc == "" {
			loc = "us-central1"
		}
		log.Verbose("%s: creating bucket @ %s", options.BucketName, loc)
		log.Check(options.ProjectId != "")
		err := g.bucket.Create(ctx, options.ProjectId,
			&gcs.BucketAttrs{Location: loc})
		log.CheckError(err)
	} else {
		log.CheckError(err)
	}

	return g
}

func (g *gcsBackend) String() string {
	return "gs://" + g.bucketName
}

func (g *gcsBackend) RequiresNetwork() bool {
	return true
}

func objectName(kind Kind, id Hash) string {
	return kind.folder() + "/" + id.String()
}

func (g *gcsBackend) List(ctx context.Context, kind Kind, fn func(BlobInfo) error) error {
	prefix := kind.folder() + "/"
	it := g.bucket.Objects(ctx, &gcs.Query{Prefix: prefix})
	for {
		obj, err := it.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return err
		}

		name := strings.TrimPrefix(obj.Name, prefix)
		if strings.HasSuffix(name, ".tmp") {
			// Leftover from an interrupted upload.
			continue
		}
		id, err := ParseHash(name)
		if err != nil {
			log.Warning("%s: non-object name in %s", obj.Name, prefix)
			continue
		}

		if err := fn(BlobInfo{ID: id, Size: obj.Size}); err != nil {
			return err
		}
	}
}

func (g *gcsBackend) Load(ctx context.Context, kind Kind, id Hash) (io.ReadCloser, error) {
	obj := g.bucket.Object(objectName(kind, id))
	r, err := obj.NewReader(ctx)
	if err == gcs.ErrObjectNotExist {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, err
	}
	return &readerAndCloser{g.limiter.Reader(r), r}, nil
}

// retry runs f a few times before giving up, sleeping in between; GCS
// uploads fail transiently often enough that one-shot calls aren't
// reasonable. Only Save uses it; Load and List make a single attempt.
func retry(n string, f func() error) error {
	const maxTries = 5
	for tries := 0; ; tries++ {
		err := f()

		if err == nil || tries == maxTries {
			return err
		}

		// Possibly temporary error; sleep and retry.
		log.Warning("%s: sleeping due to error %s", n, err.Error())
		time.Sleep(time.Duration(100*(tries+1)) * time.Millisecond)
	}
}

func (g *gcsBackend) Save(ctx context.Context, kind Kind, id Hash, r io.Reader) (int64, error) {
	name := objectName(kind, id)

	// Checking for existence by grabbing the attrs is much more efficient
	// than relying on upload preconditions.
	obj := g.bucket.Object(name)
	if _, err := obj.Attrs(ctx); err == nil {
		return 0, ErrObjectExists
	}

	// Buffer the whole object so the upload can be retried from scratch
	// on temporary failures.
	buf, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}

	err = retry(name, func() error {
		return g.upload(ctx, name, buf)
	})
	if err != nil {
		return 0, err
	}
	return int64(len(buf)), nil
}

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

func (g *gcsBackend) upload(ctx context.Context, name string, buf []byte) error {
	// Upload to a temporary object first and copy it into place once the
	// contents are known good, so an interrupted upload never leaves a
	// partial object under a valid name.
	tmpObj := g.bucket.Object(name + ".tmp")
	defer tmpObj.Delete(ctx)

	w := tmpObj.NewWriter(ctx)
	// Make it upload along the way rather than buffering everything
	// internally too.
	w.ChunkSize = 256 * 1024

	if _, err := w.Write(buf); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	// Double-check that the CRC we compute locally is the same as what
	// GCS thinks it is.
	localCrc := crc32.Checksum(buf, castagnoliTable)
	if gcsCrc := w.Attrs().CRC32C; localCrc != gcsCrc {
		log.Fatal("%s: CRC32 checksum mismatch. Local: %d, GCS: %d", name,
			localCrc, gcsCrc)
	}

	copier := g.bucket.Object(name).CopierFrom(tmpObj)
	// No idea why it insists this be set directly for the copier to work.
	copier.ContentType = "application/octet-stream"
	_, err := copier.Run(ctx)
	return err
}

func (g *gcsBackend) Remove(ctx context.Context, kind Kind, id Hash) error {
	err := g.bucket.Object(objectName(kind, id)).Delete(ctx)
	if err == gcs.ErrObjectNotExist {
		return ErrObjectNotFound
	}
	return err
}
