// cmd/blobvault/main.go
// BSD licensed; see LICENSE for details.

package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/snvd-io/blobvault/repo"
	"github.com/snvd-io/blobvault/storage"
	u "github.com/snvd-io/blobvault/util"
)

var cli struct {
	Verbose bool `short:"v" help:"Enable verbose output."`
	Debug   bool `help:"Enable debug output."`

	Dir             string `help:"Store the repository in a local directory." type:"path" xor:"target"`
	GcsBucket       string `help:"Store the repository in a GCS bucket." xor:"target"`
	GcsProject      string `help:"GCS project id (needed to create the bucket)."`
	MaxDownloadRate int    `help:"Download bandwidth limit in bytes per second (0 = unlimited)."`

	Passphrase string `env:"BLOBVAULT_PASSPHRASE" help:"Encrypt / decrypt repository contents with this passphrase."`
	Salt       string `help:"Hex-encoded key derivation salt." default:"626c6f627661756c742d763100000000"`
	Compress   bool   `help:"Compress blobs before encryption."`

	CacheDir string `help:"Private directory for the blob cache and quarantine." type:"path"`

	Check      CheckCmd      `cmd:"" help:"Verify a random sample of the stored blobs."`
	Quarantine QuarantineCmd `cmd:"" help:"List blob ids that failed verification."`
	Cache      CacheCmd      `cmd:"" help:"Manage the local blob cache."`
}

// app carries everything a command needs to run.
type app struct {
	ctx     context.Context
	log     *u.Logger
	backend storage.Backend
	cache   *repo.BlobCache
}

type CheckCmd struct {
	Percent int `default:"25" help:"Percentage of stored bytes to verify."`
}

func (c *CheckCmd) Run(a *app) error {
	checker := repo.NewChecker(a.backend, a.cache, &consoleNotifier{log: a.log})

	result, err := checker.Check(a.ctx, c.Percent)
	if err != nil {
		return err
	}

	switch r := result.(type) {
	case *repo.Success:
		a.log.Print("OK: %d snapshots, %s verified (%d%% sample)",
			len(r.Snapshots), humanize.IBytes(uint64(r.BytesChecked)), r.Percent)

	case *repo.Error:
		good, bad := r.GoodSnapshots(), r.BadSnapshots()
		a.log.Print("FAILED: %d bad pairs; %d good / %d bad snapshots (%d listed, %d decoded)",
			len(r.BadPairs), len(good), len(bad), r.ExistingSnapshots, len(r.Snapshots))
		for _, p := range r.BadPairs {
			a.log.Print("  chunk %s: blob %s (%s)", p.Chunk, p.Blob.ID,
				humanize.IBytes(uint64(p.Blob.Length)))
		}
		return fmt.Errorf("verification failed")

	case *repo.GeneralError:
		return r.Cause
	}
	return nil
}

type QuarantineCmd struct{}

func (q *QuarantineCmd) Run(a *app) error {
	ids := a.cache.GetQuarantine()
	if len(ids) == 0 {
		a.log.Print("quarantine is empty")
		return nil
	}

	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)
	for _, id := range sorted {
		fmt.Println(id)
	}
	return nil
}

type CacheCmd struct {
	Clear CacheClearCmd `cmd:"" help:"Delete the local blob cache log."`
}

type CacheClearCmd struct{}

func (c *CacheClearCmd) Run(a *app) error {
	return a.cache.ClearLocalCache()
}

///////////////////////////////////////////////////////////////////////////

// consoleNotifier renders the checker's fire-and-forget events as log
// lines.
type consoleNotifier struct {
	log *u.Logger
}

func (n *consoleNotifier) ShowCheckNotification(bytesPerSecond int64, permille int) {
	n.log.Print("checking... %d.%d%% (%s/s)", permille/10, permille%10,
		humanize.IBytes(uint64(bytesPerSecond)))
}

func (n *consoleNotifier) OnCheckComplete(bytesChecked, bytesPerSecond int64) {
	n.log.Print("check complete: %s verified (%s/s)",
		humanize.IBytes(uint64(bytesChecked)), humanize.IBytes(uint64(bytesPerSecond)))
}

func (n *consoleNotifier) OnCheckFinishedWithError(bytesChecked, bytesPerSecond int64) {
	n.log.Print("check finished with errors after %s (%s/s)",
		humanize.IBytes(uint64(bytesChecked)), humanize.IBytes(uint64(bytesPerSecond)))
}

///////////////////////////////////////////////////////////////////////////

func makeBackend(ctx context.Context, log *u.Logger) storage.Backend {
	var backend storage.Backend
	switch {
	case cli.Dir != "":
		backend = storage.NewDisk(cli.Dir)
	case cli.GcsBucket != "":
		backend = storage.NewGCS(ctx, storage.GCSOptions{
			BucketName:                cli.GcsBucket,
			ProjectId:                 cli.GcsProject,
			MaxDownloadBytesPerSecond: cli.MaxDownloadRate,
		})
	default:
		log.Fatal("no storage target given; use --dir or --gcs-bucket")
	}

	if cli.Passphrase != "" {
		salt, err := hex.DecodeString(cli.Salt)
		log.CheckError(err, "--salt: %s", err)
		backend = storage.NewEncrypted(backend, storage.DeriveKey(cli.Passphrase, salt))
	}
	if cli.Compress {
		backend = storage.NewCompressed(backend)
	}
	return backend
}

func cacheDir(log *u.Logger) string {
	if cli.CacheDir != "" {
		return cli.CacheDir
	}
	base, err := os.UserCacheDir()
	log.CheckError(err)
	return filepath.Join(base, "blobvault")
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("blobvault"),
		kong.Description("Integrity checking for content-addressed backup repositories."),
		kong.UsageOnError())

	log := u.NewLogger(cli.Verbose, cli.Debug)
	storage.SetLogger(log)
	repo.SetLogger(log)

	ctx := context.Background()
	a := &app{
		ctx:     ctx,
		log:     log,
		backend: makeBackend(ctx, log),
		cache:   repo.NewBlobCache(cacheDir(log)),
	}

	kctx.FatalIfErrorf(kctx.Run(a))
}
