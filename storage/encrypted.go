// storage/encrypted.go
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const ivLength = aes.BlockSize

// encrypted implements the Backend interface. It encrypts / decrypts
// object data as it passes through the Save() and Load() methods. Each
// stored object starts with a random initialization vector followed by
// the AES-CFB ciphertext, so the sizes reported by List() are ciphertext
// sizes.
type encrypted struct {
	backend Backend
	key     []byte
}

// NewEncrypted returns a Backend that applies AES encryption to the
// object data stored in the underlying Backend. The key must be 32 bytes
// (AES-256); see DeriveKey.
func NewEncrypted(backend Backend, key []byte) Backend {
	log.Check(len(key) == 32)
	return &encrypted{backend: backend, key: key}
}

// DeriveKey stretches a passphrase into a 32-byte encryption key using
// PBKDF2 with 65536 rounds of SHA256.
func DeriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, 65536, 32, sha256.New)
}

func (eb *encrypted) String() string {
	return "encrypted " + eb.backend.String()
}

func (eb *encrypted) RequiresNetwork() bool {
	return eb.backend.RequiresNetwork()
}

func (eb *encrypted) List(ctx context.Context, kind Kind, fn func(BlobInfo) error) error {
	return eb.backend.List(ctx, kind, fn)
}

func (eb *encrypted) Save(ctx context.Context, kind Kind, id Hash, r io.Reader) (int64, error) {
	// Generate a new random initialization vector for this object. In the
	// stored object, first write out the IV, then the encrypted data.
	iv := getRandomBytes(ivLength)
	enc := makeEncryptingReader(eb.key, iv, r)
	return eb.backend.Save(ctx, kind, id, io.MultiReader(bytes.NewReader(iv), enc))
}

func (eb *encrypted) Load(ctx context.Context, kind Kind, id Hash) (io.ReadCloser, error) {
	r, err := eb.backend.Load(ctx, kind, id)
	if err != nil {
		return nil, err
	}

	// First read the initialization vector, which we stored at the start
	// of the object.
	var iv [ivLength]byte
	if _, err := io.ReadFull(r, iv[:]); err != nil {
		r.Close()
		return nil, err
	}

	// With that, we can make a reader that will decrypt the rest of it.
	return &readerAndCloser{makeDecryptingReader(eb.key, iv[:], r), r}, nil
}

func (eb *encrypted) Remove(ctx context.Context, kind Kind, id Hash) error {
	return eb.backend.Remove(ctx, kind, id)
}

type readerAndCloser struct {
	io.Reader
	io.Closer
}

///////////////////////////////////////////////////////////////////////////

// Returns an io.Reader that encrypts the byte stream from the given
// io.Reader using the given key and initialization vector.
func makeEncryptingReader(key []byte, iv []byte, reader io.Reader) io.Reader {
	block, err := aes.NewCipher(key)
	log.CheckError(err)
	log.Check(len(iv) == ivLength)
	stream := cipher.NewCFBEncrypter(block, iv)
	return &cipher.StreamReader{S: stream, R: reader}
}

func makeDecryptingReader(key []byte, iv []byte, reader io.Reader) io.Reader {
	block, err := aes.NewCipher(key)
	log.CheckError(err)
	log.Check(len(iv) == ivLength)
	stream := cipher.NewCFBDecrypter(block, iv)
	return &cipher.StreamReader{S: stream, R: reader}
}

// Return the given number of bytes of random values, using a
// cryptographically-strong random number source.
func getRandomBytes(n int) []byte {
	b := make([]byte, n)
	_, err := io.ReadFull(rand.Reader, b)
	log.CheckError(err)
	return b
}
