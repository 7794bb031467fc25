// Package envelope implements the client-side encryption format used for
// transfers: a passphrase-derived AES-256-GCM key seals a JSON metadata
// header and the file bytes as one message, which is then cut into
// fixed-size chunks for upload. The server never sees the passphrase and
// treats every byte produced here as opaque.
package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// Iterations is the PBKDF2-HMAC-SHA256 work factor.
	Iterations = 100000
	// KeySize is the derived AES-256 key length.
	KeySize = 32
	// SaltSize is the random salt length fed to PBKDF2.
	SaltSize = 16
	// IVSize is the AES-GCM nonce length.
	IVSize = 12
	// TagSize is the GCM authentication tag length appended to the ciphertext.
	TagSize = 16
	// ChunkSize is the upload chunk size used by the browser client.
	ChunkSize = 5 * 1024 * 1024
)

// Delimiter separates the metadata JSON from the file bytes inside the plaintext.
var Delimiter = []byte{0xFF, 0xFE, 0xFD, 0xFC}

var (
	ErrNoDelimiter  = errors.New("envelope: metadata delimiter not found")
	ErrDecrypt      = errors.New("envelope: decryption failed")
	ErrInvalidParam = errors.New("envelope: invalid iv or salt")
)

// Metadata is the header sealed in front of the file content.
type Metadata struct {
	FileName   string    `json:"fileName"`
	FileType   string    `json:"fileType"`
	FileSize   int64     `json:"fileSize"`
	UploadDate time.Time `json:"uploadDate"`
}

// Sealed is the result of Seal. IV and Salt must reach the recipient
// alongside the ciphertext; the passphrase must not.
type Sealed struct {
	Ciphertext []byte
	IV         []byte
	Salt       []byte
}

// EncodedIV returns the IV in the base64 form sent during upload init.
func (s *Sealed) EncodedIV() string { return base64.StdEncoding.EncodeToString(s.IV) }

// EncodedSalt returns the salt in the base64 form sent during upload init.
func (s *Sealed) EncodedSalt() string { return base64.StdEncoding.EncodeToString(s.Salt) }

// DeriveKey derives the AES-256 key for passphrase and salt.
func DeriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, Iterations, KeySize, sha256.New)
}

// Seal encrypts meta and file under a key derived from passphrase, using a
// fresh random salt and IV.
func Seal(passphrase string, meta Metadata, file []byte) (*Sealed, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	return SealWith(passphrase, meta, file, iv, salt)
}

// SealWith is Seal with caller-supplied IV and salt.
func SealWith(passphrase string, meta Metadata, file, iv, salt []byte) (*Sealed, error) {
	if len(iv) != IVSize || len(salt) != SaltSize {
		return nil, ErrInvalidParam
	}
	header, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal metadata: %w", err)
	}

	plaintext := make([]byte, 0, len(header)+len(Delimiter)+len(file))
	plaintext = append(plaintext, header...)
	plaintext = append(plaintext, Delimiter...)
	plaintext = append(plaintext, file...)

	aead, err := newGCM(DeriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}

	return &Sealed{
		Ciphertext: aead.Seal(nil, iv, plaintext, nil),
		IV:         iv,
		Salt:       salt,
	}, nil
}

// Open authenticates and decrypts ciphertext, then splits the plaintext at
// the first delimiter occurrence into metadata and file content.
func Open(passphrase string, ciphertext, iv, salt []byte) (Metadata, []byte, error) {
	var meta Metadata
	if len(iv) != IVSize || len(salt) != SaltSize {
		return meta, nil, ErrInvalidParam
	}

	aead, err := newGCM(DeriveKey(passphrase, salt))
	if err != nil {
		return meta, nil, err
	}
	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return meta, nil, ErrDecrypt
	}

	idx := bytes.Index(plaintext, Delimiter)
	if idx < 0 {
		return meta, nil, ErrNoDelimiter
	}
	if err := json.Unmarshal(plaintext[:idx], &meta); err != nil {
		return meta, nil, fmt.Errorf("envelope: parse metadata: %w", err)
	}
	return meta, plaintext[idx+len(Delimiter):], nil
}

// OpenEncoded is Open with IV and salt in their transported base64 form.
func OpenEncoded(passphrase string, ciphertext []byte, iv, salt string) (Metadata, []byte, error) {
	rawIV, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return Metadata{}, nil, fmt.Errorf("%w: %v", ErrInvalidParam, err)
	}
	rawSalt, err := base64.StdEncoding.DecodeString(salt)
	if err != nil {
		return Metadata{}, nil, fmt.Errorf("%w: %v", ErrInvalidParam, err)
	}
	return Open(passphrase, ciphertext, rawIV, rawSalt)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
