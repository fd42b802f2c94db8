package keystore

import (
	"crypto/rand"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// blobVersion is the current on-disk format.
const blobVersion = 1

// blob is the JSON structure holding the ciphertext and KDF parameters.
type blob struct {
	V      int       `json:"v"`
	KDF    string    `json:"kdf"`
	Params KDFParams `json:"params"`
	Salt   []byte    `json:"salt"`
	Nonce  []byte    `json:"nonce"`
	Cipher []byte    `json:"cipher"`
}

// seal derives a key from passphrase and encrypts raw into a JSON blob.
// The salt doubles as associated data so a blob cannot be re-salted.
func (c Config) seal(passphrase string, raw []byte) ([]byte, error) {
	if err := c.CheckPassphrase(passphrase); err != nil {
		return nil, err
	}

	salt := make([]byte, c.Params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("salt: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}

	key := deriveKey(passphrase, salt, c.Params)
	defer wipe(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	return json.Marshal(blob{
		V:      blobVersion,
		KDF:    "argon2id",
		Params: c.Params,
		Salt:   salt,
		Nonce:  nonce,
		Cipher: aead.Seal(nil, nonce, raw, salt),
	})
}

// open decrypts a blob produced by seal.
func (c Config) open(passphrase string, b []byte) ([]byte, error) {
	var bl blob
	if err := json.Unmarshal(b, &bl); err != nil {
		return nil, ErrInvalidBlob
	}
	if bl.V != blobVersion || bl.KDF != "argon2id" {
		return nil, fmt.Errorf("%w: unsupported version %d/%q", ErrInvalidBlob, bl.V, bl.KDF)
	}
	if len(bl.Salt) < 8 || len(bl.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrInvalidBlob
	}
	if !withinReasonableBounds(bl.Params, c.Params) {
		return nil, ErrInvalidBlob
	}

	key := deriveKey(passphrase, bl.Salt, bl.Params)
	defer wipe(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, bl.Nonce, bl.Cipher, bl.Salt)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return pt, nil
}

func deriveKey(passphrase string, salt []byte, p KDFParams) []byte {
	return argon2.IDKey([]byte(passphrase), salt, p.Iterations, p.MemoryKiB, p.Parallelism, chacha20poly1305.KeySize)
}

// withinReasonableBounds refuses attacker-controlled params far above the local configuration.
func withinReasonableBounds(got, cfg KDFParams) bool {
	if got.MemoryKiB == 0 || got.Iterations == 0 || got.Parallelism == 0 {
		return false
	}
	if got.MemoryKiB > 4*cfg.MemoryKiB || got.Iterations > 4*cfg.Iterations {
		return false
	}
	return got.Parallelism <= 64
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
