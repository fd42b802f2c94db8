package keystore

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// signingKeyName is the custodian entry holding the Ed25519 seed.
const signingKeyName = "signing-ed25519"

// GenerateSigningKey creates a new Ed25519 keypair and stores its seed.
// It fails with ErrExists if the principal already has one.
func GenerateSigningKey(ctx context.Context, c Custodian) (ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	seed := priv.Seed()
	defer wipe(seed)

	if err := c.Store(ctx, signingKeyName, seed); err != nil {
		return nil, err
	}
	return pub, nil
}

// LoadSigningKey retrieves the stored seed and expands it into a private key.
func LoadSigningKey(ctx context.Context, c Custodian) (ed25519.PrivateKey, error) {
	seed, err := c.Retrieve(ctx, signingKeyName)
	if err != nil {
		return nil, err
	}
	defer wipe(seed)

	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed length %d", ErrInvalidBlob, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
