package payment

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/sha3"

	offv1 "offpay/shared/contracts/offline/v1"
)

// tokenDomain separates token signatures from any other use of the payer key.
const tokenDomain = "offpay/payment-token/v1"

// Token is a signed value-transfer token. It is immutable once signed.
type Token struct {
	ID              string
	PayerID         string
	PayerPublicKey  ed25519.PublicKey
	PayeeID         string
	Amount          int64
	Counter         uint64
	SessionNonce    string
	CreatedAtMillis int64
	Signature       []byte
}

// SigningBytes returns the canonical encoding of every field except Signature.
//
// Layout: domain tag, then each field in declaration order. Variable-length
// fields carry a uint32 big-endian length prefix; integers are 8-byte big-endian.
func (t Token) SigningBytes() []byte {
	n := len(tokenDomain) + len(t.ID) + len(t.PayerID) + len(t.PayerPublicKey) +
		len(t.PayeeID) + len(t.SessionNonce) + 6*4 + 3*8
	b := make([]byte, 0, n)
	b = appendBytes(b, []byte(tokenDomain))
	b = appendBytes(b, []byte(t.ID))
	b = appendBytes(b, []byte(t.PayerID))
	b = appendBytes(b, t.PayerPublicKey)
	b = appendBytes(b, []byte(t.PayeeID))
	b = binary.BigEndian.AppendUint64(b, uint64(t.Amount))
	b = binary.BigEndian.AppendUint64(b, t.Counter)
	b = appendBytes(b, []byte(t.SessionNonce))
	b = binary.BigEndian.AppendUint64(b, uint64(t.CreatedAtMillis))
	return b
}

func appendBytes(b, v []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(v)))
	return append(b, v...)
}

// Sign populates PayerPublicKey and Signature using priv.
func (t Token) Sign(priv ed25519.PrivateKey) (Token, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return Token{}, FieldError{Field: "privateKey", Msg: "bad length"}
	}
	t.PayerPublicKey = priv.Public().(ed25519.PublicKey)
	t.Signature = ed25519.Sign(priv, t.SigningBytes())
	return t, nil
}

// VerifySignature checks the signature against the embedded payer key.
func (t Token) VerifySignature() error {
	return t.VerifySignatureWith(t.PayerPublicKey)
}

// VerifySignatureWith checks the signature against pub, which need not be the
// embedded key (the server uses the registered one).
func (t Token) VerifySignatureWith(pub ed25519.PublicKey) error {
	if len(pub) != ed25519.PublicKeySize || len(t.Signature) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}
	if !ed25519.Verify(pub, t.SigningBytes(), t.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

// Digest is a stable fingerprint of the signed content, used for audit
// columns and log correlation.
func (t Token) Digest() string {
	sum := sha3.Sum256(t.SigningBytes())
	return hex.EncodeToString(sum[:])
}

// Validate checks structural well-formedness. It never touches the signature.
func (t Token) Validate() error {
	switch {
	case strings.TrimSpace(t.ID) == "":
		return FieldError{Field: "tokenId"}
	case strings.TrimSpace(t.PayerID) == "":
		return FieldError{Field: "payerId"}
	case len(t.PayerPublicKey) != ed25519.PublicKeySize:
		return FieldError{Field: "payerPublicKey", Msg: "bad length"}
	case strings.TrimSpace(t.PayeeID) == "":
		return FieldError{Field: "payeeId"}
	case t.Amount <= 0:
		return FieldError{Field: "amount", Msg: "must be positive"}
	case t.Counter == 0:
		return FieldError{Field: "counter", Msg: "must be positive"}
	case strings.TrimSpace(t.SessionNonce) == "":
		return FieldError{Field: "sessionNonce"}
	case t.CreatedAtMillis <= 0:
		return FieldError{Field: "createdAtMillis"}
	case len(t.Signature) == 0:
		return FieldError{Field: "signature"}
	}
	return nil
}

// Payload converts t to its wire form.
func (t Token) Payload() offv1.PaymentTokenPayload {
	return offv1.PaymentTokenPayload{
		TokenID:         t.ID,
		PayerID:         t.PayerID,
		PayerPublicKey:  base64.StdEncoding.EncodeToString(t.PayerPublicKey),
		PayeeID:         t.PayeeID,
		Amount:          t.Amount,
		Counter:         t.Counter,
		SessionNonce:    t.SessionNonce,
		CreatedAtMillis: t.CreatedAtMillis,
		Signature:       base64.StdEncoding.EncodeToString(t.Signature),
	}
}

// TokenFromPayload decodes and structurally validates a wire token.
// All failures wrap ErrMalformed.
func TokenFromPayload(p offv1.PaymentTokenPayload) (Token, error) {
	if err := p.Validate(); err != nil {
		return Token{}, FieldError{Field: "payload", Msg: err.Error()}
	}
	pub, err := base64.StdEncoding.DecodeString(p.PayerPublicKey)
	if err != nil {
		return Token{}, FieldError{Field: "payerPublicKey", Msg: "bad base64"}
	}
	sig, err := base64.StdEncoding.DecodeString(p.Signature)
	if err != nil {
		return Token{}, FieldError{Field: "signature", Msg: "bad base64"}
	}
	t := Token{
		ID:              p.TokenID,
		PayerID:         p.PayerID,
		PayerPublicKey:  ed25519.PublicKey(pub),
		PayeeID:         p.PayeeID,
		Amount:          p.Amount,
		Counter:         p.Counter,
		SessionNonce:    p.SessionNonce,
		CreatedAtMillis: p.CreatedAtMillis,
		Signature:       sig,
	}
	if err := t.Validate(); err != nil {
		return Token{}, err
	}
	return t, nil
}

// EncodePublicKey returns the standard base64 form used on the wire.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

// DecodePublicKey parses a base64 Ed25519 public key.
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil || len(b) != ed25519.PublicKeySize {
		return nil, FieldError{Field: "publicKey", Msg: "expected base64 ed25519 key"}
	}
	return ed25519.PublicKey(b), nil
}
