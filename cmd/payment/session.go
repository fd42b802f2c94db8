package payment

import (
	"bytes"
	"encoding/json"
	"time"

	offv1 "offpay/shared/contracts/offline/v1"
)

// SessionDescriptor is the payee-minted bootstrap bundle. Immutable.
type SessionDescriptor struct {
	PayeeID          string
	TransportAddress string
	Nonce            string
	MintedAt         time.Time
	TTL              time.Duration
}

// ExpiresAt returns the instant after which the descriptor is dead.
func (d SessionDescriptor) ExpiresAt() time.Time { return d.MintedAt.Add(d.TTL) }

// Expired reports whether now is past the TTL.
func (d SessionDescriptor) Expired(now time.Time) bool { return now.After(d.ExpiresAt()) }

// Payload converts d to its QR wire form. TTL is omitted when it equals the
// implicit 18 s so the QR stays small.
func (d SessionDescriptor) Payload() offv1.SessionDescriptorPayload {
	p := offv1.SessionDescriptorPayload{
		PayeeID:          d.PayeeID,
		TransportAddress: d.TransportAddress,
		Nonce:            d.Nonce,
		MintedAtMillis:   d.MintedAt.UnixMilli(),
	}
	if ttl := d.TTL.Milliseconds(); ttl != offv1.SessionTTLMillis {
		p.TTLMillis = ttl
	}
	return p
}

// Encode returns the compact JSON carried by the QR code.
func (d SessionDescriptor) Encode() ([]byte, error) {
	return json.Marshal(d.Payload())
}

// DescriptorFromPayload decodes a wire descriptor.
func DescriptorFromPayload(p offv1.SessionDescriptorPayload) (SessionDescriptor, error) {
	if err := p.Validate(); err != nil {
		return SessionDescriptor{}, FieldError{Field: "descriptor", Msg: err.Error()}
	}
	ttl := p.TTLMillis
	if ttl <= 0 {
		ttl = offv1.SessionTTLMillis
	}
	return SessionDescriptor{
		PayeeID:          p.PayeeID,
		TransportAddress: p.TransportAddress,
		Nonce:            p.Nonce,
		MintedAt:         time.UnixMilli(p.MintedAtMillis).UTC(),
		TTL:              time.Duration(ttl) * time.Millisecond,
	}, nil
}

// DecodeDescriptor parses the QR JSON form.
func DecodeDescriptor(b []byte) (SessionDescriptor, error) {
	var p offv1.SessionDescriptorPayload
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return SessionDescriptor{}, FieldError{Field: "descriptor", Msg: "invalid json"}
	}
	return DescriptorFromPayload(p)
}
