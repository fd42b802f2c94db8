package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	offv1 "offpay/shared/contracts/offline/v1"
)

// WriteEnvelope marshals payload into a v1 envelope and sends it as one frame.
func WriteEnvelope(ctx context.Context, c Conn, typ, id string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b, err := json.Marshal(offv1.Envelope{
		V:       offv1.Version,
		Type:    typ,
		ID:      id,
		TS:      time.Now().UTC(),
		Payload: raw,
	})
	if err != nil {
		return err
	}
	return c.Send(ctx, b)
}

// ReadEnvelope receives one frame and validates it as a v1 envelope.
func ReadEnvelope(ctx context.Context, c Conn) (offv1.Envelope, error) {
	b, err := c.Receive(ctx)
	if err != nil {
		return offv1.Envelope{}, err
	}
	var env offv1.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return offv1.Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := env.Validate(); err != nil {
		return offv1.Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return env, nil
}
