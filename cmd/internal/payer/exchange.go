package payer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"offpay/cmd/internal/ledger"
	"offpay/cmd/internal/transport"
	"offpay/cmd/payment"
	offv1 "offpay/shared/contracts/offline/v1"
)

// Outcome of one delivery attempt as seen by the payer.
type Outcome string

const (
	OutcomeAccepted      Outcome = "accepted"
	OutcomeRejected      Outcome = "rejected"
	OutcomeIndeterminate Outcome = "indeterminate"
)

// Result reports a delivered (or not) token. Err carries the transport cause
// for indeterminate outcomes and wraps payment.ErrIndeterminate.
type Result struct {
	Token   payment.Token
	Outcome Outcome
	Reason  payment.Reason
	Err     error
}

// Payer signs tokens and delivers them over a short-range transport.
type Payer struct {
	signer *Signer
	dialer transport.Dialer
	cfg    transport.Config
	ledger *ledger.Ledger
	log    *slog.Logger
}

// New wires a Payer. A nil dialer uses transport.Default.
func New(signer *Signer, dialer transport.Dialer, cfg transport.Config, l *ledger.Ledger, log *slog.Logger) *Payer {
	if dialer == nil {
		dialer = transport.Default
	}
	if log == nil {
		log = slog.Default()
	}
	return &Payer{signer: signer, dialer: dialer, cfg: cfg, ledger: l, log: log}
}

// Pay signs a token for d and delivers it to d.TransportAddress.
//
// A non-nil error means nothing was signed (invalid amount, insufficient
// funds, expired descriptor, storage failure). Once a token exists, Pay always
// returns it in Result and never claims acceptance without an explicit ack:
// timeouts and disconnects yield OutcomeIndeterminate and the token stays
// queued for deferred sync.
func (p *Payer) Pay(ctx context.Context, d payment.SessionDescriptor, amount int64) (Result, error) {
	tok, err := p.signer.Sign(ctx, d, amount)
	if err != nil {
		return Result{}, err
	}

	res := p.deliver(ctx, d.TransportAddress, tok)

	delivery := ledger.DeliveryIndeterminate
	switch res.Outcome {
	case OutcomeAccepted:
		delivery = ledger.DeliveryDelivered
	case OutcomeRejected:
		delivery = ledger.DeliveryRejectedByPayee
	}
	if _, err := p.ledger.Apply(context.WithoutCancel(ctx), func(s ledger.State) (ledger.State, error) {
		return s.MarkDelivery(tok.ID, delivery, res.Reason)
	}); err != nil {
		p.log.Warn("payer.delivery.mark_failed", "token_id", tok.ID, "err", err)
	}

	p.log.Info("payer.exchange.done", "token_id", tok.ID, "outcome", res.Outcome, "reason", res.Reason)
	return res, nil
}

// deliver runs connect, write, ack-read with their own bounds. The connection
// is closed on every path.
func (p *Payer) deliver(ctx context.Context, addr string, tok payment.Token) Result {
	indeterminate := func(stage string, err error) Result {
		return Result{
			Token:   tok,
			Outcome: OutcomeIndeterminate,
			Reason:  payment.ReasonTransportIndeterminate,
			Err:     fmt.Errorf("%w: %s: %w", payment.ErrIndeterminate, stage, err),
		}
	}

	cctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	conn, err := p.dialer.Dial(cctx, addr)
	cancel()
	if err != nil {
		return indeterminate("connect", err)
	}
	defer func() { _ = conn.Close() }()

	wctx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
	err = transport.WriteEnvelope(wctx, conn, offv1.TypePaymentToken, tok.ID, tok.Payload())
	cancel()
	if err != nil {
		return indeterminate("write", err)
	}

	actx, cancel := context.WithTimeout(ctx, p.cfg.AckTimeout)
	env, err := transport.ReadEnvelope(actx, conn)
	cancel()
	if err != nil {
		return indeterminate("ack", err)
	}

	ack, err := decodeAck(env)
	if err != nil {
		return indeterminate("ack", err)
	}
	if ack.TokenID != "" && ack.TokenID != tok.ID {
		return indeterminate("ack", errors.New("ack for a different token"))
	}

	if ack.Outcome == offv1.OutcomeAccepted {
		return Result{Token: tok, Outcome: OutcomeAccepted}
	}
	return Result{Token: tok, Outcome: OutcomeRejected, Reason: payment.Reason(ack.Reason)}
}

func decodeAck(env offv1.Envelope) (offv1.AckPayload, error) {
	if env.Type != offv1.TypePaymentAck {
		return offv1.AckPayload{}, fmt.Errorf("unexpected frame type %q", env.Type)
	}
	var ack offv1.AckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		return offv1.AckPayload{}, err
	}
	if err := ack.Validate(); err != nil {
		return offv1.AckPayload{}, err
	}
	return ack, nil
}
