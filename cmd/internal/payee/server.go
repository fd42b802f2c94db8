package payee

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"offpay/cmd/internal/transport"
	"offpay/cmd/payment"
	offv1 "offpay/shared/contracts/offline/v1"
)

// Server accepts payment exchanges on a transport listener. Each exchange is
// one token frame in, one ack frame out.
type Server struct {
	ln      transport.Listener
	v       *Verifier
	cfg     transport.Config
	limiter *RateLimiter
	log     *slog.Logger

	// OnDecision, if set, is called after every ack is written (or fails to be).
	OnDecision func(Decision)
}

// NewServer builds a Server. A nil limiter disables rate limiting.
func NewServer(ln transport.Listener, v *Verifier, cfg transport.Config, limiter *RateLimiter, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{ln: ln, v: v, cfg: cfg, limiter: limiter, log: log}
}

// Serve runs the accept loop until ctx is done, then waits for in-flight
// exchanges. It does not close the listener.
func (s *Server) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := s.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			s.log.Warn("payee.accept.fail", "err", err)
			continue
		}

		if s.limiter != nil && !s.limiter.Allow(time.Now()) {
			s.log.Warn("payee.conn.rate_limited")
			_ = conn.Close()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

func (s *Server) handle(ctx context.Context, conn transport.Conn) {
	defer func() { _ = conn.Close() }()

	rctx, cancel := context.WithTimeout(ctx, s.cfg.AckTimeout)
	env, err := transport.ReadEnvelope(rctx, conn)
	cancel()
	if err != nil {
		s.log.Info("payee.read.fail", "err", err)
		if errors.Is(err, transport.ErrMalformedFrame) {
			s.writeAck(ctx, conn, "", Decision{State: StateRejected, Reason: payment.ReasonMalformed})
		}
		return
	}

	d := s.decide(ctx, env)
	s.writeAck(ctx, conn, env.ID, d)
}

func (s *Server) decide(ctx context.Context, env offv1.Envelope) Decision {
	if env.Type != offv1.TypePaymentToken {
		return Decision{State: StateRejected, Reason: payment.ReasonMalformed}
	}
	var p offv1.PaymentTokenPayload
	if err := decodeStrict(env.Payload, &p); err != nil {
		return Decision{State: StateRejected, Reason: payment.ReasonMalformed}
	}
	tok, err := payment.TokenFromPayload(p)
	if err != nil {
		return Decision{TokenID: p.TokenID, State: StateRejected, Reason: payment.ReasonOf(err)}
	}
	return s.v.Verify(ctx, tok)
}

func (s *Server) writeAck(ctx context.Context, conn transport.Conn, envID string, d Decision) {
	ack := offv1.AckPayload{TokenID: d.TokenID, Outcome: offv1.OutcomeRejected, Reason: string(d.Reason)}
	if d.Accepted() {
		ack.Outcome, ack.Reason = offv1.OutcomeAccepted, ""
	}

	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	if err := transport.WriteEnvelope(wctx, conn, offv1.TypePaymentAck, envID, ack); err != nil {
		// The ledger already reflects the decision; the payer will see an
		// indeterminate outcome and reconcile later.
		s.log.Warn("payee.ack.fail", "token_id", d.TokenID, "outcome", ack.Outcome, "err", err)
	}
	if s.OnDecision != nil {
		s.OnDecision(d)
	}
}
