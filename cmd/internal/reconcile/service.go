package reconcile

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"offpay/cmd/payment"
	"offpay/cmd/payment/ids"
	offv1 "offpay/shared/contracts/offline/v1"
)

// Config controls batch limits and parallelism.
type Config struct {
	// MaxBatch is the largest accepted batch.
	MaxBatch int
	// Workers bounds how many payers are reconciled concurrently.
	Workers int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{MaxBatch: 500, Workers: 8}
}

// LoadConfigFromEnv loads Config from environment variables.
//
// Optional:
//   - OFFPAY_RECONCILE_MAX_BATCH
//   - OFFPAY_RECONCILE_WORKERS
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("OFFPAY_RECONCILE_MAX_BATCH")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 10_000 {
			return Config{}, fmt.Errorf("%w: OFFPAY_RECONCILE_MAX_BATCH", ErrConfig)
		}
		cfg.MaxBatch = n
	}
	if v := strings.TrimSpace(os.Getenv("OFFPAY_RECONCILE_WORKERS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 256 {
			return Config{}, fmt.Errorf("%w: OFFPAY_RECONCILE_WORKERS", ErrConfig)
		}
		cfg.Workers = n
	}
	return cfg, nil
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the clock used for synced_at.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// Service is the server-side Reconciler and principal registry.
type Service struct {
	store   Store
	policy  payment.Policy
	cfg     Config
	metrics *Metrics
	now     func() time.Time
	log     *slog.Logger
}

// NewService wires a Service to its authoritative store.
func NewService(store Store, policy payment.Policy, cfg Config, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("reconcile: nil store")
	}
	if cfg.MaxBatch <= 0 || cfg.Workers <= 0 {
		return nil, ErrConfig
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	s := &Service{
		store:  store,
		policy: policy,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Ready reports whether the store is reachable.
func (s *Service) Ready(ctx context.Context) error { return s.store.Ping(ctx) }

// RegisterPrincipal adds a principal with its registered signing key.
func (s *Service) RegisterPrincipal(ctx context.Context, req offv1.RegisterPrincipalRequest) (Principal, error) {
	pub, err := payment.DecodePublicKey(req.PublicKey)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	p, err := s.store.RegisterPrincipal(ctx, Principal{
		ID:          strings.TrimSpace(req.ID),
		PublicKey:   pub,
		MainBalance: req.MainBalance,
	})
	if err != nil {
		return Principal{}, err
	}
	s.log.Info("reconcile.principal.registered", "principal_id", p.ID, "main_balance", p.MainBalance)
	return p, nil
}

// GetPrincipal returns the authoritative view of id.
func (s *Service) GetPrincipal(ctx context.Context, id string) (Principal, error) {
	return s.store.GetPrincipal(ctx, id)
}

// LoadOffline moves amount from id's main balance into its offline balance.
// Exceeding the offline maximum returns a payment.LoadLimitError.
func (s *Service) LoadOffline(ctx context.Context, id string, amount int64) (Principal, error) {
	p, err := s.store.LoadOffline(ctx, id, amount, s.policy)
	if err != nil {
		var lim payment.LoadLimitError
		if errors.As(err, &lim) {
			s.log.Info("reconcile.load.refused", "principal_id", id, "requested", amount, "available", lim.Available)
		}
		return Principal{}, err
	}
	s.log.Info("reconcile.load.done", "principal_id", id, "amount", amount, "offline_balance", p.OfflineBalance)
	return p, nil
}

type item struct {
	idx int
	tok payment.Token
}

// Reconcile settles every element of b independently and returns one result
// per element, in submission order. The returned error is non-nil only when
// the batch as a whole is refused.
func (s *Service) Reconcile(ctx context.Context, b Batch) (offv1.ReconcileResponse, error) {
	if len(b.Transactions) > s.cfg.MaxBatch {
		return offv1.ReconcileResponse{}, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(b.Transactions), s.cfg.MaxBatch)
	}

	start := time.Now()
	batchID, err := ids.NewBatchID(s.now())
	if err != nil {
		return offv1.ReconcileResponse{}, err
	}
	log := s.log.With("batch_id", batchID)

	outcomes := make([]Outcome, len(b.Transactions))
	groups := make(map[string][]item)
	for i, p := range b.Transactions {
		tok, err := payment.TokenFromPayload(p)
		if err != nil {
			outcomes[i] = rejected(p.TokenID, err)
			continue
		}
		if b.Caller != "" && b.Caller != tok.PayerID && b.Caller != tok.PayeeID {
			outcomes[i] = rejected(tok.ID, payment.ErrNotAParty)
			continue
		}
		groups[tok.PayerID] = append(groups[tok.PayerID], item{idx: i, tok: tok})
	}

	// Each payer's tokens go through one worker in ascending counter order.
	// Workers write disjoint indices of outcomes.
	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for _, items := range groups {
		slices.SortStableFunc(items, func(a, b item) int { return cmp.Compare(a.tok.Counter, b.tok.Counter) })
		g.Go(func() error {
			for _, it := range items {
				outcomes[it.idx] = s.settle(ctx, it.tok)
			}
			return nil
		})
	}
	_ = g.Wait()

	resp := offv1.ReconcileResponse{
		BatchID: batchID,
		Results: make([]offv1.ReconcileResult, len(outcomes)),
	}
	var completed, duplicate, rejectedN int
	for i, o := range outcomes {
		resp.Results[i] = o.Result()
		s.metrics.observeOutcome(o)
		switch o.Status {
		case StatusCompleted:
			completed++
		case StatusDuplicate:
			duplicate++
		default:
			rejectedN++
		}
	}
	took := time.Since(start)
	s.metrics.observeBatch(len(outcomes), took)

	log.Info("reconcile.batch.done",
		"caller", b.Caller,
		"size", len(outcomes),
		"payers", len(groups),
		"completed", completed,
		"duplicate", duplicate,
		"rejected", rejectedN,
		"took", took,
	)
	return resp, nil
}

// settle runs the per-element pipeline for one decoded token.
func (s *Service) settle(ctx context.Context, tok payment.Token) Outcome {
	if err := ctx.Err(); err != nil {
		return rejected(tok.ID, errors.Join(payment.ErrStorage, err))
	}

	if _, ok, err := s.store.GetRecord(ctx, tok.ID); err != nil {
		return s.storageFailure(tok, err)
	} else if ok {
		return Outcome{TokenID: tok.ID, Status: StatusDuplicate}
	}

	payer, err := s.store.GetPrincipal(ctx, tok.PayerID)
	if errors.Is(err, ErrPrincipalNotFound) {
		return rejected(tok.ID, payment.ErrUnknownPayer)
	}
	if err != nil {
		return s.storageFailure(tok, err)
	}

	// Only the registered key counts; the embedded one is the payer's claim.
	if err := tok.VerifySignatureWith(payer.PublicKey); err != nil {
		return rejected(tok.ID, err)
	}
	if err := s.policy.CheckCap(tok.Amount); err != nil {
		return rejected(tok.ID, err)
	}

	rec, err := s.store.Apply(ctx, tok, s.now())
	switch {
	case err == nil:
		s.log.Debug("reconcile.token.completed",
			"token_id", rec.TokenID,
			"payer_id", rec.PayerID,
			"payee_id", rec.PayeeID,
			"amount", rec.Amount,
			"counter", rec.Counter,
		)
		return Outcome{TokenID: tok.ID, Status: StatusCompleted}
	case errors.Is(err, ErrDuplicate):
		return Outcome{TokenID: tok.ID, Status: StatusDuplicate}
	case errors.Is(err, payment.ErrReplayDetected):
		return Outcome{TokenID: tok.ID, Status: StatusDuplicate, Reason: payment.ReasonReplayDetected}
	case errors.Is(err, payment.ErrUnknownPayer),
		errors.Is(err, payment.ErrUnknownPayee),
		errors.Is(err, payment.ErrInsufficientFunds),
		errors.Is(err, payment.ErrMalformed):
		return rejected(tok.ID, err)
	default:
		return s.storageFailure(tok, err)
	}
}

func (s *Service) storageFailure(tok payment.Token, err error) Outcome {
	s.log.Warn("reconcile.token.storage_error", "token_id", tok.ID, "payer_id", tok.PayerID, "err", err)
	return rejected(tok.ID, errors.Join(payment.ErrStorage, err))
}

func rejected(tokenID string, err error) Outcome {
	r := payment.ReasonOf(err)
	return Outcome{
		TokenID:   tokenID,
		Status:    StatusRejected,
		Reason:    r,
		Retryable: r.Retryable(),
	}
}
