// Package main provides a CI-friendly smoke test for the offpay reconcile API.
//
// It validates:
//   - principal registration + offline load
//   - reconcile of a signed token -> completed
//   - resubmission -> duplicate, balances unchanged
//   - stale counter -> duplicate/replay_detected
//   - forged signature -> rejected/invalid_signature
package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"

	"offpay/cmd/payment"
	"offpay/cmd/payment/ids"
	offv1 "offpay/shared/contracts/offline/v1"
)

type smokeClient struct {
	base    string
	http    *http.Client
	signer  *paseto.V4AsymmetricSecretKey
	issuer  string
	admin   string
	verbose bool
}

type party struct {
	id   string
	priv ed25519.PrivateKey
}

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:8080", "reconcile server base URL")
		keyHex  = flag.String("secret-key-hex", os.Getenv("OFFPAY_PASETO_V4_SECRET_KEY_HEX"), "PASETO v4 secret key (when the server requires auth)")
		issuer  = flag.String("issuer", "offpay", "access token issuer")
		admin   = flag.String("admin-subject", "offpay-admin", "subject allowed to register funded principals")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-request timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateBaseURL(*baseURL); err != nil {
		fatalf("invalid -url: %v", err)
	}

	c := &smokeClient{
		base:    strings.TrimRight(*baseURL, "/"),
		http:    &http.Client{Timeout: *timeout},
		issuer:  *issuer,
		admin:   *admin,
		verbose: *verbose,
	}
	if strings.TrimSpace(*keyHex) != "" {
		k, err := paseto.NewV4AsymmetricSecretKeyFromHex(strings.TrimSpace(*keyHex))
		if err != nil {
			fatalf("invalid -secret-key-hex: %v", err)
		}
		c.signer = &k
	}

	ctx := context.Background()
	run := fmt.Sprintf("%d", time.Now().UnixNano())
	payer := mustRegister(ctx, c, "smoke-payer-"+run, 1000)
	payee := mustRegister(ctx, c, "smoke-payee-"+run, 0)

	mustLoad(ctx, c, payer.id, 300)

	tok := mustSign(payer, payee.id, 40, 2)
	mustResult(ctx, c, payer.id, tok, offv1.StatusCompleted, "")
	mustResult(ctx, c, payer.id, tok, offv1.StatusDuplicate, "")

	stale := mustSign(payer, payee.id, 10, 1)
	mustResult(ctx, c, payer.id, stale, offv1.StatusDuplicate, string(payment.ReasonReplayDetected))

	forged := mustSign(payer, payee.id, 10, 3)
	forged.Amount = 11
	mustResult(ctx, c, payer.id, forged, offv1.StatusRejected, string(payment.ReasonInvalidSignature))

	p := mustGet(ctx, c, payer.id)
	q := mustGet(ctx, c, payee.id)
	if p.OfflineBalance != 260 || p.LastCounter != 2 || q.MainBalance != 40 {
		fatalf("balances: payer offline=%d counter=%d payee main=%d; want 260/2/40", p.OfflineBalance, p.LastCounter, q.MainBalance)
	}

	fmt.Printf("OK: payer=%s payee=%s token=%s\n", payer.id, payee.id, tok.ID)
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func mustRegister(ctx context.Context, c *smokeClient, id string, main int64) party {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		fatalf("keygen: %v", err)
	}
	req := offv1.RegisterPrincipalRequest{ID: id, PublicKey: payment.EncodePublicKey(pub), MainBalance: main}
	subject := id
	if main != 0 {
		subject = c.admin
	}
	if err := c.do(ctx, subject, http.MethodPost, "/v1/principals", req, nil); err != nil {
		fatalf("register %s: %v", id, err)
	}
	return party{id: id, priv: priv}
}

func mustLoad(ctx context.Context, c *smokeClient, id string, amount int64) {
	var out offv1.PrincipalResponse
	if err := c.do(ctx, id, http.MethodPost, "/v1/principals/"+url.PathEscape(id)+"/load", offv1.LoadOfflineRequest{Amount: amount}, &out); err != nil {
		fatalf("load %s: %v", id, err)
	}
	if out.OfflineBalance != amount {
		fatalf("load %s: offline=%d want %d", id, out.OfflineBalance, amount)
	}
}

func mustGet(ctx context.Context, c *smokeClient, id string) offv1.PrincipalResponse {
	var out offv1.PrincipalResponse
	if err := c.do(ctx, id, http.MethodGet, "/v1/principals/"+url.PathEscape(id), nil, &out); err != nil {
		fatalf("get %s: %v", id, err)
	}
	return out
}

func mustSign(p party, payeeID string, amount int64, counter uint64) payment.Token {
	now := time.Now()
	id, err := ids.NewTokenID(now)
	if err != nil {
		fatalf("token id: %v", err)
	}
	nonce, err := ids.NewNonce()
	if err != nil {
		fatalf("nonce: %v", err)
	}
	tok, err := payment.Token{
		ID:              id,
		PayerID:         p.id,
		PayeeID:         payeeID,
		Amount:          amount,
		Counter:         counter,
		SessionNonce:    nonce,
		CreatedAtMillis: now.UnixMilli(),
	}.Sign(p.priv)
	if err != nil {
		fatalf("sign: %v", err)
	}
	return tok
}

func mustResult(ctx context.Context, c *smokeClient, caller string, tok payment.Token, status, reason string) {
	var out offv1.ReconcileResponse
	req := offv1.ReconcileRequest{Transactions: []offv1.PaymentTokenPayload{tok.Payload()}}
	if err := c.do(ctx, caller, http.MethodPost, "/v1/reconcile", req, &out); err != nil {
		fatalf("reconcile %s: %v", tok.ID, err)
	}
	if len(out.Results) != 1 {
		fatalf("reconcile %s: %d results", tok.ID, len(out.Results))
	}
	r := out.Results[0]
	if r.TokenID != tok.ID || r.Status != status || (reason != "" && r.Reason != reason) {
		fatalf("reconcile %s: got %s/%s want %s/%s", tok.ID, r.Status, r.Reason, status, reason)
	}
	if c.verbose {
		fmt.Printf("reconcile %s counter=%d -> %s %s\n", tok.ID, tok.Counter, r.Status, r.Reason)
	}
}

func (c *smokeClient) do(ctx context.Context, subject, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.http.Timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.signer != nil {
		req.Header.Set("Authorization", "Bearer "+c.accessToken(subject))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (c *smokeClient) accessToken(subject string) string {
	now := time.Now()
	t := paseto.NewToken()
	t.SetIssuer(c.issuer)
	t.SetSubject(subject)
	t.SetIssuedAt(now)
	t.SetNotBefore(now)
	t.SetExpiration(now.Add(time.Minute))
	return t.V4Sign(*c.signer, nil)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
