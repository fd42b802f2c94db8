// Package syncclient submits a device's pending tokens to the reconcile API
// and folds the results back into its local ledger.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	offv1 "offpay/shared/contracts/offline/v1"
)

// APIError is a non-2xx response from the reconcile API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("reconcile api: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("reconcile api: %d %s: %s", e.Status, e.Code, e.Message)
}

// HTTPClient talks to the reconcile API.
type HTTPClient struct {
	Base   string
	Bearer string
	HTTP   *http.Client
}

// NewHTTP returns a client for base with a bounded request timeout.
func NewHTTP(base, bearer string) *HTTPClient {
	return &HTTPClient{
		Base:   strings.TrimRight(base, "/"),
		Bearer: strings.TrimSpace(bearer),
		HTTP:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Reconcile submits one batch.
func (c *HTTPClient) Reconcile(ctx context.Context, req offv1.ReconcileRequest) (offv1.ReconcileResponse, error) {
	var out offv1.ReconcileResponse
	err := c.do(ctx, http.MethodPost, "/v1/reconcile", req, &out)
	return out, err
}

// RegisterPrincipal registers id with its public key and opening balance.
func (c *HTTPClient) RegisterPrincipal(ctx context.Context, req offv1.RegisterPrincipalRequest) (offv1.PrincipalResponse, error) {
	var out offv1.PrincipalResponse
	err := c.do(ctx, http.MethodPost, "/v1/principals", req, &out)
	return out, err
}

// GetPrincipal fetches the authoritative balances of id.
func (c *HTTPClient) GetPrincipal(ctx context.Context, id string) (offv1.PrincipalResponse, error) {
	var out offv1.PrincipalResponse
	err := c.do(ctx, http.MethodGet, "/v1/principals/"+url.PathEscape(id), nil, &out)
	return out, err
}

// LoadOffline moves amount into id's offline balance on the server.
func (c *HTTPClient) LoadOffline(ctx context.Context, id string, amount int64) (offv1.PrincipalResponse, error) {
	var out offv1.PrincipalResponse
	err := c.do(ctx, http.MethodPost, "/v1/principals/"+url.PathEscape(id)+"/load", offv1.LoadOfflineRequest{Amount: amount}, &out)
	return out, err
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.Base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.Bearer)
	}

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var env struct {
			Error offv1.ErrorPayload `json:"error"`
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&env); err == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
