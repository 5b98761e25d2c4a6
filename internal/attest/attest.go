// Package attest anchors message content hashes in an external ledger.
package attest

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
)

// ErrDisabled is returned by Nop.Attest.
var ErrDisabled = errors.New("attestation disabled")

// Attestation is the ledger's record of an anchored hash.
type Attestation struct {
	Hash       string    `json:"hash"`
	TxRef      string    `json:"tx_ref"`
	Chain      string    `json:"chain,omitempty"`
	AttestedAt time.Time `json:"attested_at"`
}

// Ledger is an attestation backend.
type Ledger interface {
	// Attest anchors hash and returns the transaction reference.
	Attest(ctx context.Context, hash string) (string, error)
	// Verify returns the attestation for hash, or nil if there is none.
	Verify(ctx context.Context, hash string) (*Attestation, error)
}

// Nop is a Ledger that never attests.
type Nop struct{}

func (Nop) Attest(context.Context, string) (string, error) { return "", ErrDisabled }

func (Nop) Verify(context.Context, string) (*Attestation, error) { return nil, nil }

// Client talks to an attestation service over JSON HTTP:
//
//	POST {base}/attest               {"hash": "..."} -> {"tx_ref": "..."}
//	GET  {base}/attestations/{hash}  -> Attestation, 404 when absent
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a Client for the service at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// Attest implements Ledger.
func (c *Client) Attest(ctx context.Context, hash string) (string, error) {
	body, err := json.Marshal(map[string]string{"hash": hash})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/attest", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("attest: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		TxRef string `json:"tx_ref"`
	}
	if err := c.do(req, &out); err != nil {
		return "", fmt.Errorf("attest %s: %w", hash, err)
	}
	if out.TxRef == "" {
		return "", fmt.Errorf("attest %s: empty tx_ref in response", hash)
	}
	return out.TxRef, nil
}

// Verify implements Ledger.
func (c *Client) Verify(ctx context.Context, hash string) (*Attestation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/attestations/"+url.PathEscape(hash), nil)
	if err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}
	var a Attestation
	err = c.do(req, &a)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("verify %s: %w", hash, err)
	}
	return &a, nil
}

// StatusError is a non-2xx response from the service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("attestation service: status %d", e.Code)
	}
	return fmt.Sprintf("attestation service: status %d: %s", e.Code, e.Body)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
