package pof

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// CallerHeader carries the caller address when the server runs with
// authentication disabled.
const CallerHeader = "X-PoF-Caller"

// Client wraps the HTTP interactions with the PoF vault REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
	caller      string
}

// TokenRequest exchanges a signed login message for an access token.
type TokenRequest struct {
	GrantType string `json:"grant_type,omitempty"`
	Address   string `json:"address"`
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

// Token represents an issued access token.
type Token struct {
	AccessToken string   `json:"access_token"`
	ExpiresIn   int64    `json:"expires_in"`
	TokenType   string   `json:"token_type"`
	Scope       []string `json:"scope,omitempty"`
}

// Compliance is the optional attachment on a mint. Omitted fields are absent,
// which is distinct from an explicit zero value.
type Compliance struct {
	KYCProvider      *string `json:"kyc_provider,omitempty"`
	KYCReference     *string `json:"kyc_reference,omitempty"`
	SanctionsVersion *string `json:"sanctions_version,omitempty"`
	PackReference    *string `json:"pack_reference,omitempty"`
	LicenseHash      *string `json:"license_hash,omitempty"`
	UniquenessKey    *string `json:"uniqueness_key,omitempty"`
}

// EscrowMint is the payload for an escrow-backed mint. Amounts are decimal
// strings.
type EscrowMint struct {
	Asset      string      `json:"asset"`
	Amount     string      `json:"amount"`
	Expiry     uint64      `json:"expiry"`
	Compliance *Compliance `json:"compliance,omitempty"`
}

// AttestedMint is the payload for a signature-backed mint.
type AttestedMint struct {
	Account    string      `json:"account"`
	Asset      string      `json:"asset"`
	Amount     string      `json:"amount"`
	Expiry     uint64      `json:"expiry"`
	Signature  string      `json:"signature"`
	Compliance *Compliance `json:"compliance,omitempty"`
}

// Message is the attested funds statement an allow-listed signer signs.
type Message struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
	Expiry  uint64 `json:"expiry"`
	Nonce   uint64 `json:"nonce"`
}

// Record is a proof-of-funds record as returned by the API.
type Record struct {
	ID         uint64          `json:"id"`
	Mode       string          `json:"mode"`
	Holder     string          `json:"holder"`
	Asset      string          `json:"asset"`
	Amount     string          `json:"amount"`
	Escrow     string          `json:"escrow,omitempty"`
	IssuedAt   int64           `json:"issued_at"`
	Expiry     uint64          `json:"expiry"`
	Signer     *string         `json:"signer,omitempty"`
	Revoked    bool            `json:"revoked"`
	Compliance json.RawMessage `json:"compliance,omitempty"`
}

// Verification is the outcome of a verify call.
type Verification struct {
	ID     uint64 `json:"id"`
	Valid  bool   `json:"valid"`
	Reason string `json:"reason"`
}

// Domain describes the typed-data signing domain.
type Domain struct {
	Name              string `json:"name"`
	Version           string `json:"version"`
	ChainID           string `json:"chain_id"`
	VerifyingContract string `json:"verifying_contract"`
	Separator         string `json:"separator"`
	PrimaryType       string `json:"primary_type"`
}

// Digest is the hash a signer must sign, plus the typed-data document.
type Digest struct {
	Digest    string          `json:"digest"`
	TypedData json.RawMessage `json:"typed_data"`
}

// Metadata is the rendered display document for a record.
type Metadata struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Image       string `json:"image"`
	Attributes  []struct {
		TraitType string `json:"trait_type"`
		Value     string `json:"value"`
	} `json:"attributes"`
}

// ListFilter narrows a record listing.
type ListFilter struct {
	Holder         string
	Mode           string
	IncludeRevoked bool
	Limit          int
	Offset         int
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string            `json:"code"`
	Reason     string            `json:"reason"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		if e.Reason != "" {
			return fmt.Sprintf("pof api error (%d): %s/%s - %s", e.StatusCode, e.Code, e.Reason, e.Message)
		}
		return fmt.Sprintf("pof api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("pof api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the PoF vault API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Authenticate exchanges a signed login message for an access token and
// stores it for subsequent calls.
func (c *Client) Authenticate(ctx context.Context, req TokenRequest) (Token, error) {
	var token Token
	if err := c.send(ctx, http.MethodPost, "/api/v1/auth/token", nil, req, &token, false); err != nil {
		return Token{}, err
	}
	c.SetAccessToken(token.AccessToken)
	return token, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken overrides the stored access token.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// SetCaller sets the caller address sent to servers running without
// authentication. A stored access token takes precedence.
func (c *Client) SetCaller(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.caller = address
}

// Domain fetches the signing domain.
func (c *Client) Domain(ctx context.Context) (Domain, error) {
	var out Domain
	err := c.send(ctx, http.MethodGet, "/api/v1/domain", nil, nil, &out, false)
	return out, err
}

// Digest asks the server for the digest of msg under its domain.
func (c *Client) Digest(ctx context.Context, msg Message) (Digest, error) {
	var out Digest
	err := c.send(ctx, http.MethodPost, "/api/v1/digest", nil, msg, &out, false)
	return out, err
}

// Nonce returns the next attestation nonce of account.
func (c *Client) Nonce(ctx context.Context, account string) (uint64, error) {
	var out struct {
		Nonce uint64 `json:"nonce"`
	}
	err := c.send(ctx, http.MethodGet, "/api/v1/accounts/"+url.PathEscape(account)+"/nonce", nil, nil, &out, false)
	return out.Nonce, err
}

// UniquenessActive reports whether a uniqueness key is held by a live record.
func (c *Client) UniquenessActive(ctx context.Context, key string) (bool, error) {
	var out struct {
		Active bool `json:"active"`
	}
	err := c.send(ctx, http.MethodGet, "/api/v1/uniqueness/"+url.PathEscape(key), nil, nil, &out, false)
	return out.Active, err
}

// MintEscrow locks funds with the vault and returns the new record id.
func (c *Client) MintEscrow(ctx context.Context, req EscrowMint) (uint64, error) {
	var out struct {
		ID uint64 `json:"id"`
	}
	err := c.send(ctx, http.MethodPost, "/api/v1/records/escrow", nil, req, &out, true)
	return out.ID, err
}

// MintAttested records a signer attestation and returns the new record id.
func (c *Client) MintAttested(ctx context.Context, req AttestedMint) (uint64, error) {
	var out struct {
		ID uint64 `json:"id"`
	}
	err := c.send(ctx, http.MethodPost, "/api/v1/records/attested", nil, req, &out, true)
	return out.ID, err
}

// Burn destroys a record held by the caller.
func (c *Client) Burn(ctx context.Context, id uint64) error {
	return c.send(ctx, http.MethodDelete, recordPath(id), nil, nil, nil, true)
}

// Transfer moves a record to another holder.
func (c *Client) Transfer(ctx context.Context, id uint64, to string) error {
	body := map[string]string{"to": to}
	return c.send(ctx, http.MethodPost, recordPath(id)+"/transfer", nil, body, nil, true)
}

// SetRevoked flips the revoked flag of a record. Owner only.
func (c *Client) SetRevoked(ctx context.Context, id uint64, revoked bool) error {
	body := map[string]bool{"value": revoked}
	return c.send(ctx, http.MethodPut, recordPath(id)+"/revoked", nil, body, nil, true)
}

// Record fetches one record.
func (c *Client) Record(ctx context.Context, id uint64) (Record, error) {
	var out Record
	err := c.send(ctx, http.MethodGet, recordPath(id), nil, nil, &out, false)
	return out, err
}

// Records lists records matching filter.
func (c *Client) Records(ctx context.Context, filter ListFilter) ([]Record, error) {
	query := url.Values{}
	if filter.Holder != "" {
		query.Set("holder", filter.Holder)
	}
	if filter.Mode != "" {
		query.Set("mode", filter.Mode)
	}
	if filter.IncludeRevoked {
		query.Set("include_revoked", "true")
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		query.Set("offset", strconv.Itoa(filter.Offset))
	}
	var out []Record
	err := c.send(ctx, http.MethodGet, "/api/v1/records", query, nil, &out, false)
	return out, err
}

// Verify checks a record against an asset and a minimum amount. An empty
// asset accepts any asset.
func (c *Client) Verify(ctx context.Context, id uint64, asset, minAmount string) (Verification, error) {
	query := url.Values{}
	if asset != "" {
		query.Set("asset", asset)
	}
	if minAmount != "" {
		query.Set("min_amount", minAmount)
	}
	var out Verification
	err := c.send(ctx, http.MethodGet, recordPath(id)+"/verify", query, nil, &out, false)
	return out, err
}

// Metadata fetches the rendered display document of a record.
func (c *Client) Metadata(ctx context.Context, id uint64) (Metadata, error) {
	var out Metadata
	err := c.send(ctx, http.MethodGet, recordPath(id)+"/metadata", nil, nil, &out, false)
	return out, err
}

func recordPath(id uint64) string {
	return "/api/v1/records/" + strconv.FormatUint(id, 10)
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload, out any, withAuth bool) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := c.newRequest(ctx, method, endpoint, query, body, withAuth)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader, withAuth bool) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if withAuth {
		c.mu.RLock()
		token, caller := c.accessToken, c.caller
		c.mu.RUnlock()
		switch {
		case token != "":
			req.Header.Set("Authorization", "Bearer "+token)
		case caller != "":
			req.Header.Set(CallerHeader, caller)
		default:
			return nil, errors.New("pof: neither access token nor caller is set")
		}
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
