package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"trustlog/pkg/domain"
	"trustlog/pkg/errors"
)

// Wire DTOs. Exported so the dev server can speak the same protocol without
// re-declaring it.

type WireGetRequest struct {
	Common    string            `json:"common,omitempty"`
	Sequester string            `json:"sequester,omitempty"`
	Shamir    string            `json:"shamir,omitempty"`
	Realms    map[string]string `json:"realms,omitempty"`
}

type WireGetResponse struct {
	Common    [][]byte            `json:"common,omitempty"`
	Sequester [][]byte            `json:"sequester,omitempty"`
	Shamir    [][]byte            `json:"shamir,omitempty"`
	Realms    map[string][][]byte `json:"realms,omitempty"`
}

type WirePostRequest struct {
	Certificate []byte `json:"certificate"`
}

type WireBallpark struct {
	ServerTimestamp   string  `json:"server_timestamp"`
	ClientTimestamp   string  `json:"client_timestamp"`
	ClientEarlyOffset float64 `json:"ballpark_client_early_offset"`
	ClientLateOffset  float64 `json:"ballpark_client_late_offset"`
}

type WirePostResponse struct {
	Outcome              string        `json:"outcome"`
	CertificateTimestamp string        `json:"certificate_timestamp,omitempty"`
	StrictlyGreaterThan  string        `json:"strictly_greater_than,omitempty"`
	Ballpark             *WireBallpark `json:"ballpark,omitempty"`
	Reason               string        `json:"reason,omitempty"`
}

type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func wireTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339Nano)
}

func parseWireTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}

// EncodeGetRequest converts a typed poll request to its wire form.
func EncodeGetRequest(req GetRequest) WireGetRequest {
	wire := WireGetRequest{
		Common:    wireTime(req.Common),
		Sequester: wireTime(req.Sequester),
		Shamir:    wireTime(req.Shamir),
	}
	if len(req.Realms) > 0 {
		wire.Realms = make(map[string]string, len(req.Realms))
		for realm, ts := range req.Realms {
			wire.Realms[realm.String()] = wireTime(ts)
		}
	}
	return wire
}

// DecodeGetRequest converts the wire form back; used by the dev server.
func DecodeGetRequest(wire WireGetRequest) (GetRequest, error) {
	req := GetRequest{Realms: make(map[domain.RealmID]time.Time, len(wire.Realms))}
	var err error
	if req.Common, err = parseWireTime(wire.Common); err != nil {
		return GetRequest{}, fmt.Errorf("common watermark: %w", err)
	}
	if req.Sequester, err = parseWireTime(wire.Sequester); err != nil {
		return GetRequest{}, fmt.Errorf("sequester watermark: %w", err)
	}
	if req.Shamir, err = parseWireTime(wire.Shamir); err != nil {
		return GetRequest{}, fmt.Errorf("shamir watermark: %w", err)
	}
	for rawRealm, rawTS := range wire.Realms {
		realm, err := domain.ParseRealmID(rawRealm)
		if err != nil {
			return GetRequest{}, fmt.Errorf("realm watermark key: %w", err)
		}
		ts, err := parseWireTime(rawTS)
		if err != nil {
			return GetRequest{}, fmt.Errorf("realm watermark: %w", err)
		}
		req.Realms[realm] = ts
	}
	return req, nil
}

// EncodeGetResponse converts a typed poll reply to its wire form.
func EncodeGetResponse(resp *GetResponse) WireGetResponse {
	wire := WireGetResponse{
		Common:    resp.Common,
		Sequester: resp.Sequester,
		Shamir:    resp.Shamir,
	}
	if len(resp.Realms) > 0 {
		wire.Realms = make(map[string][][]byte, len(resp.Realms))
		for realm, certs := range resp.Realms {
			wire.Realms[realm.String()] = certs
		}
	}
	return wire
}

// DecodeGetResponse converts the wire form back into the typed reply.
func DecodeGetResponse(wire WireGetResponse) (*GetResponse, error) {
	resp := &GetResponse{
		Common:    wire.Common,
		Sequester: wire.Sequester,
		Shamir:    wire.Shamir,
		Realms:    make(map[domain.RealmID][][]byte, len(wire.Realms)),
	}
	for rawRealm, certs := range wire.Realms {
		realm, err := domain.ParseRealmID(rawRealm)
		if err != nil {
			return nil, fmt.Errorf("realm reply key: %w", err)
		}
		resp.Realms[realm] = certs
	}
	return resp, nil
}

// EncodePostResponse converts a typed submission reply to its wire form.
func EncodePostResponse(resp *PostResponse) WirePostResponse {
	wire := WirePostResponse{
		Outcome:              string(resp.Outcome),
		CertificateTimestamp: wireTime(resp.CertificateTimestamp),
		StrictlyGreaterThan:  wireTime(resp.StrictlyGreaterThan),
		Reason:               resp.Reason,
	}
	if resp.Ballpark != nil {
		wire.Ballpark = &WireBallpark{
			ServerTimestamp:   wireTime(resp.Ballpark.ServerTimestamp),
			ClientTimestamp:   wireTime(resp.Ballpark.ClientTimestamp),
			ClientEarlyOffset: resp.Ballpark.ClientEarlyOffset,
			ClientLateOffset:  resp.Ballpark.ClientLateOffset,
		}
	}
	return wire
}

// DecodePostResponse converts the wire form back into the typed reply.
func DecodePostResponse(wire WirePostResponse) (*PostResponse, error) {
	resp := &PostResponse{
		Outcome: PostOutcome(wire.Outcome),
		Reason:  wire.Reason,
	}
	switch resp.Outcome {
	case PostOk, PostAlreadyGranted, PostRequireGreaterTimestamp, PostOutOfBallpark, PostRejected:
	default:
		return nil, fmt.Errorf("unknown submission outcome %q", wire.Outcome)
	}
	var err error
	if resp.CertificateTimestamp, err = parseWireTime(wire.CertificateTimestamp); err != nil {
		return nil, fmt.Errorf("certificate timestamp: %w", err)
	}
	if resp.StrictlyGreaterThan, err = parseWireTime(wire.StrictlyGreaterThan); err != nil {
		return nil, fmt.Errorf("greater-than bound: %w", err)
	}
	if wire.Ballpark != nil {
		server, err := parseWireTime(wire.Ballpark.ServerTimestamp)
		if err != nil {
			return nil, fmt.Errorf("ballpark server timestamp: %w", err)
		}
		client, err := parseWireTime(wire.Ballpark.ClientTimestamp)
		if err != nil {
			return nil, fmt.Errorf("ballpark client timestamp: %w", err)
		}
		resp.Ballpark = &Ballpark{
			ServerTimestamp:   server,
			ClientTimestamp:   client,
			ClientEarlyOffset: wire.Ballpark.ClientEarlyOffset,
			ClientLateOffset:  wire.Ballpark.ClientLateOffset,
		}
	}
	return resp, nil
}

// HTTPClient speaks the wire protocol over JSON/HTTP.
type HTTPClient struct {
	base   string
	client *http.Client
}

var _ Client = (*HTTPClient)(nil)

type HTTPOption func(*HTTPClient)

// WithHTTPClient overrides the underlying http.Client (timeouts, TLS).
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(c *HTTPClient) {
		if client != nil {
			c.client = client
		}
	}
}

func NewHTTPClient(base string, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		base:   base,
		client: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *HTTPClient) GetCertificates(ctx context.Context, req GetRequest) (*GetResponse, error) {
	var wire WireGetResponse
	if err := c.post(ctx, "/certificates/poll", EncodeGetRequest(req), &wire); err != nil {
		return nil, err
	}
	resp, err := DecodeGetResponse(wire)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "malformed poll reply")
	}
	return resp, nil
}

func (c *HTTPClient) PostCertificate(ctx context.Context, req PostRequest) (*PostResponse, error) {
	var wire WirePostResponse
	if err := c.post(ctx, "/certificates/submit", WirePostRequest{Certificate: req.Certificate}, &wire); err != nil {
		return nil, err
	}
	resp, err := DecodePostResponse(wire)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "malformed submission reply")
	}
	return resp, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "encode request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(encoded))
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		// No response reachable from the network layer.
		return errors.Wrap(err, errors.CodeOffline, "no server response")
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		var wireErr WireError
		if err := json.NewDecoder(httpResp.Body).Decode(&wireErr); err != nil {
			return errors.Newf(errors.CodeInternal, "server returned status %d", httpResp.StatusCode)
		}
		return convertWireError(wireErr)
	}
	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return errors.Wrap(err, errors.CodeInternal, "decode reply")
	}
	return nil
}

// convertWireError is the single conversion table for this boundary: each
// upstream code maps to exactly one local code, unknown codes stay internal.
func convertWireError(wireErr WireError) error {
	var code errors.Code
	switch wireErr.Code {
	case string(errors.CodeOrganizationExpired):
		code = errors.CodeOrganizationExpired
	case string(errors.CodeSelfRevoked):
		code = errors.CodeSelfRevoked
	case string(errors.CodeBadProtocol):
		code = errors.CodeBadProtocol
	default:
		code = errors.CodeInternal
	}
	return errors.New(code, wireErr.Message)
}
