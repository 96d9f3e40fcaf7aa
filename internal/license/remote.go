package license

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"
)

// OnlineValidator performs the authoritative check behind an online
// validation attempt. Connectivity problems must surface as
// ConnectivityError (or a context deadline); anything else is fatal.
type OnlineValidator interface {
	ValidateOnline(ctx context.Context, token, fingerprint string) error
}

// LocalValidator validates against this process's own TokenService.
type LocalValidator struct {
	Tokens *TokenService
}

func (v LocalValidator) ValidateOnline(ctx context.Context, token, fingerprint string) error {
	return v.Tokens.Validate(ctx, token, fingerprint).Err
}

// RemoteValidator asks a central license service to validate a token.
type RemoteValidator struct {
	baseURL string
	client  *http.Client
}

// NewRemoteValidator targets baseURL, e.g. https://license.example.com.
func NewRemoteValidator(baseURL string, client *http.Client) *RemoteValidator {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &RemoteValidator{baseURL: baseURL, client: client}
}

type remoteValidateRequest struct {
	Token               string `json:"token"`
	HardwareFingerprint string `json:"hardware_fingerprint"`
}

// remoteResponse covers both the success body and a problem document.
type remoteResponse struct {
	Valid  bool   `json:"valid"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

func (v *RemoteValidator) ValidateOnline(ctx context.Context, token, fingerprint string) error {
	const op = "remote.validate"

	body, err := json.Marshal(remoteValidateRequest{Token: token, HardwareFingerprint: fingerprint})
	if err != nil {
		return newError(op, KindMalformedToken, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/api/license/validate", bytes.NewReader(body))
	if err != nil {
		return newError(op, KindConnectivityError, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return newError(op, KindConnectivityError, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return errorf(op, KindConnectivityError, "license server returned %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return newError(op, KindConnectivityError, err)
	}

	var out remoteResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return errorf(op, KindConnectivityError, "decode license server response: %w", err)
	}

	if resp.StatusCode == http.StatusOK && out.Valid {
		return nil
	}

	kind := ParseKind(out.Kind)
	if kind == KindUnknown {
		return errorf(op, KindConnectivityError, "license server returned %d without an error kind", resp.StatusCode)
	}
	detail := out.Detail
	if detail == "" {
		detail = kind.String()
	}
	return newError(op, kind, errors.New(detail))
}

// isConnectivity reports whether err is recoverable by the grace loop.
func isConnectivity(err error) bool {
	if err == nil {
		return false
	}
	if KindOf(err) == KindConnectivityError {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
