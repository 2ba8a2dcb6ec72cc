// Copyright (C) 2025 Rackbook (engineering@rackbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package saveagent implements the client side of rack auto-save: a
// debounced per-field save queue with retry, offline parking and
// reconnection recovery against the racksync service.
package saveagent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rackbook/racksync/services/racksync/datatypes"
)

var (
	// ErrOffline means the service could not be reached at all. The queue
	// parks pending saves and waits for reconnection.
	ErrOffline = errors.New("racksync unreachable")

	// ErrTransient marks a server-side failure worth retrying with
	// backoff (5xx, lock timeouts).
	ErrTransient = errors.New("transient save failure")

	// ErrRejected marks a deterministic rejection (validation, unknown
	// record). Retrying cannot help.
	ErrRejected = errors.New("save rejected")
)

const defaultRequestTimeout = 30 * time.Second

// Transport is the wire interface to the racksync service. The HTTP
// implementation is the real one; tests substitute fakes.
type Transport interface {
	SaveField(ctx context.Context, recordID string, req datatypes.AutoSaveRequest) (*datatypes.AutoSaveResponse, error)
	SaveFields(ctx context.Context, recordID string, req datatypes.BatchSaveRequest) (*datatypes.AutoSaveResponse, error)
	Status(ctx context.Context, recordID string) (*datatypes.StatusResponse, error)
	Conflicts(ctx context.Context, recordID, sessionID string) (*datatypes.ConflictsResponse, error)
	Resolve(ctx context.Context, recordID string, req datatypes.ResolveRequest) (*datatypes.ResolveResponse, error)
	AutoResolve(ctx context.Context, recordID string, req datatypes.AutoResolveRequest) (*datatypes.AutoResolveResponse, error)
	Recover(ctx context.Context, recordID string, req datatypes.RecoveryRequest) (*datatypes.RecoveryResponse, error)
}

// HTTPTransport talks to a racksync service over HTTP.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

// NewHTTPTransport creates a transport for the given base URL, e.g.
// "http://localhost:8090".
func NewHTTPTransport(baseURL string) *HTTPTransport {
	return &HTTPTransport{
		baseURL: baseURL,
		client:  &http.Client{Timeout: defaultRequestTimeout},
	}
}

// do sends one JSON request and decodes the response into out.
//
// Classification: connection errors become ErrOffline, 5xx and 503 become
// ErrTransient, 4xx (other than 409) become ErrRejected. A 409 is not an
// error: the conflict body decodes into out like a success.
func (t *HTTPTransport) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrOffline, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrTransient, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusConflict:
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrTransient, resp.StatusCode, string(data))
	default:
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, string(data))
	}
}

func recordPath(recordID, suffix string) string {
	return "/v1/records/" + recordID + suffix
}

func (t *HTTPTransport) SaveField(ctx context.Context, recordID string, req datatypes.AutoSaveRequest) (*datatypes.AutoSaveResponse, error) {
	var resp datatypes.AutoSaveResponse
	if err := t.do(ctx, http.MethodPost, recordPath(recordID, "/auto-save"), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *HTTPTransport) SaveFields(ctx context.Context, recordID string, req datatypes.BatchSaveRequest) (*datatypes.AutoSaveResponse, error) {
	var resp datatypes.AutoSaveResponse
	if err := t.do(ctx, http.MethodPost, recordPath(recordID, "/auto-save/batch"), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *HTTPTransport) Status(ctx context.Context, recordID string) (*datatypes.StatusResponse, error) {
	var resp datatypes.StatusResponse
	if err := t.do(ctx, http.MethodGet, recordPath(recordID, "/status"), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *HTTPTransport) Conflicts(ctx context.Context, recordID, sessionID string) (*datatypes.ConflictsResponse, error) {
	path := recordPath(recordID, "/conflicts")
	if sessionID != "" {
		path += "?session_id=" + url.QueryEscape(sessionID)
	}
	var resp datatypes.ConflictsResponse
	if err := t.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *HTTPTransport) Resolve(ctx context.Context, recordID string, req datatypes.ResolveRequest) (*datatypes.ResolveResponse, error) {
	var resp datatypes.ResolveResponse
	if err := t.do(ctx, http.MethodPost, recordPath(recordID, "/resolve-conflicts"), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *HTTPTransport) AutoResolve(ctx context.Context, recordID string, req datatypes.AutoResolveRequest) (*datatypes.AutoResolveResponse, error) {
	var resp datatypes.AutoResolveResponse
	if err := t.do(ctx, http.MethodPost, recordPath(recordID, "/auto-resolve-conflicts"), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *HTTPTransport) Recover(ctx context.Context, recordID string, req datatypes.RecoveryRequest) (*datatypes.RecoveryResponse, error) {
	var resp datatypes.RecoveryResponse
	if err := t.do(ctx, http.MethodPost, recordPath(recordID, "/connection-recovery"), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
