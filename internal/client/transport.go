// internal/client/transport.go
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/adrianco/the-goodies-sub002/pkg/inbetweenies"
)

// Transport speaks the protocol's HTTP binding against one server.
type Transport struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewTransport builds a transport for the given server base URL. An
// empty token sends no Authorization header; a nil http client gets a
// 30 second timeout default.
func NewTransport(baseURL, token string, httpClient *http.Client) *Transport {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Transport{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  httpClient,
	}
}

// Sync posts one request and decodes the answer. Non-2xx responses
// carrying a recognizable wire error come back as *WireError so the
// caller can branch on the kind; anything else is an opaque transport
// failure.
func (t *Transport) Sync(ctx context.Context, req *inbetweenies.SyncRequest) (*inbetweenies.SyncResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("client: encode sync request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/api/v1/sync/", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("client: build sync request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if t.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.token)
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("client: sync request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("client: read sync response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var werr inbetweenies.WireError
		if err := json.Unmarshal(raw, &werr); err == nil && werr.Kind != "" {
			return nil, &werr
		}
		return nil, fmt.Errorf("client: server returned %s", resp.Status)
	}
	var out inbetweenies.SyncResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("client: decode sync response: %w", err)
	}
	return &out, nil
}
