// ABOUTME: HTTP client for the gateway's key directory, presence, thread and history routes
// ABOUTME: Authenticates every request with the same bearer token as the socket

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/2389/hush-gateway/internal/protocol"
)

// ErrKeyNotFound is returned when an identity has not published a key.
var ErrKeyNotFound = errors.New("public key not found")

// APIError is a non-2xx response from the gateway.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.Status, e.Message)
}

// API talks to the gateway HTTP routes.
type API struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewAPI creates an API client for baseURL.
func NewAPI(baseURL, token string) *API {
	return &API{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: http.DefaultClient,
	}
}

type keysResponse struct {
	Keys map[string]string `json:"keys"`
}

type publishKeyRequest struct {
	PublicKey string `json:"publicKey"`
}

type historyResponse struct {
	Messages []protocol.MessageData `json:"messages"`
}

type createThreadRequest struct {
	ID           string   `json:"id,omitempty"`
	Kind         string   `json:"kind,omitempty"`
	Participants []string `json:"participants"`
}

type presenceResponse struct {
	Presence []protocol.PresenceUpdateData `json:"presence"`
}

// PublicKeys fetches published keys. Identities without a key are absent.
func (a *API) PublicKeys(ctx context.Context, identities ...string) (map[string]string, error) {
	q := url.Values{"profileIds": {strings.Join(identities, ",")}}
	var resp keysResponse
	if err := a.do(ctx, http.MethodGet, "/api/keys?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Keys == nil {
		resp.Keys = map[string]string{}
	}
	return resp.Keys, nil
}

// PublicKey fetches one identity's key.
func (a *API) PublicKey(ctx context.Context, identity string) (string, error) {
	keys, err := a.PublicKeys(ctx, identity)
	if err != nil {
		return "", err
	}
	key, ok := keys[identity]
	if !ok || key == "" {
		return "", fmt.Errorf("%s: %w", identity, ErrKeyNotFound)
	}
	return key, nil
}

// PublishKey publishes the caller's public key.
func (a *API) PublishKey(ctx context.Context, publicKey string) error {
	return a.do(ctx, http.MethodPut, "/api/keys", publishKeyRequest{PublicKey: publicKey}, nil)
}

// History returns up to limit recent messages of a thread, oldest first.
func (a *API) History(ctx context.Context, threadID string, limit int) ([]protocol.MessageData, error) {
	path := "/api/threads/" + url.PathEscape(threadID) + "/messages"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp historyResponse
	if err := a.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// CreateThread creates a thread with the caller and participants. An empty
// id lets the gateway pick one.
func (a *API) CreateThread(ctx context.Context, id, kind string, participants ...string) (protocol.ThreadData, error) {
	var resp protocol.ThreadData
	body := createThreadRequest{ID: id, Kind: kind, Participants: participants}
	if err := a.do(ctx, http.MethodPost, "/api/threads", body, &resp); err != nil {
		return protocol.ThreadData{}, err
	}
	return resp, nil
}

// Presence queries presence for identities.
func (a *API) Presence(ctx context.Context, identities ...string) ([]protocol.PresenceUpdateData, error) {
	var resp presenceResponse
	body := protocol.PresenceQueryData{ProfileIDs: identities}
	if err := a.do(ctx, http.MethodPost, "/api/presence", body, &resp); err != nil {
		return nil, err
	}
	return resp.Presence, nil
}

func (a *API) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.Token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpClient := a.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%s %s: %w", method, path, ErrUnauthorized)
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
