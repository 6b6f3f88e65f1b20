// Package syncclient calls the sync service's /sync-load and /sync-save
// endpoints on behalf of the reader.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Audience is the service token audience the sync service accepts.
const Audience = "sync"

// TokenSigner issues internal service tokens.
type TokenSigner interface {
	Sign(audience string) (string, error)
}

// Client talks to one sync service.
type Client struct {
	baseURL    string
	signer     TokenSigner
	httpClient *http.Client
}

// New builds a client. signer may be nil when the sync service runs without
// internal auth.
func New(baseURL string, signer TokenSigner, timeout time.Duration) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("sync service url is required")
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		signer:     signer,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type loadRequest struct {
	ExternalID int64 `json:"externalId"`
}

type saveRequest struct {
	ExternalID int64             `json:"externalId"`
	Data       map[string]string `json:"data"`
}

type response struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Data    map[string]string `json:"data,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// Load fetches every stored key for externalID.
func (c *Client) Load(ctx context.Context, externalID int64) (map[string]string, error) {
	resp, err := c.post(ctx, "/sync-load", loadRequest{ExternalID: externalID})
	if err != nil {
		return nil, err
	}
	if resp.Data == nil {
		resp.Data = map[string]string{}
	}
	return resp.Data, nil
}

// Save stores data for externalID and returns the service's message.
func (c *Client) Save(ctx context.Context, externalID int64, data map[string]string) (string, error) {
	resp, err := c.post(ctx, "/sync-save", saveRequest{ExternalID: externalID, Data: data})
	if err != nil {
		return "", err
	}
	return resp.Message, nil
}

func (c *Client) post(ctx context.Context, path string, body any) (response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return response{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return response{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.signer != nil {
		token, err := c.signer.Sign(Audience)
		if err != nil {
			return response{}, fmt.Errorf("sign service token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return response{}, err
	}
	defer res.Body.Close()

	var out response
	decodeErr := json.NewDecoder(res.Body).Decode(&out)
	if res.StatusCode >= 400 {
		msg := out.Error
		if msg == "" {
			msg = out.Message
		}
		if msg == "" {
			msg = res.Status
		}
		return response{}, fmt.Errorf("sync service %s: %s", path, msg)
	}
	if decodeErr != nil {
		return response{}, fmt.Errorf("decode %s response: %w", path, decodeErr)
	}
	if !out.Success {
		return response{}, fmt.Errorf("sync service %s: %s", path, out.Message)
	}
	return out, nil
}
