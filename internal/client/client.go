// Package client speaks the plansync HTTP and WebSocket API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"plansync/internal/app"
	"plansync/internal/broadcast"
	"plansync/internal/history"
	"plansync/internal/merge"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithActor sets the display name recorded as the author of saves.
func WithActor(actor string) Option {
	return func(c *Client) { c.actor = strings.TrimSpace(actor) }
}

func WithClientID(id string) Option {
	return func(c *Client) {
		if strings.TrimSpace(id) != "" {
			c.clientID = strings.TrimSpace(id)
		}
	}
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
	clientID   string
	actor      string
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		dialer:     websocket.DefaultDialer,
		clientID:   uuid.NewString(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ClientID identifies this client in broadcast events so it can skip the
// echo of its own saves.
func (c *Client) ClientID() string {
	return c.clientID
}

func (c *Client) Verticals(ctx context.Context) ([]app.VerticalInfo, error) {
	var response struct {
		Verticals []app.VerticalInfo `json:"verticals"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/verticals", nil, &response); err != nil {
		return nil, err
	}
	return response.Verticals, nil
}

func (c *Client) Load(ctx context.Context, vertical string) (app.LoadResponse, error) {
	var response app.LoadResponse
	err := c.do(ctx, http.MethodGet, verticalPath(vertical), nil, &response)
	return response, err
}

// Save sends fields with the loadedAt marker of the document they were
// edited against.
func (c *Client) Save(ctx context.Context, vertical string, fields merge.Document, loadedAt int64) (app.SaveResponse, error) {
	body := make(map[string]any, len(fields)+1)
	for key, value := range fields {
		body[key] = value
	}
	body["loadedAt"] = loadedAt

	var response app.SaveResponse
	err := c.do(ctx, http.MethodPost, verticalPath(vertical), body, &response)
	return response, err
}

func (c *Client) History(ctx context.Context, vertical string, limit int) ([]history.Snapshot, error) {
	path := verticalPath(vertical) + "/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var response struct {
		Items []history.Snapshot `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &response); err != nil {
		return nil, err
	}
	return response.Items, nil
}

func (c *Client) Restore(ctx context.Context, vertical, ref string) (app.RestoreResponse, error) {
	var response app.RestoreResponse
	err := c.do(ctx, http.MethodPost, verticalPath(vertical)+"/restore", map[string]string{"ref": ref}, &response)
	return response, err
}

// Subscribe streams the vertical's events until ctx is cancelled or the
// connection drops; the channel is closed then.
func (c *Client) Subscribe(ctx context.Context, vertical string) (<-chan broadcast.Event, error) {
	wsURL, err := c.websocketURL(verticalPath(vertical) + "/ws")
	if err != nil {
		return nil, err
	}
	conn, resp, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, decodeAPIError(resp)
		}
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	events := make(chan broadcast.Event, 16)
	finished := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-finished:
		}
	}()
	go func() {
		defer close(events)
		defer close(finished)
		defer conn.Close()
		for {
			var event broadcast.Event
			if err := conn.ReadJSON(&event); err != nil {
				if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Printf("client: subscription %s ended: %v", vertical, err)
				}
				return
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Client-ID", c.clientID)
	if c.actor != "" {
		req.Header.Set("X-Actor", c.actor)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) websocketURL(path string) (string, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}

func decodeAPIError(resp *http.Response) error {
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"error"`
		Details any    `json:"details"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err := json.Unmarshal(data, &payload); err != nil || payload.Code == "" {
		return &APIError{Status: resp.StatusCode, Code: "HTTP_ERROR", Message: strings.TrimSpace(string(data))}
	}
	return &APIError{Status: resp.StatusCode, Code: payload.Code, Message: payload.Message, Details: payload.Details}
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

func verticalPath(vertical string) string {
	return "/api/verticals/" + url.PathEscape(vertical)
}
