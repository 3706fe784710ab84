// Package api is a thin client for the backend REST endpoints the
// realtime core depends on: login, token refresh, room lookup and
// notification read receipts.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	logging "github.com/ipfs/go-log/v2"

	"github.com/trezcool/masomo-live/internal/proto"
)

var log = logging.Logger("api")

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrNoToken      = errors.New("no auth token")
)

const defaultTimeout = 10 * time.Second

type RoomType string

const (
	RoomCourse RoomType = "COURSE"
	RoomDM     RoomType = "DM"
)

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

type Participant struct {
	ID   proto.ID `json:"id" validate:"required"`
	Name string   `json:"name"`
}

type Room struct {
	ID           proto.ID      `json:"id" validate:"required"`
	Type         RoomType      `json:"type" validate:"required,oneof=COURSE DM"`
	Name         string        `json:"name"`
	Participants []Participant `json:"participants" validate:"dive"`
}

type Client struct {
	BaseURL string
	HTTP    *http.Client

	validate *validator.Validate

	mu    sync.RWMutex
	token string
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:  strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP:     &http.Client{Timeout: defaultTimeout},
		validate: validator.New(),
	}
}

// Token returns the current auth token, empty before Login or SetToken.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = strings.TrimSpace(token)
	c.mu.Unlock()
}

// Login exchanges credentials for a token and keeps it for later calls.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	req := LoginRequest{Username: strings.ToLower(strings.TrimSpace(username)), Password: password}
	if err := c.validate.Struct(req); err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	var resp LoginResponse
	if err := c.do(ctx, http.MethodPost, "/v1/users/login", false, req, &resp); err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	if resp.Token == "" {
		return "", fmt.Errorf("login: %w", ErrNoToken)
	}
	c.SetToken(resp.Token)
	log.Infof("[api] logged in as %s", req.Username)
	return resp.Token, nil
}

// RefreshToken swaps the current token for a fresh one.
func (c *Client) RefreshToken(ctx context.Context) (string, error) {
	var resp LoginResponse
	if err := c.do(ctx, http.MethodPost, "/v1/users/token-refresh", true, nil, &resp); err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	if resp.Token == "" {
		return "", fmt.Errorf("refresh token: %w", ErrNoToken)
	}
	c.SetToken(resp.Token)
	return resp.Token, nil
}

func (c *Client) Room(ctx context.Context, id string) (Room, error) {
	var room Room
	if err := c.do(ctx, http.MethodGet, "/v1/rooms/"+id, true, nil, &room); err != nil {
		return Room{}, fmt.Errorf("room %s: %w", id, err)
	}
	if err := c.validate.Struct(room); err != nil {
		return Room{}, fmt.Errorf("room %s: %w", id, err)
	}
	return room, nil
}

func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodPost, "/v1/notifications/"+id+"/read", true, nil, nil); err != nil {
		return fmt.Errorf("mark notification %s read: %w", id, err)
	}
	return nil
}

// do sends a JSON request and decodes a JSON response into out when out is
// non-nil. The body is always drained.
func (c *Client) do(ctx context.Context, method, path string, authed bool, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("content-type", "application/json")
	}
	req.Header.Set("accept", "application/json")
	if authed {
		tok := c.Token()
		if tok == "" {
			return ErrNoToken
		}
		req.Header.Set("authorization", "Bearer "+tok)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode/100 != 2:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if s := strings.TrimSpace(string(msg)); s != "" {
			return fmt.Errorf("%s %s: status %s: %s", method, path, resp.Status, s)
		}
		return fmt.Errorf("%s %s: status %s", method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
