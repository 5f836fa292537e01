// Package api is a thin client for the chat backend's REST surface. Every
// response arrives wrapped in an envelope {code, message, data}.
package api

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
	"strings"
	"sync"

	"github.com/petervdpas/roomchat/internal/proto"
	"github.com/petervdpas/roomchat/internal/util"
)

var (
	ErrNoBaseURL    = errors.New("api: no base url configured")
	ErrUnauthorized = errors.New("api: unauthorized")
)

// StatusError is returned for any non-2xx response other than 401/403.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Status)
}

// Envelope wraps every backend response.
type Envelope[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

// Page is one page of a paginated listing.
type Page[T any] struct {
	CurrentPage   int   `json:"currentPage"`
	PageSize      int   `json:"pageSize"`
	TotalPages    int   `json:"totalPages"`
	TotalElements int64 `json:"totalElements"`
	Data          []T   `json:"data"`
}

type Client struct {
	BaseURL string
	HTTP    *http.Client

	mu    sync.RWMutex
	token string
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: util.NormalizeURL(baseURL),
		HTTP: &http.Client{
			Timeout: util.DefaultFetchTimeout,
		},
		token: token,
	}
}

// SetToken replaces the bearer credential used for later requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// doJSON sends in (if non-nil) as JSON and decodes the envelope's data into
// out (if non-nil).
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	return c.do(ctx, method, path, body, "application/json", out)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	if c.BaseURL == "" {
		return ErrNoBaseURL
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	if tok := c.bearer(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%s %s: %w", method, path, ErrUnauthorized)
	}
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Method: method, Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}

	env := Envelope[json.RawMessage]{}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%s %s: decode data: %w", method, path, err)
	}
	return nil
}

// Conversations fetches one page of the caller's conversations.
func (c *Client) Conversations(ctx context.Context, page, size int) (*Page[proto.Conversation], error) {
	q := url.Values{}
	q.Set("page", fmt.Sprint(page))
	q.Set("size", fmt.Sprint(size))

	var out Page[proto.Conversation]
	if err := c.doJSON(ctx, http.MethodGet, "/chat/api/v1/conversations?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Messages fetches one page of a conversation's history, newest page first.
func (c *Client) Messages(ctx context.Context, conversationID string, page, size int) (*Page[proto.Message], error) {
	q := url.Values{}
	q.Set("page", fmt.Sprint(page))
	q.Set("size", fmt.Sprint(size))

	var out Page[proto.Message]
	p := "/chat/api/v1/messages/" + url.PathEscape(conversationID) + "?" + q.Encode()
	if err := c.doJSON(ctx, http.MethodGet, p, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateConversationRequest asks the backend to create (or find) a
// conversation with the given participants.
type CreateConversationRequest struct {
	Type           proto.ConversationType `json:"conversationType" validate:"required,oneof=PRIVATE GROUP"`
	Name           string                 `json:"conversationName,omitempty"`
	Avatar         string                 `json:"conversationAvatar,omitempty"`
	ParticipantIDs []string               `json:"participantIds" validate:"min=1,dive,required"`
}

// ConversationCreated is the backend's answer to CreateConversation.
type ConversationCreated struct {
	ID              string                  `json:"id"`
	Type            proto.ConversationType  `json:"conversationType"`
	ParticipantHash string                  `json:"participantHash"`
	Name            string                  `json:"conversationName,omitempty"`
	Avatar          string                  `json:"conversationAvatar,omitempty"`
	Participants    []proto.ParticipantInfo `json:"participantInfo"`
	CreatedAt       proto.Timestamp         `json:"createdAt"`
}

func (c *Client) CreateConversation(ctx context.Context, req CreateConversationRequest) (*ConversationCreated, error) {
	if err := proto.Validator().Struct(req); err != nil {
		return nil, fmt.Errorf("api: create conversation: %w", err)
	}
	var out ConversationCreated
	if err := c.doJSON(ctx, http.MethodPost, "/chat/api/v1/conversations", req, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, fmt.Errorf("api: create conversation: empty id in response")
	}
	return &out, nil
}

func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("api: delete conversation: empty id")
	}
	return c.doJSON(ctx, http.MethodDelete, "/chat/api/v1/conversations/"+url.PathEscape(id), nil, nil)
}

// SearchUsers looks up users by keyword. A blank keyword returns nothing
// without a request.
func (c *Client) SearchUsers(ctx context.Context, keyword string, page, pageSize int) ([]proto.ParticipantInfo, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, nil
	}
	q := url.Values{}
	q.Set("page", fmt.Sprint(page))
	q.Set("pageSize", fmt.Sprint(pageSize))
	q.Set("keyword", keyword)

	var out Page[proto.ParticipantInfo]
	if err := c.doJSON(ctx, http.MethodGet, "/profile/api/v1/search?"+q.Encode(), nil, &out); err != nil {
		log.Printf("API: search %q: %v", keyword, err)
		return nil, err
	}
	return out.Data, nil
}
