package raindrop

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// PerPage is the fixed page size for paginated item listings.
const PerPage = 50

var (
	ErrAuthMissing = errors.New("auth token missing")
	ErrAuthInvalid = errors.New("auth token rejected")
	ErrRateLimited = errors.New("rate limited")
)

type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrAuthInvalid:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// Client talks to the remote bookmark service. Rate-limiting responses are
// retried with bounded exponential backoff; every other error class fails
// fast to the caller.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
}

func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.raindrop.io/rest/v1"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 5,
		baseDelay:  time.Second,
	}
}

func (c *Client) User(ctx context.Context) (User, error) {
	var out userResponse
	err := c.doJSON(ctx, http.MethodGet, "/user", nil, &out)
	return out.User, err
}

func (c *Client) RootCollections(ctx context.Context) ([]Collection, error) {
	var out collectionsResponse
	err := c.doJSON(ctx, http.MethodGet, "/collections", nil, &out)
	return out.Items, err
}

func (c *Client) ChildCollections(ctx context.Context) ([]Collection, error) {
	var out collectionsResponse
	err := c.doJSON(ctx, http.MethodGet, "/collections/childrens", nil, &out)
	return out.Items, err
}

// Raindrops lists one page of items in a collection, newest update first.
// Page numbering starts at 0. The reserved ids CollectionAll and
// CollectionTrash select the active and trashed listings respectively.
func (c *Client) Raindrops(ctx context.Context, collectionID int64, page int) ([]Item, error) {
	var out itemsResponse
	path := fmt.Sprintf("/raindrops/%d?sort=-lastUpdate&perpage=%d&page=%d", collectionID, PerPage, page)
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out.Items, err
}

func (c *Client) CreateItem(ctx context.Context, item Item) (Item, error) {
	var out itemResponse
	err := c.doJSON(ctx, http.MethodPost, "/raindrop", item, &out)
	return out.Item, err
}

func (c *Client) CreateItems(ctx context.Context, items []Item) ([]Item, error) {
	if len(items) == 0 {
		return nil, nil
	}
	var out itemsResponse
	err := c.doJSON(ctx, http.MethodPost, "/raindrops", map[string]any{"items": items}, &out)
	return out.Items, err
}

func (c *Client) UpdateItem(ctx context.Context, id int64, update ItemUpdate) error {
	return c.doJSON(ctx, http.MethodPut, fmt.Sprintf("/raindrop/%d", id), update, nil)
}

func (c *Client) DeleteItem(ctx context.Context, id int64) error {
	return c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/raindrop/%d", id), nil, nil)
}

// CreateCollection creates a collection; parentID 0 creates a root collection.
func (c *Client) CreateCollection(ctx context.Context, title string, parentID int64) (Collection, error) {
	body := map[string]any{"title": title}
	if parentID != 0 {
		body["parent"] = map[string]any{"$id": parentID}
	}
	var out collectionResponse
	err := c.doJSON(ctx, http.MethodPost, "/collection", body, &out)
	return out.Item, err
}

func (c *Client) UpdateCollection(ctx context.Context, id int64, update CollectionUpdate) error {
	return c.doJSON(ctx, http.MethodPut, fmt.Sprintf("/collection/%d", id), update.body(), nil)
}

func (c *Client) DeleteCollection(ctx context.Context, id int64) error {
	return c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/collection/%d", id), nil, nil)
}

// UpdateGroups replaces the user's group list.
func (c *Client) UpdateGroups(ctx context.Context, groups []Group) error {
	return c.doJSON(ctx, http.MethodPut, "/user", map[string]any{"groups": groups}, nil)
}

// ExportHTML downloads the HTML bookmark export of a collection.
func (c *Client) ExportHTML(ctx context.Context, collectionID int64) ([]byte, error) {
	if c.token == "" {
		return nil, ErrAuthMissing
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/raindrops/%d/export.html", c.baseURL, collectionID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{StatusCode: resp.StatusCode}
	}
	return payload, nil
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	if c.token == "" {
		return ErrAuthMissing
	}
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}

		if resp.StatusCode == http.StatusTooManyRequests && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1)); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			ErrorMessage string `json:"errorMessage"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Message:    errPayload.ErrorMessage,
		}
	}
}

func (c *Client) retryDelay(attempt int) time.Duration {
	delay := c.baseDelay
	if delay <= 0 {
		delay = time.Second
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
