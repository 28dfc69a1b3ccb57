// Package rpcclient is a small JSON-over-HTTP client shared by the
// live-output fetch and the remote-proxy build mode: a BaseURL plus
// Get/Post verbs over a bearer-token-authenticated http.Client.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Client performs JSON RPCs over HTTP with a per-call timeout left to
// the caller's context.
type Client struct {
	BaseURL    string
	Token      string
	UserAgent  string
	HTTPClient *http.Client
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// errStatusCode is returned for any non-2xx response.
type errStatusCode struct {
	URL        string
	StatusCode int
}

func (e errStatusCode) Error() string {
	return fmt.Sprintf("request to %q responded with %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Get performs a GET request against path with the given query values,
// decoding the JSON response into response (if non-nil).
func (c *Client) Get(ctx context.Context, path string, query url.Values, response interface{}) error {
	return c.do(ctx, http.MethodGet, path, query, nil, response)
}

// Post performs a POST request, JSON-encoding request as the body.
func (c *Client) Post(ctx context.Context, path string, request, response interface{}) error {
	return c.do(ctx, http.MethodPost, path, nil, request, response)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, response interface{}) error {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return err
	}
	u.Path = path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&reqBody).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), &reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errStatusCode{URL: u.String(), StatusCode: resp.StatusCode}
	}
	if response != nil {
		return json.NewDecoder(resp.Body).Decode(response)
	}
	return nil
}
