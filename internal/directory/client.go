// Package directory talks to the colleague directory and conversation history
// HTTP API, and caches the directory snapshot used for display resolution.
package directory

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"

	"github.com/pelusa-v/pelusa-presence/internal/errs"
	"github.com/pelusa-v/pelusa-presence/internal/model"
)

const defaultTimeout = 15 * time.Second

// Client calls the directory API with the ambient session cookie.
type Client struct {
	BaseURL       string
	SessionCookie string
	Timeout       time.Duration
	HTTPClient    *fasthttp.Client
}

func NewClient(baseURL, sessionCookie string) *Client {
	return &Client{
		BaseURL:       strings.TrimRight(baseURL, "/"),
		SessionCookie: sessionCookie,
		Timeout:       defaultTimeout,
		HTTPClient:    &fasthttp.Client{Name: "pelusa-presence"},
	}
}

// Directory fetches GET /directory.
func (c *Client) Directory(ctx context.Context) ([]model.Identity, error) {
	var out []model.Identity
	if err := c.get(ctx, "/directory", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Conversations fetches GET /conversations.
func (c *Client) Conversations(ctx context.Context) ([]model.ConversationSummary, error) {
	var out []model.ConversationSummary
	if err := c.get(ctx, "/conversations", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Messages fetches GET /messages/{username}?limit=N in server order.
func (c *Client) Messages(ctx context.Context, username string, limit int) ([]model.Message, error) {
	path := "/messages/" + url.PathEscape(username)
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []model.Message
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.BaseURL + path)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set(fasthttp.HeaderAccept, "application/json")
	if c.SessionCookie != "" {
		req.Header.SetCookie("session", c.SessionCookie)
	}

	endpoint := path
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		endpoint = endpoint[:i]
	}
	if err := Do(ctx, c.HTTPClient, req, resp, c.Timeout); err != nil {
		return &errs.APIError{Endpoint: endpoint, Err: err}
	}
	if status := resp.StatusCode(); status >= 400 {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(resp.Body(), &body)
		if body.Error == "" {
			body.Error = fasthttp.StatusMessage(status)
		}
		return &errs.APIError{Endpoint: endpoint, Status: status, Err: errors.New(body.Error)}
	}
	if err := json.Unmarshal(resp.Body(), v); err != nil {
		return &errs.APIError{Endpoint: endpoint, Status: resp.StatusCode(), Err: errors.Wrap(err, "decode response")}
	}
	return nil
}

// Do executes req honouring the earlier of ctx's deadline and timeout.
// fasthttp has no context support, so a cancelled ctx is only checked up front.
func Do(ctx context.Context, client *fasthttp.Client, req *fasthttp.Request, resp *fasthttp.Response, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return client.DoDeadline(req, resp, deadline)
}
