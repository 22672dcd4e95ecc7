// Package calendar queries batched free/busy availability for a list of emails.
package calendar

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
	"golang.org/x/oauth2"

	"github.com/pelusa-v/pelusa-presence/internal/directory"
	"github.com/pelusa-v/pelusa-presence/internal/errs"
	"github.com/pelusa-v/pelusa-presence/internal/metrics"
	"github.com/pelusa-v/pelusa-presence/internal/presence"
)

const (
	endpoint = "/calendar/getSchedule"

	DefaultBatchSize = 20
	DefaultWindow    = time.Hour
	viewInterval     = 15
)

type DateTimeZone struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

// ScheduleRequest is the POST body of getSchedule.
type ScheduleRequest struct {
	Schedules                []string     `json:"schedules"`
	StartTime                DateTimeZone `json:"startTime"`
	EndTime                  DateTimeZone `json:"endTime"`
	AvailabilityViewInterval int          `json:"availabilityViewInterval"`
}

type ScheduleItem struct {
	ScheduleID       string `json:"scheduleId"`
	AvailabilityView string `json:"availabilityView"`
}

type ScheduleResponse struct {
	Value []ScheduleItem `json:"value"`
}

// ParseAvailability maps the first slot of an availability view to a status:
// 0 free, 1 tentative, 2 busy. Anything else is unknown.
func ParseAvailability(view string) presence.CalendarStatus {
	if view == "" {
		return presence.CalendarUnknown
	}
	switch view[0] {
	case '0':
		return presence.CalendarFree
	case '1':
		return presence.CalendarTentative
	case '2':
		return presence.CalendarBusy
	default:
		return presence.CalendarUnknown
	}
}

type Client struct {
	BaseURL    string
	Tokens     oauth2.TokenSource
	BatchSize  int
	Window     time.Duration
	Timeout    time.Duration
	HTTPClient *fasthttp.Client

	now func() time.Time
}

// NewClient returns a client for baseURL. A nil token source disables it.
func NewClient(baseURL string, tokens oauth2.TokenSource) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Tokens:     tokens,
		BatchSize:  DefaultBatchSize,
		Window:     DefaultWindow,
		Timeout:    15 * time.Second,
		HTTPClient: &fasthttp.Client{Name: "pelusa-presence"},
		now:        time.Now,
	}
}

// Enabled reports whether a token source is configured.
func (c *Client) Enabled() bool { return c != nil && c.Tokens != nil }

// Availability queries emails in batches and returns the status per email as
// given by the server. A failed batch is logged and skipped; the returned error
// is the first batch failure, with results from successful batches still set.
func (c *Client) Availability(ctx context.Context, emails []string) (map[string]presence.CalendarStatus, error) {
	out := make(map[string]presence.CalendarStatus, len(emails))
	if len(emails) == 0 {
		return out, nil
	}
	if !c.Enabled() {
		return out, &errs.AuthError{Op: "calendar token", Err: errors.New("no token source")}
	}
	size := c.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}

	var firstErr error
	for start := 0; start < len(emails); start += size {
		end := start + size
		if end > len(emails) {
			end = len(emails)
		}
		items, err := c.schedule(ctx, emails[start:end])
		if err != nil {
			metrics.CalendarPollFailures.Inc()
			log.Warn().Err(err).Str("component", "calendar").Int("batch", len(emails[start:end])).Msg("free/busy batch failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, it := range items {
			if it.ScheduleID == "" {
				continue
			}
			out[it.ScheduleID] = ParseAvailability(it.AvailabilityView)
		}
	}
	return out, firstErr
}

func (c *Client) schedule(ctx context.Context, emails []string) ([]ScheduleItem, error) {
	tok, err := c.Tokens.Token()
	if err != nil {
		return nil, &errs.AuthError{Op: "calendar token", Err: err}
	}

	now := c.now().UTC()
	window := c.Window
	if window <= 0 {
		window = DefaultWindow
	}
	body, err := json.Marshal(ScheduleRequest{
		Schedules:                emails,
		StartTime:                DateTimeZone{DateTime: now.Format("2006-01-02T15:04:05"), TimeZone: "UTC"},
		EndTime:                  DateTimeZone{DateTime: now.Add(window).Format("2006-01-02T15:04:05"), TimeZone: "UTC"},
		AvailabilityViewInterval: viewInterval,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode schedule request")
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.BaseURL + endpoint)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set(fasthttp.HeaderAuthorization, tok.Type()+" "+tok.AccessToken)
	req.SetBody(body)

	if err := directory.Do(ctx, c.HTTPClient, req, resp, c.Timeout); err != nil {
		return nil, &errs.APIError{Endpoint: endpoint, Err: err}
	}
	if status := resp.StatusCode(); status >= 400 {
		return nil, &errs.APIError{Endpoint: endpoint, Status: status, Err: errors.New(fasthttp.StatusMessage(status))}
	}
	var parsed ScheduleResponse
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
		return nil, &errs.APIError{Endpoint: endpoint, Status: resp.StatusCode(), Err: errors.Wrap(err, "decode schedule response")}
	}
	return parsed.Value, nil
}
