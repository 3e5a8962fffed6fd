package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/skycastlive/skycast-go/logging"
)

const (
	headerAppID     = "X-Skycast-App-Id"
	headerAppSecret = "X-Skycast-App-Secret"

	locationRetryDelay = 500 * time.Millisecond
)

// Client talks to the SkyCast catalog over its JSON REST contract. It never
// retries on its own except for location updates, which are best-effort;
// all other retry decisions belong to the caller.
type Client struct {
	baseURL    string
	appID      string
	appSecret  string
	httpClient *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient constructs a catalog client for the given API base URL and app
// credentials.
func NewClient(baseURL, appID, appSecret string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		appID:      appID,
		appSecret:  appSecret,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterApp exchanges the app credentials for storage grants. It must be
// called once per process before broadcasting.
func (c *Client) RegisterApp(ctx context.Context) (Application, error) {
	ctx, span := logging.StartSpan(ctx, "catalog.register_app")
	defer span.End()

	var app Application
	if err := c.do(ctx, http.MethodPost, "/v1/applications", nil, nil, &app); err != nil {
		return Application{}, err
	}
	return app, nil
}

// CreateStream asks the server to create a stream with the provided
// metadata and returns the server-assigned identity.
func (c *Client) CreateStream(ctx context.Context, metadata StreamMetadata) (Stream, error) {
	ctx, span := logging.StartSpan(ctx, "catalog.create_stream")
	defer span.End()

	var stream Stream
	if err := c.do(ctx, http.MethodPost, "/v1/streams", nil, metadata, &stream); err != nil {
		return Stream{}, err
	}
	return stream, nil
}

// ListStreams returns one page of streams in descending creation order. An
// empty authorID lists all authors. When anchor is non-nil only streams
// strictly older than it are returned. total is the server-side count of all
// matching streams, not the page length.
func (c *Client) ListStreams(ctx context.Context, authorID string, anchor *time.Time) (items []Stream, total int, err error) {
	ctx, span := logging.StartSpan(ctx, "catalog.list_streams")
	defer span.End()

	query := url.Values{}
	if authorID != "" {
		query.Set("author_id", authorID)
	}
	addAnchor(query, anchor)

	var page streamPage
	if err := c.do(ctx, http.MethodGet, "/v1/streams", query, nil, &page); err != nil {
		return nil, 0, err
	}
	return page.Items, page.Total, nil
}

// ListStreamsNear returns one page of streams whose coordinates fall within
// radiusMeters of coord, with the same anchor-date pagination as
// ListStreams. A radius of 0 disables the spatial filter.
func (c *Client) ListStreamsNear(ctx context.Context, coord Coordinate, radiusMeters float64, anchor *time.Time) (items []Stream, total int, err error) {
	ctx, span := logging.StartSpan(ctx, "catalog.list_streams_near")
	defer span.End()

	query := url.Values{}
	if radiusMeters > 0 {
		query.Set("lat", strconv.FormatFloat(coord.Latitude, 'f', -1, 64))
		query.Set("lng", strconv.FormatFloat(coord.Longitude, 'f', -1, 64))
		query.Set("radius", strconv.FormatFloat(radiusMeters, 'f', -1, 64))
	}
	addAnchor(query, anchor)

	var page streamPage
	if err := c.do(ctx, http.MethodGet, "/v1/streams", query, nil, &page); err != nil {
		return nil, 0, err
	}
	return page.Items, page.Total, nil
}

// ListViewers returns one page of viewers of the stream ordered by join
// time, newest first, with anchor-date pagination.
func (c *Client) ListViewers(ctx context.Context, streamID string, anchor *time.Time) (items []Viewer, total int, err error) {
	ctx, span := logging.StartSpan(ctx, "catalog.list_viewers")
	defer span.End()

	query := url.Values{}
	addAnchor(query, anchor)

	var page viewerPage
	path := fmt.Sprintf("/v1/streams/%s/viewers", url.PathEscape(streamID))
	if err := c.do(ctx, http.MethodGet, path, query, nil, &page); err != nil {
		return nil, 0, err
	}
	return page.Items, page.Total, nil
}

// DeleteStream removes the broadcast from the catalog. Deleting a stream
// that is already gone is not an error.
func (c *Client) DeleteStream(ctx context.Context, streamID string) error {
	ctx, span := logging.StartSpan(ctx, "catalog.delete_stream")
	defer span.End()

	path := fmt.Sprintf("/v1/streams/%s", url.PathEscape(streamID))
	err := c.do(ctx, http.MethodDelete, path, nil, nil, nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

// StopStream acknowledges to the server that the broadcast has fully
// stopped and all segments are uploaded.
func (c *Client) StopStream(ctx context.Context, streamID string) error {
	ctx, span := logging.StartSpan(ctx, "catalog.stop_stream")
	defer span.End()

	path := fmt.Sprintf("/v1/streams/%s/stop", url.PathEscape(streamID))
	return c.do(ctx, http.MethodPost, path, nil, nil, nil)
}

// UpdateLocation pushes a new coordinate for a live stream. Location pushes
// are best-effort: a transient failure is retried exactly once, then the
// error is returned for logging only. Callers are expected to swallow it.
func (c *Client) UpdateLocation(ctx context.Context, streamID string, coord Coordinate) error {
	ctx, span := logging.StartSpan(ctx, "catalog.update_location")
	defer span.End()

	path := fmt.Sprintf("/v1/streams/%s/location", url.PathEscape(streamID))

	operation := func() error {
		err := c.do(ctx, http.MethodPut, path, nil, coord, nil)
		if err != nil && !IsNetwork(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(locationRetryDelay), 1), ctx)
	return backoff.Retry(operation, policy)
}

// PlaybackURL returns the address a player can use to watch the stream.
func (c *Client) PlaybackURL(stream Stream) string {
	return stream.PlaybackURL
}

func addAnchor(query url.Values, anchor *time.Time) {
	if anchor != nil {
		query.Set("until", anchor.UTC().Format(time.RFC3339Nano))
	}
}

// do issues one HTTP request and decodes the JSON response into out when out
// is non-nil. Failures always come back as *Error.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &Error{Kind: KindValidation, Message: "encode request", cause: err}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return &Error{Kind: KindValidation, Message: "build request", cause: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(headerAppID, c.appID)
	req.Header.Set(headerAppSecret, c.appSecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Kind: KindNetwork, cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{
			Kind:    kindForStatus(resp.StatusCode),
			Status:  resp.StatusCode,
			Message: readErrorMessage(resp.Body),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: KindNetwork, Message: "decode response", cause: err}
	}
	return nil
}

func readErrorMessage(body io.Reader) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(body, 4096)).Decode(&payload); err != nil {
		return ""
	}
	return payload.Error
}
