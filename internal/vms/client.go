// Package vms resolves the camera set from the video management system's
// REST API.
package vms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dj-oyu/parkwatch/internal/logger"
	"github.com/dj-oyu/parkwatch/pkg/types"
)

// ErrDirectoryUnavailable means the camera list could not be resolved.
var ErrDirectoryUnavailable = errors.New("stream directory unavailable")

var errUnauthorized = errors.New("unauthorized")

// ID accepts both JSON numbers and strings; the VMS is not consistent.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id is neither string nor number: %s", data)
	}
	*id = ID(n.String())
	return nil
}

type Playlist struct {
	ID   ID     `json:"id"`
	Name string `json:"name"`
}

type camera struct {
	CameraID  ID     `json:"camera_id"`
	StreamURL string `json:"stream_url"`
}

// Client issues authenticated GETs against the VMS. Transient failures
// (transport errors, 5xx) are retried with exponential backoff; a 401 makes
// the session log in again and the request is repeated once.
type Client struct {
	baseURL string
	http    *http.Client

	maxRetries  uint64
	backoffBase time.Duration

	log *logger.ModuleLogger
}

type ClientOption func(*Client)

// WithRetry sets the retry budget for transient failures.
func WithRetry(maxRetries uint64, base time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.backoffBase = base
	}
}

func NewClient(baseURL string, httpClient *http.Client, opts ...ClientOption) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		http:        httpClient,
		maxRetries:  3,
		backoffBase: 200 * time.Millisecond,
		log:         logger.For("VMS"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Playlists lists every playlist visible to the session's account.
func (c *Client) Playlists(ctx context.Context, s *Session) ([]Playlist, error) {
	var body struct {
		Playlists []Playlist `json:"playlists"`
	}
	if err := c.getJSON(ctx, s, "/v2/playlist", &body); err != nil {
		return nil, err
	}
	return body.Playlists, nil
}

// Cameras lists a playlist's cameras in VMS order.
func (c *Client) Cameras(ctx context.Context, s *Session, playlistID ID) ([]types.CameraStream, error) {
	var body struct {
		Cameras []camera `json:"cameras"`
	}
	path := "/v2/playlist/" + url.PathEscape(string(playlistID)) + "?get-all=true"
	if err := c.getJSON(ctx, s, path, &body); err != nil {
		return nil, err
	}

	streams := make([]types.CameraStream, 0, len(body.Cameras))
	for _, cam := range body.Cameras {
		streams = append(streams, types.CameraStream{CameraID: string(cam.CameraID), StreamURL: cam.StreamURL})
	}
	return streams, nil
}

func (c *Client) getJSON(ctx context.Context, s *Session, path string, out any) error {
	for attempt := 0; ; attempt++ {
		token, err := s.Token(ctx)
		if err != nil {
			return err
		}
		err = c.getWithRetry(ctx, token, path, out)
		if errors.Is(err, errUnauthorized) && attempt == 0 {
			c.log.Info("token rejected on %s, logging in again", path)
			s.Invalidate()
			continue
		}
		return err
	}
}

func (c *Client) getWithRetry(ctx context.Context, token, path string, out any) error {
	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewExponential(c.backoffBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := c.get(ctx, token, path, out)
		var transient *transientError
		if errors.As(err, &transient) {
			c.log.Debug("retrying %s: %v", path, err)
			return retry.RetryableError(err)
		}
		return err
	})
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func (c *Client) get(ctx context.Context, token, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return &transientError{fmt.Errorf("GET %s: %w", path, err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return errUnauthorized
	case resp.StatusCode >= 500:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &transientError{fmt.Errorf("GET %s: status %d", path, resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
