// Package httpdetector calls a remote inference service that accepts an
// uploaded image and answers with labelled boxes.
package httpdetector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/dj-oyu/parkwatch/internal/detector"
	"github.com/dj-oyu/parkwatch/internal/geometry"
)

// Client posts frames as multipart "file" uploads:
//
//	POST <url>  ->  {"detections":[{"x":..,"y":..,"width":..,"height":..,"class":"car","confidence":0.9}]}
//
// x and y are the top-left corner in pixels. The client is stateless and safe
// for concurrent use.
type Client struct {
	url        string
	httpClient *http.Client
	quality    int
}

// New returns a client for the inference endpoint at url.
func New(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		quality:    90,
	}
}

type wireBox struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Class      string  `json:"class"`
	Confidence float32 `json:"confidence"`
}

type wireResponse struct {
	Detections []wireBox `json:"detections"`
}

func (c *Client) Detect(ctx context.Context, img image.Image) ([]detector.Detection, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if err := jpeg.Encode(part, img, &jpeg.Options{Quality: c.quality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("inference failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var result wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	dets := make([]detector.Detection, 0, len(result.Detections))
	for _, b := range result.Detections {
		dets = append(dets, detector.Detection{
			Label:      b.Class,
			Confidence: b.Confidence,
			Box:        geometry.Box{X1: b.X, Y1: b.Y, X2: b.X + b.Width, Y2: b.Y + b.Height},
		})
	}
	return dets, nil
}

// CheckHealth expects 200 from <url>/health.
func (c *Client) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.url, "/")+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inference service unhealthy: %d", resp.StatusCode)
	}
	return nil
}
