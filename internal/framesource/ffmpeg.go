// Package framesource pulls single still frames from camera streams.
package framesource

import (
	"bytes"
	"context"
	"image"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/image/bmp"

	"github.com/dj-oyu/parkwatch/internal/logger"
)

const DefaultTimeout = 15 * time.Second

// FFmpeg shells out to ffmpeg for one frame per call, piping it back as BMP.
type FFmpeg struct {
	Binary  string
	Timeout time.Duration

	log *logger.ModuleLogger
}

func NewFFmpeg(binary string, timeout time.Duration) *FFmpeg {
	if binary == "" {
		binary = "ffmpeg"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &FFmpeg{Binary: binary, Timeout: timeout, log: logger.For("FrameSource")}
}

// args builds the ffmpeg command line for a single BMP frame on stdout.
func args(streamURL string) []string {
	a := []string{"-hide_banner", "-loglevel", "error"}
	if strings.HasPrefix(strings.ToLower(streamURL), "rtsp://") {
		a = append(a, "-rtsp_transport", "tcp")
	}
	return append(a,
		"-i", streamURL,
		"-frames:v", "1",
		"-c:v", "bmp",
		"-f", "image2pipe",
		"-",
	)
}

// PullFrame returns one decoded frame, or false if the stream produced nothing
// usable before the timeout. It never returns an error; absence is normal.
func (f *FFmpeg) PullFrame(ctx context.Context, streamURL string) (image.Image, bool) {
	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, f.Binary, args(streamURL)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		f.log.Warn("ffmpeg failed for %s: %v %s", redact(streamURL), err, strings.TrimSpace(stderr.String()))
		return nil, false
	}

	img, err := bmp.Decode(&stdout)
	if err != nil {
		f.log.Warn("decode frame from %s: %v", redact(streamURL), err)
		return nil, false
	}
	return img, true
}

// redact drops userinfo and query strings, which often carry credentials.
func redact(streamURL string) string {
	s := streamURL
	if i := strings.Index(s, "?"); i >= 0 {
		s = s[:i]
	}
	if scheme := strings.Index(s, "://"); scheme >= 0 {
		rest := s[scheme+3:]
		if at := strings.Index(rest, "@"); at >= 0 {
			s = s[:scheme+3] + rest[at+1:]
		}
	}
	return s
}
