package app

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"

	"github.com/dj-oyu/parkwatch/internal/config"
	"github.com/dj-oyu/parkwatch/internal/metrics"
	"github.com/dj-oyu/parkwatch/internal/reference"
)

const vmsToken = "opaque-token"

func fakeVMS(t *testing.T) *httptest.Server {
	r := mux.NewRouter()
	r.HandleFunc("/v2/login", func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]string{"token": vmsToken}})
	}).Methods(http.MethodPost)
	authed := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, req *http.Request) {
			if req.Header.Get("Authorization") != "Bearer "+vmsToken {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			h(w, req)
		}
	}
	r.HandleFunc("/v2/playlist", authed(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"playlists":[{"id":7,"name":"parking"}]}`))
	})).Methods(http.MethodGet)
	r.HandleFunc("/v2/playlist/7", authed(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"cameras":[
			{"camera_id":1,"stream_url":"https://vms/hls/1.m3u8"},
			{"camera_id":2,"stream_url":"https://vms/hls/broken.m3u8"},
			{"camera_id":3,"stream_url":"https://vms/hls/3.m3u8"}
		]}`))
	})).Methods(http.MethodGet)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

// fakeFFmpeg prints a 64x48 bitmap for every stream except ones whose URL
// contains "broken".
func fakeFFmpeg(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()

	src := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for i := range src.Pix {
		src.Pix[i] = 0x80
	}
	src.Set(1, 1, color.RGBA{R: 255, A: 255})
	framePath := filepath.Join(dir, "frame.bmp")
	f, err := os.Create(framePath)
	require.NoError(t, err)
	require.NoError(t, bmp.Encode(f, src))
	require.NoError(t, f.Close())

	script := filepath.Join(dir, "ffmpeg")
	body := "#!/bin/sh\ncase \"$*\" in *broken*) exit 1;; esac\ncat '" + framePath + "'\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))
	return script
}

// fakeDetector answers with two cars while parked is true, nothing otherwise.
type fakeDetector struct {
	parked atomic.Bool
}

func (d *fakeDetector) server(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if !d.parked.Load() {
			w.Write([]byte(`{"detections":[]}`))
			return
		}
		w.Write([]byte(`{"detections":[
			{"x":4,"y":4,"width":16,"height":12,"class":"car","confidence":0.9},
			{"x":30,"y":20,"width":16,"height":12,"class":"car","confidence":0.8},
			{"x":50,"y":2,"width":6,"height":10,"class":"person","confidence":0.7}
		]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, vmsURL, detectorURL string) config.Config {
	cfg := config.Default()
	cfg.VMS.BaseURL = vmsURL
	cfg.VMS.TokenCache = filepath.Join(t.TempDir(), "token.json")
	cfg.VMS.Login, cfg.VMS.Password = "operator", "hunter2"
	cfg.VMS.Retries = 0
	cfg.Frames.FFmpeg = fakeFFmpeg(t)
	cfg.Frames.Timeout = 5 * time.Second
	cfg.Detector.Calibration = config.BackendConfig{Type: "http", URL: detectorURL, Timeout: 5 * time.Second}
	cfg.Detector.Live = cfg.Detector.Calibration
	cfg.Reference.Dir = filepath.Join(t.TempDir(), "etalon")
	return cfg
}

func TestEndToEnd(t *testing.T) {
	det := &fakeDetector{}
	det.parked.Store(true)
	cfg := testConfig(t, fakeVMS(t).URL, det.server(t).URL)

	a, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()
	assert.Nil(t, a.Publisher(), "mqtt disabled without a broker")

	ctx := context.Background()

	cals, report, err := a.Orchestrator.RunCalibrationBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2 of 3 cameras succeeded", report.Summary())
	require.Len(t, cals, 2)
	assert.Equal(t, "1", cals[0].CameraID)
	assert.Equal(t, "3", cals[1].CameraID)
	assert.Len(t, cals[0].Calibration.Spaces, 2, "only cars become spaces")
	require.Len(t, report.Failures, 1)
	assert.Equal(t, metrics.KindFrame, report.Failures[0].Kind)

	rec, err := a.Store.Load(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, 64, rec.ReferenceWidth)
	assert.Equal(t, 48, rec.ReferenceHeight)
	require.Len(t, rec.ParkingBoxes, 2)
	assert.InDelta(t, 4.0/64, rec.ParkingBoxes[0].X1, 1e-9)

	evals, report, err := a.Orchestrator.RunEvaluationBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Succeeded)
	require.Len(t, evals, 2)
	for _, e := range evals {
		assert.Equal(t, 2, e.Result.TotalSpaces)
		assert.Empty(t, e.Result.FreeSlots, "same cars as calibration")
	}

	det.parked.Store(false)
	evals, _, err = a.Orchestrator.RunEvaluationBatch(ctx)
	require.NoError(t, err)
	require.Len(t, evals, 2)
	assert.Equal(t, []int{0, 1}, evals[0].Result.FreeSlots)
	assert.Equal(t, uint64(4), a.Metrics.SpacesTotal.Load())
	assert.Equal(t, uint64(4), a.Metrics.SpacesFree.Load())

	data, err := os.ReadFile(cfg.VMS.TokenCache)
	require.NoError(t, err)
	assert.Contains(t, string(data), vmsToken)
}

func TestBuildUsesFileStore(t *testing.T) {
	det := &fakeDetector{}
	cfg := testConfig(t, "http://127.0.0.1:1", det.server(t).URL)

	a, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	_, ok := a.Store.(*reference.FileStore)
	assert.True(t, ok)
	_, err = a.Store.Load(context.Background(), "unknown")
	assert.ErrorIs(t, err, reference.ErrNotCalibrated)

	_, _, err = a.Orchestrator.RunEvaluationBatch(context.Background())
	assert.Error(t, err, "unreachable directory fails the batch")
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Occupancy.Threshold = 0
	_, err := Build(context.Background(), cfg)
	assert.Error(t, err)
}

func TestBuildFailsOnUnreachableRedis(t *testing.T) {
	det := &fakeDetector{}
	cfg := testConfig(t, "http://127.0.0.1:1", det.server(t).URL)
	cfg.Cache.Backend = "redis"
	cfg.Cache.Addr = "127.0.0.1:1"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Build(ctx, cfg)
	assert.Error(t, err)
}
