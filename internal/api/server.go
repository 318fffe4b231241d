// Package api serves the operator dashboard and the occupancy endpoints.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"google.golang.org/protobuf/proto"

	"github.com/dj-oyu/parkwatch/internal/annotate"
	"github.com/dj-oyu/parkwatch/internal/fleet"
	"github.com/dj-oyu/parkwatch/internal/framecache"
	"github.com/dj-oyu/parkwatch/internal/logger"
)

const protobufContentType = "application/x-protobuf"

// BatchRunner is the orchestrator as seen from the delivery layer.
type BatchRunner interface {
	RunCalibrationBatch(ctx context.Context) ([]fleet.CalibrationOutcome, fleet.BatchReport, error)
	RunEvaluationBatch(ctx context.Context) ([]fleet.EvaluationOutcome, fleet.BatchReport, error)
	RunSnapshotBatch(ctx context.Context) ([]fleet.SnapshotOutcome, fleet.BatchReport, error)
}

// ResultPublisher receives every evaluation pass, e.g. an MQTT notifier.
type ResultPublisher interface {
	PublishResults(outcomes []fleet.EvaluationOutcome, at time.Time) error
}

// Server serves the dashboard endpoints.
type Server struct {
	cfg         Config
	runner      BatchRunner
	cache       framecache.Cache
	publisher   ResultPublisher
	monitor     *Monitor
	broadcaster *Broadcaster
	log         *logger.ModuleLogger

	// passMu keeps evaluation passes from interleaving so the monitor and
	// cache always move forward together.
	passMu sync.Mutex
}

// NewServer returns a configured server. cache and publisher may be nil;
// without a cache an in-memory one is used.
func NewServer(cfg Config, runner BatchRunner, cache framecache.Cache, publisher ResultPublisher) *Server {
	cfg = cfg.withDefaults()
	if cache == nil {
		cache = framecache.NewMemoryCache()
	}
	return &Server{
		cfg:         cfg,
		runner:      runner,
		cache:       cache,
		publisher:   publisher,
		monitor:     NewMonitor(cfg.HistorySize),
		broadcaster: NewBroadcaster(),
		log:         logger.For("API"),
	}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/images", s.handleImages).Methods(http.MethodGet)
	api.HandleFunc("/images/cached", s.handleCachedImages).Methods(http.MethodGet)
	api.HandleFunc("/calibrate", s.handleCalibrate).Methods(http.MethodPost)
	api.HandleFunc("/occupancy", s.handleOccupancy).Methods(http.MethodGet)
	api.HandleFunc("/occupancy/stream", s.handleOccupancyStream).Methods(http.MethodGet)

	return r
}

// Close disconnects SSE clients.
func (s *Server) Close() {
	s.broadcaster.Close()
}

// Evaluate runs one evaluation pass and fans the result out to the cache,
// SSE subscribers and the publisher. It returns the annotated frames as
// base64 JPEGs in camera order.
func (s *Server) Evaluate(ctx context.Context) ([]string, fleet.BatchReport, error) {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	outcomes, report, err := s.runner.RunEvaluationBatch(ctx)
	if err != nil {
		return nil, report, err
	}

	cameras := make([]string, 0, len(outcomes))
	frames := make([][]byte, 0, len(outcomes))
	for _, out := range outcomes {
		if out.Result == nil || out.Result.Annotated == nil {
			continue
		}
		data, err := annotate.EncodeJPEG(out.Result.Annotated, s.cfg.JPEGQuality)
		if err != nil {
			s.log.Warn("encode camera %s: %v", out.CameraID, err)
			continue
		}
		cameras = append(cameras, out.CameraID)
		frames = append(frames, data)
	}

	at := time.Now()
	cached := framecache.CachedImages{StoredAt: at, Cameras: cameras, Images: frames}
	if err := framecache.StoreImages(ctx, s.cache, s.cfg.CacheKey, cached, s.cfg.CacheTTL); err != nil {
		s.log.Warn("cache images: %v", err)
	}

	snap := s.monitor.Update(outcomes, report)
	s.broadcaster.Publish(snap)

	if s.publisher != nil {
		if err := s.publisher.PublishResults(outcomes, at); err != nil {
			s.log.Warn("publish pass %s: %v", report.BatchID, err)
		}
	}

	return encodeBase64(frames), report, nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	latest, _ := s.monitor.Snapshot()
	payload := map[string]any{
		"status":         "ok",
		"uptime_seconds": int(s.monitor.Uptime().Seconds()),
		"sse_clients":    s.broadcaster.ClientCount(),
	}
	if latest != nil {
		payload["last_pass"] = latest.Timestamp
	}
	writeJSON(w, payload)
}

func (s *Server) handleImages(w http.ResponseWriter, r *http.Request) {
	detect := false
	if v := r.URL.Query().Get("detect"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeJSONWithStatus(w, map[string]any{"error": "detect must be true or false"}, http.StatusBadRequest)
			return
		}
		detect = parsed
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.BatchTimeout)
	defer cancel()

	var (
		images []string
		report fleet.BatchReport
		err    error
	)
	if detect {
		images, report, err = s.Evaluate(ctx)
	} else {
		images, report, err = s.snapshot(ctx)
	}
	if err != nil {
		s.writeBatchError(w, err)
		return
	}

	w.Header().Set("X-Cameras-Succeeded", fmt.Sprintf("%d/%d", report.Succeeded, report.Total))
	writeJSON(w, images)
}

func (s *Server) snapshot(ctx context.Context) ([]string, fleet.BatchReport, error) {
	outcomes, report, err := s.runner.RunSnapshotBatch(ctx)
	if err != nil {
		return nil, report, err
	}
	frames := make([][]byte, 0, len(outcomes))
	for _, out := range outcomes {
		data, err := encodeFrame(out.Frame.Image, s.cfg.JPEGQuality)
		if err != nil {
			s.log.Warn("encode camera %s: %v", out.CameraID, err)
			continue
		}
		frames = append(frames, data)
	}
	return encodeBase64(frames), report, nil
}

func (s *Server) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.BatchTimeout)
	defer cancel()

	outcomes, report, err := s.runner.RunCalibrationBatch(ctx)
	if err != nil {
		s.writeBatchError(w, err)
		return
	}

	resp := CalibrateResponse{
		BatchID:  report.BatchID,
		Summary:  report.Summary(),
		Cameras:  make([]CalibrationEntry, 0, len(outcomes)),
		Failures: make([]FailureEntry, 0, len(report.Failures)),
	}
	for _, out := range outcomes {
		if out.Calibration == nil {
			continue
		}
		entry := CalibrationEntry{
			CameraID: out.CameraID,
			Spaces:   len(out.Calibration.Spaces),
		}
		if out.Calibration.Annotated != nil {
			data, err := annotate.EncodeJPEG(out.Calibration.Annotated, s.cfg.JPEGQuality)
			if err != nil {
				s.log.Warn("encode camera %s: %v", out.CameraID, err)
			} else {
				entry.Image = base64.StdEncoding.EncodeToString(data)
			}
		}
		resp.Cameras = append(resp.Cameras, entry)
	}
	for _, f := range report.Failures {
		resp.Failures = append(resp.Failures, FailureEntry{
			CameraID: f.CameraID,
			Kind:     f.Kind,
			Error:    f.Err.Error(),
		})
	}

	w.Header().Set("X-Cameras-Succeeded", fmt.Sprintf("%d/%d", report.Succeeded, report.Total))
	writeJSON(w, resp)
}

func (s *Server) handleOccupancy(w http.ResponseWriter, r *http.Request) {
	latest, _ := s.monitor.Snapshot()
	if latest == nil {
		writeJSONWithStatus(w, map[string]any{"error": "no evaluation pass yet"}, http.StatusNotFound)
		return
	}

	if wantsProtobuf(r) {
		st, err := snapshotStruct(*latest)
		if err == nil {
			var data []byte
			data, err = proto.Marshal(st)
			if err == nil {
				w.Header().Set("Content-Type", protobufContentType)
				_, _ = w.Write(data)
				return
			}
		}
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
		return
	}

	writeJSON(w, latest)
}

func (s *Server) handleOccupancyStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(id)

	streamEventsFromChannel(r.Context(), w, eventCh, wantsProtobuf(r), s.cfg.Keepalive)
}

func (s *Server) handleCachedImages(w http.ResponseWriter, r *http.Request) {
	cached, found, err := framecache.LoadImages(r.Context(), s.cache, s.cfg.CacheKey)
	if err != nil {
		s.log.Warn("load cached images: %v", err)
		writeJSONWithStatus(w, map[string]any{"error": "cache unavailable"}, http.StatusServiceUnavailable)
		return
	}
	if !found {
		writeJSONWithStatus(w, map[string]any{"error": "no cached images"}, http.StatusNotFound)
		return
	}
	writeJSON(w, CachedImagesResponse{
		StoredAt: float64(cached.StoredAt.UnixNano()) / 1e9,
		Cameras:  cached.Cameras,
		Images:   encodeBase64(cached.Images),
	})
}

func (s *Server) writeBatchError(w http.ResponseWriter, err error) {
	s.log.Error("batch failed: %v", err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, fleet.ErrDirectoryUnavailable):
		status = http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	writeJSONWithStatus(w, map[string]any{"error": err.Error()}, status)
}

func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, protobufContentType)
}

func encodeFrame(img image.Image, quality int) ([]byte, error) {
	if img == nil {
		return nil, errors.New("no image")
	}
	return annotate.EncodeJPEG(img, quality)
}

func encodeBase64(frames [][]byte) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = base64.StdEncoding.EncodeToString(f)
	}
	return out
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
