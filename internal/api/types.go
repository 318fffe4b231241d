package api

import "github.com/dj-oyu/parkwatch/internal/geometry"

// CameraOccupancy is one camera's entry in an evaluation pass.
type CameraOccupancy struct {
	CameraID    string         `json:"camera_id"`
	Width       int            `json:"width"`
	Height      int            `json:"height"`
	TotalSpaces int            `json:"total_spaces"`
	FreeSlots   []int          `json:"free_slots"`
	FreeSpaces  []geometry.Box `json:"free_spaces"`
}

// OccupancySnapshot is the payload for /api/occupancy and each SSE event.
type OccupancySnapshot struct {
	BatchID   string            `json:"batch_id"`
	Version   int               `json:"version"`
	Timestamp float64           `json:"timestamp"`
	Succeeded int               `json:"succeeded"`
	Total     int               `json:"total"`
	Cameras   []CameraOccupancy `json:"cameras"`
}

type FailureEntry struct {
	CameraID string `json:"camera_id"`
	Kind     string `json:"kind"`
	Error    string `json:"error"`
}

type CalibrationEntry struct {
	CameraID string `json:"camera_id"`
	Spaces   int    `json:"spaces"`
	Image    string `json:"image"` // base64 JPEG
}

// CalibrateResponse is returned by POST /api/calibrate.
type CalibrateResponse struct {
	BatchID  string             `json:"batch_id"`
	Summary  string             `json:"summary"`
	Cameras  []CalibrationEntry `json:"cameras"`
	Failures []FailureEntry     `json:"failures"`
}

type CachedImagesResponse struct {
	StoredAt float64  `json:"stored_at"`
	Cameras  []string `json:"cameras"`
	Images   []string `json:"images"`
}
