package reference

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/parkwatch/internal/geometry"
)

func sampleRecord(id string) Record {
	return Record{
		CameraID:        id,
		ReferenceWidth:  1920,
		ReferenceHeight: 1080,
		ParkingBoxes: []geometry.Box{
			{X1: 0.1, Y1: 0.2, X2: 0.25, Y2: 0.4},
			{X1: 0.5, Y1: 0.5, X2: 0.75, Y2: 0.9},
		},
	}
}

func TestFileStoreLoadNeverCalibrated(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Load(context.Background(), "cam-404")
	assert.ErrorIs(t, err, ErrNotCalibrated)
}

func TestFileStoreSaveLoad(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	rec := sampleRecord("17")
	require.NoError(t, s.Save(ctx, rec))

	got, err := s.Load(ctx, "17")
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestFileStoreDocumentFormat(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, s.Save(context.Background(), sampleRecord("cam1")))

	data, err := os.ReadFile(filepath.Join(dir, "parking_grid_config_cam1.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"reference_width": 1920,
		"reference_height": 1080,
		"parking_boxes": [[0.1,0.2,0.25,0.4],[0.5,0.5,0.75,0.9]]
	}`, string(data))
}

func TestFileStoreEmptyLayoutEncodesEmptyArray(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	rec := Record{CameraID: "empty", ReferenceWidth: 640, ReferenceHeight: 480}
	require.NoError(t, s.Save(context.Background(), rec))

	data, err := os.ReadFile(s.Path("empty"))
	require.NoError(t, err)
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "[]", string(raw["parking_boxes"]))
}

func TestFileStoreOverwrite(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, sampleRecord("a")))
	next := Record{
		CameraID:        "a",
		ReferenceWidth:  1280,
		ReferenceHeight: 720,
		ParkingBoxes:    []geometry.Box{{X1: 0, Y1: 0, X2: 1, Y2: 1}},
	}
	require.NoError(t, s.Save(ctx, next))

	got, err := s.Load(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, next, got)
}

func TestFileStoreRejectsInvalidAndKeepsPrior(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	prior := sampleRecord("cam")
	require.NoError(t, s.Save(ctx, prior))

	bad := sampleRecord("cam")
	bad.ParkingBoxes = append(bad.ParkingBoxes, geometry.Box{X1: 10, Y1: 10, X2: 50, Y2: 50})
	err = s.Save(ctx, bad)
	assert.ErrorIs(t, err, ErrStorageWriteFailed)

	got, err := s.Load(ctx, "cam")
	require.NoError(t, err)
	assert.Equal(t, prior, got)
}

func TestFileStoreCorruptDocument(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.Path("broken"), []byte("{not json"), 0o644))

	_, err = s.Load(context.Background(), "broken")
	assert.ErrorIs(t, err, ErrStorageReadFailed)
	assert.NotErrorIs(t, err, ErrNotCalibrated)
}

func TestFileStoreConcurrentSaveLoad(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	a := sampleRecord("busy")
	b := Record{CameraID: "busy", ReferenceWidth: 640, ReferenceHeight: 480,
		ParkingBoxes: []geometry.Box{{X1: 0.3, Y1: 0.3, X2: 0.6, Y2: 0.6}}}
	require.NoError(t, s.Save(ctx, a))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			rec := a
			if i%2 == 0 {
				rec = b
			}
			assert.NoError(t, s.Save(ctx, rec))
		}(i)
		go func() {
			defer wg.Done()
			got, err := s.Load(ctx, "busy")
			if assert.NoError(t, err) {
				assert.True(t, assert.ObjectsAreEqual(a, got) || assert.ObjectsAreEqual(b, got), "torn read: %+v", got)
			}
		}()
	}
	wg.Wait()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files left behind")
}

func TestSanitizeID(t *testing.T) {
	assert.Equal(t, "cam-1_A.b", sanitizeID("cam-1_A.b"))
	assert.Equal(t, "_.._etc_passwd", sanitizeID("/../etc/passwd"))
	assert.Equal(t, "a_b_c", sanitizeID("a/b c"))
}
