package httpdetector

import (
	"context"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/parkwatch/internal/geometry"
)

func TestDetectPostsFrameAndMapsBoxes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)

		f, _, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		img, err := jpeg.Decode(f)
		if assert.NoError(t, err) {
			assert.Equal(t, 64, img.Bounds().Dx())
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"detections":[
			{"x":10,"y":20,"width":30,"height":40,"class":"car","confidence":0.91},
			{"x":0,"y":0,"width":5,"height":5,"class":"person","confidence":0.5}
		]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	dets, err := c.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 64, 48)))
	require.NoError(t, err)
	require.Len(t, dets, 2)

	assert.Equal(t, "car", dets[0].Label)
	assert.InDelta(t, 0.91, dets[0].Confidence, 1e-6)
	assert.Equal(t, geometry.Box{X1: 10, Y1: 20, X2: 40, Y2: 60}, dets[0].Box)
	assert.Equal(t, "person", dets[1].Label)
}

func TestDetectNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(srv.URL, time.Second).Detect(context.Background(), image.NewGray(image.Rect(0, 0, 8, 8)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestCheckHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	assert.NoError(t, New(srv.URL, time.Second).CheckHealth(context.Background()))
	assert.Error(t, New(srv.URL+"/predict", time.Second).CheckHealth(context.Background()))
}
