package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dvr-worker-go/internal/config"
	"dvr-worker-go/internal/models"
	"dvr-worker-go/internal/services/camera"
	"dvr-worker-go/internal/services/capture"
	"dvr-worker-go/internal/services/catalog"
	"dvr-worker-go/internal/services/publisher"
)

type fakeCamera struct {
	startErr    error
	recordErr   error
	stopErr     error
	status      models.CaptureStatus
	recording   bool
	stopCalls   int
	recordPath  string
	stoppedPath string
}

func (f *fakeCamera) StartCapture() error {
	if f.startErr == nil {
		f.status = models.CaptureStatusRunning
	}
	return f.startErr
}

func (f *fakeCamera) StopCapture() {
	f.stopCalls++
	f.status = models.CaptureStatusStopped
}

func (f *fakeCamera) CameraStatus() models.CameraStatus {
	return models.CameraStatus{Device: "/dev/video0", Status: f.status}
}

func (f *fakeCamera) StartRecording() (string, error) {
	if f.recordErr != nil {
		return "", f.recordErr
	}
	f.recording = true
	return f.recordPath, nil
}

func (f *fakeCamera) StopRecording() (string, error) {
	if f.stopErr != nil {
		return "", f.stopErr
	}
	f.recording = false
	return f.stoppedPath, nil
}

func (f *fakeCamera) RecordingStatus() models.RecordingStatus {
	return models.RecordingStatus{Recording: f.recording}
}

type fakePreview struct {
	snapshot []byte
	err      error
}

func (f *fakePreview) Snapshot() ([]byte, error) { return f.snapshot, f.err }
func (f *fakePreview) Placeholder(string) ([]byte, error) {
	return []byte("placeholder"), nil
}

type fakeStorage struct {
	threshold  int
	sufficient bool
	evicted    bool
	checks     int
}

func (f *fakeStorage) Status() models.StorageStatus {
	return models.StorageStatus{Threshold: models.StorageThreshold{MinFreePercent: f.threshold}}
}
func (f *fakeStorage) CheckSpace() bool       { f.checks++; return f.sufficient }
func (f *fakeStorage) CleanupOldestDay() bool { return f.evicted }
func (f *fakeStorage) SetMinFreeSpacePercent(p int) {
	f.threshold = config.ClampPercent(p)
}
func (f *fakeStorage) MinFreeSpacePercent() int { return f.threshold }

type fakeCatalog struct{}

func (fakeCatalog) Days() ([]models.DateDirectory, error) {
	return []models.DateDirectory{{Name: "20240302"}, {Name: "20240301"}}, nil
}

func (fakeCatalog) Recordings(date string) ([]models.RecordingFile, error) {
	switch date {
	case "20240301":
		return []models.RecordingFile{{Name: "14:03-14:05.mp4", Date: date, Complete: true}}, nil
	case "20240302":
		return nil, fmt.Errorf("%w: %s", catalog.ErrNotFound, date)
	default:
		return nil, fmt.Errorf("%w: %q", catalog.ErrInvalidDate, date)
	}
}

type fixture struct {
	router  *gin.Engine
	camera  *fakeCamera
	preview *fakePreview
	storage *fakeStorage
}

func newFixture() *fixture {
	gin.SetMode(gin.TestMode)
	f := &fixture{
		camera:  &fakeCamera{status: models.CaptureStatusStopped, recordPath: "/mnt/TFcard/20240301/record_140300.mp4", stoppedPath: "/mnt/TFcard/20240301/14:03-14:05.mp4"},
		preview: &fakePreview{},
		storage: &fakeStorage{threshold: 10, sufficient: true},
	}

	health := NewHealthHandler("dvr-1", "1.0.0", f.camera, func() bool { return true })
	cam := NewCameraHandler(f.camera, f.preview)
	rec := NewRecordingHandler(f.camera)
	st := NewStorageHandler(f.storage)
	recs := NewRecordingsHandler(fakeCatalog{})

	r := gin.New()
	r.GET("/health", health.HealthCheck)
	r.POST("/camera/start", cam.Start)
	r.POST("/camera/stop", cam.Stop)
	r.GET("/camera/status", cam.Status)
	r.GET("/camera/snapshot", cam.Snapshot)
	r.POST("/recording/start", rec.Start)
	r.POST("/recording/stop", rec.Stop)
	r.GET("/recording/status", rec.Status)
	r.GET("/storage", st.Get)
	r.POST("/storage/check", st.Check)
	r.POST("/storage/cleanup", st.Cleanup)
	r.PUT("/storage/threshold", st.SetThreshold)
	r.GET("/recordings", recs.ListDays)
	r.GET("/recordings/:date", recs.ListDay)
	f.router = r
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var decoded map[string]interface{}
	if w.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decoded))
	}
	return w, decoded
}

func TestHealthCheck(t *testing.T) {
	f := newFixture()
	w, body := f.do(t, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "dvr-1", body["worker_id"])
	assert.Equal(t, true, body["messaging_connected"])

	f.camera.status = models.CaptureStatusFailed
	_, body = f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, "degraded", body["status"])
}

func TestCameraStartStop(t *testing.T) {
	f := newFixture()

	w, body := f.do(t, http.MethodPost, "/camera/start", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "running", body["camera"].(map[string]interface{})["status"])

	w, _ = f.do(t, http.MethodPost, "/camera/stop", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, f.camera.stopCalls)
}

func TestCameraStartDeviceUnavailable(t *testing.T) {
	f := newFixture()
	f.camera.startErr = fmt.Errorf("%w: /dev/video0", capture.ErrDeviceUnavailable)

	w, body := f.do(t, http.MethodPost, "/camera/start", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, body["error"], "capture device unavailable")
}

func TestSnapshot(t *testing.T) {
	f := newFixture()
	f.preview.snapshot = []byte{0xff, 0xd8, 0xff}

	w, _ := f.do(t, http.MethodGet, "/camera/snapshot", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	assert.Equal(t, []byte{0xff, 0xd8, 0xff}, w.Body.Bytes())
	assert.Empty(t, w.Header().Get("X-Placeholder"))
}

func TestSnapshotPlaceholderBeforeFirstFrame(t *testing.T) {
	f := newFixture()
	f.preview.err = publisher.ErrNoFrame

	w, _ := f.do(t, http.MethodGet, "/camera/snapshot", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Header().Get("X-Placeholder"))
	assert.Equal(t, "placeholder", w.Body.String())
}

func TestRecordingLifecycle(t *testing.T) {
	f := newFixture()

	w, body := f.do(t, http.MethodPost, "/recording/start", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/mnt/TFcard/20240301/record_140300.mp4", body["path"])

	_, body = f.do(t, http.MethodGet, "/recording/status", "")
	assert.Equal(t, true, body["recording"].(map[string]interface{})["recording"])

	w, body = f.do(t, http.MethodPost, "/recording/stop", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/mnt/TFcard/20240301/14:03-14:05.mp4", body["path"])
}

func TestRecordingErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{camera.ErrAlreadyRecording, http.StatusConflict},
		{camera.ErrCaptureNotRunning, http.StatusConflict},
		{camera.ErrInsufficientStorage, http.StatusInsufficientStorage},
		{camera.ErrRecordingFailed, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			f := newFixture()
			f.camera.recordErr = tc.err
			w, body := f.do(t, http.MethodPost, "/recording/start", "")
			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, tc.err.Error(), body["error"])
		})
	}

	f := newFixture()
	f.camera.stopErr = camera.ErrNotRecording
	w, _ := f.do(t, http.MethodPost, "/recording/stop", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestStorageEndpoints(t *testing.T) {
	f := newFixture()

	w, body := f.do(t, http.MethodGet, "/storage", "")
	require.Equal(t, http.StatusOK, w.Code)
	threshold := body["storage"].(map[string]interface{})["threshold"].(map[string]interface{})
	assert.Equal(t, float64(10), threshold["min_free_percent"])

	f.storage.sufficient = false
	_, body = f.do(t, http.MethodPost, "/storage/check", "")
	assert.Equal(t, false, body["sufficient"])
	assert.Equal(t, 1, f.storage.checks)

	_, body = f.do(t, http.MethodPost, "/storage/cleanup", "")
	assert.Equal(t, false, body["success"])
	f.storage.evicted = true
	_, body = f.do(t, http.MethodPost, "/storage/cleanup", "")
	assert.Equal(t, true, body["success"])
}

func TestSetThreshold(t *testing.T) {
	f := newFixture()

	w, body := f.do(t, http.MethodPut, "/storage/threshold", `{"min_free_percent":150}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(100), body["min_free_percent"])

	w, body = f.do(t, http.MethodPut, "/storage/threshold", `{"min_free_percent":0}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), body["min_free_percent"])

	w, _ = f.do(t, http.MethodPut, "/storage/threshold", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRecordingsCatalog(t *testing.T) {
	f := newFixture()

	w, body := f.do(t, http.MethodGet, "/recordings", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), body["count"])

	w, body = f.do(t, http.MethodGet, "/recordings/20240301", "")
	require.Equal(t, http.StatusOK, w.Code)
	files := body["recordings"].([]interface{})
	require.Len(t, files, 1)
	assert.Equal(t, "14:03-14:05.mp4", files[0].(map[string]interface{})["name"])

	w, _ = f.do(t, http.MethodGet, "/recordings/20240302", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = f.do(t, http.MethodGet, "/recordings/yesterday", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsHandlerRefreshes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "dvr_test_gauge"})
	reg.MustRegister(gauge)

	r := gin.New()
	r.GET("/metrics", MetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), func() { gauge.Set(42) }))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "dvr_test_gauge 42")
}
