package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anatolykoptev/go-imagecheck"
	"github.com/anatolykoptev/go-imagecheck/internal/config"
	"github.com/anatolykoptev/go-imagecheck/internal/usage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var fixedNow = time.Date(2026, 5, 4, 12, 30, 0, 0, time.UTC)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := range 48 {
		for x := range 64 {
			img.Set(x, y, color.RGBA{uint8(x * 4), uint8(y * 5), 120, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func uploadRequest(t *testing.T, field, filename string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if field != "" {
		fw, err := mw.CreateFormFile(field, filename)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/predict", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("User-Agent", "imagecheck-test")
	return req
}

type testEnv struct {
	srv   *Server
	store *usage.Store
}

func newTestServer(t *testing.T, metered bool, mutate func(*config.ServerConfig)) testEnv {
	t.Helper()
	cfg := config.DefaultConfig().Server
	cfg.RateLimit = 0
	cfg.StrictResponses = true
	if mutate != nil {
		mutate(&cfg)
	}

	var store *usage.Store
	if metered {
		var err error
		store, err = usage.Open(filepath.Join(t.TempDir(), "usage.db"),
			usage.WithFreeScansPerDay(1),
			usage.WithClock(func() time.Time { return fixedNow }))
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
	}

	srv, err := New(imagecheck.New(imagecheck.Config{}), Options{
		Config:  cfg,
		Usage:   store,
		Locator: "pigo",
		Now:     func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	return testEnv{srv: srv, store: store}
}

func serve(srv *Server, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestNewRequiresAnalyzer(t *testing.T) {
	t.Parallel()
	_, err := New(nil, Options{})
	assert.Error(t, err)
}

func TestPing(t *testing.T) {
	t.Parallel()
	env := newTestServer(t, false, nil)
	w := serve(env.srv, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"pong!"}`, w.Body.String())
}

func TestHealth(t *testing.T) {
	t.Parallel()
	env := newTestServer(t, true, nil)
	w := serve(env.srv, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, Version, body["version"])
	features := body["features"].(map[string]any)
	assert.EqualValues(t, 1, features["free_scans_per_day"])
	assert.Equal(t, false, features["premium_available"])
	assert.Equal(t, "pigo", features["face_locator"])
	assert.Equal(t, "none", features["face_scorer"])
}

func TestNoRoute(t *testing.T) {
	t.Parallel()
	env := newTestServer(t, false, nil)
	w := serve(env.srv, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"Endpoint not found"}`, w.Body.String())
}

func TestPredictSuccess(t *testing.T) {
	t.Parallel()
	env := newTestServer(t, true, nil)

	w := serve(env.srv, uploadRequest(t, "file", "photo.png", pngBytes(t)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		RequestID string            `json:"request_id"`
		Filename  string            `json:"filename"`
		UserType  string            `json:"user_type"`
		Result    imagecheck.Result `json:"result"`
		ScanInfo  struct {
			ScansUsedToday int    `json:"scans_used_today"`
			ScansLeftToday int    `json:"scans_left_today"`
			NextFreeScan   string `json:"next_free_scan"`
		} `json:"scan_info"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	assert.Len(t, resp.RequestID, 26)
	assert.Equal(t, "photo.png", resp.Filename)
	assert.Equal(t, usage.UserFree, resp.UserType)
	require.True(t, resp.Result.OK())
	assert.True(t, resp.Result.Report.AnalysisComplete)
	assert.Equal(t, 0, resp.Result.Report.FacesDetected)
	assert.Equal(t, 1, resp.ScanInfo.ScansUsedToday)
	assert.Equal(t, 0, resp.ScanInfo.ScansLeftToday)
	assert.Equal(t, "2026-05-05 12:30:00", resp.ScanInfo.NextFreeScan)

	u, err := env.store.Get(t.Context(), usage.UserID("192.0.2.1", "imagecheck-test"))
	require.NoError(t, err)
	assert.Equal(t, 1, u.TotalScans)
}

func TestPredictQuotaExceeded(t *testing.T) {
	t.Parallel()
	env := newTestServer(t, true, nil)
	data := pngBytes(t)

	require.Equal(t, http.StatusOK, serve(env.srv, uploadRequest(t, "file", "a.png", data)).Code)

	w := serve(env.srv, uploadRequest(t, "file", "b.png", data))
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.JSONEq(t, `{
		"error": "Scan limit reached",
		"message": "You've used your 1 free scan(s) for today.",
		"user_type": "free",
		"scans_used": 1,
		"scans_left": 0
	}`, w.Body.String())
}

// racingLocator records a scan for userID while the analysis is running,
// as a concurrent request from the same user would.
type racingLocator struct {
	store  *usage.Store
	userID string
}

func (l racingLocator) Locate(*imagecheck.Image) ([]imagecheck.FaceBox, error) {
	return nil, l.store.RecordScan(context.Background(), l.userID)
}

func TestPredictConcurrentScanLosesLastSlot(t *testing.T) {
	t.Parallel()
	env := newTestServer(t, true, nil)
	userID := usage.UserID("192.0.2.1", "imagecheck-test")
	env.srv.SetAnalyzer(imagecheck.New(imagecheck.Config{
		Locator: racingLocator{store: env.store, userID: userID},
	}))

	w := serve(env.srv, uploadRequest(t, "file", "a.png", pngBytes(t)))
	require.Equal(t, http.StatusTooManyRequests, w.Code, w.Body.String())
	assert.Equal(t, "Scan limit reached", decode(t, w)["error"])

	u, err := env.store.Get(t.Context(), userID)
	require.NoError(t, err)
	assert.Equal(t, 1, u.DailyScans)
	assert.Equal(t, 1, u.TotalScans)
}

func TestPredictPremiumUnlimited(t *testing.T) {
	t.Parallel()
	env := newTestServer(t, true, nil)
	userID := usage.UserID("192.0.2.1", "imagecheck-test")
	_, err := env.store.Upgrade(t.Context(), userID, 1)
	require.NoError(t, err)

	data := pngBytes(t)
	for range 3 {
		w := serve(env.srv, uploadRequest(t, "file", "a.png", data))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		body := decode(t, w)
		assert.Equal(t, usage.UserPremium, body["user_type"])
		assert.Equal(t, "unlimited", body["scan_info"].(map[string]any)["scans_left_today"])
	}
}

func TestPredictRejectsBadUploads(t *testing.T) {
	t.Parallel()
	truncatedPNG := pngBytes(t)[:40]

	tests := []struct {
		name     string
		field    string
		data     []byte
		wantCode int
		wantErr  string
	}{
		{"missing file", "", nil, http.StatusBadRequest, "No file uploaded"},
		{"wrong field", "image", []byte("x"), http.StatusBadRequest, "No file uploaded"},
		{"not an image", "file", []byte("%PDF-1.4 hello"), http.StatusBadRequest, "Uploaded file is not an image"},
		{"undecodable image", "file", truncatedPNG, http.StatusBadRequest, imagecheck.MsgCannotOpenImage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newTestServer(t, true, nil)
			w := serve(env.srv, uploadRequest(t, tt.field, "upload.bin", tt.data))
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())
			assert.Equal(t, tt.wantErr, decode(t, w)["error"])

			// Failed uploads do not consume quota.
			st, err := env.store.CanScan(t.Context(), usage.UserID("192.0.2.1", "imagecheck-test"), "")
			require.NoError(t, err)
			assert.True(t, st.CanScan)
		})
	}
}

func TestPredictTooLarge(t *testing.T) {
	t.Parallel()
	env := newTestServer(t, false, func(c *config.ServerConfig) { c.MaxUploadMB = 1 })
	big := append(pngBytes(t), make([]byte, 2<<20)...)

	w := serve(env.srv, uploadRequest(t, "file", "big.png", big))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestPredictUnmetered(t *testing.T) {
	t.Parallel()
	env := newTestServer(t, false, nil)
	data := pngBytes(t)
	for range 2 {
		w := serve(env.srv, uploadRequest(t, "file", "a.png", data))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}
}

func TestUserStatus(t *testing.T) {
	t.Parallel()
	env := newTestServer(t, true, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/user/status", nil)
	req.Header.Set("User-Agent", "imagecheck-test")

	w := serve(env.srv, req)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, usage.UserID("192.0.2.1", "imagecheck-test"), body["user_id"])
	st := body["scan_status"].(map[string]any)
	assert.Equal(t, true, st["can_scan"])
	assert.EqualValues(t, 1, st["scans_left"])
}

func TestRateLimit(t *testing.T) {
	t.Parallel()
	env := newTestServer(t, false, func(c *config.ServerConfig) { c.RateLimit = 1 })

	first := serve(env.srv, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, first.Code)

	second := serve(env.srv, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Contains(t, second.Body.String(), "Too many requests")
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()
	env := newTestServer(t, false, func(c *config.ServerConfig) {
		c.AllowOrigins = []string{"https://imagecheck.example"}
	})
	req := httptest.NewRequest(http.MethodOptions, "/predict", nil)
	req.Header.Set("Origin", "https://imagecheck.example")
	req.Header.Set("Access-Control-Request-Method", "POST")

	w := serve(env.srv, req)
	assert.Equal(t, "https://imagecheck.example", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestSetAnalyzerSwaps(t *testing.T) {
	t.Parallel()
	env := newTestServer(t, false, nil)
	next := imagecheck.NewWithTunables(imagecheck.Config{}, imagecheck.Tunables{ELAQuality: 75})
	env.srv.SetAnalyzer(next)
	assert.Same(t, next, env.srv.Analyzer())

	env.srv.SetAnalyzer(nil)
	assert.Same(t, next, env.srv.Analyzer())
}

func TestCheckResponseRejectsBadShape(t *testing.T) {
	t.Parallel()
	sch, err := compilePredictSchema()
	require.NoError(t, err)

	bad := PredictResponse{
		RequestID: "01J0000000000000000000000",
		Timestamp: fixedNow.Format(time.RFC3339),
		UserType:  "free",
		Result: imagecheck.Result{Report: &imagecheck.Report{
			AIScore:          1.5,
			FinalLabel:       imagecheck.LabelLikelyReal,
			AnalysisComplete: true,
		}},
		ScanInfo: ScanInfo{ScansUsedToday: 1, NextFreeScan: "x"},
	}
	assert.Error(t, checkResponse(sch, bad))

	bad.Result.Report.AIScore = 0.5
	assert.NoError(t, checkResponse(sch, bad))
}
