package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dharsanguruparan/DigitalSaathi/internal/analysis"
	"github.com/dharsanguruparan/DigitalSaathi/internal/asset"
	"github.com/dharsanguruparan/DigitalSaathi/internal/asset/assettest"
	"github.com/dharsanguruparan/DigitalSaathi/internal/config"
	"github.com/dharsanguruparan/DigitalSaathi/internal/docstore"
	"github.com/dharsanguruparan/DigitalSaathi/internal/pipeline"
	"github.com/dharsanguruparan/DigitalSaathi/internal/upload"
)

type testServer struct {
	*httptest.Server
	srv      *Server
	assets   *asset.Registry
	store    *docstore.MemoryStore
	uploader *upload.Fixed
	analyzer *analysis.Fixed
}

func newTestServer(t *testing.T, requireImage bool) *testServer {
	t.Helper()
	ts := &testServer{
		store:    docstore.NewMemoryStore(),
		uploader: upload.NewFixed(0),
		analyzer: analysis.NewFixed(0),
		assets:   assettest.NewRegistry(t),
	}
	cfg := &config.Config{
		MaxFileSize:       1 << 20,
		ListingCollection: "products",
		RequireImage:      requireImage,
	}
	ts.srv = New(cfg, Deps{
		Assets:   ts.assets,
		Uploader: ts.uploader,
		Analyzer: ts.analyzer,
		Store:    ts.store,
	}, zaptest.NewLogger(t))
	ts.Server = httptest.NewServer(ts.srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ts.srv.Close()
	})
	return ts
}

func multipartBody(t *testing.T, fields map[string]string, image []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if image != nil {
		fw, err := mw.CreateFormFile("image", "scarf.png")
		require.NoError(t, err)
		_, err = fw.Write(image)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func mayaFields() map[string]string {
	return map[string]string{
		"artisanName": "Maya",
		"productName": "Scarf",
		"description": "Hand-woven silk",
		"price":       "450",
		"contact":     "9999999999",
		"area":        "Jaipur",
	}
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, false)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	var body map[string]string
	decode(t, resp, &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestCreateListing(t *testing.T) {
	ts := newTestServer(t, false)

	resp, err := http.Get(ts.URL + "/listings/latest")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	body, ct := multipartBody(t, mayaFields(), nil)
	resp, err = http.Post(ts.URL+"/listings", ct, body)
	require.NoError(t, err)
	var created struct {
		Message string         `json:"message"`
		Listing map[string]any `json:"listing"`
	}
	decode(t, resp, &created)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "Product saved successfully!", created.Message)
	assert.Equal(t, 450.0, created.Listing["price"])
	assert.NotContains(t, created.Listing, "imageUrl")
	assert.NotEmpty(t, created.Listing["id"])
	assert.NotEmpty(t, created.Listing["createdAt"])
	assert.Len(t, ts.store.All("products"), 1)

	resp, err = http.Get(ts.URL + "/listings/latest")
	require.NoError(t, err)
	var latest map[string]any
	decode(t, resp, &latest)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, created.Listing["id"], latest["id"])
	assert.Equal(t, "Scarf", latest["productName"])
}

func TestCreateListingWithImage(t *testing.T) {
	ts := newTestServer(t, true)

	body, ct := multipartBody(t, mayaFields(), nil)
	resp, err := http.Post(ts.URL+"/listings", ct, body)
	require.NoError(t, err)
	var failed map[string]string
	decode(t, resp, &failed)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Please check the form: product image required", failed["message"])

	body, ct = multipartBody(t, mayaFields(), assettest.PNG(t, 32, 32))
	resp, err = http.Post(ts.URL+"/listings", ct, body)
	require.NoError(t, err)
	var created struct {
		Listing map[string]any `json:"listing"`
	}
	decode(t, resp, &created)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, upload.PlaceholderURL, created.Listing["imageUrl"])
}

func TestCreateListingErrors(t *testing.T) {
	ts := newTestServer(t, false)

	fields := mayaFields()
	fields["price"] = "abc"
	body, ct := multipartBody(t, fields, nil)
	resp, err := http.Post(ts.URL+"/listings", ct, body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	ts.uploader.Err = errors.New("bucket unavailable")
	body, ct = multipartBody(t, mayaFields(), assettest.PNG(t, 32, 32))
	resp, err = http.Post(ts.URL+"/listings", ct, body)
	require.NoError(t, err)
	var failed map[string]string
	decode(t, resp, &failed)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "Upload failed: bucket unavailable", failed["message"])
	assert.Empty(t, ts.store.All("products"))

	resp, err = http.Post(ts.URL+"/listings", "application/json", bytes.NewBufferString("{}"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func do(t *testing.T, method, url string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, url, body)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestGeneratorSession(t *testing.T) {
	ts := newTestServer(t, false)
	ts.analyzer.Response.Hashtags = []string{"#silk", "jaipur"}

	resp := do(t, http.MethodPost, ts.URL+"/generator", nil, "")
	var created struct {
		ID string `json:"id"`
	}
	decode(t, resp, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	base := ts.URL + "/generator/" + created.ID

	resp = do(t, http.MethodPost, base+"/generate", nil, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	body, ct := multipartBody(t, nil, assettest.PNG(t, 40, 30))
	resp = do(t, http.MethodPut, base+"/image", body, ct)
	var selected struct {
		ID         string `json:"id"`
		PreviewURL string `json:"previewUrl"`
	}
	decode(t, resp, &selected)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+selected.PreviewURL, nil, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))

	resp = do(t, http.MethodPost, base+"/generate", nil, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var state pipeline.State
	require.Eventually(t, func() bool {
		resp := do(t, http.MethodGet, base, nil, "")
		state = pipeline.State{}
		decode(t, resp, &state)
		return state.Phase == pipeline.PhaseReady
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"#silk", "#jaipur"}, state.Post.Hashtags)

	resp = do(t, http.MethodGet, base+"/text", nil, "")
	text, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, state.Post.Caption+"\n\n#silk #jaipur", string(text))

	resp = do(t, http.MethodPost, base+"/reset", nil, "")
	state = pipeline.State{}
	decode(t, resp, &state)
	assert.Equal(t, pipeline.PhaseIdle, state.Phase)
	assert.Nil(t, state.Asset)

	resp = do(t, http.MethodGet, ts.URL+selected.PreviewURL, nil, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusGone, resp.StatusCode)

	resp = do(t, http.MethodDelete, base, nil, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = do(t, http.MethodGet, base, nil, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGeneratorRejectsBadImage(t *testing.T) {
	ts := newTestServer(t, false)
	resp := do(t, http.MethodPost, ts.URL+"/generator", nil, "")
	var created struct {
		ID string `json:"id"`
	}
	decode(t, resp, &created)

	body, ct := multipartBody(t, nil, []byte("not an image"))
	resp = do(t, http.MethodPut, ts.URL+"/generator/"+created.ID+"/image", body, ct)
	var failed map[string]string
	decode(t, resp, &failed)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, failed["message"], "Please check the form: ")
}

// newSession creates a generator session with an image selected and returns
// its base URL.
func newSession(t *testing.T, ts *testServer) string {
	t.Helper()
	resp := do(t, http.MethodPost, ts.URL+"/generator", nil, "")
	var created struct {
		ID string `json:"id"`
	}
	decode(t, resp, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	base := ts.URL + "/generator/" + created.ID

	body, ct := multipartBody(t, nil, assettest.PNG(t, 40, 30))
	resp = do(t, http.MethodPut, base+"/image", body, ct)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return base
}

func TestGenerateReportsBusy(t *testing.T) {
	ts := newTestServer(t, false)
	ts.analyzer.Delay = time.Minute
	base := newSession(t, ts)

	resp := do(t, http.MethodPost, base+"/generate", nil, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = do(t, http.MethodPost, base+"/generate", nil, "")
	var failed map[string]string
	decode(t, resp, &failed)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "Error: "+pipeline.ErrBusy.Error(), failed["message"])
}

func TestIdleGeneratorSessionsAreReaped(t *testing.T) {
	ts := newTestServer(t, false)
	ts.srv.cfg.PreviewTTL = 20 * time.Millisecond
	base := newSession(t, ts)
	require.Equal(t, 1, ts.assets.Live())

	ts.srv.startSweeper()
	require.Eventually(t, func() bool {
		return ts.assets.Live() == 0
	}, 2*time.Second, 10*time.Millisecond)

	resp := do(t, http.MethodGet, base, nil, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSweepKeepsActiveSessions(t *testing.T) {
	ts := newTestServer(t, false)
	ts.srv.cfg.PreviewTTL = time.Minute
	ts.analyzer.Delay = time.Minute
	busy := newSession(t, ts)
	fresh := newSession(t, ts)

	resp := do(t, http.MethodPost, busy+"/generate", nil, "")
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	assert.Zero(t, ts.srv.sweepIdle(time.Now()))
	assert.Equal(t, 1, ts.srv.sweepIdle(time.Now().Add(time.Hour)))
	assert.Equal(t, 1, ts.assets.Live())

	resp = do(t, http.MethodGet, fresh, nil, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = do(t, http.MethodGet, busy, nil, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRespondJSONLogsToServerLogger(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	srv := New(&config.Config{}, Deps{}, zap.New(core))
	defer srv.Close()

	rec := httptest.NewRecorder()
	srv.respondJSON(rec, http.StatusOK, math.Inf(1))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, logs.FilterMessage("encode response").Len())
}
