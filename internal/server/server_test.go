package server

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/resin/internal/exposure"
	"github.com/samcharles93/resin/internal/media"
	"github.com/samcharles93/resin/pkg/ctb"
)

const width, height = 4, 2

var masks = [][]byte{
	{255, 255, 0, 0, 0, 0, 0, 0},
	{0, 0, 255, 255, 255, 255, 0, 0},
}

func sampleCTB(t *testing.T, mutate func(*ctb.Job)) []byte {
	t.Helper()
	job := &ctb.Job{
		Variant: ctb.VariantCTB,
		Header: ctb.Header{
			LayerHeight:      0.05,
			ExposureTime:     2,
			BottomLayerCount: 1,
			ResolutionX:      width,
			ResolutionY:      height,
			EncryptionKey:    0x51,
		},
		MachineName:  "Saturn",
		LargePreview: previewImage(),
	}
	for i, m := range masks {
		job.Layers = append(job.Layers, ctb.LayerImage{
			PositionZ:    float32(i+1) * 0.05,
			ExposureTime: 2,
			Pixels:       m,
		})
	}
	if mutate != nil {
		mutate(job)
	}
	data, err := ctb.Encode(job)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}

func previewImage() image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, 8, 4))
	for y := range 4 {
		for x := range 8 {
			img.Set(x, y, color.NRGBA{R: uint8(x * 32), G: uint8(y * 64), B: 128, A: 255})
		}
	}
	return img
}

type testEnv struct {
	e     *echo.Echo
	panel *exposure.Framebuffer
}

// gate holds every exposure until closed.
type gate chan struct{}

func (g gate) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-g:
		return nil
	}
}

func newTestEcho(t *testing.T, sleep exposure.SleepFunc) testEnv {
	t.Helper()
	dir := t.TempDir()
	files := map[string][]byte{
		"cube.ctb": sampleCTB(t, nil),
		"bad.ctb": sampleCTB(t, func(j *ctb.Job) {
			j.Header.EncryptionKey = 0
			j.Layers[1].Data = []byte{0x80, 20}
		}),
		"junk.ctb": []byte(strings.Repeat("junk", 40)),
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	vol, err := media.NewVolume(dir)
	if err != nil {
		t.Fatalf("volume: %v", err)
	}
	panel := exposure.NewFramebuffer(1, 1)
	ctrl := exposure.NewController(panel, &exposure.Axis{}, exposure.Config{Sleep: sleep})
	server := NewServer(Config{
		Volume: vol,
		Prints: exposure.NewManager(ctrl),
		Panel:  panel,
	})
	e := echo.New()
	server.Register(e)
	return testEnv{e: e, panel: panel}
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return out
}

type errorBody struct {
	Error APIError `json:"error"`
}

func TestListAndGetJobs(t *testing.T) {
	t.Parallel()

	env := newTestEcho(t, nil)
	rec := doJSON(t, env.e, http.MethodGet, "/v1/jobs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status: got %d body=%s", rec.Code, rec.Body.String())
	}
	list := decode[struct {
		Data []struct {
			Name  string `json:"name"`
			Error string `json:"error"`
			Info  *struct {
				Format     string `json:"format"`
				LayerCount uint32 `json:"layer_count"`
			} `json:"info"`
		} `json:"data"`
	}](t, rec)
	if len(list.Data) != 3 {
		t.Fatalf("jobs: got %d", len(list.Data))
	}
	if got := list.Data[1]; got.Name != "cube.ctb" || got.Info == nil || got.Info.LayerCount != 2 || got.Info.Format != "ctb" {
		t.Fatalf("cube.ctb: %+v", got)
	}
	if got := list.Data[2]; got.Name != "junk.ctb" || got.Error == "" {
		t.Fatalf("junk.ctb: %+v", got)
	}

	rec = doJSON(t, env.e, http.MethodGet, "/v1/jobs/cube.ctb", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status: got %d body=%s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, env.e, http.MethodGet, "/v1/jobs/missing.ctb", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing status: got %d", rec.Code)
	}
}

func TestLayers(t *testing.T) {
	t.Parallel()

	env := newTestEcho(t, nil)
	rec := doJSON(t, env.e, http.MethodGet, "/v1/jobs/cube.ctb/layers?offset=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("layers status: got %d body=%s", rec.Code, rec.Body.String())
	}
	page := decode[struct {
		Data  []Layer `json:"data"`
		Total int     `json:"total"`
	}](t, rec)
	if page.Total != 2 || len(page.Data) != 1 || page.Data[0].Index != 1 || page.Data[0].Bottom {
		t.Fatalf("page: %+v", page)
	}

	rec = doJSON(t, env.e, http.MethodGet, "/v1/jobs/cube.ctb/layers/1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("layer status: got %d body=%s", rec.Code, rec.Body.String())
	}
	got := decode[LayerDetail](t, rec)
	if got.Pixels != width*height || got.Lit != 4 || got.Runs != 3 || len(got.Digest) != 16 {
		t.Fatalf("detail: %+v", got)
	}

	for path, want := range map[string]int{
		"/v1/jobs/cube.ctb/layers/2":       http.StatusNotFound,
		"/v1/jobs/cube.ctb/layers/x":       http.StatusBadRequest,
		"/v1/jobs/cube.ctb/layers?limit=z": http.StatusBadRequest,
		"/v1/jobs/junk.ctb/layers":         http.StatusUnprocessableEntity,
	} {
		if rec := doJSON(t, env.e, http.MethodGet, path, ""); rec.Code != want {
			t.Fatalf("%s: got %d want %d body=%s", path, rec.Code, want, rec.Body.String())
		}
	}
}

func TestCorruptLayer(t *testing.T) {
	t.Parallel()

	env := newTestEcho(t, nil)
	rec := doJSON(t, env.e, http.MethodGet, "/v1/jobs/bad.ctb/layers/1", "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	body := decode[errorBody](t, rec)
	if body.Error.Type != "corrupt_layer_error" || body.Error.Layer == nil || *body.Error.Layer != 1 {
		t.Fatalf("error: %+v", body.Error)
	}

	rec = doJSON(t, env.e, http.MethodGet, "/metrics", "")
	if !strings.Contains(rec.Body.String(), "resin_layer_faults_total 1") {
		t.Fatalf("fault not counted:\n%s", rec.Body.String())
	}
}

func TestLayerImage(t *testing.T) {
	t.Parallel()

	env := newTestEcho(t, nil)
	rec := doJSON(t, env.e, http.MethodGet, "/v1/jobs/cube.ctb/layers/0/image.png", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	img, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("png: %v", err)
	}
	var got []byte
	for y := range height {
		for x := range width {
			r, _, _, _ := img.At(x, y).RGBA()
			got = append(got, byte(r>>8))
		}
	}
	if diff := cmp.Diff(masks[0], got); diff != "" {
		t.Fatalf("image (-want +got):\n%s", diff)
	}
}

func TestPreview(t *testing.T) {
	t.Parallel()

	env := newTestEcho(t, nil)
	rec := doJSON(t, env.e, http.MethodGet, "/v1/jobs/cube.ctb/previews/large.png", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("large: got %d body=%s", rec.Code, rec.Body.String())
	}
	if _, err := png.Decode(bytes.NewReader(rec.Body.Bytes())); err != nil {
		t.Fatalf("png: %v", err)
	}
	if rec := doJSON(t, env.e, http.MethodGet, "/v1/jobs/cube.ctb/previews/small", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("small: got %d", rec.Code)
	}
	if rec := doJSON(t, env.e, http.MethodGet, "/v1/jobs/cube.ctb/previews/huge", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("huge: got %d", rec.Code)
	}
}

func TestPrintLifecycle(t *testing.T) {
	t.Parallel()

	g := make(gate)
	env := newTestEcho(t, g.sleep)

	if rec := doJSON(t, env.e, http.MethodPost, "/v1/prints", `{"job":""}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty job: got %d", rec.Code)
	}
	if rec := doJSON(t, env.e, http.MethodPost, "/v1/prints", `{"job":"../cube.ctb"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("path job: got %d", rec.Code)
	}

	rec := doJSON(t, env.e, http.MethodPost, "/v1/prints", `{"job":"cube.ctb"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("start: got %d body=%s", rec.Code, rec.Body.String())
	}
	started := decode[exposure.Session](t, rec)
	if started.State != exposure.StateRunning {
		t.Fatalf("started: %+v", started)
	}
	if rec := doJSON(t, env.e, http.MethodPost, "/v1/prints", `{"job":"cube.ctb"}`); rec.Code != http.StatusConflict {
		t.Fatalf("second start: got %d", rec.Code)
	}

	rec = doJSON(t, env.e, http.MethodPost, "/v1/prints/"+started.ID.String()+"/cancel", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: got %d body=%s", rec.Code, rec.Body.String())
	}
	if got := decode[exposure.Session](t, rec); got.State != exposure.StateCancelled {
		t.Fatalf("cancelled: %+v", got)
	}

	rec = doJSON(t, env.e, http.MethodGet, "/v1/prints/"+started.ID.String(), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: got %d", rec.Code)
	}
	if rec := doJSON(t, env.e, http.MethodGet, "/v1/prints/nope", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id: got %d", rec.Code)
	}
	if rec := doJSON(t, env.e, http.MethodGet, "/v1/prints/"+uuid.NewString(), ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id: got %d", rec.Code)
	}
}

func TestPanel(t *testing.T) {
	t.Parallel()

	env := newTestEcho(t, func(ctx context.Context, d time.Duration) error { return ctx.Err() })
	if rec := doJSON(t, env.e, http.MethodGet, "/v1/panel.png", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("idle panel: got %d", rec.Code)
	}

	rec := doJSON(t, env.e, http.MethodPost, "/v1/prints", `{"job":"cube.ctb"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("start: got %d body=%s", rec.Code, rec.Body.String())
	}
	started := decode[exposure.Session](t, rec)
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec = doJSON(t, env.e, http.MethodGet, "/v1/prints/"+started.ID.String(), "")
		if decode[exposure.Session](t, rec).State == exposure.StateCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("print did not complete: %s", rec.Body.String())
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec = doJSON(t, env.e, http.MethodGet, "/v1/panel.png", "")
	if rec.Code != http.StatusOK || rec.Header().Get("X-Resin-Layer") != "1" {
		t.Fatalf("panel: got %d layer %q", rec.Code, rec.Header().Get("X-Resin-Layer"))
	}
}

func TestMetrics(t *testing.T) {
	t.Parallel()

	env := newTestEcho(t, nil)
	doJSON(t, env.e, http.MethodGet, "/v1/jobs/cube.ctb/layers/0", "")
	rec := doJSON(t, env.e, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	for _, want := range []string{
		`resin_jobs_opened_total{format="ctb"} 1`,
		"resin_layers_decoded_total 1",
		"go_goroutines",
	} {
		if !strings.Contains(rec.Body.String(), want) {
			t.Fatalf("metrics lack %q", want)
		}
	}
}
