package server

import (
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fnm-team/rigdash/internal/rig"
	"github.com/fnm-team/rigdash/internal/serialport"
	"github.com/fnm-team/rigdash/internal/session"
	"github.com/fnm-team/rigdash/internal/timeutil"
)

type testRig struct {
	srv     *Server
	port    *serialport.TestablePort
	clock   *timeutil.MockClock
	present bool
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	tr := &testRig{
		port:    serialport.NewTestablePort(),
		clock:   timeutil.NewMockClock(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)),
		present: true,
	}

	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), "config.yaml")
	cfg.Logging.Path = t.TempDir()

	loc := serialport.NewLocator(serialport.Config{
		Candidates:  []string{"/dev/ttyACM0"},
		VendorMatch: []string{},
		Settle:      -1,
	})
	loc.Exists = func(string) bool { return tr.present }
	loc.ListPorts = nil
	loc.Open = serialport.StaticOpener(tr.port, nil)

	ctrl := session.New(loc, tr.clock, cfg.SessionTuning())
	webFS := fstest.MapFS{"index.html": {Data: []byte("<html>rig</html>")}}
	tr.srv = New(cfg, ctrl, webFS)
	return tr
}

func (tr *testRig) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	tr.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// snapshotJSON mirrors session.Snapshot for decoding; Params is an interface there.
type snapshotJSON struct {
	ID          string      `json:"id"`
	State       string      `json:"state"`
	Mode        string      `json:"mode"`
	Sent        bool        `json:"sent"`
	Connected   bool        `json:"connected"`
	Elapsed     int         `json:"elapsed"`
	ElapsedText string      `json:"elapsedText"`
	Samples     int         `json:"samples"`
	Status      string      `json:"status"`
	Latest      *sampleJSON `json:"latest"`
}

type sampleJSON struct {
	Seconds   int     `json:"seconds"`
	Voltage   float64 `json:"voltage"`
	Direction string  `json:"direction"`
	Phase     string  `json:"phase"`
}

func TestStaticFiles(t *testing.T) {
	tr := newTestRig(t)
	rec := tr.do(t, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rig")
}

func TestSessionLifecycle(t *testing.T) {
	tr := newTestRig(t)

	rec := tr.do(t, http.MethodGet, "/api/session", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "idle", decode[snapshotJSON](t, rec).State)

	rec = tr.do(t, http.MethodPost, "/api/session/start", `{"mode":"CDI","durationMinutes":2}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	snap := decode[snapshotJSON](t, rec)
	assert.Equal(t, "running", snap.State)
	assert.Equal(t, "CDI", snap.Mode)
	assert.True(t, snap.Sent)
	assert.Equal(t, []string{"Time:120000"}, tr.port.WrittenLines())

	tr.clock.Advance(2 * time.Second)
	tr.port.AddReadData("VOLTAGE: 0.950 | DIR: up | MODE: Charging\n")
	frame := tr.srv.tick()
	require.Len(t, frame.Samples, 1)
	assert.Equal(t, 2, frame.Samples[0].Elapsed)
	assert.Equal(t, "running", frame.Session.State.String())

	rec = tr.do(t, http.MethodPost, "/api/session/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	snap = decode[snapshotJSON](t, rec)
	assert.Equal(t, "stopped", snap.State)
	assert.False(t, snap.Sent)
	require.NotNil(t, snap.Latest)
	assert.Equal(t, "Stopped", snap.Latest.Phase)
	assert.Equal(t, 2, snap.Elapsed)
	assert.Equal(t, []string{"Time:120000", "STOP"}, tr.port.WrittenLines())

	rec = tr.do(t, http.MethodPost, "/api/session/start", `{"mode":"CDI"}`)
	assert.Equal(t, http.StatusConflict, rec.Code, "start requires a reset after stop")

	rec = tr.do(t, http.MethodPost, "/api/session/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	snap = decode[snapshotJSON](t, rec)
	assert.Equal(t, "idle", snap.State)
	assert.Equal(t, 0, snap.Samples)
}

func TestStart_UsesConfiguredDefaults(t *testing.T) {
	tr := newTestRig(t)

	rec := tr.do(t, http.MethodPost, "/api/session/start", `{"peak":2.2}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"Peak:2.20", "Min:0.40", "Time:60000"}, tr.port.WrittenLines())
}

func TestStart_DoubleStartIsNoop(t *testing.T) {
	tr := newTestRig(t)

	require.Equal(t, http.StatusOK, tr.do(t, http.MethodPost, "/api/session/start", `{"mode":"CDI"}`).Code)
	rec := tr.do(t, http.MethodPost, "/api/session/start", `{"mode":"CDI"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, tr.port.WrittenLines(), 1)
	assert.Contains(t, decode[snapshotJSON](t, rec).Status, "Already sent")
}

func TestStart_Errors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		absent  bool
		failW   bool
		code    int
		message string
	}{
		{name: "malformed body", body: `{"mode":`, code: http.StatusBadRequest, message: "decode"},
		{name: "unknown mode", body: `{"mode":"pulsed"}`, code: http.StatusBadRequest, message: "unknown mode"},
		{name: "out of range", body: `{"mode":"Decoupled","peak":9}`, code: http.StatusBadRequest, message: "invalid parameters"},
		{name: "no device", body: `{"mode":"CDI"}`, absent: true, code: http.StatusServiceUnavailable, message: "no rig controller"},
		{name: "write failure", body: `{"mode":"CDI"}`, failW: true, code: http.StatusBadGateway, message: "Time:"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTestRig(t)
			tr.present = !tt.absent
			if tt.failW {
				tr.port.FailWriteCall = 1
			}

			rec := tr.do(t, http.MethodPost, "/api/session/start", tt.body)
			assert.Equal(t, tt.code, rec.Code)
			assert.Contains(t, decode[apiError](t, rec).Error, tt.message)
		})
	}
}

func TestReset_WhileRunningConflicts(t *testing.T) {
	tr := newTestRig(t)
	require.Equal(t, http.StatusOK, tr.do(t, http.MethodPost, "/api/session/start", `{"mode":"CDI"}`).Code)

	rec := tr.do(t, http.MethodPost, "/api/session/reset", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	tr := newTestRig(t)
	for _, path := range []string{"/api/session/start", "/api/session/stop", "/api/session/reset"} {
		assert.Equal(t, http.StatusMethodNotAllowed, tr.do(t, http.MethodGet, path, "").Code, path)
	}
	for _, path := range []string{"/api/session", "/api/history", "/api/history.csv", "/api/chart"} {
		assert.Equal(t, http.StatusMethodNotAllowed, tr.do(t, http.MethodPost, path, "").Code, path)
	}
	assert.Equal(t, http.StatusMethodNotAllowed, tr.do(t, http.MethodDelete, "/api/config", "").Code)
}

func startWithSamples(t *testing.T, tr *testRig, lines ...string) {
	t.Helper()
	rec := tr.do(t, http.MethodPost, "/api/session/start", `{"mode":"Decoupled","peak":2,"min":0.5,"dischargeMinutes":1}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	for _, l := range lines {
		tr.clock.Advance(time.Second)
		tr.port.AddReadData(l + "\n")
		tr.srv.tick()
	}
}

func TestHistory(t *testing.T) {
	tr := newTestRig(t)

	rec := tr.do(t, http.MethodGet, "/api/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"samples":[]`)

	startWithSamples(t, tr,
		"VOLTAGE: 1.0 | DIR: up | MODE: Charging",
		"VOLTAGE: 2.0 | DIR: up | MODE: Charging",
		"VOLTAGE: 1.5 | DIR: down | MODE: Discharging",
	)

	rec = tr.do(t, http.MethodGet, "/api/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		ID      string       `json:"id"`
		Samples []sampleJSON `json:"samples"`
		Summary Summary      `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.ID, 36)
	require.Len(t, resp.Samples, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{resp.Samples[0].Seconds, resp.Samples[1].Seconds, resp.Samples[2].Seconds})
	assert.Equal(t, 3, resp.Summary.Count)
	assert.Equal(t, 1.5, resp.Summary.Mean)
	assert.Equal(t, 1.0, resp.Summary.Min)
	assert.Equal(t, 2.0, resp.Summary.Max)
	assert.Equal(t, 1, resp.Summary.Cycles)
}

func TestHistoryCSV(t *testing.T) {
	tr := newTestRig(t)
	startWithSamples(t, tr,
		"VOLTAGE: 1.250 | DIR: up | MODE: Charging",
		"VOLTAGE: 1.300 | DIR: up | MODE: Charging",
	)
	id := tr.srv.ctrl.Snapshot().ID

	rec := tr.do(t, http.MethodGet, "/api/history.csv", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "voltage_log_"+id[:8]+".csv")

	rows, err := csv.NewReader(rec.Body).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"Seconds", "Voltage", "Direction", "State"},
		{"1", "1.250", "up", "Charging"},
		{"2", "1.300", "up", "Charging"},
	}, rows)
}

func TestChart(t *testing.T) {
	tr := newTestRig(t)
	startWithSamples(t, tr, "VOLTAGE: 1.0 | DIR: up | MODE: Charging")

	rec := tr.do(t, http.MethodGet, "/api/chart", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "Voltage vs Time")
}

func TestConfigAPI(t *testing.T) {
	tr := newTestRig(t)

	rec := tr.do(t, http.MethodGet, "/api/config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"historyCapacity":100`)

	rec = tr.do(t, http.MethodPost, "/api/config", `{"defaults":{"mode":"Custom","chargeMinutes":4}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Custom", tr.srv.cfg.Defaults.Mode)
	assert.Equal(t, 4.0, tr.srv.cfg.Defaults.ChargeMinutes)
	assert.FileExists(t, tr.srv.cfg.path)

	rec = tr.do(t, http.MethodPost, "/api/config", `{bad`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebSocketFrames(t *testing.T) {
	tr := newTestRig(t)
	ts := httptest.NewServer(tr.srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var initial struct {
		Session  snapshotJSON    `json:"session"`
		Defaults *DefaultsConfig `json:"defaults"`
	}
	require.NoError(t, conn.ReadJSON(&initial))
	assert.Equal(t, "idle", initial.Session.State)
	require.NotNil(t, initial.Defaults)
	assert.Equal(t, "Decoupled", initial.Defaults.Mode)

	require.NoError(t, tr.srv.ctrl.Start(rig.CDI{Duration: time.Minute}))
	tr.clock.Advance(time.Second)
	tr.port.AddReadData("VOLTAGE: 0.8 | DIR: up | MODE: Charging\n")
	tr.srv.broadcast(tr.srv.tick())

	var frame struct {
		Session snapshotJSON `json:"session"`
		Samples []sampleJSON `json:"samples"`
	}
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "running", frame.Session.State)
	require.Len(t, frame.Samples, 1)
	assert.Equal(t, 0.8, frame.Samples[0].Voltage)
}

func TestRecordsSamplesWhenLoggingEnabled(t *testing.T) {
	tr := newTestRig(t)
	tr.srv.logger.SetEnabled(true)
	startWithSamples(t, tr, "VOLTAGE: 1.0 | DIR: up | MODE: Charging")
	tr.srv.logger.Close()

	files, err := filepath.Glob(filepath.Join(tr.srv.cfg.Logging.Path, "voltage_log_*.csv"))
	require.NoError(t, err)
	assert.Len(t, files, 1)
}
