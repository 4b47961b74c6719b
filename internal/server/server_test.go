package server

import (
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

	"github.com/shaunagostinho/obd-uplink/internal/obd"
)

type fixedStats obd.Stats

func (f fixedStats) Stats() obd.Stats { return obd.Stats(f) }

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := LoadConfig(filepath.Join(t.TempDir(), "config.yaml"))
	cfg.Telemetry.Azure.DeviceKey = "c2VjcmV0"

	webFS := fstest.MapFS{"index.html": {Data: []byte("<html>coolant</html>")}}
	s := New(cfg, webFS)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func getJSON(t *testing.T, url string, v interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestStatusBeforeSession(t *testing.T) {
	_, ts := newTestServer(t)

	var st Status
	getJSON(t, ts.URL+"/api/status", &st)
	assert.False(t, st.Connected)
	assert.Nil(t, st.Reading)
	assert.Nil(t, st.Stats)
}

func TestStatusWithSession(t *testing.T) {
	s, ts := newTestServer(t)
	s.SetSession(fixedStats{Queries: 7, Readings: 5})
	s.Observe(obd.Reading{Coolant: 88, Raw: "41 05 80", Decoder: "elm327", Time: time.Now()})

	var st Status
	getJSON(t, ts.URL+"/api/status", &st)
	assert.True(t, st.Connected)
	require.NotNil(t, st.Reading)
	assert.Equal(t, 88, st.Reading.Coolant)
	require.NotNil(t, st.Stats)
	assert.Equal(t, int64(7), st.Stats.Queries)
	assert.Equal(t, int64(5), st.Stats.Readings)

	resp, err := http.Post(ts.URL+"/api/status", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServesEmbeddedPage(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestConfigGetHidesDeviceKey(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/config")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body, "obd")
	azure := body["telemetry"].(map[string]interface{})["azure"].(map[string]interface{})
	assert.NotContains(t, azure, "deviceKey")
	assert.NotContains(t, azure, "device_key")
}

func TestConfigPostMergesAndSaves(t *testing.T) {
	s, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/config", "application/json",
		strings.NewReader(`{"obd":{"pollSeconds":2}}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ack map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	assert.Equal(t, "ok", ack["status"])

	assert.Equal(t, 2*time.Second, s.cfg.OBD.PollPeriod())
	assert.Equal(t, "c2VjcmV0", s.cfg.Telemetry.Azure.DeviceKey)

	saved := LoadConfig(s.cfg.path)
	assert.Equal(t, 2*time.Second, saved.OBD.PollPeriod())

	bad, err := http.Post(ts.URL+"/api/config", "application/json", strings.NewReader(`{`))
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestConfigPostRejectsInvalidConfig(t *testing.T) {
	s, ts := newTestServer(t)

	for _, body := range []string{
		`{"obd":{"decoder":"bogus","pollSeconds":-5}}`,
		`{"obd":{"portPath":"/dev/ttyS7","baudRate":"fast"}}`,
	} {
		resp, err := http.Post(ts.URL+"/api/config", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}

	assert.Equal(t, "offset", s.cfg.OBD.Decoder)
	assert.Equal(t, "/dev/ttyUSB0", s.cfg.OBD.PortPath)
	assert.Equal(t, time.Second, s.cfg.OBD.PollPeriod())
	assert.NoFileExists(t, s.cfg.path, "nothing saved for a rejected update")

	// a later valid update must not carry the rejected fields along
	resp, err := http.Post(ts.URL+"/api/config", "application/json", strings.NewReader(`{"logging":{"enabled":true}}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	saved := LoadConfig(s.cfg.path)
	assert.Equal(t, "/dev/ttyUSB0", saved.OBD.PortPath)
	assert.Equal(t, "offset", saved.OBD.Decoder)
	require.NoError(t, saved.Validate())
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestWebSocketFrames(t *testing.T) {
	s, ts := newTestServer(t)
	s.SetSession(fixedStats{Queries: 1})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	first := readFrame(t, conn)
	require.NotNil(t, first.Status)
	assert.True(t, first.Status.Connected)

	s.Observe(obd.Reading{Coolant: 90, Decoder: "offset", Time: time.Now()})
	reading := readFrame(t, conn)
	require.NotNil(t, reading.Reading)
	assert.Equal(t, 90, reading.Reading.Coolant)

	require.NoError(t, s.Send([]byte(`{"rpm": "90"}`)))
	tele := readFrame(t, conn)
	assert.JSONEq(t, `{"rpm": "90"}`, string(tele.Telemetry))
}

func TestSendIgnoresInvalidPayload(t *testing.T) {
	s, _ := newTestServer(t)
	assert.NoError(t, s.Send([]byte("not json")))
}
