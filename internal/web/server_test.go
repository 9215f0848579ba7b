package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"blelink/internal/device"
	"blelink/internal/store"
	"blelink/internal/supervisor"
)

var testLogger = slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

// okProvisioner answers immediately so HTTP tests stay fast.
type okProvisioner struct{}

func (okProvisioner) Provision(ctx context.Context, session device.Session, creds device.WifiCredentials) (device.ProvisioningStatus, *device.Error) {
	return device.ProvisioningStatus{WifiSSID: creds.SSID, HandshakeID: "HS-1", CredentialsHash: "hash"}, nil
}

func (okProvisioner) HotspotCredentials(ctx context.Context, session device.Session) (device.WifiCredentials, *device.Error) {
	return device.WifiCredentials{SSID: "Hotspot-BT311", Password: "12345678"}, nil
}

func (okProvisioner) QueryNetworkStatus(ctx context.Context, session device.Session) (device.NetworkStatus, *device.Error) {
	return device.NetworkStatus{
		IPAddress:      "192.168.1.5",
		DeviceWifiName: "HomeWifi",
		PhoneWifiName:  "HomeWifi",
		RawResponse:    "wifi#address#192.168.1.5#HomeWifi#HomeWifi",
	}, nil
}

func newTestServer(t *testing.T, opts ...ServerOption) (*Server, *supervisor.Supervisor) {
	t.Helper()
	sup := supervisor.New(okProvisioner{}, nil, supervisor.Config{
		HeartbeatInterval:    50 * time.Millisecond,
		AutoRetryDelay:       20 * time.Millisecond,
		AutoRetryMaxAttempts: 2,
	}, testLogger)
	t.Cleanup(sup.Close)

	srv := NewServer(sup, testLogger, opts...)
	t.Cleanup(srv.Stop)
	return srv, sup
}

func doJSON(t *testing.T, srv http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, WithVersion("1.2.3"))

	rec := doJSON(t, srv, http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		State   device.State `json:"state"`
		Version string       `json:"version"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.State.Phase != device.PhaseDisconnected {
		t.Errorf("phase = %q, want disconnected", resp.State.Phase)
	}
	if resp.Version != "1.2.3" {
		t.Errorf("version = %q, want 1.2.3", resp.Version)
	}
}

func TestPairFlow(t *testing.T) {
	srv, sup := newTestServer(t)

	body := `{"peripheral":{"id":"AA:BB","name":"BT311"},"credentials":{"ssid":"HomeWifi","password":"hunter22"}}`
	rec := doJSON(t, srv, http.MethodPost, "/api/pair", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("pair status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		phase := sup.State().Phase
		if phase == device.PhaseWifiProvisioned || phase == device.PhaseSyncing {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("pairing never completed, phase = %q", sup.State().Phase)
}

func TestPairValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing peripheral id", `{"credentials":{"ssid":"x","password":"y"}}`},
		{"missing ssid", `{"peripheral":{"id":"AA:BB"}}`},
		{"broken json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, srv, http.MethodPost, "/api/pair", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestSelectEnablesQueries(t *testing.T) {
	srv, _ := newTestServer(t)

	// Before a session exists both query endpoints refuse.
	rec := doJSON(t, srv, http.MethodGet, "/api/hotspot", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("hotspot without session = %d, want 409", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/select", `{"peripheral":{"id":"AA:BB","name":"BT311"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("select status = %d, want 200", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/hotspot", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("hotspot status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var creds device.WifiCredentials
	if err := json.Unmarshal(rec.Body.Bytes(), &creds); err != nil {
		t.Fatalf("decode hotspot: %v", err)
	}
	if creds.SSID != "Hotspot-BT311" {
		t.Errorf("hotspot ssid = %q", creds.SSID)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/network", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("network status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestRetryWithoutSession(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/retry", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("retry status = %d, want 409", rec.Code)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, _ := newTestServer(t, WithAPIKey("sekrit"))

	rec := doJSON(t, srv, http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("X-API-Key", "sekrit")
	out := httptest.NewRecorder()
	srv.ServeHTTP(out, req)
	if out.Code != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", out.Code)
	}

	// Query parameter works for WebSocket clients that cannot set headers.
	req = httptest.NewRequest(http.MethodGet, "/api/status?api_key=sekrit", nil)
	out = httptest.NewRecorder()
	srv.ServeHTTP(out, req)
	if out.Code != http.StatusOK {
		t.Errorf("query-key status = %d, want 200", out.Code)
	}
}

func TestPairingStoreLifecycle(t *testing.T) {
	st, err := store.Open(t.TempDir() + "/pairings.db")
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	srv, _ := newTestServer(t, WithPairingStore(st))

	rec := doJSON(t, srv, http.MethodGet, "/api/last-pairing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("empty last-pairing = %d, want 404", rec.Code)
	}

	body := `{"peripheral":{"id":"AA:BB","name":"BT311"},"credentials":{"ssid":"HomeWifi","password":"hunter22"}}`
	if rec := doJSON(t, srv, http.MethodPost, "/api/pair", body); rec.Code != http.StatusAccepted {
		t.Fatalf("pair status = %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/last-pairing", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("last-pairing = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var saved store.Pairing
	if err := json.Unmarshal(rec.Body.Bytes(), &saved); err != nil {
		t.Fatalf("decode pairing: %v", err)
	}
	if saved.Peripheral.ID != "AA:BB" || saved.Credentials.SSID != "HomeWifi" {
		t.Errorf("saved pairing = %+v", saved)
	}

	if rec := doJSON(t, srv, http.MethodPost, "/api/forget", ""); rec.Code != http.StatusOK {
		t.Fatalf("forget status = %d", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodGet, "/api/last-pairing", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("last-pairing after forget = %d, want 404", rec.Code)
	}
}

func TestWebSocketStateStream(t *testing.T) {
	srv, sup := newTestServer(t)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("websocket.Dial() error = %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// First frame replays the current state.
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	var msg struct {
		Type  string       `json:"type"`
		State device.State `json:"state"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if msg.Type != "state" || msg.State.Phase != device.PhaseDisconnected {
		t.Fatalf("replay frame = %+v", msg)
	}

	// A transition reaches the stream.
	if derr := sup.StartPairing(device.Peripheral{ID: "AA:BB", Name: "BT311"}, device.WifiCredentials{SSID: "HomeWifi", Password: "hunter22"}); derr != nil {
		t.Fatalf("StartPairing() error = %v", derr)
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if msg.State.Phase == device.PhasePairing {
			return
		}
	}
}
