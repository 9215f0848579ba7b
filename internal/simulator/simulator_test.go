package simulator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"blelink/internal/device"
	"blelink/internal/gateway"
	"blelink/internal/protocol"
	"blelink/internal/radio"
)

var testLogger = slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func connectLink(t *testing.T, p *Peripheral) radio.Link {
	t.Helper()
	link, err := p.Connect(context.Background(), "SIM-01")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return link
}

func writeAndAwait(t *testing.T, link radio.Link, frame string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := link.Write(ctx, radio.Endpoint{ID: "sim-credentials", Props: radio.PropWrite}, []byte(frame)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	reply, err := link.AwaitNotification(ctx, radio.Endpoint{ID: "sim-status", Props: radio.PropRead | radio.PropNotify})
	if err != nil {
		t.Fatalf("AwaitNotification() error = %v", err)
	}
	return string(reply)
}

func TestDefaultFirmware(t *testing.T) {
	p, err := New(Config{PeripheralID: "SIM-01"}, testLogger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer p.Close()
	link := connectLink(t, p)
	defer link.Close()

	tests := []struct {
		name  string
		frame string
		want  string
	}{
		{
			name:  "valid credentials accepted",
			frame: "wifi#connect#HomeWifi#hunter22",
			want:  "wifi#connect#ok#SIM-1",
		},
		{
			name:  "short password rejected",
			frame: "wifi#connect#HomeWifi#short",
			want:  "wifi#connect#denied#password-too-short",
		},
		{
			name:  "network query answers provisioned ssid",
			frame: protocol.NetworkQueryCommand,
			want:  "#HomeWifi#HomeWifi",
		},
		{
			name:  "unknown frame",
			frame: "bogus",
			want:  "wifi#error#unknown-command",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := writeAndAwait(t, link, tt.frame)
			if !strings.Contains(got, tt.want) {
				t.Errorf("reply = %q, want containing %q", got, tt.want)
			}
		})
	}
}

func TestUnknownPeripheralID(t *testing.T) {
	p, err := New(Config{PeripheralID: "SIM-01"}, testLogger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer p.Close()

	_, err = p.Connect(context.Background(), "OTHER")
	var nf *radio.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("Connect() error = %v, want *radio.NotFoundError", err)
	}
	if nf.PeripheralID != "OTHER" {
		t.Errorf("PeripheralID = %q, want OTHER", nf.PeripheralID)
	}
}

func TestHotspotRead(t *testing.T) {
	p, err := New(Config{PeripheralID: "SIM-01"}, testLogger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer p.Close()
	link := connectLink(t, p)
	defer link.Close()

	data, err := link.Read(context.Background(), radio.Endpoint{ID: "sim-hotspot", Props: radio.PropRead})
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	creds, err := protocol.DecodeHotspot(data)
	if err != nil {
		t.Fatalf("DecodeHotspot() error = %v", err)
	}
	if creds.SSID == "" || len(creds.Password) != 8 {
		t.Errorf("hotspot credentials = %+v", creds)
	}
}

func TestPollOnlyNeverNotifies(t *testing.T) {
	p, err := New(Config{PeripheralID: "SIM-01", PollOnly: true}, testLogger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer p.Close()
	link := connectLink(t, p)
	defer link.Close()

	eps, err := link.Endpoints(context.Background())
	if err != nil {
		t.Fatalf("Endpoints() error = %v", err)
	}
	for _, ep := range eps {
		if ep.ID == "sim-status" && ep.CanNotify() {
			t.Error("poll-only status endpoint advertises notify")
		}
	}

	ctx := context.Background()
	if err := link.Write(ctx, radio.Endpoint{ID: "sim-credentials"}, []byte("wifi#connect#a#longenough")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := link.AwaitNotification(waitCtx, radio.Endpoint{ID: "sim-status"}); err == nil {
		t.Fatal("AwaitNotification() succeeded on poll-only firmware")
	}
	reply, err := link.Read(ctx, radio.Endpoint{ID: "sim-status"})
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !strings.HasPrefix(string(reply), "wifi#connect#ok#") {
		t.Errorf("polled reply = %q", reply)
	}
}

func TestScriptedFirmware(t *testing.T) {
	const script = `
function on_frame(frame)
  if string.find(frame, "wifi#connect#", 1, true) == 1 then
    return '{"rejected":true,"reason":"maintenance mode"}'
  end
  return nil
end
`
	p, err := New(Config{PeripheralID: "SIM-01", Script: script}, testLogger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer p.Close()
	link := connectLink(t, p)
	defer link.Close()

	got := writeAndAwait(t, link, "wifi#connect#HomeWifi#hunter22")
	ack, err := protocol.DecodeAck([]byte(got))
	if err != nil {
		t.Fatalf("DecodeAck() error = %v", err)
	}
	if ack.Accepted || ack.Reason != "maintenance mode" {
		t.Errorf("ack = %+v", ack)
	}

	// nil return falls through to the built-in network answer.
	got = writeAndAwait(t, link, protocol.NetworkQueryCommand)
	if !strings.HasPrefix(got, "wifi#address#") {
		t.Errorf("fallthrough reply = %q", got)
	}
}

func TestScriptValidation(t *testing.T) {
	tests := []struct {
		name   string
		script string
	}{
		{"syntax error", "function on_frame(frame"},
		{"missing on_frame", "x = 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(Config{Script: tt.script}, testLogger); err == nil {
				t.Fatal("New() error = nil, want script error")
			}
		})
	}
}

func TestProvisionThroughGateway(t *testing.T) {
	p, err := New(Config{PeripheralID: "SIM-01"}, testLogger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer p.Close()

	gw := gateway.New(p, gateway.Config{
		ConnectionTimeout: time.Second,
		OperationTimeout:  time.Second,
	}, testLogger)

	session := device.Session{PeripheralID: "SIM-01", PeripheralName: "BT311", SecureToken: "tok"}
	status, err := gw.Provision(context.Background(), session, device.WifiCredentials{SSID: "HomeWifi", Password: "hunter22"})
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	if status.HandshakeID != "SIM-1" {
		t.Errorf("HandshakeID = %q, want SIM-1", status.HandshakeID)
	}

	netStatus, err := gw.QueryNetwork(context.Background(), session)
	if err != nil {
		t.Fatalf("QueryNetwork() error = %v", err)
	}
	if netStatus.DeviceWifiName != "HomeWifi" {
		t.Errorf("DeviceWifiName = %q, want HomeWifi", netStatus.DeviceWifiName)
	}
}
