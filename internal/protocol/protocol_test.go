package protocol

import (
	"errors"
	"strings"
	"testing"

	"blelink/internal/device"
)

func TestEncodeCredentials(t *testing.T) {
	tests := []struct {
		name  string
		creds device.WifiCredentials
		want  string
	}{
		{
			name:  "plain",
			creds: device.WifiCredentials{SSID: "HomeWifi", Password: "hunter22"},
			want:  "wifi#connect#HomeWifi#hunter22",
		},
		{
			name:  "delimiter in ssid sanitized",
			creds: device.WifiCredentials{SSID: "Home#Wifi", Password: "pass#word"},
			want:  "wifi#connect#Home-Wifi#pass-word",
		},
		{
			name:  "empty fields keep frame shape",
			creds: device.WifiCredentials{},
			want:  "wifi#connect##",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := string(EncodeCredentials(tt.creds))
			if got != tt.want {
				t.Errorf("EncodeCredentials() = %q, want %q", got, tt.want)
			}
			if n := strings.Count(got, "#"); n != 3 {
				t.Errorf("frame has %d delimiters, want 3", n)
			}
		})
	}
}

func TestCredentialsRoundTrip(t *testing.T) {
	creds := device.WifiCredentials{SSID: "CafeNet", Password: "espresso1"}
	got, err := DecodeCredentials(EncodeCredentials(creds))
	if err != nil {
		t.Fatalf("DecodeCredentials() error = %v", err)
	}
	if got != creds {
		t.Errorf("round trip = %+v, want %+v", got, creds)
	}
}

func TestDecodeCredentialsErrors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"too few fields", "wifi#connect#onlyssid"},
		{"too many fields", "wifi#connect#a#b#c"},
		{"wrong command", "wifi#status#a#b"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeCredentials([]byte(tt.payload))
			var derr *DecodeError
			if !errors.As(err, &derr) {
				t.Fatalf("DecodeCredentials() error = %v, want *DecodeError", err)
			}
			if derr.Payload != tt.payload {
				t.Errorf("DecodeError.Payload = %q, want %q", derr.Payload, tt.payload)
			}
		})
	}
}

func TestDecodeAck(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Ack
		wantErr bool
	}{
		{
			name:    "delimited ok with handshake",
			payload: "wifi#connect#ok#HS-1",
			want:    Ack{Accepted: true, HandshakeID: "HS-1"},
		},
		{
			name:    "delimited success",
			payload: "wifi#connect#success",
			want:    Ack{Accepted: true},
		},
		{
			name:    "delimited connected uppercase",
			payload: "wifi#connect#CONNECTED#abc",
			want:    Ack{Accepted: true, HandshakeID: "abc"},
		},
		{
			name:    "delimited rejection with reason",
			payload: "wifi#connect#denied#bad-ssid",
			want:    Ack{Accepted: false, Reason: "bad-ssid"},
		},
		{
			name:    "delimited rejection without reason",
			payload: "wifi#connect#denied",
			want:    Ack{Accepted: false, Reason: "credentials rejected: wifi#connect#denied"},
		},
		{
			name:    "json accepted",
			payload: `{"handshake_id":"HS-9","credentials_hash":"deadbeef"}`,
			want:    Ack{Accepted: true, HandshakeID: "HS-9", CredentialsHash: "deadbeef"},
		},
		{
			name:    "json rejected",
			payload: `{"rejected":true,"reason":"wrong password"}`,
			want:    Ack{Accepted: false, Reason: "wrong password"},
		},
		{
			name:    "json rejected without reason",
			payload: `{"rejected":true}`,
			want:    Ack{Accepted: false, Reason: "credentials rejected"},
		},
		{
			name:    "surrounding whitespace trimmed",
			payload: "  wifi#connect#ok#HS-2\r\n",
			want:    Ack{Accepted: true, HandshakeID: "HS-2"},
		},
		{name: "empty", payload: "", wantErr: true},
		{name: "truncated delimited", payload: "wifi#connect", wantErr: true},
		{name: "wrong command", payload: "wifi#address#ok#x", wantErr: true},
		{name: "broken json", payload: `{"rejected":`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeAck([]byte(tt.payload))
			if tt.wantErr {
				var derr *DecodeError
				if !errors.As(err, &derr) {
					t.Fatalf("DecodeAck() error = %v, want *DecodeError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeAck() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("DecodeAck() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDecodeHotspot(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    device.WifiCredentials
		wantErr bool
	}{
		{
			name:    "valid",
			payload: `{"ssid":"BT311-AP","password":"secret99"}`,
			want:    device.WifiCredentials{SSID: "BT311-AP", Password: "secret99"},
		},
		{name: "missing password", payload: `{"ssid":"BT311-AP"}`, wantErr: true},
		{name: "missing ssid", payload: `{"password":"secret99"}`, wantErr: true},
		{name: "not json", payload: "wifi#hotspot#x#y", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeHotspot([]byte(tt.payload))
			if tt.wantErr {
				if err == nil {
					t.Fatal("DecodeHotspot() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeHotspot() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("DecodeHotspot() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDecodeNetworkStatus(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    device.NetworkStatus
		wantErr bool
	}{
		{
			name:    "delimited full",
			payload: "wifi#address#192.168.1.5#HomeWifi#HomeWifi",
			want: device.NetworkStatus{
				IPAddress:      "192.168.1.5",
				DeviceWifiName: "HomeWifi",
				PhoneWifiName:  "HomeWifi",
			},
		},
		{
			name:    "delimited missing phone falls back to device",
			payload: "wifi#address#10.0.0.2#ShopNet",
			want: device.NetworkStatus{
				IPAddress:      "10.0.0.2",
				DeviceWifiName: "ShopNet",
				PhoneWifiName:  "ShopNet",
			},
		},
		{
			name:    "delimited blank device name uses firmware default",
			payload: "wifi#address#10.0.0.3##",
			want: device.NetworkStatus{
				IPAddress:      "10.0.0.3",
				DeviceWifiName: DefaultDeviceWifiName,
				PhoneWifiName:  DefaultDeviceWifiName,
			},
		},
		{
			name:    "json snake case",
			payload: `{"ip":"172.16.0.9","device_wifi":"LabNet","phone_wifi":"PhoneNet"}`,
			want: device.NetworkStatus{
				IPAddress:      "172.16.0.9",
				DeviceWifiName: "LabNet",
				PhoneWifiName:  "PhoneNet",
			},
		},
		{
			name:    "json camel case aliases",
			payload: `{"ipAddress":"172.16.0.10","deviceName":"LabNet"}`,
			want: device.NetworkStatus{
				IPAddress:      "172.16.0.10",
				DeviceWifiName: "LabNet",
				PhoneWifiName:  "LabNet",
			},
		},
		{
			name:    "json blank names report unknown",
			payload: `{"ip":"172.16.0.11"}`,
			want: device.NetworkStatus{
				IPAddress:      "172.16.0.11",
				DeviceWifiName: "unknown",
				PhoneWifiName:  "unknown",
			},
		},
		{name: "delimited missing ip", payload: "wifi#address##name", wantErr: true},
		{name: "json missing ip", payload: `{"device_wifi":"x"}`, wantErr: true},
		{name: "short frame", payload: "wifi#address#1.2.3.4", wantErr: true},
		{name: "wrong command", payload: "wifi#connect#1.2.3.4#x", wantErr: true},
		{name: "empty", payload: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeNetworkStatus([]byte(tt.payload))
			if tt.wantErr {
				var derr *DecodeError
				if !errors.As(err, &derr) {
					t.Fatalf("DecodeNetworkStatus() error = %v, want *DecodeError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeNetworkStatus() error = %v", err)
			}
			tt.want.RawResponse = strings.TrimSpace(tt.payload)
			if got != tt.want {
				t.Errorf("DecodeNetworkStatus() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestCredentialsHash(t *testing.T) {
	a := CredentialsHash("ssid", "pass", "token")
	b := CredentialsHash("ssid", "pass", "token")
	if a != b {
		t.Errorf("hash not deterministic: %s != %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("hash length = %d, want 64", len(a))
	}
	if c := CredentialsHash("ssid", "pass", "other"); c == a {
		t.Error("different token produced identical hash")
	}
}

func TestNewHandshakeID(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		id := NewHandshakeID()
		if len(id) != 16 {
			t.Fatalf("handshake id %q length = %d, want 16", id, len(id))
		}
		if seen[id] {
			t.Fatalf("duplicate handshake id %q", id)
		}
		seen[id] = true
	}
}
