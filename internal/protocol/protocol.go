// Package protocol implements the two wire encodings spoken by the peripheral
// firmware: '#'-delimited ASCII frames and JSON frames. Which one a device
// answers with depends on its firmware revision, so decoding dispatches on the
// payload shape rather than on configuration.
package protocol

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"blelink/internal/device"
)

const delimiter = "#"

// NetworkQueryCommand is the fixed network-status request frame.
const NetworkQueryCommand = "wifi" + delimiter + "address" + delimiter + "ip" + delimiter + "name"

// DefaultDeviceWifiName substitutes a blank device Wi-Fi name in delimited
// status replies. Matches the vendor's firmware default.
const DefaultDeviceWifiName = "BT311"

// DecodeError reports a malformed or truncated wire payload. The original
// text is retained so transport failures stay diagnosable.
type DecodeError struct {
	Reason  string
	Payload string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %q", e.Reason, e.Payload)
}

func decodeErr(payload, format string, args ...any) *DecodeError {
	return &DecodeError{Reason: fmt.Sprintf(format, args...), Payload: payload}
}

// SanitizeField strips the frame delimiter from a credential field by
// replacing it with '-'. Lossy: "a#b" and "a-b" frame identically. The
// firmware offers no escaping, so this is the documented device behavior,
// not something to fix here.
func SanitizeField(s string) string {
	return strings.ReplaceAll(s, delimiter, "-")
}

// EncodeCredentials frames a credential push as
// wifi#connect#<ssid>#<password>, sanitizing both fields first so the frame
// always splits back into exactly four parts.
func EncodeCredentials(c device.WifiCredentials) []byte {
	fields := []string{"wifi", "connect", SanitizeField(c.SSID), SanitizeField(c.Password)}
	return []byte(strings.Join(fields, delimiter))
}

// DecodeCredentials parses a credential push frame. Used by the peripheral
// simulator and to validate round-trips.
func DecodeCredentials(payload []byte) (device.WifiCredentials, error) {
	raw := strings.TrimSpace(string(payload))
	parts := strings.Split(raw, delimiter)
	if len(parts) != 4 {
		return device.WifiCredentials{}, decodeErr(raw, "credential frame must have 4 fields, got %d", len(parts))
	}
	if !strings.EqualFold(parts[0], "wifi") || !strings.EqualFold(parts[1], "connect") {
		return device.WifiCredentials{}, decodeErr(raw, "not a credential frame")
	}
	return device.WifiCredentials{SSID: parts[2], Password: parts[3]}, nil
}

// EncodeNetworkQuery returns the fixed network-status request frame.
func EncodeNetworkQuery() []byte {
	return []byte(NetworkQueryCommand)
}

// Ack is a decoded provisioning acknowledgement.
type Ack struct {
	Accepted        bool
	HandshakeID     string // may be empty; callers synthesize one
	Reason          string // rejection reason when !Accepted
	CredentialsHash string // JSON acks only
}

// DecodeAck parses a provisioning acknowledgement in either wire format.
func DecodeAck(payload []byte) (Ack, error) {
	raw := strings.TrimSpace(string(payload))
	if raw == "" {
		return Ack{}, decodeErr(raw, "empty acknowledgement")
	}
	if strings.HasPrefix(raw, "{") {
		return decodeAckJSON(raw)
	}
	return decodeAckDelimited(raw)
}

func decodeAckDelimited(raw string) (Ack, error) {
	parts := strings.Split(raw, delimiter)
	if len(parts) < 3 {
		return Ack{}, decodeErr(raw, "malformed acknowledgement frame")
	}
	if !strings.EqualFold(parts[0], "wifi") || !strings.EqualFold(parts[1], "connect") {
		return Ack{}, decodeErr(raw, "unexpected acknowledgement command")
	}
	status := strings.ToLower(parts[2])
	tail := ""
	if len(parts) > 3 {
		tail = parts[3]
	}
	switch status {
	case "ok", "success", "connected":
		return Ack{Accepted: true, HandshakeID: tail}, nil
	default:
		reason := tail
		if reason == "" {
			reason = "credentials rejected: " + raw
		}
		return Ack{Accepted: false, Reason: reason}, nil
	}
}

func decodeAckJSON(raw string) (Ack, error) {
	var frame struct {
		HandshakeID     string `json:"handshake_id"`
		CredentialsHash string `json:"credentials_hash"`
		Rejected        bool   `json:"rejected"`
		Reason          string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(raw), &frame); err != nil {
		return Ack{}, decodeErr(raw, "malformed acknowledgement JSON: %v", err)
	}
	if frame.Rejected {
		reason := frame.Reason
		if reason == "" {
			reason = "credentials rejected"
		}
		return Ack{Accepted: false, Reason: reason}, nil
	}
	return Ack{
		Accepted:        true,
		HandshakeID:     frame.HandshakeID,
		CredentialsHash: frame.CredentialsHash,
	}, nil
}

// DecodeHotspot parses a hotspot credential read. Hotspot data is JSON-only;
// no delimited firmware revision ever shipped it.
func DecodeHotspot(payload []byte) (device.WifiCredentials, error) {
	raw := strings.TrimSpace(string(payload))
	var frame struct {
		SSID     string `json:"ssid"`
		Password string `json:"password"`
	}
	if err := json.Unmarshal([]byte(raw), &frame); err != nil {
		return device.WifiCredentials{}, decodeErr(raw, "malformed hotspot JSON: %v", err)
	}
	if frame.SSID == "" || frame.Password == "" {
		return device.WifiCredentials{}, decodeErr(raw, "hotspot reply missing ssid or password")
	}
	return device.WifiCredentials{SSID: frame.SSID, Password: frame.Password}, nil
}

// DecodeNetworkStatus parses a network-status reply in either wire format.
func DecodeNetworkStatus(payload []byte) (device.NetworkStatus, error) {
	raw := strings.TrimSpace(string(payload))
	if raw == "" {
		return device.NetworkStatus{}, decodeErr(raw, "empty network status reply")
	}
	if strings.HasPrefix(raw, "{") {
		return decodeNetworkJSON(raw)
	}
	return decodeNetworkDelimited(raw)
}

func decodeNetworkDelimited(raw string) (device.NetworkStatus, error) {
	parts := strings.Split(raw, delimiter)
	if len(parts) < 4 {
		return device.NetworkStatus{}, decodeErr(raw, "malformed network status frame")
	}
	if !strings.EqualFold(parts[0], "wifi") || !strings.EqualFold(parts[1], "address") {
		return device.NetworkStatus{}, decodeErr(raw, "unexpected network status command")
	}
	ip := parts[2]
	if ip == "" {
		return device.NetworkStatus{}, decodeErr(raw, "network status reply missing IP")
	}
	deviceWifi := parts[3]
	if deviceWifi == "" {
		deviceWifi = DefaultDeviceWifiName
	}
	phoneWifi := deviceWifi
	if len(parts) > 4 && parts[4] != "" {
		phoneWifi = parts[4]
	}
	return device.NetworkStatus{
		IPAddress:      ip,
		DeviceWifiName: deviceWifi,
		PhoneWifiName:  phoneWifi,
		RawResponse:    raw,
	}, nil
}

func decodeNetworkJSON(raw string) (device.NetworkStatus, error) {
	var frame struct {
		IP         string `json:"ip"`
		IPAddress  string `json:"ipAddress"`
		DeviceWifi string `json:"device_wifi"`
		DeviceName string `json:"deviceName"`
		PhoneWifi  string `json:"phone_wifi"`
		PhoneName  string `json:"phoneName"`
	}
	if err := json.Unmarshal([]byte(raw), &frame); err != nil {
		return device.NetworkStatus{}, decodeErr(raw, "malformed network status JSON: %v", err)
	}
	ip := frame.IP
	if ip == "" {
		ip = frame.IPAddress
	}
	if ip == "" {
		return device.NetworkStatus{}, decodeErr(raw, "network status reply missing IP")
	}
	deviceWifi := frame.DeviceWifi
	if deviceWifi == "" {
		deviceWifi = frame.DeviceName
	}
	if deviceWifi == "" {
		deviceWifi = "unknown"
	}
	phoneWifi := frame.PhoneWifi
	if phoneWifi == "" {
		phoneWifi = frame.PhoneName
	}
	if phoneWifi == "" {
		phoneWifi = deviceWifi
	}
	return device.NetworkStatus{
		IPAddress:      ip,
		DeviceWifiName: deviceWifi,
		PhoneWifiName:  phoneWifi,
		RawResponse:    raw,
	}, nil
}

// CredentialsHash is the deterministic digest correlating a provisioning
// exchange: hex SHA-256 over ssid+password+session token. Display and debug
// correlation only.
func CredentialsHash(ssid, password, token string) string {
	sum := sha256.Sum256([]byte(ssid + password + token))
	return hex.EncodeToString(sum[:])
}

// NewHandshakeID synthesizes a correlation id for firmware revisions whose
// acknowledgements omit one.
func NewHandshakeID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "hs-unknown"
	}
	return hex.EncodeToString(b)
}
