// Package device holds the shared data model of the provisioning core:
// peripherals, sessions, credentials and the closed error/state sets observed
// by external collaborators.
package device

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Peripheral is a discovered radio endpoint. Peripherals are produced by an
// external catalog (scanner, config, API caller) and are immutable here.
type Peripheral struct {
	ID                string `json:"id"` // stable transport address
	Name              string `json:"name"`
	SignalStrengthDbm int    `json:"signal_strength_dbm"`
	ProfileID         string `json:"profile_id,omitempty"` // known device family, if matched
}

// Session is one pairing attempt or connection lifetime, scoped to a single
// peripheral. A session is superseded on retry, never mutated in place.
type Session struct {
	PeripheralID      string `json:"peripheral_id"`
	PeripheralName    string `json:"peripheral_name"`
	SignalStrengthDbm int    `json:"signal_strength_dbm"`
	ProfileID         string `json:"profile_id,omitempty"`
	SecureToken       string `json:"secure_token"` // opaque hash salt, not a secret
	EstablishedAt     int64  `json:"established_at_millis"`
}

// NewSession creates a session for a peripheral with a fresh secure token.
func NewSession(p Peripheral) Session {
	return Session{
		PeripheralID:      p.ID,
		PeripheralName:    p.Name,
		SignalStrengthDbm: p.SignalStrengthDbm,
		ProfileID:         p.ProfileID,
		SecureToken:       newToken(),
		EstablishedAt:     time.Now().UnixMilli(),
	}
}

func newToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand is documented never to fail on supported platforms;
		// degrade to a timestamp token rather than aborting the session.
		return hex.EncodeToString([]byte(time.Now().String()))[:32]
	}
	return hex.EncodeToString(b)
}

// Security is the Wi-Fi security mode requested for provisioning.
type Security string

const (
	SecurityWPA2 Security = "wpa2"
	SecurityWPA3 Security = "wpa3"
)

// WifiCredentials are caller-supplied network credentials pushed to the
// peripheral during provisioning.
type WifiCredentials struct {
	SSID     string   `json:"ssid"`
	Password string   `json:"password"`
	Security Security `json:"security,omitempty"`
}

// ProvisioningStatus is the result of a successful provisioning exchange.
// CredentialsHash is a display/debug correlation digest, not a security value.
type ProvisioningStatus struct {
	WifiSSID        string `json:"wifi_ssid"`
	HandshakeID     string `json:"handshake_id"`
	CredentialsHash string `json:"credentials_hash"`
}

// NetworkStatus is the peripheral's answer to a network-status query.
// RawResponse keeps the verbatim wire payload for diagnostics.
type NetworkStatus struct {
	IPAddress      string `json:"ip_address"`
	DeviceWifiName string `json:"device_wifi_name"`
	PhoneWifiName  string `json:"phone_wifi_name"`
	RawResponse    string `json:"raw_response"`
}
