package device

import "testing"

func TestNewSession(t *testing.T) {
	p := Peripheral{ID: "AA:BB", Name: "BT311", SignalStrengthDbm: -60, ProfileID: "bt300"}
	s := NewSession(p)

	if s.PeripheralID != p.ID || s.PeripheralName != p.Name {
		t.Errorf("session identity = %+v", s)
	}
	if len(s.SecureToken) != 32 {
		t.Errorf("SecureToken length = %d, want 32", len(s.SecureToken))
	}
	if s.EstablishedAt == 0 {
		t.Error("EstablishedAt not set")
	}
	if other := NewSession(p); other.SecureToken == s.SecureToken {
		t.Error("sessions share a secure token")
	}
}

func TestErrorTransient(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want bool
	}{
		{"timeout", ErrTimeout(5000), true},
		{"transport", ErrTransport("link dropped"), true},
		{"provisioning failed", ErrProvisioningFailed("bad-ssid"), false},
		{"permission denied", ErrPermissionDenied([]string{"bluetooth_connect"}), false},
		{"pairing in progress", ErrPairingInProgress("BT311"), false},
		{"missing session", ErrMissingSession(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Transient(); got != tt.want {
				t.Errorf("Transient() = %v, want %v", got, tt.want)
			}
		})
	}
}
