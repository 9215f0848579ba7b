package device

// Phase enumerates the closed set of supervisor states.
type Phase string

const (
	PhaseDisconnected    Phase = "disconnected"
	PhasePairing         Phase = "pairing"
	PhaseWifiProvisioned Phase = "wifi_provisioned"
	PhaseSyncing         Phase = "syncing"
	PhaseFailed          Phase = "error"
)

// State is the supervisor's single source of truth. Exactly one value is
// current at any time; transitions replace the value, they never mutate it.
// Only the fields relevant to Phase are set.
type State struct {
	Phase Phase `json:"phase"`

	// Pairing
	DeviceName        string `json:"device_name,omitempty"`
	ProgressPercent   int    `json:"progress_percent,omitempty"`
	SignalStrengthDbm int    `json:"signal_strength_dbm,omitempty"`

	// WifiProvisioned / Syncing
	Session         *Session            `json:"session,omitempty"`
	Status          *ProvisioningStatus `json:"status,omitempty"`
	LastHeartbeatAt int64               `json:"last_heartbeat_at_millis,omitempty"`

	// Failed
	Err *Error `json:"error,omitempty"`
}

func Disconnected() State {
	return State{Phase: PhaseDisconnected}
}

func Pairing(deviceName string, progressPercent, signalStrengthDbm int) State {
	return State{
		Phase:             PhasePairing,
		DeviceName:        deviceName,
		ProgressPercent:   progressPercent,
		SignalStrengthDbm: signalStrengthDbm,
	}
}

func WifiProvisioned(session Session, status ProvisioningStatus) State {
	return State{Phase: PhaseWifiProvisioned, Session: &session, Status: &status}
}

func Syncing(session Session, status ProvisioningStatus, lastHeartbeatAt int64) State {
	return State{
		Phase:           PhaseSyncing,
		Session:         &session,
		Status:          &status,
		LastHeartbeatAt: lastHeartbeatAt,
	}
}

func Failed(err *Error) State {
	return State{Phase: PhaseFailed, Err: err}
}
