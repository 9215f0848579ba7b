// Package supervisor owns the single active session and the connection state
// machine: it serializes pairing attempts, drives bounded automatic retry on
// transient failures, and keeps a heartbeat running while provisioned.
package supervisor

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"blelink/internal/device"
	"blelink/internal/protocol"
	"blelink/internal/provision"
)

const (
	DefaultHeartbeatInterval    = 1500 * time.Millisecond
	DefaultAutoRetryDelay       = 2 * time.Second
	DefaultAutoRetryMaxAttempts = 2
)

// Config tunes the supervisor's timing. Zero values take the defaults; tests
// shrink them.
type Config struct {
	HeartbeatInterval    time.Duration
	AutoRetryDelay       time.Duration
	AutoRetryMaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.AutoRetryDelay <= 0 {
		c.AutoRetryDelay = DefaultAutoRetryDelay
	}
	if c.AutoRetryMaxAttempts <= 0 {
		c.AutoRetryMaxAttempts = DefaultAutoRetryMaxAttempts
	}
	return c
}

// PeripheralForgetter lets the supervisor drop transport-level caches when a
// device is forgotten. The gateway implements it.
type PeripheralForgetter interface {
	Forget(peripheralID string)
}

// Supervisor is the top-level connection state machine.
type Supervisor struct {
	prov      provision.Provisioner
	forgetter PeripheralForgetter
	cfg       Config
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// mu serializes pairing/retry decisions: at most one provisioning
	// attempt is in flight. Launches happen after the decision, never while
	// blocking on other locks.
	mu                sync.Mutex
	session           *device.Session
	lastCredentials   *device.WifiCredentials
	heartbeatCancel   context.CancelFunc
	autoRetryCancel   context.CancelFunc
	autoRetryAttempts int

	// stateMu guards the current state value and its watchers. The state is
	// replaced, never mutated.
	stateMu   sync.RWMutex
	state     device.State
	watchers  map[uint64]chan device.State
	nextWatch uint64
	closed    bool
}

// New creates a supervisor in the Disconnected state. forgetter may be nil.
func New(prov provision.Provisioner, forgetter PeripheralForgetter, cfg Config, logger *slog.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		prov:      prov,
		forgetter: forgetter,
		cfg:       cfg.withDefaults(),
		logger:    logger.With("component", "supervisor"),
		ctx:       ctx,
		cancel:    cancel,
		state:     device.Disconnected(),
		watchers:  make(map[uint64]chan device.State),
	}
}

// State returns the current connection state.
func (s *Supervisor) State() device.State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Watch returns a replay-latest stream of state transitions. The current
// state is delivered first; the channel closes when ctx is done or the
// supervisor shuts down.
func (s *Supervisor) Watch(ctx context.Context) <-chan device.State {
	ch := make(chan device.State, 32)

	s.stateMu.Lock()
	if s.closed {
		s.stateMu.Unlock()
		close(ch)
		return ch
	}
	id := s.nextWatch
	s.nextWatch++
	s.watchers[id] = ch
	ch <- s.state
	s.stateMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.ctx.Done():
		}
		s.stateMu.Lock()
		if _, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(ch)
		}
		s.stateMu.Unlock()
	}()
	return ch
}

func (s *Supervisor) setState(st device.State) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.closed {
		return
	}
	s.state = st
	for id, ch := range s.watchers {
		select {
		case ch <- st:
		default:
			// Watcher fell behind; it keeps its backlog but loses this
			// transition. Replay-latest is preserved via State().
			s.logger.Warn("state watcher lagging", "watcher", id, "phase", st.Phase)
		}
	}
}

// SelectPeripheral begins a session for a chosen peripheral without
// provisioning it, enabling hotspot and network-status queries. The
// observable state does not change until pairing starts.
func (s *Supervisor) SelectPeripheral(p device.Peripheral) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session := device.NewSession(p)
	s.session = &session
	s.logger.Info("peripheral selected", "id", p.ID, "name", p.Name, "profile", p.ProfileID)
}

// StartPairing starts a provisioning attempt. A second call while one is
// active is rejected synchronously and leaves the first attempt untouched.
func (s *Supervisor) StartPairing(p device.Peripheral, creds device.WifiCredentials) *device.Error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State().Phase == device.PhasePairing {
		return device.ErrPairingInProgress(p.Name)
	}

	session := device.NewSession(p)
	s.session = &session
	s.lastCredentials = &creds
	s.autoRetryAttempts = 0
	s.cancelAutoRetryLocked()
	s.setState(device.Pairing(p.Name, 10, p.SignalStrengthDbm))
	s.launchProvisioningLocked()
	return nil
}

// Retry re-runs the last pairing attempt with a fresh session. Requires a
// remembered session and credentials.
func (s *Supervisor) Retry() *device.Error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil || s.lastCredentials == nil {
		return device.ErrMissingSession()
	}
	s.cancelHeartbeatLocked()
	s.cancelAutoRetryLocked()
	s.autoRetryAttempts = 0
	s.setState(device.Pairing(s.session.PeripheralName, 5, s.session.SignalStrengthDbm))
	s.launchProvisioningLocked()
	return nil
}

// Forget drops the session, credentials, heartbeat and any pending automatic
// retry, returning to Disconnected.
func (s *Supervisor) Forget() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelHeartbeatLocked()
	s.cancelAutoRetryLocked()
	if s.session != nil && s.forgetter != nil {
		s.forgetter.Forget(s.session.PeripheralID)
	}
	s.session = nil
	s.lastCredentials = nil
	s.setState(device.Disconnected())
	s.logger.Info("device forgotten")
}

// HotspotCredentials reads the peripheral's hotspot credentials. Requires an
// active session.
func (s *Supervisor) HotspotCredentials(ctx context.Context) (device.WifiCredentials, *device.Error) {
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()
	if session == nil {
		return device.WifiCredentials{}, device.ErrMissingSession()
	}
	return s.prov.HotspotCredentials(ctx, *session)
}

// QueryNetworkStatus asks the peripheral for its network status. On success
// the connection is considered provisioned again: a synthetic provisioning
// status is derived from the report and the heartbeat restarts, so an already
// online device regains "provisioned" without a full credential handshake.
func (s *Supervisor) QueryNetworkStatus(ctx context.Context) (device.NetworkStatus, *device.Error) {
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()
	if session == nil {
		return device.NetworkStatus{}, device.ErrMissingSession()
	}

	status, derr := s.prov.QueryNetworkStatus(ctx, *session)
	if derr != nil {
		return device.NetworkStatus{}, derr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil || s.session.SecureToken != session.SecureToken {
		// Session superseded while the query was in flight; report the
		// status but leave the state machine alone.
		return status, nil
	}

	wifiName := status.DeviceWifiName
	if wifiName == "" {
		wifiName = protocol.DefaultDeviceWifiName
	}
	synthetic := device.ProvisioningStatus{
		WifiSSID:        wifiName,
		HandshakeID:     fmt.Sprintf("network-%08x", digest(status.RawResponse)),
		CredentialsHash: fmt.Sprintf("%08x", digest(wifiName+"-"+status.IPAddress)),
	}
	s.logger.Debug("network status ok", "device", session.PeripheralName, "ip", status.IPAddress)
	s.setState(device.WifiProvisioned(*s.session, synthetic))
	s.startHeartbeatLocked(*s.session, synthetic)
	return status, nil
}

// Close shuts the supervisor down, cancelling all background jobs and
// closing watcher streams.
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.cancelHeartbeatLocked()
	s.cancelAutoRetryLocked()
	s.mu.Unlock()

	s.cancel()

	s.stateMu.Lock()
	s.closed = true
	for id, ch := range s.watchers {
		delete(s.watchers, id)
		close(ch)
	}
	s.stateMu.Unlock()
}

// launchProvisioningLocked starts the provisioning exchange for the current
// session. Caller holds mu; the exchange itself runs outside the lock.
func (s *Supervisor) launchProvisioningLocked() {
	session := s.session
	creds := s.lastCredentials
	if session == nil || creds == nil {
		return
	}
	s.cancelHeartbeatLocked()

	sess, cr := *session, *creds
	go func() {
		status, derr := s.prov.Provision(s.ctx, sess, cr)
		if derr != nil {
			s.handleProvisioningFailure(sess, derr)
			return
		}
		s.handleProvisioningSuccess(sess, status)
	}()
}

func (s *Supervisor) handleProvisioningSuccess(session device.Session, status device.ProvisioningStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil || s.session.SecureToken != session.SecureToken {
		// Completion for a superseded session (forgotten or re-paired);
		// nothing to apply.
		return
	}
	s.autoRetryAttempts = 0
	s.cancelAutoRetryLocked()
	s.logger.Info("provision success", "device", session.PeripheralName, "handshake", status.HandshakeID)
	s.setState(device.WifiProvisioned(session, status))
	s.startHeartbeatLocked(session, status)
}

func (s *Supervisor) handleProvisioningFailure(session device.Session, derr *device.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil || s.session.SecureToken != session.SecureToken {
		return
	}
	s.logger.Warn("provision failure", "device", session.PeripheralName, "err", derr)
	s.setState(device.Failed(derr))
	if derr.Transient() {
		s.scheduleAutoRetryLocked()
	}
}

// scheduleAutoRetryLocked arms one delayed retry. Bounded per failure streak;
// the counter resets on success or manual Retry. Before firing, the job
// re-validates that nothing changed while it slept.
func (s *Supervisor) scheduleAutoRetryLocked() {
	if s.autoRetryAttempts >= s.cfg.AutoRetryMaxAttempts {
		s.logger.Info("auto retry exhausted", "attempts", s.autoRetryAttempts)
		return
	}
	s.cancelAutoRetryLocked()

	ctx, cancel := context.WithCancel(s.ctx)
	s.autoRetryCancel = cancel

	go func() {
		t := time.NewTimer(s.cfg.AutoRetryDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		if s.session == nil || s.lastCredentials == nil {
			return
		}
		if s.State().Phase != device.PhaseFailed {
			return
		}
		s.autoRetryAttempts++
		s.logger.Info("auto retry", "attempt", s.autoRetryAttempts, "device", s.session.PeripheralName)
		s.setState(device.Pairing(s.session.PeripheralName, 5, s.session.SignalStrengthDbm))
		s.launchProvisioningLocked()
	}()
}

func (s *Supervisor) cancelAutoRetryLocked() {
	if s.autoRetryCancel != nil {
		s.autoRetryCancel()
		s.autoRetryCancel = nil
	}
}

// startHeartbeatLocked refreshes the state to Syncing on every interval while
// the session stays active. Must be cancelled before session identity
// changes; all retry/forget paths do so.
func (s *Supervisor) startHeartbeatLocked(session device.Session, status device.ProvisioningStatus) {
	s.cancelHeartbeatLocked()

	ctx, cancel := context.WithCancel(s.ctx)
	s.heartbeatCancel = cancel

	go func() {
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.setState(device.Syncing(session, status, time.Now().UnixMilli()))
			}
		}
	}()
}

func (s *Supervisor) cancelHeartbeatLocked() {
	if s.heartbeatCancel != nil {
		s.heartbeatCancel()
		s.heartbeatCancel = nil
	}
}

func digest(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}
