// Package gateway executes request/response exchanges with one peripheral at
// a time. A single mutex spans all peripherals: the underlying radio adapter
// cannot multiplex transactions, so exactly one exchange is in flight
// system-wide. Every radio or codec failure is classified here; nothing
// reaches the provisioner as a raw error.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"blelink/internal/device"
	"blelink/internal/protocol"
	"blelink/internal/radio"
)

const (
	DefaultConnectionTimeout = 10 * time.Second
	DefaultOperationTimeout  = 5 * time.Second
)

// ErrorKind enumerates the closed set of exchange failures.
type ErrorKind string

const (
	KindPermissionDenied   ErrorKind = "permission_denied"
	KindTimeout            ErrorKind = "timeout"
	KindTransport          ErrorKind = "transport"
	KindCredentialRejected ErrorKind = "credential_rejected"
	KindDeviceMissing      ErrorKind = "device_missing"
)

// Error is the outcome of a failed exchange. Only the fields relevant to
// Kind are set.
type Error struct {
	Kind          ErrorKind
	Reason        string
	Permissions   []string
	PeripheralID  string
	TimeoutMillis int64
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindPermissionDenied:
		return fmt.Sprintf("gateway: missing permissions %s", strings.Join(e.Permissions, ", "))
	case KindTimeout:
		return fmt.Sprintf("gateway: exchange timed out after %dms", e.TimeoutMillis)
	case KindCredentialRejected:
		return fmt.Sprintf("gateway: credentials rejected: %s", e.Reason)
	case KindDeviceMissing:
		return fmt.Sprintf("gateway: peripheral %s not found", e.PeripheralID)
	default:
		return fmt.Sprintf("gateway: transport failure: %s", e.Reason)
	}
}

// Config bounds the two phases of an exchange.
type Config struct {
	ConnectionTimeout time.Duration
	OperationTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = DefaultConnectionTimeout
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}
	return c
}

// endpointSet is the discovered role assignment for one peripheral.
type endpointSet struct {
	write   radio.Endpoint // credentials channel
	status  radio.Endpoint // acknowledgement / status channel
	hotspot radio.Endpoint // hotspot reads; equals status when no distinct one exists
}

// Gateway executes exchanges against the radio boundary.
type Gateway struct {
	radio  radio.Radio
	cfg    Config
	logger *slog.Logger

	mu sync.Mutex // one exchange system-wide

	cacheMu sync.Mutex
	cache   map[string]endpointSet // keyed by peripheral id
}

// New creates a gateway over the given radio adapter.
func New(r radio.Radio, cfg Config, logger *slog.Logger) *Gateway {
	return &Gateway{
		radio:  r,
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "gateway"),
		cache:  make(map[string]endpointSet),
	}
}

// rejectedError marks a decoded rejection inside an exchange so classify can
// tell it apart from transport trouble.
type rejectedError struct{ reason string }

func (e *rejectedError) Error() string { return e.reason }

// Provision writes Wi-Fi credentials and awaits the acknowledgement.
func (g *Gateway) Provision(ctx context.Context, session device.Session, creds device.WifiCredentials) (device.ProvisioningStatus, error) {
	var status device.ProvisioningStatus
	err := g.execute(ctx, session.PeripheralID, func(ctx context.Context, x *exchange) error {
		if err := x.write(ctx, x.eps.write, protocol.EncodeCredentials(creds)); err != nil {
			return err
		}
		reply, err := x.awaitReply(ctx, x.eps.status)
		if err != nil {
			return err
		}
		ack, err := protocol.DecodeAck(reply)
		if err != nil {
			return err
		}
		if !ack.Accepted {
			return &rejectedError{reason: ack.Reason}
		}
		handshakeID := ack.HandshakeID
		if handshakeID == "" {
			handshakeID = protocol.NewHandshakeID()
		}
		hash := ack.CredentialsHash
		if hash == "" {
			hash = protocol.CredentialsHash(creds.SSID, creds.Password, session.SecureToken)
		}
		status = device.ProvisioningStatus{
			WifiSSID:        creds.SSID,
			HandshakeID:     handshakeID,
			CredentialsHash: hash,
		}
		return nil
	})
	if err != nil {
		return device.ProvisioningStatus{}, err
	}
	return status, nil
}

// Hotspot reads the peripheral's hotspot credentials.
func (g *Gateway) Hotspot(ctx context.Context, session device.Session) (device.WifiCredentials, error) {
	var creds device.WifiCredentials
	err := g.execute(ctx, session.PeripheralID, func(ctx context.Context, x *exchange) error {
		reply, err := x.read(ctx, x.eps.hotspot)
		if err != nil {
			return err
		}
		creds, err = protocol.DecodeHotspot(reply)
		return err
	})
	if err != nil {
		return device.WifiCredentials{}, err
	}
	return creds, nil
}

// QueryNetwork asks the peripheral for its network status.
func (g *Gateway) QueryNetwork(ctx context.Context, session device.Session) (device.NetworkStatus, error) {
	var status device.NetworkStatus
	err := g.execute(ctx, session.PeripheralID, func(ctx context.Context, x *exchange) error {
		if err := x.write(ctx, x.eps.write, protocol.EncodeNetworkQuery()); err != nil {
			return err
		}
		reply, err := x.awaitReply(ctx, x.eps.status)
		if err != nil {
			return err
		}
		status, err = protocol.DecodeNetworkStatus(reply)
		return err
	})
	if err != nil {
		return device.NetworkStatus{}, err
	}
	return status, nil
}

// Forget drops the cached endpoint assignment for a peripheral. Called when
// the device is forgotten so a later pairing re-discovers from scratch.
func (g *Gateway) Forget(peripheralID string) {
	g.cacheMu.Lock()
	delete(g.cache, peripheralID)
	g.cacheMu.Unlock()
}

// execute runs one exchange: lock, connect, discover, arm notifications, op.
// The link is closed and the lock released on every exit path.
func (g *Gateway) execute(ctx context.Context, peripheralID string, op func(context.Context, *exchange) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	connCtx, cancel := context.WithTimeout(ctx, g.cfg.ConnectionTimeout)
	link, err := g.radio.Connect(connCtx, peripheralID)
	cancel()
	if err != nil {
		return g.classify(err, peripheralID)
	}
	defer link.Close()

	x := &exchange{gw: g, link: link, peripheralID: peripheralID}
	if err := x.prepare(ctx); err != nil {
		return g.classify(err, peripheralID)
	}
	if err := op(ctx, x); err != nil {
		return g.classify(err, peripheralID)
	}
	return nil
}

// classify maps any exchange failure onto the closed Error set.
func (g *Gateway) classify(err error, peripheralID string) *Error {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr
	}
	var nf *radio.NotFoundError
	if errors.As(err, &nf) {
		return &Error{Kind: KindDeviceMissing, PeripheralID: nf.PeripheralID}
	}
	var pe *radio.PermissionError
	if errors.As(err, &pe) {
		return &Error{Kind: KindPermissionDenied, Permissions: pe.Permissions}
	}
	var rej *rejectedError
	if errors.As(err, &rej) {
		return &Error{Kind: KindCredentialRejected, Reason: rej.reason, PeripheralID: peripheralID}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		g.logger.Warn("exchange timed out", "peripheral", peripheralID)
		return &Error{
			Kind:          KindTimeout,
			PeripheralID:  peripheralID,
			TimeoutMillis: g.cfg.OperationTimeout.Milliseconds(),
		}
	}
	var de *protocol.DecodeError
	if errors.As(err, &de) {
		g.logger.Warn("undecodable reply", "peripheral", peripheralID, "err", de)
		return &Error{Kind: KindTransport, Reason: de.Error(), PeripheralID: peripheralID}
	}
	g.logger.Warn("exchange failed", "peripheral", peripheralID, "err", err)
	return &Error{Kind: KindTransport, Reason: err.Error(), PeripheralID: peripheralID}
}

// exchange is the per-call context of one locked gateway exchange.
type exchange struct {
	gw           *Gateway
	link         radio.Link
	peripheralID string
	eps          endpointSet
}

// prepare resolves the endpoint roles (cached per peripheral) and enables
// notification delivery before any write that expects a response.
func (x *exchange) prepare(ctx context.Context) error {
	g := x.gw

	g.cacheMu.Lock()
	eps, cached := g.cache[x.peripheralID]
	g.cacheMu.Unlock()

	if !cached {
		opCtx, cancel := context.WithTimeout(ctx, g.cfg.OperationTimeout)
		all, err := x.link.Endpoints(opCtx)
		cancel()
		if err != nil {
			return err
		}
		eps, err = assignRoles(all)
		if err != nil {
			return err
		}
		g.cacheMu.Lock()
		g.cache[x.peripheralID] = eps
		g.cacheMu.Unlock()
		g.logger.Info("endpoints discovered",
			"peripheral", x.peripheralID,
			"write", eps.write.ID, "status", eps.status.ID, "hotspot", eps.hotspot.ID)
	}
	x.eps = eps

	if eps.status.CanNotify() {
		if err := x.enableNotifications(ctx, eps.status); err != nil {
			return err
		}
	}
	if eps.hotspot.ID != eps.status.ID && eps.hotspot.CanNotify() {
		if err := x.enableNotifications(ctx, eps.hotspot); err != nil {
			return err
		}
	}
	return nil
}

// assignRoles picks the write, status and hotspot endpoints. A peripheral
// with no writable endpoint cannot be provisioned at all.
func assignRoles(all []radio.Endpoint) (endpointSet, error) {
	var eps endpointSet
	var haveWrite, haveStatus bool
	for _, ep := range all {
		if !haveWrite && ep.CanWrite() {
			eps.write = ep
			haveWrite = true
		}
		if !haveStatus && ep.CanNotify() {
			eps.status = ep
			haveStatus = true
		}
	}
	if !haveWrite {
		return endpointSet{}, fmt.Errorf("peripheral exposes no writable endpoint")
	}
	if !haveStatus {
		for _, ep := range all {
			if ep.CanRead() {
				eps.status = ep
				haveStatus = true
				break
			}
		}
	}
	if !haveStatus {
		eps.status = eps.write
	}
	eps.hotspot = eps.status
	for _, ep := range all {
		if ep.CanRead() && ep.ID != eps.status.ID {
			eps.hotspot = ep
			break
		}
	}
	return eps, nil
}

func (x *exchange) enableNotifications(ctx context.Context, ep radio.Endpoint) error {
	opCtx, cancel := context.WithTimeout(ctx, x.gw.cfg.OperationTimeout)
	defer cancel()
	return x.link.EnableNotifications(opCtx, ep)
}

func (x *exchange) write(ctx context.Context, ep radio.Endpoint, data []byte) error {
	opCtx, cancel := context.WithTimeout(ctx, x.gw.cfg.OperationTimeout)
	defer cancel()
	return x.link.Write(opCtx, ep, data)
}

func (x *exchange) read(ctx context.Context, ep radio.Endpoint) ([]byte, error) {
	opCtx, cancel := context.WithTimeout(ctx, x.gw.cfg.OperationTimeout)
	defer cancel()
	return x.link.Read(opCtx, ep)
}

// awaitReply prefers an asynchronous notification but falls back to an
// explicit read when none arrives within the operation timeout. Some firmware
// notifies, some expects to be polled; the race is intentional.
func (x *exchange) awaitReply(ctx context.Context, ep radio.Endpoint) ([]byte, error) {
	if ep.CanNotify() {
		opCtx, cancel := context.WithTimeout(ctx, x.gw.cfg.OperationTimeout)
		data, err := x.link.AwaitNotification(opCtx, ep)
		cancel()
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, err
		}
		// No notification in time; fall through to a poll.
	}
	return x.read(ctx, ep)
}
