// Package bleradio drives peripherals over BLE GATT using tinygo bluetooth.
// Characteristic roles come from a vendor profile instead of GATT property
// discovery, because the library does not expose property bits uniformly
// across platforms.
package bleradio

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"

	"blelink/internal/radio"
)

// Profile declares the vendor service and which characteristic carries which
// role. HotspotCharUUID may be empty when the firmware reuses the status
// characteristic for hotspot reads.
type Profile struct {
	ServiceUUID     string
	WriteCharUUID   string
	StatusCharUUID  string
	HotspotCharUUID string
}

func (p Profile) validate() error {
	for _, u := range []string{p.ServiceUUID, p.WriteCharUUID, p.StatusCharUUID} {
		if u == "" {
			return fmt.Errorf("bleradio: profile requires service, write and status UUIDs")
		}
		if _, err := bluetooth.ParseUUID(u); err != nil {
			return fmt.Errorf("bleradio: parse UUID %q: %w", u, err)
		}
	}
	if p.HotspotCharUUID != "" {
		if _, err := bluetooth.ParseUUID(p.HotspotCharUUID); err != nil {
			return fmt.Errorf("bleradio: parse UUID %q: %w", p.HotspotCharUUID, err)
		}
	}
	return nil
}

// Driver implements radio.Radio on the default platform BLE adapter.
type Driver struct {
	adapter *bluetooth.Adapter
	profile Profile
	logger  *slog.Logger

	enableOnce sync.Once
	enableErr  error
}

// New creates a BLE driver for the given vendor profile.
func New(profile Profile, logger *slog.Logger) (*Driver, error) {
	if err := profile.validate(); err != nil {
		return nil, err
	}
	return &Driver{
		adapter: bluetooth.DefaultAdapter,
		profile: profile,
		logger:  logger.With("component", "bleradio"),
	}, nil
}

// Connect resolves the peripheral address and establishes a GATT connection.
func (d *Driver) Connect(ctx context.Context, peripheralID string) (radio.Link, error) {
	d.enableOnce.Do(func() {
		d.enableErr = d.adapter.Enable()
	})
	if d.enableErr != nil {
		return nil, classify(d.enableErr, peripheralID)
	}

	var addr bluetooth.Address
	addr.Set(peripheralID)

	// The library's Connect blocks with its own internal timeout; run it off
	// to the side so ctx cancellation is honored.
	type connectResult struct {
		dev bluetooth.Device
		err error
	}
	ch := make(chan connectResult, 1)
	go func() {
		dev, err := d.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{dev, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return nil, classify(res.err, peripheralID)
		}
		d.logger.Debug("connected", "peripheral", peripheralID)
		return newLink(res.dev, d.profile), nil
	}
}

// classify maps platform BLE errors onto the radio error taxonomy. The
// underlying stacks (BlueZ, CoreBluetooth, WinRT) only expose error strings,
// so matching is necessarily textual.
func classify(err error, peripheralID string) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not found") || strings.Contains(msg, "no such device") || strings.Contains(msg, "unknown device"):
		return &radio.NotFoundError{PeripheralID: peripheralID}
	case strings.Contains(msg, "permission") || strings.Contains(msg, "not authorized") || strings.Contains(msg, "access denied"):
		return &radio.PermissionError{Permissions: []string{"bluetooth"}}
	default:
		return err
	}
}

type link struct {
	device  bluetooth.Device
	profile Profile

	mu        sync.Mutex
	chars     map[string]bluetooth.DeviceCharacteristic // endpoint id -> characteristic
	notify    map[string]chan []byte                     // endpoint id -> delivery channel
	endpoints []radio.Endpoint
	closed    bool
}

func newLink(dev bluetooth.Device, profile Profile) *link {
	return &link{
		device:  dev,
		profile: profile,
		chars:   make(map[string]bluetooth.DeviceCharacteristic),
		notify:  make(map[string]chan []byte),
	}
}

// Endpoints discovers the profile's characteristics and reports them with the
// capability flags implied by their roles.
func (l *link) Endpoints(ctx context.Context) ([]radio.Endpoint, error) {
	l.mu.Lock()
	if l.endpoints != nil {
		eps := l.endpoints
		l.mu.Unlock()
		return eps, nil
	}
	l.mu.Unlock()

	svcUUID, _ := bluetooth.ParseUUID(l.profile.ServiceUUID)
	var svcs []bluetooth.DeviceService
	err := l.run(ctx, func() error {
		var derr error
		svcs, derr = l.device.DiscoverServices([]bluetooth.UUID{svcUUID})
		return derr
	})
	if err != nil {
		return nil, fmt.Errorf("bleradio: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("bleradio: service %s not found", l.profile.ServiceUUID)
	}

	var chars []bluetooth.DeviceCharacteristic
	err = l.run(ctx, func() error {
		var derr error
		chars, derr = svcs[0].DiscoverCharacteristics(nil)
		return derr
	})
	if err != nil {
		return nil, fmt.Errorf("bleradio: discover characteristics: %w", err)
	}

	roles := map[string]radio.EndpointProps{
		strings.ToLower(l.profile.WriteCharUUID):  radio.PropWrite,
		strings.ToLower(l.profile.StatusCharUUID): radio.PropNotify | radio.PropRead,
	}
	if l.profile.HotspotCharUUID != "" {
		roles[strings.ToLower(l.profile.HotspotCharUUID)] |= radio.PropRead
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	var eps []radio.Endpoint
	for _, c := range chars {
		id := strings.ToLower(c.UUID().String())
		props, ok := roles[id]
		if !ok {
			continue
		}
		l.chars[id] = c
		eps = append(eps, radio.Endpoint{ID: id, Props: props})
	}
	if len(eps) == 0 {
		return nil, fmt.Errorf("bleradio: none of the profile characteristics found on device")
	}
	l.endpoints = eps
	return eps, nil
}

func (l *link) EnableNotifications(ctx context.Context, ep radio.Endpoint) error {
	l.mu.Lock()
	if _, ok := l.notify[ep.ID]; ok {
		l.mu.Unlock()
		return nil
	}
	char, ok := l.chars[ep.ID]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("bleradio: unknown endpoint %s", ep.ID)
	}
	ch := make(chan []byte, 8)
	l.notify[ep.ID] = ch
	l.mu.Unlock()

	return l.run(ctx, func() error {
		return char.EnableNotifications(func(buf []byte) {
			data := make([]byte, len(buf))
			copy(data, buf)
			select {
			case ch <- data:
			default:
				// Waiter fell behind; dropping beats blocking the BLE stack
				// callback thread.
			}
		})
	})
}

func (l *link) Write(ctx context.Context, ep radio.Endpoint, data []byte) error {
	l.mu.Lock()
	char, ok := l.chars[ep.ID]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("bleradio: unknown endpoint %s", ep.ID)
	}
	return l.run(ctx, func() error {
		_, err := char.WriteWithoutResponse(data)
		return err
	})
}

func (l *link) Read(ctx context.Context, ep radio.Endpoint) ([]byte, error) {
	l.mu.Lock()
	char, ok := l.chars[ep.ID]
	l.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("bleradio: unknown endpoint %s", ep.ID)
	}
	buf := make([]byte, 512)
	var n int
	err := l.run(ctx, func() error {
		var rerr error
		n, rerr = char.Read(buf)
		return rerr
	})
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (l *link) AwaitNotification(ctx context.Context, ep radio.Endpoint) ([]byte, error) {
	l.mu.Lock()
	ch, ok := l.notify[ep.ID]
	l.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("bleradio: notifications not enabled on %s", ep.ID)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data := <-ch:
		return data, nil
	}
}

func (l *link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.device.Disconnect()
}

// run executes a blocking BLE call off to the side so ctx deadlines cut the
// wait. The abandoned call finishes against a closed link.
func (l *link) run(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}
