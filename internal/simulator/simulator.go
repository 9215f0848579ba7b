// Package simulator is an in-memory peripheral standing in for real
// firmware: it implements the radio boundary, speaks the device wire
// protocol, and can be reshaped per frame by a Lua script so firmware quirks
// (JSON acks, poll-only revisions, rejections) are reproducible without
// hardware.
package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"blelink/internal/device"
	"blelink/internal/protocol"
	"blelink/internal/radio"
)

// Config shapes the simulated firmware.
type Config struct {
	// PeripheralID is the transport address the device answers as. Empty
	// accepts any id.
	PeripheralID string

	// MinPasswordLength below which credentials are rejected. Default 8.
	MinPasswordLength int

	// PollOnly models firmware that never notifies and expects the client
	// to read replies explicitly.
	PollOnly bool

	// Script is optional Lua source defining on_frame(frame) -> reply|nil.
	// A nil return falls through to the built-in behavior.
	Script string
}

// Peripheral is a simulated device. It implements radio.Radio; every Connect
// yields a link onto the same firmware state.
type Peripheral struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	provisioned *device.WifiCredentials
	handshakes  int
	vm          *lua.LState
}

// New creates a simulated peripheral, compiling the Lua script if present.
func New(cfg Config, logger *slog.Logger) (*Peripheral, error) {
	if cfg.MinPasswordLength <= 0 {
		cfg.MinPasswordLength = 8
	}
	p := &Peripheral{cfg: cfg, logger: logger.With("component", "simulator")}

	if cfg.Script != "" {
		vm := lua.NewState()
		if err := vm.DoString(cfg.Script); err != nil {
			vm.Close()
			return nil, fmt.Errorf("simulator: load script: %w", err)
		}
		if _, ok := vm.GetGlobal("on_frame").(*lua.LFunction); !ok {
			vm.Close()
			return nil, fmt.Errorf("simulator: script must define on_frame(frame)")
		}
		p.vm = vm
	}
	return p, nil
}

// Close releases the Lua VM, if any.
func (p *Peripheral) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.vm != nil {
		p.vm.Close()
		p.vm = nil
	}
}

// Connect implements radio.Radio.
func (p *Peripheral) Connect(ctx context.Context, peripheralID string) (radio.Link, error) {
	if p.cfg.PeripheralID != "" && peripheralID != p.cfg.PeripheralID {
		return nil, &radio.NotFoundError{PeripheralID: peripheralID}
	}
	return &link{
		dev:     p,
		replies: make(chan []byte, 4),
	}, nil
}

const (
	epCredentials = "sim-credentials"
	epStatus      = "sim-status"
	epHotspot     = "sim-hotspot"
)

type link struct {
	dev     *Peripheral
	replies chan []byte

	closeMu sync.Mutex
	closed  bool
}

func (l *link) Endpoints(ctx context.Context) ([]radio.Endpoint, error) {
	statusProps := radio.PropRead | radio.PropNotify
	if l.dev.cfg.PollOnly {
		statusProps = radio.PropRead
	}
	return []radio.Endpoint{
		{ID: epCredentials, Props: radio.PropWrite},
		{ID: epStatus, Props: statusProps},
		{ID: epHotspot, Props: radio.PropRead},
	}, nil
}

func (l *link) EnableNotifications(ctx context.Context, ep radio.Endpoint) error {
	return nil
}

func (l *link) Write(ctx context.Context, ep radio.Endpoint, data []byte) error {
	if ep.ID != epCredentials {
		return fmt.Errorf("simulator: endpoint %s is not writable", ep.ID)
	}
	reply := l.dev.handleFrame(string(data))
	if reply == "" {
		return nil // firmware stays silent; the client will time out
	}
	select {
	case l.replies <- []byte(reply):
	default:
		l.dev.logger.Warn("reply buffer full, dropping", "len", len(reply))
	}
	return nil
}

func (l *link) Read(ctx context.Context, ep radio.Endpoint) ([]byte, error) {
	switch ep.ID {
	case epHotspot:
		return l.dev.hotspotJSON(), nil
	case epStatus:
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case reply := <-l.replies:
			return reply, nil
		}
	default:
		return nil, fmt.Errorf("simulator: endpoint %s is not readable", ep.ID)
	}
}

func (l *link) AwaitNotification(ctx context.Context, ep radio.Endpoint) ([]byte, error) {
	if ep.ID != epStatus || l.dev.cfg.PollOnly {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case reply := <-l.replies:
		return reply, nil
	}
}

func (l *link) Close() error {
	l.closeMu.Lock()
	defer l.closeMu.Unlock()
	l.closed = true
	return nil
}

// handleFrame answers one incoming frame, consulting the script first.
func (p *Peripheral) handleFrame(frame string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.vm != nil {
		if reply, handled := p.scriptReply(frame); handled {
			return reply
		}
	}

	if strings.HasPrefix(frame, "wifi#address") {
		return p.networkReplyLocked()
	}

	creds, err := protocol.DecodeCredentials([]byte(frame))
	if err != nil {
		p.logger.Warn("unrecognized frame", "frame", frame)
		return "wifi#error#unknown-command"
	}
	if len(creds.Password) < p.cfg.MinPasswordLength {
		return "wifi#connect#denied#password-too-short"
	}
	p.provisioned = &creds
	p.handshakes++
	return fmt.Sprintf("wifi#connect#ok#SIM-%d", p.handshakes)
}

// scriptReply invokes on_frame. Caller holds mu (the VM is single-threaded).
func (p *Peripheral) scriptReply(frame string) (string, bool) {
	fn := p.vm.GetGlobal("on_frame")
	if err := p.vm.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, lua.LString(frame)); err != nil {
		p.logger.Error("script error", "err", err)
		return "", false
	}
	ret := p.vm.Get(-1)
	p.vm.Pop(1)
	if str, ok := ret.(lua.LString); ok {
		return string(str), true
	}
	return "", false
}

func (p *Peripheral) networkReplyLocked() string {
	ssid := protocol.DefaultDeviceWifiName
	if p.provisioned != nil && p.provisioned.SSID != "" {
		ssid = p.provisioned.SSID
	}
	ip := fmt.Sprintf("192.168.4.%d", 2+digest(p.cfg.PeripheralID)%250)
	return fmt.Sprintf("wifi#address#%s#%s#%s", ip, ssid, ssid)
}

func (p *Peripheral) hotspotJSON() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	hotspot := struct {
		SSID     string `json:"ssid"`
		Password string `json:"password"`
	}{
		SSID:     "Hotspot-" + protocol.DefaultDeviceWifiName,
		Password: fmt.Sprintf("%08d", digest(p.cfg.PeripheralID)%100000000),
	}
	data, _ := json.Marshal(hotspot)
	return data
}

func digest(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}
