// Package serialradio drives a peripheral attached over a UART debug link.
// The vendor firmware speaks the same text frames as over BLE, one frame per
// line, so the link exposes a single endpoint carrying all three roles.
package serialradio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"go.bug.st/serial"

	"blelink/internal/radio"
)

// Config identifies the attached peripheral and its port.
type Config struct {
	Port         string
	Baud         int
	PeripheralID string // the transport address the UART device answers as
}

// Driver implements radio.Radio for one UART-attached peripheral.
type Driver struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a serial driver.
func New(cfg Config, logger *slog.Logger) *Driver {
	return &Driver{cfg: cfg, logger: logger.With("component", "serialradio")}
}

// Connect opens the serial port. Only the configured peripheral id resolves;
// a UART link hosts exactly one device.
func (d *Driver) Connect(ctx context.Context, peripheralID string) (radio.Link, error) {
	if peripheralID != d.cfg.PeripheralID {
		return nil, &radio.NotFoundError{PeripheralID: peripheralID}
	}

	mode := &serial.Mode{
		BaudRate: d.cfg.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(d.cfg.Port, mode)
	if err != nil {
		return nil, classify(err, peripheralID)
	}

	// USB CDC ACM firmware wants DTR/RTS asserted before it talks.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)

	l := &link{
		port:   port,
		lines:  make(chan []byte, 16),
		done:   make(chan struct{}),
		logger: d.logger,
	}
	go l.readLoop()
	d.logger.Debug("port opened", "port", d.cfg.Port, "baud", d.cfg.Baud)
	return l, nil
}

func classify(err error, peripheralID string) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied") || strings.Contains(msg, "access is denied"):
		return &radio.PermissionError{Permissions: []string{"serial"}}
	case strings.Contains(msg, "no such file") || strings.Contains(msg, "not found"):
		return &radio.NotFoundError{PeripheralID: peripheralID}
	default:
		return fmt.Errorf("serialradio: open: %w", err)
	}
}

// uartEndpoint is the single endpoint a UART peripheral exposes.
var uartEndpoint = radio.Endpoint{
	ID:    "uart",
	Props: radio.PropWrite | radio.PropRead | radio.PropNotify,
}

type link struct {
	port   serial.Port
	lines  chan []byte
	done   chan struct{}
	logger *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (l *link) readLoop() {
	reader := bufio.NewReader(l.port)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			select {
			case <-l.done:
			default:
				if err != io.EOF && !strings.Contains(err.Error(), "closed") {
					l.logger.Error("serial read", "err", err)
				}
			}
			return
		}
		frame := strings.TrimRight(line, "\r\n")
		if frame == "" {
			continue
		}
		select {
		case l.lines <- []byte(frame):
		default:
			l.logger.Warn("serial frame dropped, no waiter", "len", len(frame))
		}
	}
}

func (l *link) Endpoints(ctx context.Context) ([]radio.Endpoint, error) {
	return []radio.Endpoint{uartEndpoint}, nil
}

func (l *link) EnableNotifications(ctx context.Context, ep radio.Endpoint) error {
	// The UART stream always delivers; nothing to arm.
	return nil
}

func (l *link) Write(ctx context.Context, ep radio.Endpoint, data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	frame := append(append([]byte{}, data...), '\n')
	if _, err := l.port.Write(frame); err != nil {
		return fmt.Errorf("serialradio: write: %w", err)
	}
	return nil
}

// Read waits for the peripheral's next line. Over UART an explicit read and a
// notification are the same thing: the device only pushes.
func (l *link) Read(ctx context.Context, ep radio.Endpoint) ([]byte, error) {
	return l.nextLine(ctx)
}

func (l *link) AwaitNotification(ctx context.Context, ep radio.Endpoint) ([]byte, error) {
	return l.nextLine(ctx)
}

func (l *link) nextLine(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		return nil, fmt.Errorf("serialradio: link closed")
	case frame := <-l.lines:
		return frame, nil
	}
}

func (l *link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.port.Close()
	})
	return err
}
