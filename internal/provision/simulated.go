package provision

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"blelink/internal/device"
	"blelink/internal/protocol"
)

const (
	simProvisionDelay    = 500 * time.Millisecond
	simHotspotDelay      = 250 * time.Millisecond
	simNetworkQueryDelay = 400 * time.Millisecond
	simMinPasswordLength = 8
)

// Simulated is an offline provisioner for development without hardware. It
// answers deterministically from the session so repeated runs are stable, and
// remembers provisioned credentials per peripheral for network-status
// answers.
type Simulated struct {
	mu          sync.Mutex
	credentials map[string]device.WifiCredentials // keyed by peripheral id
}

// NewSimulated creates an offline provisioner.
func NewSimulated() *Simulated {
	return &Simulated{credentials: make(map[string]device.WifiCredentials)}
}

func (s *Simulated) Provision(ctx context.Context, session device.Session, creds device.WifiCredentials) (device.ProvisioningStatus, *device.Error) {
	if err := sleep(ctx, simProvisionDelay); err != nil {
		return device.ProvisioningStatus{}, err
	}
	if len(creds.Password) < simMinPasswordLength {
		return device.ProvisioningStatus{}, device.ErrProvisioningFailed(
			fmt.Sprintf("Wi-Fi password must be at least %d characters", simMinPasswordLength))
	}

	s.mu.Lock()
	s.credentials[session.PeripheralID] = creds
	s.mu.Unlock()

	return device.ProvisioningStatus{
		WifiSSID:        creds.SSID,
		HandshakeID:     fmt.Sprintf("sim-%08x", digest(creds.SSID+creds.Password+session.SecureToken)),
		CredentialsHash: protocol.CredentialsHash(creds.SSID, creds.Password, session.SecureToken),
	}, nil
}

func (s *Simulated) HotspotCredentials(ctx context.Context, session device.Session) (device.WifiCredentials, *device.Error) {
	if err := sleep(ctx, simHotspotDelay); err != nil {
		return device.WifiCredentials{}, err
	}
	name := session.PeripheralName
	if len(name) > 6 {
		name = name[:6]
	}
	return device.WifiCredentials{
		SSID:     "Hotspot-" + name,
		Password: fmt.Sprintf("%08d", digest(session.PeripheralName)%100000000),
	}, nil
}

func (s *Simulated) QueryNetworkStatus(ctx context.Context, session device.Session) (device.NetworkStatus, *device.Error) {
	if err := sleep(ctx, simNetworkQueryDelay); err != nil {
		return device.NetworkStatus{}, err
	}

	ip := fmt.Sprintf("192.168.50.%d", 10+digest(session.PeripheralName)%190)

	s.mu.Lock()
	creds, ok := s.credentials[session.PeripheralID]
	s.mu.Unlock()
	deviceWifi := creds.SSID
	if !ok || deviceWifi == "" {
		deviceWifi = protocol.DefaultDeviceWifiName
	}

	raw := fmt.Sprintf("wifi#address#%s#%s#", ip, deviceWifi)
	return device.NetworkStatus{
		IPAddress:      ip,
		DeviceWifiName: deviceWifi,
		PhoneWifiName:  "",
		RawResponse:    raw,
	}, nil
}

// Forget drops the remembered credentials for a peripheral.
func (s *Simulated) Forget(peripheralID string) {
	s.mu.Lock()
	delete(s.credentials, peripheralID)
	s.mu.Unlock()
}

func sleep(ctx context.Context, d time.Duration) *device.Error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return device.ErrTransport("cancelled")
	case <-t.C:
		return nil
	}
}

func digest(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}
