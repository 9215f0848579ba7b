// Package provision translates gateway outcomes into the domain vocabulary.
// It is a stateless adapter: no retries live here, so the supervisor stays
// the single owner of retry policy.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"blelink/internal/device"
	"blelink/internal/gateway"
)

// Provisioner performs credential provisioning and status queries against one
// peripheral session.
type Provisioner interface {
	Provision(ctx context.Context, session device.Session, creds device.WifiCredentials) (device.ProvisioningStatus, *device.Error)
	HotspotCredentials(ctx context.Context, session device.Session) (device.WifiCredentials, *device.Error)
	QueryNetworkStatus(ctx context.Context, session device.Session) (device.NetworkStatus, *device.Error)
}

// GatewayProvisioner adapts the transport gateway.
type GatewayProvisioner struct {
	gw     *gateway.Gateway
	logger *slog.Logger
}

// NewGatewayProvisioner creates a provisioner over a gateway.
func NewGatewayProvisioner(gw *gateway.Gateway, logger *slog.Logger) *GatewayProvisioner {
	return &GatewayProvisioner{gw: gw, logger: logger.With("component", "provision")}
}

func (p *GatewayProvisioner) Provision(ctx context.Context, session device.Session, creds device.WifiCredentials) (device.ProvisioningStatus, *device.Error) {
	p.logger.Info("provision start", "device", session.PeripheralName, "ssid", creds.SSID)
	status, err := p.gw.Provision(ctx, session, creds)
	if err != nil {
		p.logger.Info("provision finished", "status", "failure", "device", session.PeripheralName)
		return device.ProvisioningStatus{}, mapError(err)
	}
	p.logger.Info("provision finished", "status", "success", "device", session.PeripheralName)
	return status, nil
}

func (p *GatewayProvisioner) HotspotCredentials(ctx context.Context, session device.Session) (device.WifiCredentials, *device.Error) {
	p.logger.Info("hotspot request", "device", session.PeripheralName)
	creds, err := p.gw.Hotspot(ctx, session)
	if err != nil {
		return device.WifiCredentials{}, mapError(err)
	}
	return creds, nil
}

func (p *GatewayProvisioner) QueryNetworkStatus(ctx context.Context, session device.Session) (device.NetworkStatus, *device.Error) {
	p.logger.Debug("network query", "device", session.PeripheralName)
	status, err := p.gw.QueryNetwork(ctx, session)
	if err != nil {
		return device.NetworkStatus{}, mapError(err)
	}
	return status, nil
}

// mapError is the 1:1 correspondence between gateway outcomes and domain
// errors. Anything unrecognized still surfaces as a transport failure rather
// than escaping the taxonomy.
func mapError(err error) *device.Error {
	var gerr *gateway.Error
	if !errors.As(err, &gerr) {
		return device.ErrTransport(err.Error())
	}
	switch gerr.Kind {
	case gateway.KindPermissionDenied:
		return device.ErrPermissionDenied(gerr.Permissions)
	case gateway.KindTimeout:
		ms := gerr.TimeoutMillis
		if ms <= 0 {
			ms = gateway.DefaultOperationTimeout.Milliseconds()
		}
		return device.ErrTimeout(ms)
	case gateway.KindCredentialRejected:
		return device.ErrProvisioningFailed(gerr.Reason)
	case gateway.KindDeviceMissing:
		return device.ErrTransport(fmt.Sprintf("device %s not found", gerr.PeripheralID))
	default:
		return device.ErrTransport(gerr.Reason)
	}
}
