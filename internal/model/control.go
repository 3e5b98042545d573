package model

import "context"

// DeviceControl is the narrow capability the pipeline needs from the
// southbound control channel. Both calls are fire-and-forget: replies to
// counter requests arrive asynchronously and carry the token.
type DeviceControl interface {
	RequestFlowCounters(ctx context.Context, device DeviceID, token string) error
	InstallRule(ctx context.Context, device DeviceID, rule MitigationRule) error
}

// DeviceListener is notified by the control channel when devices come and go.
type DeviceListener interface {
	DeviceConnected(device DeviceID)
	DeviceDisconnected(device DeviceID)
}
