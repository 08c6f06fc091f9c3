// Package gateway is the outbound messaging provider seen by the dispatcher.
package gateway

import (
	"context"
	"errors"
)

// Delivery is one outbound message.
type Delivery struct {
	Recipient  string
	Message    string
	Attachment string // optional media URL
	Credential string
}

// SendResult is the provider's answer to a Delivery. StatusCode is the
// transport status (HTTP code) or 0 when no response was received.
type SendResult struct {
	OK         bool
	StatusCode int
	Detail     string
}

type HealthStatus uint8

const (
	HealthUnknown HealthStatus = iota
	HealthOK
	HealthBlocked
)

func (h HealthStatus) String() string {
	switch h {
	case HealthOK:
		return "ok"
	case HealthBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// Client sends messages and reports account health.
//
// Send reports ordinary failures (rejected message, non-2xx, timeout) as
// OK=false with a nil error. A non-nil error means the environment is broken
// and the caller should stop.
//
// ProbeHealth errors are diagnostic only; callers keep going.
type Client interface {
	Send(ctx context.Context, d Delivery) (SendResult, error)
	ProbeHealth(ctx context.Context, credential string) (HealthStatus, error)
}

// ErrNotConfigured is returned by Funcs when a hook is missing.
var ErrNotConfigured = errors.New("gateway: not configured")

// Funcs adapts plain functions to Client.
type Funcs struct {
	SendFunc  func(ctx context.Context, d Delivery) (SendResult, error)
	ProbeFunc func(ctx context.Context, credential string) (HealthStatus, error)
}

func (f Funcs) Send(ctx context.Context, d Delivery) (SendResult, error) {
	if f.SendFunc == nil {
		return SendResult{}, ErrNotConfigured
	}
	return f.SendFunc(ctx, d)
}

// ProbeHealth reports HealthOK when no probe hook is set.
func (f Funcs) ProbeHealth(ctx context.Context, credential string) (HealthStatus, error) {
	if f.ProbeFunc == nil {
		return HealthOK, nil
	}
	return f.ProbeFunc(ctx, credential)
}
