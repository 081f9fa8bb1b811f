package plugin

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a plugin failure so callers can branch on the cause:
// "replace consumable" reads differently from "check the connection".
type ErrorKind string

const (
	// KindConfig marks a bad or missing plugin configuration.
	KindConfig ErrorKind = "config"
	// KindConnection marks an unreachable device or a failed handshake.
	KindConnection ErrorKind = "connection"
	// KindNotConnected marks an operation attempted on a device with no session.
	KindNotConnected ErrorKind = "not_connected"
	// KindResourceExhausted marks a depleted consumable, e.g. no test strips.
	KindResourceExhausted ErrorKind = "resource_exhausted"
	// KindUnsupported marks an operation the plugin declares it cannot perform.
	KindUnsupported ErrorKind = "unsupported"
	// KindNotFound marks an unknown device id.
	KindNotFound ErrorKind = "not_found"
)

// Error is the failure type every plugin operation reports. Plugins that
// cannot support an operation fail fast with KindUnsupported rather than
// silently no-oping.
type Error struct {
	Kind     ErrorKind
	PluginID string
	DeviceID string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.DeviceID != "" {
		msg = fmt.Sprintf("%s: device %s: %s", e.Kind, e.DeviceID, e.Message)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a plugin Error.
func NewError(kind ErrorKind, pluginID, deviceID, message string) *Error {
	return &Error{Kind: kind, PluginID: pluginID, DeviceID: deviceID, Message: message}
}

func kindIs(err error, kind ErrorKind) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}

// IsConnectionError reports whether err is a connection failure.
func IsConnectionError(err error) bool { return kindIs(err, KindConnection) }

// IsNotConnected reports whether err means the device has no active session.
func IsNotConnected(err error) bool { return kindIs(err, KindNotConnected) }

// IsResourceExhausted reports whether err is a depleted-consumable failure.
func IsResourceExhausted(err error) bool { return kindIs(err, KindResourceExhausted) }

// IsUnsupported reports whether err marks an undeclared capability.
func IsUnsupported(err error) bool { return kindIs(err, KindUnsupported) }

// IsNotFound reports whether err marks an unknown device.
func IsNotFound(err error) bool { return kindIs(err, KindNotFound) }
