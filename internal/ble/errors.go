package ble

import (
	"errors"
	"strings"

	"github.com/chaz8081/gattscope/internal/ble/codec"
)

// Kind classifies a failure.
type Kind int

const (
	KindTransport Kind = iota + 1
	KindTimeout
	KindDiscovery
	KindCharacteristicDiscovery
	KindWrite
	KindDisconnect
	KindDeviceNotFound
	KindWriteInProgress
	KindInvalidState
)

var kindNames = map[Kind]string{
	KindTransport:               "TransportError",
	KindTimeout:                 "TimeoutError",
	KindDiscovery:               "DiscoveryError",
	KindCharacteristicDiscovery: "CharacteristicDiscoveryError",
	KindWrite:                   "WriteError",
	KindDisconnect:              "DisconnectError",
	KindDeviceNotFound:          "DeviceNotFoundError",
	KindWriteInProgress:         "WriteInProgressError",
	KindInvalidState:            "InvalidStateError",
}

// String returns the category name used in notifications.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "UnknownError"
}

// Sentinels for errors.Is. Any *Error of the same kind matches.
var (
	ErrTransport               = &Error{Kind: KindTransport}
	ErrTimeout                 = &Error{Kind: KindTimeout}
	ErrDiscovery               = &Error{Kind: KindDiscovery}
	ErrCharacteristicDiscovery = &Error{Kind: KindCharacteristicDiscovery}
	ErrWrite                   = &Error{Kind: KindWrite}
	ErrDisconnect              = &Error{Kind: KindDisconnect}
	ErrDeviceNotFound          = &Error{Kind: KindDeviceNotFound}
	ErrWriteInProgress         = &Error{Kind: KindWriteInProgress}
	ErrInvalidState            = &Error{Kind: KindInvalidState}
)

// Error is a classified failure of a BLE operation. Err is the underlying
// cause, usually a transport error.
type Error struct {
	Kind               Kind
	Op                 string
	DeviceID           string
	ServiceUUID        string
	CharacteristicUUID string
	Err                error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString("ble: ")
	if e.Op != "" {
		sb.WriteString(e.Op)
	} else {
		sb.WriteString(e.Kind.String())
	}
	for _, part := range []string{e.DeviceID, e.ServiceUUID, e.CharacteristicUUID} {
		if part != "" {
			sb.WriteString(" ")
			sb.WriteString(part)
		}
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// Category returns the notification category for err: the kind name of the
// outermost *Error, InvalidInputError for codec failures, or "" otherwise.
func Category(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind.String()
	}
	if errors.Is(err, codec.ErrInvalidInput) {
		return "InvalidInputError"
	}
	return ""
}

// Message returns the innermost human-readable message of err, skipping the
// classification wrappers. It is what the user sees in a notification.
func Message(err error) string {
	if err == nil {
		return ""
	}
	for {
		var e *Error
		if !errors.As(err, &e) || e.Err == nil {
			return err.Error()
		}
		err = e.Err
	}
}
