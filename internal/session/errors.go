package session

import (
	"errors"
	"io"
	"net"

	"github.com/gorilla/websocket"

	"github.com/lumenvoice/voice-assistant/internal/device"
	"github.com/lumenvoice/voice-assistant/internal/realtime"
)

// ErrMissingCredential indicates no API key is provisioned.
var ErrMissingCredential = errors.New("no API key provisioned")

// Kind is the user-facing error taxonomy. Every failure that reaches the UI
// is classified into exactly one kind.
type Kind string

const (
	KindPermissionDenied   Kind = "permission_denied"
	KindMissingCredential  Kind = "missing_credential"
	KindInvalidCredential  Kind = "invalid_credential"
	KindTransientTransport Kind = "transient_transport"
	KindUnclassified       Kind = "unclassified"
)

// Classify maps an error to its taxonomy kind.
func Classify(err error) Kind {
	if err == nil {
		return KindUnclassified
	}

	switch {
	case errors.Is(err, ErrMissingCredential):
		return KindMissingCredential
	case errors.Is(err, realtime.ErrInvalidCredential):
		return KindInvalidCredential
	case errors.Is(err, device.ErrUnavailable):
		return KindPermissionDenied
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return KindTransientTransport
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransientTransport
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return KindTransientTransport
	}

	return KindUnclassified
}

// Message returns the user-facing text for the kind.
func (k Kind) Message() string {
	switch k {
	case KindPermissionDenied:
		return "Microphone or speaker unavailable. Check audio permissions."
	case KindMissingCredential:
		return "API key required. Provide a key to start."
	case KindInvalidCredential:
		return "API key was rejected. Provide a valid key."
	case KindTransientTransport:
		return "Connection lost. Retrying shortly."
	default:
		return "Something went wrong with the voice session."
	}
}

// NeedsAuth reports whether recovering requires a new credential.
func (k Kind) NeedsAuth() bool {
	return k == KindMissingCredential || k == KindInvalidCredential
}

// Reconnectable reports whether an automatic reconnection attempt makes
// sense for this kind. Credential and device problems need user action first.
func (k Kind) Reconnectable() bool {
	return k == KindTransientTransport || k == KindUnclassified
}
