// SPDX-License-Identifier: Apache-2.0

package nbd

import (
	"errors"
	"fmt"

	"github.com/vramblk/vramblk/internal/nbdproto"
)

var (
	ErrUnsupported = errors.New("option not supported")
	ErrPolicy      = errors.New("option forbidden by policy")
	ErrInvalid     = errors.New("invalid option")
	ErrUnknown     = errors.New("requested export is not available")
	ErrShutdown    = errors.New("server is shutting down")
	ErrUndefined   = errors.New("unrecognized option error code")

	ErrPerm         = errors.New("operation not permitted")
	ErrIO           = errors.New("input/output error")
	ErrNoMem        = errors.New("cannot allocate memory")
	ErrInval        = errors.New("invalid argument")
	ErrNoSpc        = errors.New("no space left on device")
	ErrNotSupported = errors.New("operation not supported")
)

// NegotiationError is an option-haggling rejection reported by the
// peer, carrying the optional human-readable payload.
type NegotiationError struct {
	Cause   error
	Message string
}

func (e *NegotiationError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Cause.Error(), e.Message)
	}
	return e.Cause.Error()
}

func (e *NegotiationError) Unwrap() error {
	return e.Cause
}

func optionError(code uint32, payload []byte) error {
	cause := ErrUndefined
	switch code {
	case nbdproto.REP_ERR_UNSUPPORTED:
		cause = ErrUnsupported
	case nbdproto.REP_ERR_POLICY:
		cause = ErrPolicy
	case nbdproto.REP_ERR_INVALID:
		cause = ErrInvalid
	case nbdproto.REP_ERR_UNKNOWN:
		cause = ErrUnknown
	case nbdproto.REP_ERR_SHUTDOWN:
		cause = ErrShutdown
	}
	return &NegotiationError{Cause: cause, Message: string(payload)}
}

func IsUnsupportedErr(err error) bool { return errors.Is(err, ErrUnsupported) }
func IsInvalidErr(err error) bool     { return errors.Is(err, ErrInvalid) }
func IsUnknownErr(err error) bool     { return errors.Is(err, ErrUnknown) }
func IsShutdownErr(err error) bool    { return errors.Is(err, ErrShutdown) }

// TransmissionError is a per-command error reply. The connection
// stays usable after one.
type TransmissionError struct {
	Cause  error
	Code   uint32
	Offset uint64
}

func (e *TransmissionError) Error() string {
	return fmt.Sprintf("transmission error at offset %d: %s", e.Offset, e.Cause.Error())
}

func (e *TransmissionError) Unwrap() error {
	return e.Cause
}

func transmissionError(code uint32, offset uint64) error {
	cause := ErrIO
	switch code {
	case nbdproto.EPERM:
		cause = ErrPerm
	case nbdproto.EIO:
		cause = ErrIO
	case nbdproto.ENOMEM:
		cause = ErrNoMem
	case nbdproto.EINVAL:
		cause = ErrInval
	case nbdproto.ENOSPC:
		cause = ErrNoSpc
	case nbdproto.ENOTSUP:
		cause = ErrNotSupported
	}
	return &TransmissionError{Cause: cause, Code: code, Offset: offset}
}

func IsPermErr(err error) bool         { return errors.Is(err, ErrPerm) }
func IsIOErr(err error) bool           { return errors.Is(err, ErrIO) }
func IsInvalErr(err error) bool        { return errors.Is(err, ErrInval) }
func IsNotSupportedErr(err error) bool { return errors.Is(err, ErrNotSupported) }

// ProtocolError marks a wire-level violation. It is fatal to the
// connection it occurred on, never to the server.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation: %s", e.Reason)
}

func protocolErrorf(format string, args ...any) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

var errPayloadTooLarge = errors.New("peer payload exceeds connection buffer")
