// Package csperr holds the error kinds shared by every layer of the stack.
// Each kind maps to the integer code used on the wire by other CSP nodes
// and by the service protocols.
package csperr

import (
	"github.com/pkg/errors"
)

const (
	CodeNone    = 0
	CodeNoMem   = -1
	CodeInval   = -2
	CodeTimeout = -3
	CodeUsed    = -4
	CodeNotSup  = -5
	CodeBusy    = -6
	CodeAlready = -7
	CodeReset   = -8
	CodeNoBufs  = -9
	CodeTx      = -10
	CodeDriver  = -11
	CodeAgain   = -12
	CodeNoSys   = -38
	CodeHMAC    = -100
	CodeCRC32   = -102
	CodeSFP     = -103
)

var (
	ErrNoMem        = errors.New("csp: out of memory")
	ErrInvalid      = errors.New("csp: invalid argument")
	ErrTimedOut     = errors.New("csp: timed out")
	ErrUsed         = errors.New("csp: resource already in use")
	ErrNotSupported = errors.New("csp: operation not supported")
	ErrBusy         = errors.New("csp: device or resource busy")
	ErrAlready      = errors.New("csp: connection already in progress")
	ErrReset        = errors.New("csp: connection reset")
	ErrNoBufs       = errors.New("csp: no more buffer space available")
	ErrTx           = errors.New("csp: transmission failed")
	ErrDriver       = errors.New("csp: error in driver layer")
	ErrAgain        = errors.New("csp: resource temporarily unavailable")
	ErrNoSys        = errors.New("csp: function not implemented")
	ErrHMAC         = errors.New("csp: hmac verification failed")
	ErrCRC32        = errors.New("csp: crc32 verification failed")
	ErrSFP          = errors.New("csp: framing error")

	// ErrNoConnections is reported when the connection table is full.
	ErrNoConnections = errors.Wrap(ErrNoMem, "no more connections")
	// ErrNoRoute is reported when no interface can reach a destination.
	ErrNoRoute = errors.Wrap(ErrTx, "no route to host")
)

var codes = []struct {
	err  error
	code int
}{
	{ErrNoMem, CodeNoMem},
	{ErrInvalid, CodeInval},
	{ErrTimedOut, CodeTimeout},
	{ErrUsed, CodeUsed},
	{ErrNotSupported, CodeNotSup},
	{ErrBusy, CodeBusy},
	{ErrAlready, CodeAlready},
	{ErrReset, CodeReset},
	{ErrNoBufs, CodeNoBufs},
	{ErrTx, CodeTx},
	{ErrDriver, CodeDriver},
	{ErrAgain, CodeAgain},
	{ErrNoSys, CodeNoSys},
	{ErrHMAC, CodeHMAC},
	{ErrCRC32, CodeCRC32},
	{ErrSFP, CodeSFP},
}

// Code returns the integer code of err. Unknown errors map to CodeInval,
// nil maps to CodeNone.
func Code(err error) int {
	if err == nil {
		return CodeNone
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInval
}

// FromCode converts a wire code back into its error kind.
func FromCode(code int) error {
	if code == CodeNone {
		return nil
	}
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return errors.Wrapf(ErrInvalid, "unknown error code %d", code)
}
