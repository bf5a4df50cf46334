package sockset

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

var (
	// ErrNotConnected means the socket is not up yet. A caller whose
	// traffic is not blocking may buffer and retry once it connects.
	ErrNotConnected = errors.New("sockset: not connected")
	// ErrBackpressure means the outbox is full. Ask for [Set.Pollout] and
	// retry on the writability notification.
	ErrBackpressure = errors.New("sockset: backpressure")
	ErrClosed       = errors.New("sockset: closed")
	ErrConnecting   = errors.New("sockset: connect already in progress")

	ErrBufferSize      = errors.New("transport: could not allocate udp buffer")
	ErrHostnameResolve = errors.New("transport: could not resolve hostname from certificate")
	ErrInvalidAddr     = errors.New("transport: the address you provided is invalid")
	ErrShutdown        = errors.New("transport: shutting down")
	ErrStreamWrite     = errors.New("transport: error writing to a stream")
	ErrNoTLSConfig     = errors.New("transport: TlsConfig is required")
)

var (
	QErrStreamProtocolViolation = quic.StreamErrorCode(0xFF)
	QErrStreamClosed            = quic.StreamErrorCode(0x1)
)

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}
