package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

var (
	ErrNotFound            = errors.New("machine not found")
	ErrNotRunning          = errors.New("machine is not running")
	ErrQueueFull           = errors.New("health check queue is full")
	ErrDuplicateSuppressed = errors.New("duplicate health check suppressed")
	ErrUnknownCheckType    = errors.New("unknown check type")
	ErrValidation          = errors.New("invalid request")
)

type TransportKind string

const (
	TransportTimeout    TransportKind = "TransportTimeout"
	TransportConnection TransportKind = "TransportConnection"
	TransportOther      TransportKind = "TransportOther"
)

// TransportError is the typed failure surfaced by the check executor.
type TransportError struct {
	Kind TransportKind
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func NewTransportError(kind TransportKind, err error) error {
	return &TransportError{Kind: kind, Err: err}
}

// TransportKindOf returns the kind carried by err, or TransportOther when err
// is not a TransportError.
func TransportKindOf(err error) TransportKind {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind
	}
	return TransportOther
}

var connectionMarkers = []string{
	"econnrefused",
	"connection refused",
	"econnreset",
	"connection reset",
	"epipe",
	"broken pipe",
	"etimedout",
	"timed out",
	"timeout",
	"not connected",
	"unreachable",
	"no route to host",
	"disconnected",
}

// IsConnectionError reports whether err means the agent could not be
// reached. Timeouts count as connection failures for retry purposes.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	switch TransportKindOf(err) {
	case TransportConnection, TransportTimeout:
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range connectionMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
