// Package uds implements the Unix domain socket admin API between the CLI
// and the daemon.
package uds

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/goccy/go-json"

	"github.com/msageha/vmhealth/internal/model"
)

const ProtocolVersion = 1

// DefaultSocketName is the socket filename inside the data directory.
const DefaultSocketName = "daemon.sock"

const maxFrameSize = 10 << 20

// Commands.
const (
	CmdPing       = "ping"
	CmdEnqueue    = "enqueue"
	CmdEnqueueAll = "enqueue_all"
	CmdProcess    = "process"
	CmdStats      = "stats"
	CmdTasks      = "tasks"
	CmdSnapshot   = "snapshot"
	CmdPurge      = "purge"
	CmdShutdown   = "shutdown"
)

type Request struct {
	ProtocolVersion int             `json:"protocol_version"`
	Command         string          `json:"command"`
	Params          json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorDetail) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

const (
	ErrCodeProtocolMismatch = "PROTOCOL_MISMATCH"
	ErrCodeUnknownCommand   = "UNKNOWN_COMMAND"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeNotRunning       = "NOT_RUNNING"
	ErrCodeQueueFull        = "QUEUE_FULL"
)

// EnqueueParams are the params of CmdEnqueue.
type EnqueueParams struct {
	MachineID string         `json:"machine_id"`
	CheckType string         `json:"check_type"`
	Priority  string         `json:"priority,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// MachineParams are the params of CmdEnqueueAll, CmdProcess and CmdPurge.
type MachineParams struct {
	MachineID string `json:"machine_id"`
	Priority  string `json:"priority,omitempty"`
}

type TasksParams struct {
	MachineID string   `json:"machine_id"`
	Statuses  []string `json:"statuses,omitempty"`
	Limit     int      `json:"limit,omitempty"`
}

type SnapshotParams struct {
	MachineID string `json:"machine_id"`
	// Date is YYYY-MM-DD; empty means today (UTC).
	Date string `json:"date,omitempty"`
}

type EnqueueAllResult struct {
	Results []model.EnqueueResult `json:"results"`
	// Errors lists per-check failures when some enqueues did not succeed.
	Errors []string `json:"errors,omitempty"`
}

type ProcessResult struct {
	Claimed int `json:"claimed"`
}

type PurgeResult struct {
	Deleted int64 `json:"deleted"`
}

// SnapshotResult is the data of CmdSnapshot.
type SnapshotResult struct {
	Snapshot        *model.HealthSnapshot  `json:"snapshot"`
	Recommendations []model.Recommendation `json:"recommendations,omitempty"`
}

func NewRequest(command string, params any) (*Request, error) {
	req := &Request{
		ProtocolVersion: ProtocolVersion,
		Command:         command,
	}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}
	return req, nil
}

// DecodeParams unmarshals the request params into v. Missing params leave v
// untouched.
func (r *Request) DecodeParams(v any) error {
	if len(r.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return fmt.Errorf("decode %s params: %w", r.Command, err)
	}
	return nil
}

func SuccessResponse(data any) *Response {
	resp := &Response{Success: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return ErrorResponse(ErrCodeInternal, fmt.Sprintf("marshal response: %v", err))
		}
		resp.Data = raw
	}
	return resp
}

func ErrorResponse(code, message string) *Response {
	return &Response{
		Success: false,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
		},
	}
}

// ErrorCode maps a queue error to its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return ErrCodeNotFound
	case errors.Is(err, model.ErrNotRunning):
		return ErrCodeNotRunning
	case errors.Is(err, model.ErrQueueFull):
		return ErrCodeQueueFull
	case errors.Is(err, model.ErrUnknownCheckType), errors.Is(err, model.ErrValidation):
		return ErrCodeValidation
	default:
		return ErrCodeInternal
	}
}

// ErrorFrom builds the error response for err.
func ErrorFrom(err error) *Response {
	return ErrorResponse(ErrorCode(err), err.Error())
}

// WriteFrame writes a length-prefixed JSON frame.
// Format: [4-byte BigEndian length][JSON payload]
func WriteFrame(conn net.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if err := binary.Write(conn, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := io.Copy(conn, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads a length-prefixed JSON frame into v.
func ReadFrame(conn net.Conn, v any) error {
	var length uint32
	if err := binary.Read(conn, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read frame length: %w", err)
	}
	if length > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
