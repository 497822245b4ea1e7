package uds

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/vmhealth/internal/model"
)

// shortSockPath keeps socket paths under the 104-byte sun_path limit on
// macOS, which t.TempDir() can exceed.
func shortSockPath(t *testing.T, name string) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "vmh-uds-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, name)
}

func setupTestServer(t *testing.T) (*Server, *Client, string) {
	t.Helper()
	sockPath := shortSockPath(t, "t.sock")
	server := NewServer(sockPath, nil)
	client := NewClient(sockPath)
	client.SetTimeout(5 * time.Second)
	return server, client, sockPath
}

func pong(context.Context, *Request) *Response {
	return SuccessResponse(map[string]string{"status": "pong"})
}

func TestFraming_RoundTrip(t *testing.T) {
	sockPath := shortSockPath(t, "f.sock")
	listener, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer listener.Close()

	content := strings.Repeat("x", 1<<20)
	done := make(chan error, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()

		var req Request
		if err := ReadFrame(conn, &req); err != nil {
			done <- err
			return
		}
		var params map[string]string
		if err := req.DecodeParams(&params); err != nil {
			done <- err
			return
		}
		if req.Command != "echo" || len(params["content"]) != len(content) {
			done <- fmt.Errorf("unexpected request %q with %d bytes", req.Command, len(params["content"]))
			return
		}
		done <- WriteFrame(conn, SuccessResponse(map[string]int{"length": len(params["content"])}))
	}()

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	req, err := NewRequest("echo", map[string]string{"content": content})
	require.NoError(t, err)
	require.NoError(t, WriteFrame(conn, req))

	var resp Response
	require.NoError(t, ReadFrame(conn, &resp))
	assert.True(t, resp.Success)
	assert.JSONEq(t, `{"length":1048576}`, string(resp.Data))
	require.NoError(t, <-done)
}

func TestReadFrame_RejectsOversizedFrame(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		_, _ = client.Write([]byte{0xff, 0xff, 0xff, 0xff})
	}()
	var v map[string]any
	err := ReadFrame(server, &v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frame too large")
}

func TestServer_ProtocolVersionMismatch(t *testing.T) {
	server, client, _ := setupTestServer(t)
	server.Handle(CmdPing, pong)
	require.NoError(t, server.Start())
	defer server.Stop()

	resp, err := client.Send(&Request{ProtocolVersion: 999, Command: CmdPing})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeProtocolMismatch, resp.Error.Code)
}

func TestServer_UnknownCommand(t *testing.T) {
	server, client, _ := setupTestServer(t)
	require.NoError(t, server.Start())
	defer server.Stop()

	err := client.Call("nonexistent", nil, nil)
	var detail *ErrorDetail
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, ErrCodeUnknownCommand, detail.Code)
}

func TestServer_HandlerExecution(t *testing.T) {
	server, client, _ := setupTestServer(t)
	server.Handle(CmdPing, pong)
	server.Handle(CmdEnqueue, func(_ context.Context, req *Request) *Response {
		var p EnqueueParams
		if err := req.DecodeParams(&p); err != nil {
			return ErrorResponse(ErrCodeValidation, err.Error())
		}
		if p.MachineID == "" {
			return ErrorResponse(ErrCodeValidation, "machine_id is required")
		}
		return SuccessResponse(model.EnqueueResult{TaskID: "hct_" + p.MachineID + "_" + p.CheckType})
	})
	require.NoError(t, server.Start())
	defer server.Stop()

	var status map[string]string
	require.NoError(t, client.Call(CmdPing, nil, &status))
	assert.Equal(t, "pong", status["status"])

	var res model.EnqueueResult
	require.NoError(t, client.Call(CmdEnqueue, EnqueueParams{MachineID: "vm-1", CheckType: "DISK_SPACE"}, &res))
	assert.Equal(t, "hct_vm-1_DISK_SPACE", res.TaskID)

	err := client.Call(CmdEnqueue, EnqueueParams{}, &res)
	var detail *ErrorDetail
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, ErrCodeValidation, detail.Code)
	assert.Equal(t, "VALIDATION_ERROR: machine_id is required", err.Error())
}

func TestServer_NilResponseIsInternalError(t *testing.T) {
	server, client, _ := setupTestServer(t)
	server.Handle("broken", func(context.Context, *Request) *Response { return nil })
	require.NoError(t, server.Start())
	defer server.Stop()

	err := client.Call("broken", nil, nil)
	var detail *ErrorDetail
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, ErrCodeInternal, detail.Code)
}

func TestServer_PanicDoesNotKillServer(t *testing.T) {
	server, client, _ := setupTestServer(t)
	server.Handle("panic", func(context.Context, *Request) *Response { panic("boom") })
	server.Handle(CmdPing, pong)
	require.NoError(t, server.Start())
	defer server.Stop()

	assert.Error(t, client.Call("panic", nil, nil))
	assert.NoError(t, client.Call(CmdPing, nil, nil))
}

func TestServer_StopCancelsHandlerContext(t *testing.T) {
	server, client, _ := setupTestServer(t)
	started := make(chan struct{})
	server.Handle("block", func(ctx context.Context, _ *Request) *Response {
		close(started)
		<-ctx.Done()
		return ErrorResponse(ErrCodeInternal, ctx.Err().Error())
	})
	require.NoError(t, server.Start())

	errCh := make(chan error, 1)
	go func() { errCh <- client.Call("block", nil, nil) }()
	<-started

	stopped := make(chan struct{})
	go func() {
		_ = server.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return while a handler was blocked")
	}
	assert.Error(t, <-errCh)
}

func TestServer_MultipleClients(t *testing.T) {
	server, _, sockPath := setupTestServer(t)
	server.Handle(CmdPing, pong)
	require.NoError(t, server.Start())
	defer server.Stop()

	errs := make(chan error, 10)
	for range 10 {
		go func() {
			c := NewClient(sockPath)
			c.SetTimeout(5 * time.Second)
			errs <- c.Call(CmdPing, nil, nil)
		}()
	}
	for range 10 {
		assert.NoError(t, <-errs)
	}
}

func TestClient_DaemonNotRunning(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "missing.sock"))
	client.SetTimeout(time.Second)

	_, err := client.SendCommand(CmdPing, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to daemon")
	assert.Contains(t, err.Error(), "vmhealth daemon")
}

func TestServer_ConnectionTimeout(t *testing.T) {
	server, _, sockPath := setupTestServer(t)
	server.SetConnTimeout(300 * time.Millisecond)
	server.Handle(CmdPing, pong)
	require.NoError(t, server.Start())
	defer server.Stop()

	// An idle connection is closed by the server.
	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)

	client := NewClient(sockPath)
	client.SetTimeout(2 * time.Second)
	assert.NoError(t, client.Call(CmdPing, nil, nil))
}

func TestServer_SocketLifecycle(t *testing.T) {
	server, _, sockPath := setupTestServer(t)
	require.NoError(t, os.WriteFile(sockPath, []byte("stale"), 0644))

	require.NoError(t, server.Start())
	info, err := os.Stat(sockPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	require.NoError(t, server.Stop())
	_, err = os.Stat(sockPath)
	assert.True(t, os.IsNotExist(err))
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("lookup: %w", model.ErrNotFound), ErrCodeNotFound},
		{fmt.Errorf("machine vm-1 is stopped: %w", model.ErrNotRunning), ErrCodeNotRunning},
		{model.ErrQueueFull, ErrCodeQueueFull},
		{fmt.Errorf("%w: \"X\"", model.ErrUnknownCheckType), ErrCodeValidation},
		{fmt.Errorf("%w: unknown priority", model.ErrValidation), ErrCodeValidation},
		{errors.New("database is locked"), ErrCodeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorCode(tt.err), tt.err.Error())
	}

	resp := ErrorFrom(model.ErrQueueFull)
	assert.False(t, resp.Success)
	assert.Equal(t, ErrCodeQueueFull, resp.Error.Code)
	assert.Equal(t, model.ErrQueueFull.Error(), resp.Error.Message)
}

func TestSuccessResponse(t *testing.T) {
	resp := SuccessResponse(nil)
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Data)

	resp = SuccessResponse(map[string]int{"count": 42})
	assert.True(t, resp.Success)
	assert.JSONEq(t, `{"count":42}`, string(resp.Data))
}
