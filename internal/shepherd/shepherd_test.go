package shepherd

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterje/dbgmcp/internal/repl"
	"github.com/peterje/dbgmcp/internal/repltest"
	"github.com/peterje/dbgmcp/internal/sessions"
)

func TestMain(m *testing.M) {
	repltest.Main()
	os.Exit(m.Run())
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := Request{
		ID:        "req-1",
		Command:   cmdStart,
		SessionID: "gdb-3",
		Spec:      &sessions.StartSpec{Program: "gdb", Args: []string{"--interpreter=mi"}, Prompt: "(gdb)", Timeout: 5 * time.Second},
		Timeout:   time.Second,
	}
	require.NoError(t, writeMessage(&buf, frameRequest, req))

	var got Request
	require.NoError(t, readMessage(&buf, frameRequest, &got))
	assert.Equal(t, req, got)
}

func TestFrameErrors(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeMessage(&buf, frameResponse, Response{ID: "x"}))
	var req Request
	assert.ErrorContains(t, readMessage(&buf, frameRequest, &req), "unexpected frame type")

	buf.Reset()
	require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(maxFrame+1)))
	_, _, err := readFrame(&buf)
	assert.ErrorContains(t, err, "frame too large")

	buf.Reset()
	require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(0)))
	_, _, err = readFrame(&buf)
	assert.ErrorContains(t, err, "empty frame")
}

func TestErrorKindsSurviveTheWire(t *testing.T) {
	sentinels := []error{
		sessions.ErrSessionNotFound,
		repl.ErrSpawn,
		repl.ErrTimedOut,
		repl.ErrSessionClosed,
		repl.ErrIO,
		context.Canceled,
		context.DeadlineExceeded,
	}
	for _, sentinel := range sentinels {
		err := &repl.Error{Op: "execute", Session: "gdb-1", Kind: sentinel}
		got := responseError(failed(err))
		assert.ErrorIs(t, got, sentinel)
		assert.Equal(t, err.Error(), got.Error())
	}

	got := responseError(failed(errors.New("boom")))
	assert.EqualError(t, got, "boom")
	assert.NoError(t, responseError(Response{}))
}

func socketDir(t *testing.T) string {
	t.Helper()
	// Unix socket paths are short; t.TempDir can be too deep.
	dir, err := os.MkdirTemp("", "shep")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func startShepherd(t *testing.T) *Client {
	t.Helper()
	socketPath := filepath.Join(socketDir(t), "s.sock")
	l, err := net.Listen("unix", socketPath)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- New(logr.Discard(), sessions.NewRegistry(logr.Discard(), nil)).Serve(ctx, l)
	}()

	client, err := Dial(logr.Discard(), socketPath)
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Close()
		cancel()
		select {
		case err := <-served:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("shepherd did not shut down")
		}
	})
	return client
}

func stubSpec(mode, prompt string) sessions.StartSpec {
	return sessions.StartSpec{
		Prefix:  "stub",
		Program: repltest.Program(),
		Env:     repltest.Env(mode),
		Prompt:  prompt,
		Timeout: 2 * time.Second,
	}
}

func TestClientDrivesSessions(t *testing.T) {
	ctx := context.Background()
	client := startShepherd(t)
	require.NoError(t, client.Ping(ctx))

	started, err := client.Start(ctx, stubSpec(repltest.Ready, "ready>"))
	require.NoError(t, err)
	assert.Equal(t, repltest.ReadyPrompt, started.Banner)
	assert.NotZero(t, started.PID)

	out, err := client.Execute(ctx, started.ID, "hello")
	require.NoError(t, err)
	assert.Equal(t, "ok: hello\n"+repltest.ReadyPrompt, out)

	infos := client.List()
	require.Len(t, infos, 1)
	assert.Equal(t, started.ID, infos[0].ID)
	assert.Equal(t, started.PID, infos[0].PID)

	_, err = client.Execute(ctx, "stub-999", "hello")
	assert.ErrorIs(t, err, sessions.ErrSessionNotFound)

	require.NoError(t, client.Stop(ctx, started.ID))
	assert.ErrorIs(t, client.Stop(ctx, started.ID), sessions.ErrSessionNotFound)
	assert.Empty(t, client.List())

	_, err = client.Start(ctx, sessions.StartSpec{Program: "/nonexistent/debugger", Prompt: ">"})
	assert.ErrorIs(t, err, repl.ErrSpawn)
}

func TestClientWait(t *testing.T) {
	ctx := context.Background()
	client := startShepherd(t)

	started, err := client.Start(ctx, stubSpec(repltest.Debugger, "(dbg)"))
	require.NoError(t, err)

	_, err = client.Execute(ctx, started.ID, "run")
	require.NoError(t, err)
	out, err := client.Wait(ctx, started.ID, repltest.StoppedMarker, 2*time.Second)
	require.NoError(t, err)
	assert.Contains(t, out, repltest.StoppedMarker)

	client.StopAll(ctx)
	assert.Empty(t, client.List())
}

func TestCancelledCallReturnsPromptly(t *testing.T) {
	client := startShepherd(t)

	spec := stubSpec(repltest.Busy, "never>")
	spec.SkipBanner = true
	spec.Timeout = time.Minute
	started, err := client.Start(context.Background(), spec)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	begin := time.Now()
	_, err = client.Execute(ctx, started.ID, "spin")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(begin), 5*time.Second)

	// The session is still usable once the shepherd noticed the cancellation.
	require.Eventually(t, func() bool {
		return client.Stop(context.Background(), started.ID) == nil
	}, 10*time.Second, 50*time.Millisecond)
}

func TestCleanStaleSocket(t *testing.T) {
	dir := socketDir(t)
	socketPath := filepath.Join(dir, "s.sock")
	pidPath := filepath.Join(dir, "s.pid")

	require.NoError(t, cleanStaleSocket(logr.Discard(), socketPath, pidPath))

	require.NoError(t, os.WriteFile(socketPath, nil, 0o600))
	require.NoError(t, os.WriteFile(pidPath, []byte("99999999"), 0o600))
	require.NoError(t, cleanStaleSocket(logr.Discard(), socketPath, pidPath))
	assert.NoFileExists(t, socketPath)
	assert.NoFileExists(t, pidPath)

	l, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	defer l.Close()
	assert.Error(t, cleanStaleSocket(logr.Discard(), socketPath, pidPath))
}

func TestConnectFailsWithoutShepherd(t *testing.T) {
	_, err := connect(context.Background(), logr.Discard(), filepath.Join(socketDir(t), "missing.sock"))
	assert.Error(t, err)
}
