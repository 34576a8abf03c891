package repl

import (
	"context"
	"errors"
	"os"
	"regexp"
	"runtime"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterje/dbgmcp/internal/repltest"
)

func TestMain(m *testing.M) {
	repltest.Main()
	os.Exit(m.Run())
}

func stub(mode string) *Builder {
	return New(repltest.Program()).Env(repltest.Env(mode)...).Label("test-" + mode)
}

func spawn(t *testing.T, b *Builder) *Session {
	t.Helper()
	s, err := b.Spawn()
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestSpawnMissingProgram(t *testing.T) {
	_, err := New("/nonexistent/debugger").Label("gdb-0").Spawn()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSpawn)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Contains(t, err.Error(), "gdb-0")
}

func TestBuilderDefaults(t *testing.T) {
	s := spawn(t, stub(repltest.Echo))
	assert.Equal(t, DefaultPrompt, s.Prompt())
	assert.Equal(t, DefaultQuitCommand, s.QuitCommand())
	assert.Equal(t, StateSpawned, s.State())
	assert.NotZero(t, s.Pid())
}

func TestReadyStubScenario(t *testing.T) {
	ctx := context.Background()
	s := spawn(t, stub(repltest.Ready).Prompt("ready>"))

	banner, err := s.ReadResponse(ctx)
	require.NoError(t, err)
	assert.Equal(t, repltest.ReadyPrompt, banner)
	assert.Equal(t, StateIdle, s.State())

	out, err := s.ExecuteCommand(ctx, "step")
	require.NoError(t, err)
	assert.Contains(t, out, "ok: step")
	assert.True(t, strings.HasSuffix(out, repltest.ReadyPrompt), "output %q", out)

	require.NoError(t, s.Terminate(ctx))
	select {
	case <-s.Exited():
	case <-time.After(DefaultTerminateTimeout):
		t.Fatal("process did not exit")
	}
	assert.Equal(t, StateTerminated, s.State())
}

func TestEchoRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := spawn(t, stub(repltest.Echo))

	_, err := s.ReadResponse(ctx)
	require.NoError(t, err)

	out, err := s.ExecuteCommand(ctx, "x")
	require.NoError(t, err)
	assert.Contains(t, out, "x")
	assert.Contains(t, out, DefaultPrompt)
}

func TestReadTimesOutWithoutOutput(t *testing.T) {
	s := spawn(t, stub(repltest.Silent))

	out, err := s.ReadResponseUntil(context.Background(), "", 100*time.Millisecond)
	assert.Empty(t, out)
	assert.ErrorIs(t, err, ErrTimedOut)
	assert.Equal(t, StateIdle, s.State())
}

func TestReadReturnsPartialOutputOnTimeout(t *testing.T) {
	ctx := context.Background()
	s := spawn(t, stub(repltest.Busy))

	require.NoError(t, s.SendCommand(ctx, "x"))
	assert.Equal(t, StateAwaitingPrompt, s.State())

	out, err := s.ReadResponseUntil(ctx, "", 300*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "working on x\n", out)
	assert.Equal(t, StateIdle, s.State())
}

func TestReadUntilPatternNeedsPatternAndPrompt(t *testing.T) {
	ctx := context.Background()
	s := spawn(t, stub(repltest.Debugger).Prompt("(dbg)"))

	banner, err := s.ReadResponse(ctx)
	require.NoError(t, err)
	assert.Contains(t, banner, "stub debugger")

	out, err := s.ExecuteCommand(ctx, "run")
	require.NoError(t, err)
	assert.Contains(t, out, "Starting program")
	assert.NotContains(t, out, repltest.StoppedMarker)

	out, err = s.ReadResponseUntil(ctx, repltest.StoppedMarker, 5*time.Second)
	require.NoError(t, err)
	assert.Contains(t, out, repltest.StoppedMarker)
	assert.Contains(t, out, "(dbg)")
}

func TestStderrLinesAreMarked(t *testing.T) {
	ctx := context.Background()
	s := spawn(t, stub(repltest.Ready).Prompt("ready>"))
	_, err := s.ReadResponse(ctx)
	require.NoError(t, err)

	out, err := s.ExecuteCommand(ctx, "err boom")
	require.NoError(t, err)
	assert.Contains(t, out, StderrMarker+"boom\n")
	assert.NotContains(t, out, StderrMarker+repltest.ReadyPrompt)
}

func TestInterleavedStreamsKeepTheirOrder(t *testing.T) {
	ctx := context.Background()
	s := spawn(t, stub(repltest.Interleave).Prompt("ready>"))
	_, err := s.ReadResponse(ctx)
	require.NoError(t, err)

	out, err := s.ExecuteCommand(ctx, "go")
	require.NoError(t, err)
	// Stderr lines may trail the prompt; keep reading until all are in.
	for deadline := time.Now().Add(5 * time.Second); !strings.Contains(out, "err 5") && time.Now().Before(deadline); {
		more, err := s.ReadResponseUntil(ctx, "", 100*time.Millisecond)
		if err != nil {
			require.ErrorIs(t, err, ErrTimedOut)
		}
		out += more
	}

	outLines := regexp.MustCompile(`\bout (\d)\n`).FindAllStringSubmatch(out, -1)
	errLines := regexp.MustCompile(`\[stderr\] err (\d)\n`).FindAllStringSubmatch(out, -1)
	require.Len(t, outLines, 5, out)
	require.Len(t, errLines, 5, out)
	for i := 0; i < 5; i++ {
		want := string(rune('1' + i))
		assert.Equal(t, want, outLines[i][1])
		assert.Equal(t, want, errLines[i][1])
	}
}

func TestOutputAfterPromptIsDeferred(t *testing.T) {
	ctx := context.Background()
	s := spawn(t, stub(repltest.Ready).Prompt("ready>"))
	_, err := s.ReadResponse(ctx)
	require.NoError(t, err)

	require.NoError(t, s.SendCommand(ctx, "twice"))
	first, err := s.ReadResponse(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok: twice\nready> \n", first)

	second, err := s.ReadResponse(ctx)
	require.NoError(t, err)
	assert.Equal(t, "late\nready> ", second)
}

func TestCancelledReadKeepsOutput(t *testing.T) {
	s := spawn(t, stub(repltest.Busy))
	require.NoError(t, s.SendCommand(context.Background(), "x"))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := s.ReadResponseUntil(ctx, "", 5*time.Second)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	out, err := s.ReadResponseUntil(context.Background(), "", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "working on x\n", out)
}

func TestKeptPromptCompletesNextRead(t *testing.T) {
	ctx := context.Background()
	s := spawn(t, stub(repltest.Debugger).Prompt("(dbg)"))
	_, err := s.ReadResponse(ctx)
	require.NoError(t, err)
	require.NoError(t, s.SendCommand(ctx, "run"))

	// The prompt arrives well before the stop marker; give up in between.
	waitCtx, cancel := context.WithTimeout(ctx, 40*time.Millisecond)
	defer cancel()
	_, err = s.ReadResponseUntil(waitCtx, repltest.StoppedMarker, 5*time.Second)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	out, err := s.ReadResponseUntil(ctx, "", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Starting program\n"+repltest.DebuggerPrompt, out)

	out, err = s.ReadResponseUntil(ctx, repltest.StoppedMarker, 5*time.Second)
	require.NoError(t, err)
	assert.Contains(t, out, repltest.StoppedMarker)
}

func TestSplitStderrLineIsMarkedAfterStdout(t *testing.T) {
	ctx := context.Background()
	s := spawn(t, stub(repltest.Ready).Prompt("ready>"))
	_, err := s.ReadResponse(ctx)
	require.NoError(t, err)

	out, err := s.ExecuteCommand(ctx, "split")
	require.NoError(t, err)
	assert.Contains(t, out, StderrMarker+"par")
	assert.Contains(t, out, "middle\n")
	assert.Contains(t, out, StderrMarker+"tial\n")
}

func TestTerminateIsAbsorbing(t *testing.T) {
	ctx := context.Background()
	s := spawn(t, stub(repltest.Ready).Prompt("ready>"))
	require.NoError(t, s.Terminate(ctx))

	assert.ErrorIs(t, s.SendCommand(ctx, "step"), ErrSessionClosed)
	_, err := s.ReadResponse(ctx)
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.ExecuteCommand(ctx, "step")
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, s.Terminate(ctx), ErrSessionClosed)
}

func TestTerminateWhileBusyKillsProcess(t *testing.T) {
	s := spawn(t, stub(repltest.Silent))

	reading := make(chan struct{})
	go func() {
		defer close(reading)
		_, _ = s.ReadResponseUntil(context.Background(), "", 1500*time.Millisecond)
	}()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Terminate(ctx), context.DeadlineExceeded)
	assert.Equal(t, StateTerminated, s.State())
	select {
	case <-s.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("process was not killed")
	}
	<-reading
}

func TestTerminateKillsStubbornProcess(t *testing.T) {
	s := spawn(t, stub(repltest.Stubborn).TerminateTimeout(200*time.Millisecond))

	err := s.Terminate(context.Background())
	assert.ErrorIs(t, err, ErrIO)
	select {
	case <-s.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("process was not killed")
	}
}

func TestSendAfterExitReportsProcessExited(t *testing.T) {
	ctx := context.Background()
	s := spawn(t, stub(repltest.Crash).Prompt("ready>").Timeout(200*time.Millisecond))
	_, err := s.ReadResponse(ctx)
	require.NoError(t, err)

	_, err = s.ExecuteCommand(ctx, "boom")
	assert.ErrorIs(t, err, ErrTimedOut)

	<-s.Exited()
	err = s.SendCommand(ctx, "again")
	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, ErrProcessExited)
}

func TestBusySessionHonoursCallerContext(t *testing.T) {
	s := spawn(t, stub(repltest.Silent))

	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = s.ReadResponseUntil(context.Background(), "", time.Second)
	}()
	<-started
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.SendCommand(ctx, "x")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTerminalMode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no pseudo-terminals on windows")
	}
	ctx := context.Background()
	s := spawn(t, stub(repltest.Ready).Prompt("ready>").Terminal(true))

	banner, err := s.ReadResponse(ctx)
	require.NoError(t, err)
	assert.Contains(t, banner, "ready>")

	out, err := s.ExecuteCommand(ctx, "step")
	require.NoError(t, err)
	assert.Contains(t, out, "ok: step")
}

func TestAbandonedSessionIsKilled(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("relies on signal 0 probing")
	}
	pid := func() int {
		s, err := stub(repltest.Silent).Spawn()
		require.NoError(t, err)
		return s.Pid()
	}()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		runtime.GC()
		if err := syscall.Kill(pid, 0); errors.Is(err, syscall.ESRCH) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("process %d still alive after its session was dropped", pid)
}

func TestCutLine(t *testing.T) {
	tests := []struct {
		in, line, rest string
	}{
		{in: "a\nb", line: "a\n", rest: "b"},
		{in: "a\n", line: "a\n", rest: ""},
		{in: "(gdb) ", line: "(gdb) ", rest: ""},
		{in: "\n\n", line: "\n", rest: "\n"},
	}
	for _, tt := range tests {
		line, rest := cutLine([]byte(tt.in))
		assert.Equal(t, tt.line, string(line))
		assert.Equal(t, tt.rest, string(rest))
	}
}
