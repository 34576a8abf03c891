// Package repltest provides a scriptable stand-in for an interactive debugger.
//
// Test binaries re-execute themselves as the stub: call Main first thing in
// TestMain, then spawn Program() with the environment returned by Env.
package repltest

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const envMode = "DBGMCP_REPL_STUB"

// Stub behaviours.
const (
	// Ready prints "ready> " on launch and answers "ok: <cmd>\nready> ".
	// "err <text>" writes <text> to stderr before the prompt, "twice" emits a
	// second line and prompt after the first prompt, "split" writes one stderr
	// line in two parts with a stdout line between them.
	Ready = "ready"

	// Echo prints "> " and echoes every line followed by the prompt.
	Echo = "echo"

	// Silent never writes anything.
	Silent = "silent"

	// Busy answers "working on <cmd>" and never prints a prompt.
	Busy = "busy"

	// Interleave answers each command with five stdout and five stderr lines
	// in alternation, then the prompt.
	Interleave = "interleave"

	// Debugger prompts "(dbg) ". "run" answers immediately and reports
	// "*stopped" with a second prompt shortly after.
	Debugger = "debugger"

	// Stubborn prints "ready> " and ignores everything, quit included.
	Stubborn = "stubborn"

	// Crash prints "ready> " and exits with status 3 on the first command.
	Crash = "crash"
)

// Prompts printed by the stubs, and the marker of a Debugger stop.
const (
	ReadyPrompt    = "ready> "
	EchoPrompt     = "> "
	DebuggerPrompt = "(dbg) "
	StoppedMarker  = "*stopped"
)

// Main turns the current process into the stub when it was started by Env.
// It returns only when the process is not a stub.
func Main() {
	mode := os.Getenv(envMode)
	if mode == "" {
		return
	}
	os.Exit(run(mode, os.Stdin, os.Stdout, os.Stderr))
}

// Program is the executable to spawn for a stub: the running test binary.
func Program() string {
	return os.Args[0]
}

// Env selects the stub behaviour for a spawned Program.
func Env(mode string) []string {
	return []string{envMode + "=" + mode}
}

func run(mode string, in io.Reader, out, errOut io.Writer) int {
	sc := bufio.NewScanner(in)
	switch mode {
	case Ready:
		fmt.Fprint(out, ReadyPrompt)
		for sc.Scan() {
			cmd := strings.TrimSpace(sc.Text())
			switch {
			case cmd == "quit":
				return 0
			case strings.HasPrefix(cmd, "err "):
				fmt.Fprintln(errOut, strings.TrimPrefix(cmd, "err "))
				time.Sleep(20 * time.Millisecond)
				fmt.Fprint(out, ReadyPrompt)
			case cmd == "split":
				fmt.Fprint(errOut, "par")
				time.Sleep(20 * time.Millisecond)
				fmt.Fprintln(out, "middle")
				time.Sleep(20 * time.Millisecond)
				fmt.Fprintln(errOut, "tial")
				time.Sleep(20 * time.Millisecond)
				fmt.Fprint(out, ReadyPrompt)
			case cmd == "twice":
				fmt.Fprintf(out, "ok: twice\n%s\nlate\n%s", ReadyPrompt, ReadyPrompt)
			default:
				fmt.Fprintf(out, "ok: %s\n%s", cmd, ReadyPrompt)
			}
		}
	case Echo:
		fmt.Fprint(out, EchoPrompt)
		for sc.Scan() {
			if sc.Text() == "quit" {
				return 0
			}
			fmt.Fprintf(out, "%s\n%s", sc.Text(), EchoPrompt)
		}
	case Silent:
		for sc.Scan() {
			if sc.Text() == "quit" {
				return 0
			}
		}
	case Busy:
		for sc.Scan() {
			if sc.Text() == "quit" {
				return 0
			}
			fmt.Fprintf(out, "working on %s\n", sc.Text())
		}
	case Interleave:
		fmt.Fprint(out, ReadyPrompt)
		for sc.Scan() {
			if sc.Text() == "quit" {
				return 0
			}
			for i := 1; i <= 5; i++ {
				fmt.Fprintf(out, "out %d\n", i)
				fmt.Fprintf(errOut, "err %d\n", i)
			}
			time.Sleep(20 * time.Millisecond)
			fmt.Fprint(out, ReadyPrompt)
		}
	case Debugger:
		fmt.Fprintf(out, "stub debugger\n%s", DebuggerPrompt)
		for sc.Scan() {
			cmd := strings.TrimSpace(sc.Text())
			switch cmd {
			case "quit":
				return 0
			case "run":
				fmt.Fprintf(out, "Starting program\n%s", DebuggerPrompt)
				time.Sleep(100 * time.Millisecond)
				fmt.Fprintf(out, "%s,reason=\"breakpoint-hit\"\n%s", StoppedMarker, DebuggerPrompt)
			default:
				fmt.Fprintf(out, "ok: %s\n%s", cmd, DebuggerPrompt)
			}
		}
	case Stubborn:
		fmt.Fprint(out, ReadyPrompt)
		for sc.Scan() {
		}
		// Stdin closed; keep running until killed.
		for {
			time.Sleep(time.Hour)
		}
	case Crash:
		fmt.Fprint(out, ReadyPrompt)
		sc.Scan()
		return 3
	default:
		fmt.Fprintf(errOut, "unknown stub mode %q\n", mode)
		return 2
	}
	return 0
}
