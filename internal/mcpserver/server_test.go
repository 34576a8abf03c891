package mcpserver

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"testing"

	"github.com/go-logr/logr"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterje/dbgmcp/internal/flavor"
	"github.com/peterje/dbgmcp/internal/repltest"
	"github.com/peterje/dbgmcp/internal/sessions"
)

func TestMain(m *testing.M) {
	repltest.Main()
	os.Exit(m.Run())
}

func stubFlavors() flavor.Set {
	return flavor.NewSet(
		flavor.Flavor{
			Name:        "dbg",
			Description: "Stub debugger",
			Program:     repltest.Program(),
			Env:         repltest.Env(repltest.Debugger),
			Prompt:      "(dbg)",
			StopPattern: repltest.StoppedMarker,
			LoadCommand: "file {program}",
			ArgsCommand: "set args {args}",
			Timeout:     2,
		},
		flavor.Flavor{
			Name:         "py",
			Program:      repltest.Program(),
			Env:          repltest.Env(repltest.Ready),
			Prompt:       "ready>",
			TargetInArgs: true,
			Timeout:      2,
		},
	)
}

func newServer(t *testing.T, opts Options) (*Server, *sessions.Registry) {
	t.Helper()
	reg := sessions.NewRegistry(logr.Discard(), nil)
	t.Cleanup(func() { reg.StopAll(context.Background()) })
	s, err := New(logr.Discard(), reg, stubFlavors(), opts)
	require.NoError(t, err)
	return s, reg
}

func call(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.Len(t, res.Content, 1)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "content is %T", res.Content[0])
	return tc.Text
}

func toolNames(t *testing.T, s *Server) []string {
	t.Helper()
	msg := s.MCP().HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var resp struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(data, &resp))
	names := make([]string, 0, len(resp.Result.Tools))
	for _, tool := range resp.Result.Tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)
	return names
}

func TestToolsFollowFlavorCapabilities(t *testing.T) {
	s, _ := newServer(t, Options{})
	assert.Equal(t, []string{
		"dbg_command", "dbg_load", "dbg_start", "dbg_terminate", "dbg_wait",
		"py_command", "py_start", "py_terminate",
	}, toolNames(t, s))

	s, _ = newServer(t, Options{Flavors: []string{"py"}, Generic: true})
	assert.Equal(t, []string{
		"py_command", "py_start", "py_terminate",
		"repl_command", "repl_start", "repl_terminate", "repl_wait", "sessions_list",
	}, toolNames(t, s))
}

func TestUnknownFlavor(t *testing.T) {
	_, err := New(logr.Discard(), sessions.NewRegistry(logr.Discard(), nil), stubFlavors(), Options{Flavors: []string{"gdb"}})
	assert.Error(t, err)
}

func TestDebuggerWorkflow(t *testing.T) {
	ctx := context.Background()
	s, reg := newServer(t, Options{})
	dbg, _ := stubFlavors().Get("dbg")

	res, err := s.flavorStart(dbg)(ctx, call(nil))
	require.NoError(t, err)
	require.False(t, res.IsError, text(t, res))
	out := text(t, res)
	assert.Contains(t, out, "DBG session started with ID dbg-")
	assert.Contains(t, out, "[DBG output]: stub debugger")

	infos := reg.List()
	require.Len(t, infos, 1)
	id := infos[0].ID

	res, err = s.flavorLoad(dbg)(ctx, call(map[string]any{
		"session_id": id,
		"program":    "/tmp/crash",
		"arguments":  []any{"-v", "input.txt"},
	}))
	require.NoError(t, err)
	out = text(t, res)
	assert.Contains(t, out, "Program loaded into DBG.")
	assert.Contains(t, out, "ok: file /tmp/crash")
	assert.Contains(t, out, "ok: set args -v input.txt")

	res, err = s.flavorCommand(dbg)(ctx, call(map[string]any{"session_id": id, "command": "run"}))
	require.NoError(t, err)
	assert.Contains(t, text(t, res), "Starting program")

	res, err = s.flavorWait(dbg)(ctx, call(map[string]any{"session_id": id, "timeout": 2.0}))
	require.NoError(t, err)
	out = text(t, res)
	assert.Contains(t, out, "DBG debugee stopped.")
	assert.Contains(t, out, repltest.StoppedMarker)

	res, err = s.terminate("DBG session terminated")(ctx, call(map[string]any{"session_id": id}))
	require.NoError(t, err)
	assert.Equal(t, "DBG session terminated", text(t, res))
	assert.Empty(t, reg.List())
}

func TestUnknownSessionHint(t *testing.T) {
	ctx := context.Background()
	s, _ := newServer(t, Options{})
	dbg, _ := stubFlavors().Get("dbg")

	res, err := s.flavorCommand(dbg)(ctx, call(map[string]any{"session_id": "dbg-999", "command": "bt"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "Session with ID dbg-999 not found. Start a new session", text(t, res))

	res, err = s.terminate("done")(ctx, call(map[string]any{"session_id": "dbg-999"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestMissingArguments(t *testing.T) {
	ctx := context.Background()
	s, _ := newServer(t, Options{})
	dbg, _ := stubFlavors().Get("dbg")
	py, _ := stubFlavors().Get("py")

	res, err := s.flavorCommand(dbg)(ctx, call(map[string]any{"session_id": "dbg-0"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.flavorStart(py)(ctx, call(nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestTargetInArgsStart(t *testing.T) {
	ctx := context.Background()
	s, reg := newServer(t, Options{})
	py, _ := stubFlavors().Get("py")

	res, err := s.flavorStart(py)(ctx, call(map[string]any{
		"program":   "bug.py",
		"arguments": []any{"--fast"},
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, text(t, res))
	assert.Contains(t, text(t, res), "PY session started with ID py-")

	infos := reg.List()
	require.Len(t, infos, 1)
	assert.Equal(t, []string{"bug.py", "--fast"}, infos[0].Args)
}

func TestGenericTools(t *testing.T) {
	ctx := context.Background()
	s, reg := newServer(t, Options{Generic: true})

	res, err := s.list(ctx, call(nil))
	require.NoError(t, err)
	assert.Equal(t, "No live sessions", text(t, res))

	res, err = s.genericStart(ctx, call(map[string]any{
		"program": "/nonexistent/repl",
		"prompt":  ">",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "Failed to start session")

	t.Setenv("DBGMCP_REPL_STUB", repltest.Echo)
	res, err = s.genericStart(ctx, call(map[string]any{
		"program": repltest.Program(),
		"prompt":  ">",
		"timeout": 2.0,
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, text(t, res))
	infos := reg.List()
	require.Len(t, infos, 1)
	id := infos[0].ID

	res, err = s.genericCommand(ctx, call(map[string]any{"session_id": id, "command": "hello"}))
	require.NoError(t, err)
	assert.Contains(t, text(t, res), "Command executed.\n[Output]: hello\n")

	res, err = s.list(ctx, call(nil))
	require.NoError(t, err)
	assert.Contains(t, text(t, res), id)

	res, err = s.terminate("Session terminated")(ctx, call(map[string]any{"session_id": id}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
}
