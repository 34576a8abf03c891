package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/peterje/dbgmcp/internal/flavor"
	"github.com/peterje/dbgmcp/internal/repl"
	"github.com/peterje/dbgmcp/internal/sessions"
)

func (s *Server) addFlavorTools(f flavor.Flavor) {
	t := title(f)
	sessionID := mcp.WithString("session_id", mcp.Required(), mcp.Description(t+" session ID"))

	startOpts := []mcp.ToolOption{
		mcp.WithDescription(fmt.Sprintf("Start a new %s debugging session. When done using it, terminate the session", t)),
	}
	if f.TargetInArgs {
		startOpts = append(startOpts,
			mcp.WithString("program", mcp.Required(), mcp.Description("Path to the program to debug")),
			mcp.WithArray("arguments", mcp.Description("Arguments to pass to the program"),
				mcp.Items(map[string]any{"type": "string"})),
		)
	}
	s.mcp.AddTool(mcp.NewTool(f.Name+"_start", startOpts...), s.flavorStart(f))

	if f.CanLoad() {
		s.mcp.AddTool(mcp.NewTool(f.Name+"_load",
			mcp.WithDescription(fmt.Sprintf("Load a program into existing %s session", t)),
			sessionID,
			mcp.WithString("program", mcp.Required(), mcp.Description("Absolute path to the program to debug")),
			mcp.WithArray("arguments", mcp.Description("Arguments to pass to the program"),
				mcp.Items(map[string]any{"type": "string"})),
		), s.flavorLoad(f))
	}

	s.mcp.AddTool(mcp.NewTool(f.Name+"_command",
		mcp.WithDescription(fmt.Sprintf("Execute a %s command", t)),
		sessionID,
		mcp.WithString("command", mcp.Required(), mcp.Description(t+" command to execute")),
	), s.flavorCommand(f))

	if f.CanWait() {
		s.mcp.AddTool(mcp.NewTool(f.Name+"_wait",
			mcp.WithDescription(fmt.Sprintf("Wait for %s debugee to hit a breakpoint or stop running", t)),
			sessionID,
			mcp.WithNumber("timeout", mcp.Description("Timeout in seconds")),
		), s.flavorWait(f))
	}

	s.mcp.AddTool(mcp.NewTool(f.Name+"_terminate",
		mcp.WithDescription(fmt.Sprintf("Terminate a %s session", t)),
		sessionID,
	), s.terminate(t+" session terminated"))
}

func (s *Server) flavorStart(f flavor.Flavor) server.ToolHandlerFunc {
	t := title(f)
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var target string
		var args []string
		if f.TargetInArgs {
			program, err := request.RequireString("program")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			target, args = program, stringSlice(request, "arguments")
		}
		spec, err := f.StartSpec(target, args)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		res, err := s.manager.Start(ctx, spec)
		if err != nil {
			return failure("", fmt.Sprintf("start %s session", t), err), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("%s session started with ID %s. [%s output]: %s", t, res.ID, t, res.Banner)), nil
	}
}

func (s *Server) flavorLoad(f flavor.Flavor) server.ToolHandlerFunc {
	t := title(f)
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := request.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		program, err := request.RequireString("program")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		var out strings.Builder
		for _, cmd := range f.LoadCommands(program, stringSlice(request, "arguments")) {
			resp, err := s.manager.Execute(ctx, id, cmd)
			out.WriteString(resp)
			if err != nil {
				return failure(id, "load program", err), nil
			}
		}
		return mcp.NewToolResultText(fmt.Sprintf("Program loaded into %s.\n[%s output]: %s", t, t, out.String())), nil
	}
}

func (s *Server) flavorCommand(f flavor.Flavor) server.ToolHandlerFunc {
	t := title(f)
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := request.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		command, err := request.RequireString("command")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		out, err := s.manager.Execute(ctx, id, command)
		if err != nil {
			return failure(id, fmt.Sprintf("execute %s command", t), err), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Command executed.\n[%s output]: %s", t, out)), nil
	}
}

func (s *Server) flavorWait(f flavor.Flavor) server.ToolHandlerFunc {
	t := title(f)
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := request.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		timeout := f.ResponseTimeout()
		if secs := request.GetFloat("timeout", 0); secs > 0 {
			timeout = seconds(secs)
		}
		if timeout <= 0 {
			timeout = repl.DefaultTimeout
		}

		out, err := s.manager.Wait(ctx, id, f.StopPattern, timeout)
		if err != nil {
			return failure(id, fmt.Sprintf("read from %s session", t), err), nil
		}
		if !strings.Contains(out, f.StopPattern) {
			return mcp.NewToolResultText(fmt.Sprintf("%s debugee did not stop within %s.\n[%s output]: %s", t, timeout, t, out)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("%s debugee stopped.\n[%s output]: %s", t, t, out)), nil
	}
}

func (s *Server) terminate(done string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := request.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := s.manager.Stop(ctx, id); err != nil {
			return failure(id, "terminate session", err), nil
		}
		return mcp.NewToolResultText(done), nil
	}
}

func (s *Server) addGenericTools() {
	sessionID := mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID"))

	s.mcp.AddTool(mcp.NewTool("repl_start",
		mcp.WithDescription("Start any REPL-style program as a session. When done using it, terminate the session"),
		mcp.WithString("program", mcp.Required(), mcp.Description("Program to run")),
		mcp.WithArray("arguments", mcp.Description("Arguments to pass to the program"),
			mcp.Items(map[string]any{"type": "string"})),
		mcp.WithString("prompt", mcp.Required(), mcp.Description("Prompt the program prints when it is ready for input")),
		mcp.WithString("quit_command", mcp.Description("Command that makes the program exit (default: quit)")),
		mcp.WithString("wait_for", mcp.Description("Text that must appear in the startup output besides the prompt")),
		mcp.WithString("cwd", mcp.Description("Working directory")),
		mcp.WithNumber("timeout", mcp.Description("Response timeout in seconds (default 10)")),
		mcp.WithBoolean("terminal", mcp.Description("Run the program on a pseudo-terminal")),
	), s.genericStart)

	s.mcp.AddTool(mcp.NewTool("repl_command",
		mcp.WithDescription("Send a command to a session and return its response"),
		sessionID,
		mcp.WithString("command", mcp.Required(), mcp.Description("Command to execute")),
	), s.genericCommand)

	s.mcp.AddTool(mcp.NewTool("repl_wait",
		mcp.WithDescription("Read a session's output until a pattern and the prompt appear"),
		sessionID,
		mcp.WithString("pattern", mcp.Required(), mcp.Description("Text to wait for")),
		mcp.WithNumber("timeout", mcp.Description("Timeout in seconds (default 10)")),
	), s.genericWait)

	s.mcp.AddTool(mcp.NewTool("repl_terminate",
		mcp.WithDescription("Terminate a session"),
		sessionID,
	), s.terminate("Session terminated"))

	s.mcp.AddTool(mcp.NewTool("sessions_list",
		mcp.WithDescription("List live sessions"),
	), s.list)
}

func (s *Server) genericStart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	program, err := request.RequireString("program")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	prompt, err := request.RequireString("prompt")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := s.manager.Start(ctx, sessions.StartSpec{
		Prefix:      "repl",
		Program:     program,
		Args:        stringSlice(request, "arguments"),
		Prompt:      prompt,
		QuitCommand: request.GetString("quit_command", ""),
		WaitFor:     request.GetString("wait_for", ""),
		Dir:         request.GetString("cwd", ""),
		Timeout:     seconds(request.GetFloat("timeout", 0)),
		Terminal:    request.GetBool("terminal", false),
	})
	if err != nil {
		return failure("", "start session", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Session started with ID %s. [Output]: %s", res.ID, res.Banner)), nil
}

func (s *Server) genericCommand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	command, err := request.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, err := s.manager.Execute(ctx, id, command)
	if err != nil {
		return failure(id, "execute command", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Command executed.\n[Output]: %s", out)), nil
}

func (s *Server) genericWait(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	pattern, err := request.RequireString("pattern")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	timeout := seconds(request.GetFloat("timeout", 0))
	if timeout <= 0 {
		timeout = repl.DefaultTimeout
	}
	out, err := s.manager.Wait(ctx, id, pattern, timeout)
	if err != nil {
		return failure(id, "read from session", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("[Output]: %s", out)), nil
}

func (s *Server) list(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	infos := s.manager.List()
	if len(infos) == 0 {
		return mcp.NewToolResultText("No live sessions"), nil
	}
	data, err := json.MarshalIndent(infos, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
