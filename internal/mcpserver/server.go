// Package mcpserver exposes debugger sessions as MCP tools.
//
// Every flavor contributes <name>_start, <name>_command and <name>_terminate,
// plus <name>_load and <name>_wait when it knows how to load a target and how
// a stop looks. The generic repl_* tools drive any REPL-style program.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/peterje/dbgmcp/internal/flavor"
	"github.com/peterje/dbgmcp/internal/sessions"
)

const serverName = "dbgmcp"

// Options selects the tools to register.
type Options struct {
	// Flavors to expose; empty means all.
	Flavors []string
	// Generic adds repl_start, repl_command, repl_wait, repl_terminate and
	// sessions_list.
	Generic bool
	Version string
}

type Server struct {
	log     logr.Logger
	manager sessions.Manager
	flavors []flavor.Flavor
	mcp     *server.MCPServer
}

func New(log logr.Logger, manager sessions.Manager, set flavor.Set, opts Options) (*Server, error) {
	var selected []flavor.Flavor
	if len(opts.Flavors) == 0 {
		selected = set.Sorted()
	} else {
		for _, name := range opts.Flavors {
			f, ok := set.Get(name)
			if !ok {
				return nil, fmt.Errorf("unknown flavor %q", name)
			}
			selected = append(selected, f)
		}
	}
	if len(selected) == 0 && !opts.Generic {
		return nil, errors.New("no tools to serve")
	}

	version := opts.Version
	if version == "" {
		version = "dev"
	}
	s := &Server{
		log:     log,
		manager: manager,
		flavors: selected,
	}
	s.mcp = server.NewMCPServer(serverName, version,
		server.WithToolCapabilities(true),
		server.WithInstructions(instructions(selected, opts.Generic)),
	)
	for _, f := range selected {
		s.addFlavorTools(f)
	}
	if opts.Generic {
		s.addGenericTools()
	}
	return s, nil
}

// MCP returns the underlying server, for tests and alternative transports.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

// ServeStdio serves MCP over stdin/stdout until the client disconnects or
// ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	s.log.Info("serving MCP over stdio", "flavors", len(s.flavors))
	stdio := server.NewStdioServer(s.mcp)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

func instructions(flavors []flavor.Flavor, generic bool) string {
	names := make([]string, 0, len(flavors)+1)
	for _, f := range flavors {
		desc := f.Description
		if desc == "" {
			desc = f.Name
		}
		names = append(names, desc)
	}
	if generic {
		names = append(names, "any REPL-style program")
	}
	return "Drive interactive debuggers: " + strings.Join(names, ", ") +
		". Start a session, send commands with the returned session ID, and terminate it when done."
}

// title is the flavor name as shown in tool output: "gdb" -> "GDB".
func title(f flavor.Flavor) string {
	return strings.ToUpper(f.Name)
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// stringSlice reads an optional array of strings argument.
func stringSlice(request mcp.CallToolRequest, key string) []string {
	raw, ok := request.GetArguments()[key]
	if !ok {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// failure turns err into a tool error. Unknown sessions get a hint to start
// a new one.
func failure(id, action string, err error) *mcp.CallToolResult {
	if errors.Is(err, sessions.ErrSessionNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("Session with ID %s not found. Start a new session", id))
	}
	return mcp.NewToolResultError(fmt.Sprintf("Failed to %s. [Error]: %v", action, err))
}
