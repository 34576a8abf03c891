// Package flavor describes how to drive a particular debugger: which program
// to run, its prompt, and the commands used to load a target and detect a
// stop.
package flavor

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/peterje/dbgmcp/internal/sessions"
)

// Placeholders substituted in LoadCommand and ArgsCommand.
const (
	ProgramPlaceholder = "{program}"
	ArgsPlaceholder    = "{args}"
)

// Flavor is a debugger preset.
type Flavor struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description"`
	Program     string   `yaml:"program" json:"program"`
	Args        []string `yaml:"args" json:"args,omitempty"`
	Prompt      string   `yaml:"prompt" json:"prompt"`
	QuitCommand string   `yaml:"quit_command" json:"quit_command,omitempty"`
	Env         []string `yaml:"env" json:"env,omitempty"`

	// StopPattern marks the debuggee stopping (breakpoint hit, signal).
	// Flavors without one do not offer a wait operation.
	StopPattern string `yaml:"stop_pattern" json:"stop_pattern,omitempty"`

	// LoadCommand loads a target into a running session, e.g. "file {program}".
	// ArgsCommand sets the target's arguments, e.g. "set args {args}".
	LoadCommand string `yaml:"load_command" json:"load_command,omitempty"`
	ArgsCommand string `yaml:"args_command" json:"args_command,omitempty"`

	// TargetInArgs means the target is given at start and appended to Args
	// along with its own arguments (pdb: python3 -m pdb script.py ...).
	TargetInArgs bool `yaml:"target_in_args" json:"target_in_args,omitempty"`

	// SkipBanner starts the session without waiting for the first prompt.
	SkipBanner bool `yaml:"skip_banner" json:"skip_banner,omitempty"`
	Terminal   bool `yaml:"terminal" json:"terminal,omitempty"`

	// Timeout in seconds for start and command responses; 0 means default.
	Timeout int `yaml:"timeout" json:"timeout,omitempty"`
}

// Builtins returns the gdb, lldb and pdb presets.
func Builtins() []Flavor {
	return []Flavor{
		{
			Name:        "gdb",
			Description: "GNU Debugger",
			Program:     "gdb",
			Args:        []string{"--interpreter=mi"},
			Prompt:      "(gdb)",
			StopPattern: "*stopped",
			LoadCommand: "file {program}",
			ArgsCommand: "set args {args}",
		},
		{
			Name:        "lldb",
			Description: "LLVM Debugger",
			Program:     "lldb",
			Args:        []string{"--no-use-colors", "--source-quietly"},
			Prompt:      "(lldb)",
			StopPattern: "stop reason",
			LoadCommand: "file {program}",
			ArgsCommand: "settings set target.run-args {args}",
			SkipBanner:  true,
		},
		{
			Name:         "pdb",
			Description:  "Python Debugger",
			Program:      "python3",
			Args:         []string{"-m", "pdb"},
			Prompt:       "(Pdb)",
			TargetInArgs: true,
		},
	}
}

// Validate reports the first problem with f.
func (f Flavor) Validate() error {
	switch {
	case f.Name == "":
		return errors.New("flavor name is required")
	case strings.ContainsAny(f.Name, " -/"):
		return fmt.Errorf("flavor %q: name must not contain spaces, dashes or slashes", f.Name)
	case f.Program == "":
		return fmt.Errorf("flavor %q: program is required", f.Name)
	case f.Prompt == "":
		return fmt.Errorf("flavor %q: prompt is required", f.Name)
	case f.ArgsCommand != "" && f.LoadCommand == "":
		return fmt.Errorf("flavor %q: args_command needs load_command", f.Name)
	case f.Timeout < 0:
		return fmt.Errorf("flavor %q: timeout must not be negative", f.Name)
	}
	return nil
}

// CanLoad reports whether targets are loaded into a running session.
func (f Flavor) CanLoad() bool { return f.LoadCommand != "" }

// CanWait reports whether the flavor knows how a stop looks.
func (f Flavor) CanWait() bool { return f.StopPattern != "" }

// StartSpec builds the session spec. target and targetArgs are only used by
// TargetInArgs flavors, which require a target.
func (f Flavor) StartSpec(target string, targetArgs []string) (sessions.StartSpec, error) {
	args := append([]string(nil), f.Args...)
	if f.TargetInArgs {
		if target == "" {
			return sessions.StartSpec{}, fmt.Errorf("%s needs a program to debug", f.Name)
		}
		args = append(args, target)
		args = append(args, targetArgs...)
	}
	return sessions.StartSpec{
		Prefix:      f.Name,
		Program:     f.Program,
		Args:        args,
		Prompt:      f.Prompt,
		QuitCommand: f.QuitCommand,
		Env:         append([]string(nil), f.Env...),
		Timeout:     f.ResponseTimeout(),
		Terminal:    f.Terminal,
		SkipBanner:  f.SkipBanner,
	}, nil
}

// ResponseTimeout is the flavor timeout as a duration, zero for the default.
func (f Flavor) ResponseTimeout() time.Duration {
	return time.Duration(f.Timeout) * time.Second
}

// LoadCommands returns the commands that load program with args.
func (f Flavor) LoadCommands(program string, args []string) []string {
	if !f.CanLoad() {
		return nil
	}
	cmds := []string{strings.ReplaceAll(f.LoadCommand, ProgramPlaceholder, program)}
	if len(args) > 0 && f.ArgsCommand != "" {
		cmds = append(cmds, strings.ReplaceAll(f.ArgsCommand, ArgsPlaceholder, strings.Join(args, " ")))
	}
	return cmds
}

// Set is a collection of flavors keyed by name.
type Set map[string]Flavor

// NewSet builds a Set, later flavors replacing earlier ones of the same name.
func NewSet(flavors ...Flavor) Set {
	s := make(Set, len(flavors))
	for _, f := range flavors {
		s[f.Name] = f
	}
	return s
}

// Get returns the named flavor.
func (s Set) Get(name string) (Flavor, bool) {
	f, ok := s[name]
	return f, ok
}

// Sorted returns the flavors ordered by name.
func (s Set) Sorted() []Flavor {
	out := make([]Flavor, 0, len(s))
	for _, f := range s {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// File is the YAML document accepted by LoadFile.
type File struct {
	Flavors []Flavor `yaml:"flavors"`
}

// LoadFile reads custom flavors from a YAML file.
func LoadFile(path string) ([]Flavor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flavors: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a flavors document.
func Parse(data []byte) ([]Flavor, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse flavors: %w", err)
	}
	seen := make(map[string]bool, len(file.Flavors))
	for _, f := range file.Flavors {
		if err := f.Validate(); err != nil {
			return nil, err
		}
		if seen[f.Name] {
			return nil, fmt.Errorf("flavor %q defined twice", f.Name)
		}
		seen[f.Name] = true
	}
	return file.Flavors, nil
}

// Load returns the builtins merged with the flavors in path, if any.
func Load(path string) (Set, error) {
	flavors := Builtins()
	if path != "" {
		custom, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		flavors = append(flavors, custom...)
	}
	return NewSet(flavors...), nil
}
