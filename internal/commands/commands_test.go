package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterje/dbgmcp/internal/db"
	"github.com/peterje/dbgmcp/internal/logger"
	"github.com/peterje/dbgmcp/internal/models"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	// Commands may set it through --home; restore it afterwards.
	t.Setenv(db.DBGMCP_HOME, t.TempDir())

	root, err := NewRootCmd(logger.New("test"))
	require.NoError(t, err)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err = root.Execute()
	return out.String(), err
}

func customFlavors(t *testing.T) string {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "flavors.yaml")
	doc := fmt.Sprintf("flavors:\n  - name: self\n    description: test binary\n    program: %q\n    prompt: '>'\n", exe)
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func TestSubcommands(t *testing.T) {
	root, err := NewRootCmd(logger.New("test"))
	require.NoError(t, err)

	for _, name := range []string{"mcp", "serve", "shepherd", "flavors", "version", "gdb", "lldb", "pdb"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}

	cmd, _, err := root.Find([]string{"doctor"})
	require.NoError(t, err)
	assert.Equal(t, "flavors", cmd.Name())
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)
}

func TestFlavorsJSON(t *testing.T) {
	out, err := run(t, "--flavors", customFlavors(t), "flavors", "--json")
	require.NoError(t, err)

	var statuses []models.FlavorStatus
	require.NoError(t, json.Unmarshal([]byte(out), &statuses))

	byName := make(map[string]models.FlavorStatus, len(statuses))
	for _, s := range statuses {
		byName[s.Name] = s
	}
	assert.Contains(t, byName, "gdb")
	assert.Contains(t, byName, "lldb")
	assert.Contains(t, byName, "pdb")
	require.Contains(t, byName, "self")
	assert.True(t, byName["self"].Installed)
	assert.NotEmpty(t, byName["self"].Path)
	assert.True(t, byName["gdb"].CanWait)
	assert.False(t, byName["pdb"].CanLoad)
}

func TestFlavorsTable(t *testing.T) {
	out, err := run(t, "--flavors", customFlavors(t), "flavors")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "self")
	assert.Contains(t, out, "test binary")
}

func TestBadFlavorsFile(t *testing.T) {
	_, err := run(t, "--flavors", filepath.Join(t.TempDir(), "missing.yaml"), "flavors")
	assert.ErrorContains(t, err, "read flavors")
}

func TestHomeFlag(t *testing.T) {
	home := t.TempDir()
	_, err := run(t, "--home", home, "version")
	require.NoError(t, err)
	assert.Equal(t, home, os.Getenv(db.DBGMCP_HOME))
}

func TestMCPRejectsUnknownFlavor(t *testing.T) {
	_, err := run(t, "mcp", "--flavor", "nope")
	assert.ErrorContains(t, err, `unknown flavor "nope"`)
}
