package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testScript = `
name: cli
steps:
  - op: open
  - op: create
    name: b1
    attrs: {color: red}
  - op: note
    name: created
  - op: open
  - op: change
    target: b1
    attrs: {color: blue}
  - op: note
  - op: undo
`

// execute runs histctl with args against a private data directory and
// returns its standard output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	runSave, runLabel, runJournal, runPrintTree, runServeMetrics = false, "", false, false, false
	exportOutput, importLabel = "", "imported"
	inspectCheck, inspectMig, inspectFind = false, false, ""
	workerCount, workerEdits, workerTree = 4, 10, false
	journalBefore = 0
	configPath, logLevel = "", "error"

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(append([]string{"--no-color"}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func setupDataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("MODELHIST_DATA_DIR", dir)
	t.Setenv("MODELHIST_LOG_LEVEL", "error")
	return dir
}

func writeScript(t *testing.T, dir, src string) string {
	t.Helper()
	path := filepath.Join(dir, "script.yaml")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o600))
	return path
}

func TestRunSaveAndInspect(t *testing.T) {
	dir := setupDataDir(t)
	script := writeScript(t, dir, testScript)

	out, err := execute(t, "run", "--save", "--journal", "--tree", script)
	require.NoError(t, err)
	assert.Contains(t, out, "ok cli: 7 steps")
	assert.Contains(t, out, `"created"`)
	assert.Contains(t, out, "archived main as snapshot 1 (3 states)")

	out, err = execute(t, "inspect")
	require.NoError(t, err)
	assert.Contains(t, out, "main")
	assert.Contains(t, out, "cli")

	out, err = execute(t, "inspect", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "created")
	assert.Contains(t, out, "state:    1")

	out, err = execute(t, "inspect", "--verify")
	require.NoError(t, err)
	assert.Contains(t, out, "all snapshots verified")

	out, err = execute(t, "inspect", "--find-state", "created")
	require.NoError(t, err)
	assert.Contains(t, out, "snapshot 1 state 1")

	out, err = execute(t, "inspect", "--migrations")
	require.NoError(t, err)
	assert.Contains(t, out, "schema version 2 of 2")

	out, err = execute(t, "tree", "main")
	require.NoError(t, err)
	assert.Contains(t, out, "*1")
	assert.Contains(t, out, "1 live entities")

	image := filepath.Join(dir, "main.json")
	_, err = execute(t, "export", "main", "-o", image)
	require.NoError(t, err)
	out, err = execute(t, "import", image)
	require.NoError(t, err)
	assert.Contains(t, out, "imported main as snapshot 2")

	journals, err := filepath.Glob(filepath.Join(dir, "journal", "*.journal"))
	require.NoError(t, err)
	require.Len(t, journals, 1)

	out, err = execute(t, "journal", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "ok")

	out, err = execute(t, "journal", "verify", journals[0])
	require.NoError(t, err)
	assert.Contains(t, out, "snapshots:  1")
	assert.Contains(t, out, "verified")

	out, err = execute(t, "journal", "show", journals[0])
	require.NoError(t, err)
	assert.Contains(t, out, "note")
	assert.Contains(t, out, "roll")
	assert.Contains(t, out, "archive id 1")
}

func TestRunFailingScript(t *testing.T) {
	dir := setupDataDir(t)
	script := writeScript(t, dir, `
name: broken
steps:
  - op: undo
`)
	out, err := execute(t, "run", script)
	require.Error(t, err)
	assert.Contains(t, out, "FAIL broken")
	assert.Contains(t, err.Error(), "step 1 (undo)")
}

func TestWorkers(t *testing.T) {
	setupDataDir(t)
	t.Setenv("MODELHIST_METRICS_LISTEN", "127.0.0.1:0")

	out, err := execute(t, "workers", "-n", "3", "--edits", "4", "--tree")
	require.NoError(t, err)
	assert.Contains(t, out, "3 workers recorded 12 edits")
	assert.Contains(t, out, "merged 12 states")
	assert.Contains(t, out, "3 entities")
}

func TestEmptyArchive(t *testing.T) {
	setupDataDir(t)
	_, err := execute(t, "tree")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive is empty")
}

func TestConfigInit(t *testing.T) {
	dir := setupDataDir(t)
	path := filepath.Join(dir, "modelhist.toml")

	out, err := execute(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote")
	out, err = execute(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "already exists")

	out, err = execute(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "[storage]")
}
