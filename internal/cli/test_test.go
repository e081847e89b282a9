package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const passingScenario = `name: pass
seed:
  - type: Todo
    data: { id: a, title: one }
steps:
  - get: { type: Todo, id: a, as: a }
  - flush: true
assertions:
  - type: record
    ref: a
    status: READY
    data: { title: one }
`

const failingScenario = `name: fail
seed:
  - type: Todo
    data: { id: a, title: one }
steps:
  - get: { type: Todo, id: a, as: a }
  - flush: true
assertions:
  - type: record
    ref: a
    data: { title: two }
`

const diagnosticScenario = `name: unready
steps:
  - update: { type: Todo, id: missing, data: { title: x } }
assertions:
  - type: diagnostics
    codes: [CANNOT_WRITE_TO_UNREADY_RECORD]
`

func writeScenario(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

type testResponse struct {
	Status string     `json:"status"`
	Data   TestResult `json:"data"`
	Error  *CLIError  `json:"error"`
}

func decodeTestResponse(t *testing.T, stdout string) testResponse {
	t.Helper()
	var resp testResponse
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp), stdout)
	return resp
}

func TestTestCommand_MissingArgs(t *testing.T) {
	_, stderr, code := runCLI(t, "test")
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr, "accepts 1 arg(s)")
}

func TestTestCommand_NonexistentDir(t *testing.T) {
	stdout, _, code := runCLI(t, "test", filepath.Join(t.TempDir(), "nope"))
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stdout, "Error [E_NOT_FOUND]: scenarios directory not found")
}

func TestTestCommand_EmptyDir(t *testing.T) {
	dir := t.TempDir()

	stdout, _, code := runCLI(t, "test", dir)
	assert.Equal(t, ExitSuccess, code)
	assert.Equal(t, "No scenarios found.\n", stdout)

	stdout, _, code = runCLI(t, "--format", "json", "test", dir)
	assert.Equal(t, ExitSuccess, code)
	resp := decodeTestResponse(t, stdout)
	assert.Equal(t, "ok", resp.Status)
	assert.Zero(t, resp.Data.Total)
}

func TestTestCommand_Passing(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "pass.yaml", passingScenario)

	stdout, _, code := runCLI(t, "test", dir)
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, stdout, "✓ pass")
	assert.Contains(t, stdout, "Test Summary: 1 passed, 0 failed, 1 total")
	assert.Contains(t, stdout, "✓ All scenarios passed")
}

func TestTestCommand_Failing(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "pass.yaml", passingScenario)
	writeScenario(t, dir, "fail.yaml", failingScenario)

	stdout, _, code := runCLI(t, "test", dir)
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, stdout, "✗ fail")
	assert.Contains(t, stdout, "assertion failed")
	assert.Contains(t, stdout, "Error [E_TEST_FAILED]: 1 scenario(s) failed")

	stdout, _, code = runCLI(t, "--format", "json", "test", dir)
	assert.Equal(t, ExitFailure, code)
	resp := decodeTestResponse(t, stdout)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeTestFailed, resp.Error.Code)
	assert.Equal(t, 1, resp.Data.Passed)
	assert.Equal(t, 1, resp.Data.Failed)
	assert.Equal(t, 2, resp.Data.Total)
}

func TestTestCommand_InvalidScenario(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "broken.yaml", "name: broken\nsteps: []\n")

	stdout, _, code := runCLI(t, "--format", "json", "test", dir)
	assert.Equal(t, ExitFailure, code)
	resp := decodeTestResponse(t, stdout)
	require.Len(t, resp.Data.Scenarios, 1)
	sr := resp.Data.Scenarios[0]
	assert.False(t, sr.Pass)
	require.NotEmpty(t, sr.Errors)
	assert.Contains(t, sr.Errors[0], "failed to load scenario")
}

func TestTestCommand_Filter(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "pass.yaml", passingScenario)
	writeScenario(t, dir, "fail.yaml", failingScenario)

	stdout, _, code := runCLI(t, "--format", "json", "test", dir, "--filter", "pa*")
	assert.Equal(t, ExitSuccess, code)
	resp := decodeTestResponse(t, stdout)
	require.Len(t, resp.Data.Scenarios, 1)
	assert.Equal(t, "pass", resp.Data.Scenarios[0].Name)
}

func TestTestCommand_UpdateThenMatch(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "pass.yaml", passingScenario)

	stdout, _, code := runCLI(t, "test", dir, "--update")
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, stdout, "✓ pass (golden updated)")

	golden, err := os.ReadFile(filepath.Join(dir, "golden", "pass.golden"))
	require.NoError(t, err)
	assert.Contains(t, string(golden), `"scenario_name":"pass"`)
	assert.Contains(t, string(golden), `"name":"FetchRecord"`)

	stdout, _, code = runCLI(t, "--format", "json", "test", dir)
	assert.Equal(t, ExitSuccess, code)
	resp := decodeTestResponse(t, stdout)
	require.Len(t, resp.Data.Scenarios, 1)
	assert.Equal(t, GoldenMatched, resp.Data.Scenarios[0].Golden)
}

func TestTestCommand_GoldenMismatch(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "pass.yaml", passingScenario)
	writeScenario(t, dir, "golden/pass.golden", `{"scenario_name":"pass","trace":[]}`)

	stdout, _, code := runCLI(t, "--format", "json", "test", dir)
	assert.Equal(t, ExitFailure, code)
	resp := decodeTestResponse(t, stdout)
	require.Len(t, resp.Data.Scenarios, 1)
	sr := resp.Data.Scenarios[0]
	assert.False(t, sr.Pass)
	assert.Equal(t, GoldenMismatch, sr.Golden)
	assert.Contains(t, sr.Errors, "trace does not match golden file (run with --update to regenerate)")
}

func TestTestCommand_MetricsFile(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "unready.yaml", diagnosticScenario)
	metrics := filepath.Join(t.TempDir(), "diag.prom")

	_, _, code := runCLI(t, "test", dir, "--metrics-file", metrics)
	assert.Equal(t, ExitSuccess, code)

	data, err := os.ReadFile(metrics)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# TYPE recsync_diagnostics_total counter")
	assert.Contains(t, string(data), `recsync_diagnostics_total{code="CANNOT_WRITE_TO_UNREADY_RECORD"} 1`)
}

func TestFindScenarioFiles(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "a.yaml", "")
	writeScenario(t, dir, "b.yml", "")
	writeScenario(t, dir, "notes.txt", "")
	writeScenario(t, dir, "nested/c_one.yaml", "")
	writeScenario(t, dir, "golden/a.golden", "")

	files, err := findScenarioFiles(dir, "")
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.yaml"),
		filepath.Join(dir, "b.yml"),
		filepath.Join(dir, "nested", "c_one.yaml"),
	}, files)

	files, err = findScenarioFiles(dir, "c_*")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "nested", "c_one.yaml")}, files)

	_, err = findScenarioFiles(dir, "[")
	assert.ErrorContains(t, err, "invalid filter pattern")
}

func TestGoldenFilePath(t *testing.T) {
	tests := []struct {
		file string
		want string
	}{
		{"scenarios/create.yaml", filepath.Join("scenarios", "golden", "create.golden")},
		{"scenarios/sub/fetch.yml", filepath.Join("scenarios", "sub", "golden", "fetch.golden")},
		{"plain.yaml", filepath.Join("golden", "plain.golden")},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			assert.Equal(t, tt.want, goldenFilePath(tt.file))
		})
	}
}
