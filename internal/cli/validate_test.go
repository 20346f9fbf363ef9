package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const schemasDir = "../harness/testdata/schemas"

func runValidateCommand(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewValidateCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestValidateListsEntityTypes(t *testing.T) {
	out, err := runValidateCommand(t, "text", schemasDir)
	require.NoError(t, err)
	assert.Equal(t, "Entity schemas: patient, visit\n", out)
}

func TestValidateJSON(t *testing.T) {
	out, err := runValidateCommand(t, "json", schemasDir)
	require.NoError(t, err)

	var response struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &response))
	assert.Equal(t, "ok", response.Status)
	assert.True(t, response.Data.Valid)
	assert.Equal(t, []string{"patient", "visit"}, response.Data.Types)
	assert.Empty(t, response.Data.Checked)
}

func TestValidatePayload(t *testing.T) {
	out, err := runValidateCommand(t, "text", schemasDir, "--type", "patient", "--payload", `{"name":"Amina","ward":"3"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ patient payload is valid")
}

func TestValidateInvalidPayload(t *testing.T) {
	out, err := runValidateCommand(t, "json", schemasDir, "--type", "patient", "--payload", `{"name":"","ward":"3"}`)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var response CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &response))
	require.NotNil(t, response.Error)
	assert.Equal(t, "VALIDATION", response.Error.Code)
	assert.Contains(t, response.Error.Message, "patient payload is invalid")
}

func TestValidateMalformedPayload(t *testing.T) {
	_, err := runValidateCommand(t, "text", schemasDir, "--type", "patient", "--payload", `{"name":`)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid --payload")
}

func TestValidateBadKind(t *testing.T) {
	_, err := runValidateCommand(t, "text", schemasDir, "--type", "patient", "--kind", "upsert", "--payload", `{}`)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid --kind")
}

func TestValidateTypeRequiresPayload(t *testing.T) {
	_, err := runValidateCommand(t, "text", schemasDir, "--type", "patient")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "payload")
}

func TestValidateMissingDir(t *testing.T) {
	out, err := runValidateCommand(t, "text", "/nonexistent/schemas")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [COMMAND]")
	assert.Contains(t, out, "failed to load schemas")
}
