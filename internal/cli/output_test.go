package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerhouse-inc/powerhouse-sub017/internal/errs"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Success(map[string]string{"result": "success"}))

	var resp Response
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, map[string]any{"result": "success"}, resp.Data)
	assert.Nil(t, resp.Error)
}

func TestOutputFormatter_JSONFailureKeepsCode(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	cause := errs.Integrity("history is not contiguous")
	cause.Details = map[string]string{"issues": "2"}
	require.NoError(t, formatter.Failure(fmt.Errorf("reconcile: %w", cause)))

	var resp Response
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "INTEGRITY", resp.Error.Code)
	assert.Equal(t, "history is not contiguous", resp.Error.Message)
	assert.Equal(t, map[string]string{"issues": "2"}, resp.Error.Details)
}

func TestOutputFormatter_TextFailure(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf, Verbose: true}

	cause := errs.Validation("bad input")
	cause.Details = map[string]string{"b": "2", "a": "1"}
	require.NoError(t, formatter.Failure(cause))
	assert.Equal(t, "Error [VALIDATION]: bad input\n  a: 1\n  b: 2\n", buf.String())

	buf.Reset()
	require.NoError(t, formatter.Failure(errors.New("plain")))
	assert.Equal(t, "Error [ERROR]: plain\n", buf.String())
}

func TestExitCodes(t *testing.T) {
	err := WrapExitError(ExitCommandError, "failed to read trunk", errors.New("no such file"))
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Equal(t, "failed to read trunk: no such file", err.Error())
	assert.Equal(t, ExitCommandError, GetExitCode(fmt.Errorf("outer: %w", err)))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("other")))
}
