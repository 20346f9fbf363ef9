package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/testutil"
)

// cliEnv runs commands against one queue database and a FakeRemote served
// over HTTP.
type cliEnv struct {
	t      *testing.T
	db     string
	remote *testutil.FakeRemote
	server *httptest.Server
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	fake := testutil.NewFakeRemote()
	srv := httptest.NewServer(fake.Handler())
	t.Cleanup(srv.Close)

	t.Setenv("FIELDSYNC_REMOTE_URL", srv.URL)
	t.Setenv("FIELDSYNC_SCHEMAS", "")
	return &cliEnv{
		t:      t,
		db:     filepath.Join(t.TempDir(), "queue.db"),
		remote: fake,
		server: srv,
	}
}

func (e *cliEnv) exec(args ...string) (string, error) {
	e.t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--db", e.db}, args...))
	err := cmd.Execute()
	return buf.String(), err
}

// json runs a command with --format json and decodes the data payload.
func (e *cliEnv) json(v any, args ...string) {
	e.t.Helper()
	out, err := e.exec(append([]string{"--format", "json"}, args...)...)
	require.NoError(e.t, err, out)

	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(e.t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(e.t, "ok", resp.Status, out)
	require.NoError(e.t, json.Unmarshal(resp.Data, v), out)
}

type submitJSON struct {
	OperationID string `json:"operation_id"`
	EntityID    string `json:"entity_id"`
	Queued      bool   `json:"queued"`
	Version     int64  `json:"version"`
	Pending     int64  `json:"pending"`
}

type statusJSON struct {
	Online  bool              `json:"online"`
	Pending int               `json:"pending"`
	Failed  []json.RawMessage `json:"failed"`
}

type sessionJSON struct {
	Attempted  int    `json:"attempted"`
	Resolved   int    `json:"resolved"`
	Fatal      int    `json:"fatal"`
	Remaining  int    `json:"remaining"`
	Pulled     int    `json:"pulled"`
	StopReason string `json:"stop_reason"`
}

func TestCommands_QueueThenSync(t *testing.T) {
	env := newCLIEnv(t)

	var st statusJSON
	env.json(&st, "status", "--no-probe")
	assert.False(t, st.Online)
	assert.Equal(t, 0, st.Pending)

	var created submitJSON
	env.json(&created, "submit", "create", "patient", "--queue", "--payload", `{"name":"Amina","ward":"3"}`)
	assert.True(t, created.Queued)
	assert.NotEmpty(t, created.OperationID)
	assert.Contains(t, created.EntityID, "tmp-")
	assert.Equal(t, int64(1), created.Pending)

	var queued []model.Operation
	env.json(&queued, "queue")
	require.Len(t, queued, 1)
	assert.Equal(t, created.OperationID, queued[0].ID)
	assert.Equal(t, model.StatusPending, queued[0].Status)

	var sess sessionJSON
	env.json(&sess, "sync")
	assert.Equal(t, 1, sess.Attempted)
	assert.Equal(t, 1, sess.Resolved)
	assert.Equal(t, 0, sess.Remaining)
	assert.Empty(t, sess.StopReason)
	assert.Equal(t, 1, env.remote.Count("patient"))

	env.json(&st, "status")
	assert.True(t, st.Online)
	assert.Equal(t, 0, st.Pending)

	var direct submitJSON
	env.json(&direct, "submit", "update", "patient", "srv-1", "--payload", `{"ward":"4"}`)
	assert.False(t, direct.Queued)
	assert.Equal(t, "srv-1", direct.EntityID)
	assert.Equal(t, int64(2), direct.Version)

	got, ok := env.remote.Get("patient", "srv-1")
	require.True(t, ok)
	assert.Equal(t, "4", got.Data["ward"])
	assert.Equal(t, "Amina", got.Data["name"])
}

func TestCommands_FatalThenDiscard(t *testing.T) {
	env := newCLIEnv(t)

	var created submitJSON
	env.json(&created, "submit", "create", "patient", "--queue", "--payload", `{"name":"Baraka","ward":"2"}`)

	env.remote.Fail("patient", "", model.ErrCodeFatalRemote, 0, 1)
	var sess sessionJSON
	env.json(&sess, "sync")
	assert.Equal(t, 1, sess.Fatal)
	assert.Equal(t, 1, sess.Remaining)

	var failed []model.Operation
	env.json(&failed, "failed")
	require.Len(t, failed, 1)
	assert.Equal(t, created.OperationID, failed[0].ID)
	assert.Equal(t, model.FailureFatal, failed[0].Failure)

	var st statusJSON
	env.json(&st, "status", "--no-probe")
	assert.Len(t, st.Failed, 1)

	var view struct {
		Action    string          `json:"action"`
		Operation model.Operation `json:"operation"`
	}
	env.json(&view, "discard", created.OperationID)
	assert.Equal(t, "Discarded", view.Action)
	assert.Equal(t, created.OperationID, view.Operation.ID)

	var queued []model.Operation
	env.json(&queued, "queue")
	assert.Empty(t, queued)
	assert.Equal(t, 0, env.remote.Count("patient"))
}

func TestCommands_FatalThenRetry(t *testing.T) {
	env := newCLIEnv(t)

	var created submitJSON
	env.json(&created, "submit", "create", "patient", "--queue", "--payload", `{"name":"Baraka","ward":"2"}`)
	env.remote.Fail("patient", "", model.ErrCodeFatalRemote, 0, 1)

	var sess sessionJSON
	env.json(&sess, "sync")
	require.Equal(t, 1, sess.Fatal)

	out, err := env.exec("retry", created.OperationID, "--payload", `{"name":"Baraka","ward":"9"}`)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Requeued "+created.OperationID)

	env.json(&sess, "sync")
	assert.Equal(t, 1, sess.Resolved)
	got, ok := env.remote.Get("patient", "srv-1")
	require.True(t, ok)
	assert.Equal(t, "9", got.Data["ward"])
}

func TestCommands_SyncOffline(t *testing.T) {
	env := newCLIEnv(t)

	var created submitJSON
	env.json(&created, "submit", "create", "patient", "--queue", "--payload", `{"name":"Amina","ward":"3"}`)

	env.server.Close()
	out, err := env.exec("--format", "json", "sync")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "OFFLINE", resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "1 operations pending")
}

func TestCommands_SyncRefusesWhileDaemonDrains(t *testing.T) {
	env := newCLIEnv(t)

	var created submitJSON
	env.json(&created, "submit", "create", "patient", "--queue", "--payload", `{"name":"Amina","ward":"3"}`)

	// A daemon is mid-call on the operation and holds the drain lease.
	s, err := store.Open(env.db)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.MarkInFlight(ctx, created.OperationID, time.Now()))
	_, err = s.AcquireLease(ctx, store.DrainLease, "daemon", time.Minute, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	out, err := env.exec("--format", "json", "sync")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "BUSY", resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "daemon")

	s, err = store.Open(env.db)
	require.NoError(t, err)
	defer s.Close()
	op, err := s.Get(ctx, created.OperationID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInFlight, op.Status)
	assert.Zero(t, env.remote.Count("patient"))
}

func TestCommands_SubmitOfflineFallsBackToQueue(t *testing.T) {
	env := newCLIEnv(t)
	env.server.Close()

	var created submitJSON
	env.json(&created, "submit", "create", "patient", "--payload", `{"name":"Amina","ward":"3"}`)
	assert.True(t, created.Queued)
}

func TestCommands_SubmitRejectsInvalidPayload(t *testing.T) {
	env := newCLIEnv(t)
	t.Setenv("FIELDSYNC_SCHEMAS", schemasDir)

	out, err := env.exec("--format", "json", "submit", "create", "patient", "--queue", "--payload", `{"ward":"3"}`)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "VALIDATION", resp.Error.Code)

	var queued []model.Operation
	env.json(&queued, "queue")
	assert.Empty(t, queued)
}

func TestCommands_SubmitArgumentErrors(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.exec("submit", "upsert", "patient")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = env.exec("submit", "create", "patient", "--payload", `{"name":`)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid --payload JSON")
}

func TestCommands_ManualActionErrors(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.exec("--format", "json", "discard", "no-such-op")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)

	var created submitJSON
	env.json(&created, "submit", "create", "patient", "--queue", "--payload", `{"name":"Amina","ward":"3"}`)

	out, err = env.exec("--format", "json", "retry", created.OperationID)
	require.Error(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "NOT_ALLOWED", resp.Error.Code)

	_, err = env.exec("resolve", created.OperationID, "--keep", "both")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = env.exec("resolve", created.OperationID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "keep")
}

func TestCommands_Purge(t *testing.T) {
	env := newCLIEnv(t)

	var purged map[string]int
	env.json(&purged, "purge", "--older-than", "0s")
	assert.Contains(t, purged, "purged")

	out, err := env.exec("purge")
	require.NoError(t, err)
	assert.Contains(t, out, "Purged 0 resolved operations")
}

func TestCommands_TextOutput(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.exec("submit", "create", "patient", "--queue", "--payload", `{"name":"Amina","ward":"3"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "Queued ")
	assert.Contains(t, out, "(1 operations pending)")

	out, err = env.exec("status", "--no-probe")
	require.NoError(t, err)
	assert.Contains(t, out, "Connectivity: offline")
	assert.Contains(t, out, "Pending:      1")
	assert.Contains(t, out, "Last sync:    never")

	out, err = env.exec("sync")
	require.NoError(t, err)
	assert.Contains(t, out, "1 attempted, 1 resolved")
	assert.Contains(t, out, "0 operations remaining")
	assert.Contains(t, out, "assigned srv-1")

	out, err = env.exec("queue")
	require.NoError(t, err)
	assert.Equal(t, "No operations.\n", out)
}
