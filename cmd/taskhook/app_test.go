package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/taskhook/config"
	"github.com/vinayprograms/taskhook/logging"
	"github.com/vinayprograms/taskhook/security"
	"github.com/vinayprograms/taskhook/shutdown"
)

const secret = "app-test-secret"

// fakeEngine accepts triggers and remembers the task ids it saw.
type fakeEngine struct {
	mu  sync.Mutex
	ids []string
}

func (e *fakeEngine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		w.WriteHeader(http.StatusOK)
		return
	}
	var body struct {
		TaskID string `json:"task_id"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	e.mu.Lock()
	e.ids = append(e.ids, body.TaskID)
	e.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"success":true}`))
}

func (e *fakeEngine) seen() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.ids...)
}

func testConfig(t *testing.T, engineURL string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Workflow.URL = engineURL
	cfg.Workflow.HealthURL = engineURL + "/health"
	cfg.Workflow.RetryDelaysMS = []int{1, 1, 1}
	cfg.Callback.Secret = secret
	cfg.Queue.BackoffMS = []int{1}
	cfg.Audit.File = filepath.Join(t.TempDir(), "audit.jsonl")
	cfg.Audit.Sign = true
	cfg.Audit.InstanceID = "app-test"
	require.NoError(t, cfg.Validate())
	return cfg
}

type running struct {
	app   *app
	http  *httptest.Server
	coord *shutdown.Coordinator
}

func startApp(t *testing.T, cfg *config.Config) *running {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	a, err := newApp(ctx, cfg, nil, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, a.start(ctx))

	coord := shutdown.NewCoordinator(shutdown.Config{Timeout: 5 * time.Second, Logger: logging.Discard()})
	a.registerShutdown(coord)

	srv := httptest.NewServer(a.server.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = coord.ShutdownWithTimeout(0)
	})
	return &running{app: a, http: srv, coord: coord}
}

func (r *running) getStatus(t *testing.T, id string) string {
	t.Helper()
	resp, err := http.Get(r.http.URL + "/tasks/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	return view.Status
}

func (r *running) callback(t *testing.T, id string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, r.http.URL+"/tasks/"+id+"/result", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(security.DefaultSignatureHeader, security.Sign(body, secret))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestSubmitDispatchCallback(t *testing.T) {
	engine := &fakeEngine{}
	engineSrv := httptest.NewServer(engine)
	defer engineSrv.Close()

	r := startApp(t, testConfig(t, engineSrv.URL))

	resp, err := http.Post(r.http.URL+"/tasks", "application/json",
		bytes.NewReader([]byte(`{"reference_input":"s3://bucket/doc.pdf","outcome_goal":"summarize"}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.ID)

	require.Eventually(t, func() bool {
		return r.getStatus(t, created.ID) == "processing"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{created.ID}, engine.seen())

	body := []byte(`{"new_output":"three bullet summary","metadata":{"pages":"4"}}`)
	cb := r.callback(t, created.ID, body)
	cb.Body.Close()
	assert.Equal(t, http.StatusOK, cb.StatusCode)
	assert.Equal(t, "completed", r.getStatus(t, created.ID))

	// An exact replay is acknowledged as applied and changes nothing.
	again := r.callback(t, created.ID, body)
	defer again.Body.Close()
	assert.Equal(t, http.StatusOK, again.StatusCode)
	var out struct {
		WasUpdated bool `json:"was_updated"`
	}
	require.NoError(t, json.NewDecoder(again.Body).Decode(&out))
	assert.True(t, out.WasUpdated)
	assert.Equal(t, "completed", r.getStatus(t, created.ID))
}

func TestForgedCallbackIsAudited(t *testing.T) {
	engineSrv := httptest.NewServer(&fakeEngine{})
	defer engineSrv.Close()

	cfg := testConfig(t, engineSrv.URL)
	r := startApp(t, cfg)

	resp, err := http.Post(r.http.URL+"/tasks", "application/json",
		bytes.NewReader([]byte(`{"reference_input":"Improve this headline for clarity.","outcome_goal":"rewrite"}`)))
	require.NoError(t, err)
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodPost, r.http.URL+"/tasks/"+created.ID+"/result",
		bytes.NewReader([]byte(`{"new_output":"forged"}`)))
	require.NoError(t, err)
	req.Header.Set(security.DefaultSignatureHeader, "sha256=00")
	forged, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	forged.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, forged.StatusCode)
	assert.NotEqual(t, "completed", r.getStatus(t, created.ID))

	require.NoError(t, r.coord.ShutdownWithTimeout(0))
	assert.Empty(t, r.coord.Report().Failed())

	data, err := os.ReadFile(cfg.Audit.File)
	require.NoError(t, err)
	assert.Contains(t, string(data), security.EventSignatureRejected)
}

func TestHealthReportsEngine(t *testing.T) {
	engineSrv := httptest.NewServer(&fakeEngine{})
	r := startApp(t, testConfig(t, engineSrv.URL))

	resp, err := http.Get(r.http.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	engineSrv.Close()
	resp, err = http.Get(r.http.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestNewAppRejectsUnreachableNATS(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Store.Backend = config.BackendNATS
	cfg.NATS.URL = "nats://127.0.0.1:1"

	_, err := newApp(context.Background(), cfg, nil, logging.Discard())
	assert.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "taskhook "+Version)
}

func TestRequeueNeedsNATSBackend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "taskhook.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[workflow]
url = "http://engine.local/run"
`), 0o600))
	credsPath := filepath.Join(dir, "credentials.toml")
	require.NoError(t, os.WriteFile(credsPath, []byte(`
[callback]
secret = "from-credentials"
`), 0o400))

	cmd := rootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetArgs([]string{"--config", path, "--credentials", credsPath, "requeue", "task-1"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend")
}
