package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackends struct {
	workshop *httptest.Server
	llm      *httptest.Server
	llmCalls atomic.Int32
}

func newFakeBackends(t *testing.T) *fakeBackends {
	t.Helper()
	b := &fakeBackends{}

	resources := map[string]any{
		"/tickets/501": map[string]any{
			"id": 501, "ticket_number": "J-100", "state": "closed",
			"finished_at": "2025-03-14T16:30:00Z",
			"customer_id": "c1", "channel_id": "ch1", "location_id": "l1", "employee_id": "e1",
			"vehicle": map[string]any{"make_id": "m1", "model_id": "vm1"},
		},
		"/customers/c1":       map[string]any{"id": "c1", "name": "Dana Fox", "email": "dana@example.com"},
		"/locations/l1":       map[string]any{"id": "l1", "name": "Northside Motors", "address": "1 High St"},
		"/employees/e1":       map[string]any{"id": "e1", "first_name": "Sam", "last_name": "Lee"},
		"/vehicle-makes/m1":   map[string]any{"id": "m1", "name": "Ford"},
		"/vehicle-models/vm1": map[string]any{"id": "vm1", "name": "Focus", "make_id": "m1"},
		"/messenger/channels/ch1/messages": map[string]any{
			"data": []map[string]any{
				{"id": 1, "type": "text", "content": "Car is in for its service", "created_at": "2025-03-14T09:00:00Z"},
				{"id": 2, "type": "text", "content": "Reg AB12 CDE, odometer reads 45,000 miles", "created_at": "2025-03-14T09:05:00Z"},
			},
		},
	}

	b.workshop = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/oauth/token" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token": "tok-1", "token_type": "bearer", "expires_in": 3600,
			})
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path == "/system-events" {
			_ = json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{
				{"id": "ev1", "type": "ticket.closed", "occurred_at": "2099-01-01T00:00:00Z", "payload": map[string]any{"ticket_id": 501}},
			}})
			return
		}
		body, ok := resources[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(b.workshop.Close)

	b.llm = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.llmCalls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(b.llm.Close)
	return b
}

func writeConfig(t *testing.T, b *fakeBackends) (configPath, outDir string) {
	t.Helper()
	dir := t.TempDir()
	outDir = filepath.Join(dir, "certs")
	cfg := strings.Join([]string{
		"workshop_api_base_url: " + b.workshop.URL,
		"workshop_token_url: " + b.workshop.URL + "/oauth/token",
		"workshop_client_id: client-abc",
		"workshop_client_secret: super-secret-value",
		"llm_provider: openai",
		"llm_base_url: " + b.llm.URL,
		"openai_api_key: sk-test",
		"db_path: " + filepath.Join(dir, "servicecert.db"),
		"certificate_output_dir: " + outDir,
		"certificate_public_base_url: https://certs.example/files",
		"log_level: error",
		"timezone: UTC",
	}, "\n")
	configPath = filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(cfg), 0o600))

	// Keep the ambient environment from overriding the file.
	t.Setenv("CONFIG_PATH", "")
	for _, key := range []string{
		"WORKSHOP_API_BASE_URL", "WORKSHOP_TOKEN_URL", "WORKSHOP_CLIENT_ID", "WORKSHOP_CLIENT_SECRET",
		"LLM_PROVIDER", "LLM_BASE_URL", "OPENAI_API_KEY", "ANTHROPIC_API_KEY", "DB_PATH",
		"CERTIFICATE_OUTPUT_DIR", "CERTIFICATE_PUBLIC_BASE_URL", "SLACK_BOT_TOKEN", "SLACK_CHANNEL_ID",
		"POLL_SCHEDULE", "LOG_LEVEL", "TIMEZONE",
	} {
		t.Setenv(key, "")
	}
	return configPath, outDir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestProcessCommandIssuesCertificateOnce(t *testing.T) {
	b := newFakeBackends(t)
	configPath, outDir := writeConfig(t, b)

	out, err := execute(t, "--config", configPath, "process", "501")
	require.NoError(t, err)
	assert.Contains(t, out, "ticket 501: success")
	assert.Contains(t, out, "https://certs.example/files/J-100-501.pdf")
	assert.Zero(t, b.llmCalls.Load(), "single candidates must not reach the model")

	pdf, err := os.ReadFile(filepath.Join(outDir, "J-100-501.pdf"))
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(pdf, []byte("%PDF-1.4")))
	assert.Contains(t, string(pdf), "AB12 CDE")

	out, err = execute(t, "--config", configPath, "process", "501")
	require.NoError(t, err)
	assert.Contains(t, out, "ticket 501: skipped")

	out, err = execute(t, "--config", configPath, "records", "501")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "success"))
}

func TestProcessCommandMissingTicketNeedsReview(t *testing.T) {
	b := newFakeBackends(t)
	configPath, _ := writeConfig(t, b)

	out, err := execute(t, "--config", configPath, "process", "999")
	require.NoError(t, err)
	assert.Contains(t, out, "ticket 999: needs_review")
	assert.Contains(t, out, "reason: ticket not found")
}

func TestPollCommandProcessesClosedTickets(t *testing.T) {
	b := newFakeBackends(t)
	configPath, _ := writeConfig(t, b)

	out, err := execute(t, "--config", configPath, "poll")
	require.NoError(t, err)
	assert.Contains(t, out, "Processed 1 closed tickets: 1 issued")

	out, err = execute(t, "--config", configPath, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "success")
}

func TestExtractCommandPrintsResult(t *testing.T) {
	b := newFakeBackends(t)
	configPath, _ := writeConfig(t, b)

	out, err := execute(t, "--config", configPath, "extract", "501")
	require.NoError(t, err)

	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "regex", res["method"])
}

func TestRunCommandRequiresSchedule(t *testing.T) {
	b := newFakeBackends(t)
	configPath, _ := writeConfig(t, b)

	_, err := execute(t, "--config", configPath, "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poll_schedule")
}

func TestMissingConfigFailsFast(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("WORKSHOP_API_BASE_URL", "")
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "absent.yaml"), "process", "1")
	require.Error(t, err)
}

func TestFileBaseURLIsAbsolute(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	got, err := fileBaseURL("./certificates")
	require.NoError(t, err)
	assert.Equal(t, "file://"+filepath.ToSlash(filepath.Join(dir, "certificates")), got)
}
