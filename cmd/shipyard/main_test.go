package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/animus-labs/shipyard-go/internal/api"
	"github.com/animus-labs/shipyard-go/internal/domain"
)

func TestExitCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"succeeded", exitForStatus("succeeded"), 0},
		{"failed", exitForStatus("failed"), 1},
		{"aborted", exitForStatus("aborted"), 2},
		{"pending", exitForStatus("pending"), 3},
		{"running", exitForStatus("running"), 3},
		{"conflict", &domain.ConflictError{TargetKey: "prod/apps/web", HolderRunID: "r1"}, 4},
		{"wrapped conflict", fmt.Errorf("start: %w", &domain.ConflictError{}), 4},
		{"other", errors.New("boom"), 5},
		{"unknown status", exitForStatus("exploded"), 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := exitCode(tc.err); got != tc.want {
				t.Fatalf("exitCode=%d, want %d", got, tc.want)
			}
		})
	}
}

func TestParseParams(t *testing.T) {
	got, err := parseParams([]string{"replicas=3", "note=a=b", "replicas=4", "empty="})
	if err != nil {
		t.Fatalf("parseParams: %v", err)
	}
	if got["replicas"] != "4" || got["note"] != "a=b" || got["empty"] != "" || len(got) != 3 {
		t.Fatalf("params=%v", got)
	}
	if got, err := parseParams(nil); err != nil || got != nil {
		t.Fatalf("parseParams(nil)=%v, %v", got, err)
	}
	for _, bad := range []string{"novalue", "=x", " =x"} {
		if _, err := parseParams([]string{bad}); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	if err := loadEnvFile(filepath.Join(dir, "missing.env"), false); err != nil {
		t.Fatalf("missing default env file: %v", err)
	}
	if err := loadEnvFile(filepath.Join(dir, "missing.env"), true); err == nil {
		t.Fatalf("expected error for explicit missing env file")
	}

	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("SHIPYARD_CLI_TEST_VALUE=from-file\nSHIPYARD_CLI_TEST_KEEP=from-file\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("SHIPYARD_CLI_TEST_KEEP", "from-env")
	t.Setenv("SHIPYARD_CLI_TEST_VALUE", "")
	os.Unsetenv("SHIPYARD_CLI_TEST_VALUE")
	if err := loadEnvFile(path, true); err != nil {
		t.Fatalf("loadEnvFile: %v", err)
	}
	if got := os.Getenv("SHIPYARD_CLI_TEST_VALUE"); got != "from-file" {
		t.Fatalf("value=%q, want from-file", got)
	}
	if got := os.Getenv("SHIPYARD_CLI_TEST_KEEP"); got != "from-env" {
		t.Fatalf("keep=%q, want from-env", got)
	}
}

func useServer(t *testing.T, handler http.Handler) *bytes.Buffer {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	var buf bytes.Buffer
	prev := stdout
	stdout = &buf
	viper.Set("server", srv.URL)
	viper.Set("token", "test-token")
	viper.Set("json", false)
	t.Cleanup(func() {
		stdout = prev
		viper.Set("server", "")
		viper.Set("token", "")
		viper.Set("json", false)
	})
	return &buf
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestRunStatusExitsWithRunStatus(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	out := useServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/runs/run-1" {
			t.Errorf("path=%q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("authorization=%q", got)
		}
		writeJSON(w, http.StatusOK, api.RunResponse{
			ID:        "run-1",
			Status:    "failed",
			Target:    api.TargetResponse{Name: "web"},
			SourceRef: "git:main@4f2a9c1",
			Failure:   &api.FailureResponse{Stage: "deploy", Kind: "permanent", Message: "image pull denied"},
			CreatedAt: started,
			Attempts: []api.AttemptResponse{
				{Stage: "build", Attempt: 1, Status: "succeeded", RecordedAt: started,
					Artifact: &api.ArtifactResponse{Digest: "sha256:0123456789abcdef0123456789abcdef", SourceRef: "git:main@4f2a9c1"}},
				{Stage: "deploy", Attempt: 1, Status: "failed", ErrorKind: "permanent", ErrorMessage: "image pull denied", RecordedAt: started},
			},
		})
	}))

	cmd := runStatusCmd()
	cmd.SetArgs([]string{"run-1"})
	err := cmd.ExecuteContext(context.Background())
	if got := exitCode(err); got != exitFailed {
		t.Fatalf("exitCode=%d, want %d (err=%v)", got, exitFailed, err)
	}
	text := out.String()
	for _, want := range []string{"run-1", "permanent at deploy: image pull denied", "sha256:0123456789a"} {
		if !strings.Contains(text, want) {
			t.Fatalf("output missing %q:\n%s", want, text)
		}
	}
}

func TestRunStartConflictExitCode(t *testing.T) {
	useServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req api.StartRunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Target != "web" || req.Params["replicas"] != "3" {
			t.Errorf("request=%+v", req)
		}
		writeJSON(w, http.StatusConflict, map[string]any{
			"code":    "target_locked",
			"message": "target is locked",
			"details": map[string]any{"target": "prod/apps/web", "holder_run_id": "run-0"},
		})
	}))

	cmd := runStartCmd()
	cmd.SetArgs([]string{"--source-ref", "git:main@4f2a9c1", "--target", "web", "--param", "replicas=3"})
	err := cmd.ExecuteContext(context.Background())
	var conflict *domain.ConflictError
	if !errors.As(err, &conflict) || conflict.HolderRunID != "run-0" {
		t.Fatalf("err=%v, want conflict held by run-0", err)
	}
	if got := exitCode(err); got != exitConflict {
		t.Fatalf("exitCode=%d, want %d", got, exitConflict)
	}
}

func TestRunStartWaitsForTerminalStatus(t *testing.T) {
	var polls atomic.Int32
	useServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/runs":
			writeJSON(w, http.StatusAccepted, api.StartRunResponse{RunID: "run-2", Status: "pending", Target: "web"})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/runs/run-2":
			status := "running"
			if polls.Add(1) >= 2 {
				status = "aborted"
			}
			writeJSON(w, http.StatusOK, api.RunResponse{ID: "run-2", Status: status, Target: api.TargetResponse{Name: "web"}})
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	cmd := runStartCmd()
	cmd.SetArgs([]string{"--source-ref", "git:main@4f2a9c1", "--target", "web", "--wait", "--interval", "5ms"})
	err := cmd.ExecuteContext(context.Background())
	if got := exitCode(err); got != exitAborted {
		t.Fatalf("exitCode=%d, want %d (err=%v)", got, exitAborted, err)
	}
	if n := polls.Load(); n < 2 {
		t.Fatalf("polls=%d, want >= 2", n)
	}
}

func TestRunStartWithoutWaitSucceedsOnAccept(t *testing.T) {
	out := useServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusAccepted, api.StartRunResponse{RunID: "run-3", Status: "pending", Target: "web"})
	}))

	cmd := runStartCmd()
	cmd.SetArgs([]string{"--source-ref", "git:main@4f2a9c1", "--target", "web"})
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out.String(), "run-3") {
		t.Fatalf("output=%q", out.String())
	}
}

func TestRunListJSON(t *testing.T) {
	out := useServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("target") != "web" || r.URL.Query().Get("status") != "failed" {
			t.Errorf("query=%q", r.URL.RawQuery)
		}
		writeJSON(w, http.StatusOK, api.RunListResponse{Runs: []api.RunResponse{{ID: "run-4", Status: "failed"}}})
	}))
	viper.Set("json", true)

	cmd := runListCmd()
	cmd.SetArgs([]string{"--target", "web", "--status", "failed"})
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	var got api.RunListResponse
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out.String())
	}
	if len(got.Runs) != 1 || got.Runs[0].ID != "run-4" {
		t.Fatalf("runs=%+v", got.Runs)
	}
}
