package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"CoralRush/sdk/go/coralrush"
)

func execute(t *testing.T, srv *httptest.Server, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--server", srv.URL, "--token", "tkn"}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestRunReadsTextFromStdin(t *testing.T) {
	var got coralrush.OrchestrationRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tkn" {
			t.Errorf("missing token")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(coralrush.Response{SessionID: "sess-1", OverallSuccess: true, CombinedText: "ok"})
	}))
	defer srv.Close()

	out, err := execute(t, srv, "check my balance\n", "run", "--type", "support")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got.Text != "check my balance" || got.SessionType != "support" {
		t.Fatalf("unexpected request %+v", got)
	}
	var resp coralrush.Response
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("output should be JSON when not a terminal: %v (%s)", err, out)
	}
	if resp.SessionID != "sess-1" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestRunRejectsEmptyInput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("no request expected")
	}))
	defer srv.Close()
	if _, err := execute(t, srv, "   ", "run"); err == nil {
		t.Fatalf("expected error for empty input")
	}
}

func TestSubmitAndWait(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		var req coralrush.OrchestrationRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.JobID != "job-7" || req.Text != "mint 2 nfts" {
			t.Errorf("unexpected submit %+v", req)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(coralrush.JobSummary{JobID: "job-7", Status: "pending"})
	})
	mux.HandleFunc("GET /api/v1/jobs/job-7", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(coralrush.Job{ID: "job-7", Status: "succeeded", Attempts: 1})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	out, err := execute(t, srv, "", "submit", "--id", "job-7", "--wait", "--interval", "10ms", "mint", "2", "nfts")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	var job coralrush.Job
	if err := json.Unmarshal([]byte(out), &job); err != nil || job.Status != "succeeded" {
		t.Fatalf("unexpected output %s (%v)", out, err)
	}
}

func TestSessionFinalizeReportsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/sessions/missing/finalize" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"SESSION_NOT_FOUND","message":"session not found"}`))
	}))
	defer srv.Close()

	_, err := execute(t, srv, "", "session", "finalize", "missing", "--status", "failed")
	if err == nil || !strings.Contains(err.Error(), "SESSION_NOT_FOUND") {
		t.Fatalf("expected api error, got %v", err)
	}
}
