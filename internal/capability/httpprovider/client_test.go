package httpprovider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"CoralRush/internal/capability"
	xerrors "CoralRush/internal/errors"
	"CoralRush/internal/intent"
)

func newServer(t *testing.T, handle func(job jobRequest) (int, any)) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/jobs" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("missing authorization header")
		}
		var job jobRequest
		if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
			t.Errorf("decode job: %v", err)
		}
		status, body := handle(job)
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	client, err := NewClient(Config{Name: "gpu", BaseURL: srv.URL + "/v1", APIKey: "key"}, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, srv
}

func TestTranscribeJob(t *testing.T) {
	client, _ := newServer(t, func(job jobRequest) (int, any) {
		if job.JobType != JobSpeechToText {
			t.Errorf("unexpected job type %s", job.JobType)
		}
		audio, _ := base64.StdEncoding.DecodeString(job.InputData["audio_data"].(string))
		return http.StatusOK, map[string]any{
			"job_id": "job-1",
			"status": "completed",
			"result": map[string]any{"transcript": string(audio), "confidence": 0.95, "language": "en"},
		}
	})
	out, err := client.Invoke(context.Background(), capability.Request{
		Capability: capability.Transcribe,
		Payload:    capability.Payload{Audio: []byte("send money home")},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out.Text != "send money home" || out.Confidence != 0.95 || out.Attributes["job_id"] != "job-1" {
		t.Fatalf("unexpected output %+v", out)
	}
}

func TestSpeechJob(t *testing.T) {
	client, _ := newServer(t, func(jobRequest) (int, any) {
		return http.StatusOK, map[string]any{
			"job_id": "job-2",
			"status": "completed",
			"result": map[string]any{"audio_data": base64.StdEncoding.EncodeToString([]byte("mp3")), "format": "mp3"},
		}
	})
	out, err := client.Invoke(context.Background(), capability.Request{
		Capability: capability.Synthesize,
		Payload:    capability.Payload{Text: "done"},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if string(out.Audio) != "mp3" || out.Format != "mp3" {
		t.Fatalf("unexpected output %+v", out)
	}
}

func TestIntentJobNormalizesNames(t *testing.T) {
	client, _ := newServer(t, func(jobRequest) (int, any) {
		return http.StatusOK, map[string]any{
			"job_id": "job-3",
			"status": "completed",
			"result": map[string]any{
				"intent":              "payment_request",
				"confidence":          0.9,
				"entities":            map[string]any{"amount": "1000", "currency": "USD", "recipient": "family"},
				"response_suggestion": "Let me help you with that.",
			},
		}
	})
	out, err := client.Invoke(context.Background(), capability.Request{
		Capability: capability.AnalyzeIntent,
		Payload:    capability.Payload{Text: "send a thousand dollars to my family"},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	got := intent.FromOutput(out)
	if got.Name != intent.PaymentTransfer || got.Entities.Destination != "family" || got.Risk.Level != "low" {
		t.Fatalf("unexpected intent %+v", got)
	}
}

func TestFailedJobAndStatusErrors(t *testing.T) {
	client, _ := newServer(t, func(jobRequest) (int, any) {
		return http.StatusOK, map[string]any{"job_id": "job-4", "status": "failed", "error": "no gpu"}
	})
	_, err := client.Invoke(context.Background(), capability.Request{Capability: capability.Synthesize, Payload: capability.Payload{Text: "x"}})
	if xerrors.CodeOf(err) != xerrors.CodeProviderUnavailable {
		t.Fatalf("expected provider unavailable, got %v", err)
	}

	limited, _ := newServer(t, func(jobRequest) (int, any) {
		return http.StatusTooManyRequests, map[string]any{"error": "slow down"}
	})
	_, err = limited.Invoke(context.Background(), capability.Request{Capability: capability.Synthesize, Payload: capability.Payload{Text: "x"}})
	if xerrors.CodeOf(err) != xerrors.CodeProviderRateLimited {
		t.Fatalf("expected rate limited, got %v", err)
	}

	if _, err := limited.Invoke(context.Background(), capability.Request{Capability: capability.LedgerAction}); xerrors.CodeOf(err) != xerrors.CodeUnsupportedOperation {
		t.Fatalf("expected unsupported, got %v", err)
	}
}

func TestContextDeadlineIsTimeout(t *testing.T) {
	client, _ := newServer(t, func(jobRequest) (int, any) {
		time.Sleep(200 * time.Millisecond)
		return http.StatusOK, map[string]any{}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := client.Invoke(ctx, capability.Request{Capability: capability.Synthesize, Payload: capability.Payload{Text: "x"}})
	if xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
}
