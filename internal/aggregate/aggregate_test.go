package aggregate

import (
	"testing"

	"CoralRush/internal/capability"
	"CoralRush/internal/session"
)

func step(seq int, op string, ok, critical bool, ms int64, text string) session.Step {
	res := capability.Result{Success: ok, ProcessingTimeMs: ms, ProviderUsed: "p"}
	if ok {
		res.Data = &capability.Output{Text: text}
	} else {
		res.ErrorKind = capability.ErrorKindAllProvidersUnavailable
		res.ProviderUsed = capability.ProviderNone
	}
	return session.Step{ID: op, Operation: op, SequenceIndex: seq, Critical: critical, Result: res}
}

func build(status session.Status, steps ...session.Step) *session.Session {
	s := &session.Session{ID: "sess", Status: status}
	s.Messages = append(s.Messages, session.UserInput(0, session.UserMessage{Text: "ignored"}))
	for _, st := range steps {
		s.Messages = append(s.Messages, session.StepMessage(st))
	}
	return s
}

func TestSumsTimesAndJoinsText(t *testing.T) {
	s := build(session.StatusCompleted,
		step(1, "analyzeIntent", true, true, 120, "payment_transfer"),
		step(2, "executeAction", true, true, 300, ""),
		step(3, "executeAction", true, true, 200, " sent 0.1 ETH "),
		step(4, "synthesize", true, false, 80, ""),
	)
	resp := Aggregate(s)
	if resp.TotalProcessingTimeMs != 700 {
		t.Fatalf("expected sum 700, got %d", resp.TotalProcessingTimeMs)
	}
	if resp.MaxProcessingTimeMs != 300 {
		t.Fatalf("expected max 300, got %d", resp.MaxProcessingTimeMs)
	}
	if resp.CombinedText != "payment_transfer sent 0.1 ETH" {
		t.Fatalf("unexpected combined text %q", resp.CombinedText)
	}
	if !resp.OverallSuccess || resp.SuccessRate != 1 {
		t.Fatalf("expected success, got %+v", resp)
	}
	if len(resp.Steps) != 4 {
		t.Fatalf("user messages must not count as steps")
	}
}

func TestNonCriticalFailureKeepsOverallSuccess(t *testing.T) {
	s := build(session.StatusCompleted,
		step(1, "analyzeIntent", true, true, 100, "ok"),
		step(2, "synthesize", false, false, 50, ""),
	)
	resp := Aggregate(s)
	if !resp.OverallSuccess {
		t.Fatalf("non-critical failure must not fail the run")
	}
	if resp.SuccessRate != 0.5 {
		t.Fatalf("expected success rate 0.5, got %f", resp.SuccessRate)
	}
	if resp.TotalProcessingTimeMs != 150 {
		t.Fatalf("failed steps still count towards total time")
	}
}

func TestCriticalFailureOrFailedSession(t *testing.T) {
	if Aggregate(build(session.StatusFailed, step(1, "transcribe", false, true, 10, ""))).OverallSuccess {
		t.Fatalf("critical failure must fail the run")
	}
	if Aggregate(build(session.StatusFailed, step(1, "transcribe", true, true, 10, "hi"))).OverallSuccess {
		t.Fatalf("failed session must not report success")
	}
	if Aggregate(build(session.StatusActive)).OverallSuccess {
		t.Fatalf("empty run must not report success")
	}
}

func TestAggregateIsDeterministic(t *testing.T) {
	s := build(session.StatusCompleted, step(1, "analyzeIntent", true, true, 10, "a"), step(2, "synthesize", true, false, 5, "b"))
	first, second := Aggregate(s), Aggregate(s)
	if first.CombinedText != second.CombinedText || first.TotalProcessingTimeMs != second.TotalProcessingTimeMs {
		t.Fatalf("aggregate must be deterministic")
	}
}
