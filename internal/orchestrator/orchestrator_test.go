package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"CoralRush/internal/agent"
	"CoralRush/internal/capability"
	"CoralRush/internal/capability/fake"
	"CoralRush/internal/capability/keyword"
	xerrors "CoralRush/internal/errors"
	"CoralRush/internal/intent"
	"CoralRush/internal/observability/alerting"
	"CoralRush/internal/resolver"
	"CoralRush/internal/session"
)

type harness struct {
	store      *session.MemoryStore
	transcribe []capability.Provider
	brain      []capability.Provider
	ledger     []capability.Provider
	synth      []capability.Provider
	alerts     *recordingAlerts
	runs       *recordingRuns
}

func newHarness() *harness {
	return &harness{
		store:      session.NewMemoryStore(),
		transcribe: []capability.Provider{fake.New("gpu-asr")},
		brain:      []capability.Provider{keyword.New("keyword", nil)},
		ledger:     []capability.Provider{fake.New("chain")},
		synth:      []capability.Provider{fake.New("gpu-tts")},
		alerts:     &recordingAlerts{},
		runs:       &recordingRuns{},
	}
}

func (h *harness) build(t *testing.T, opts ...Option) *Orchestrator {
	t.Helper()
	reg := resolver.NewRegistry()
	routes := map[capability.Capability][]capability.Provider{
		capability.Transcribe:    h.transcribe,
		capability.AnalyzeIntent: h.brain,
		capability.LedgerAction:  h.ledger,
		capability.Synthesize:    h.synth,
	}
	for c, providers := range routes {
		if err := reg.Register(c, 200*time.Millisecond, providers...); err != nil {
			t.Fatalf("register %s: %v", c, err)
		}
	}
	adapter := agent.New(resolver.New(reg))
	opts = append([]Option{WithAlerts(h.alerts), WithObserver(h.runs)}, opts...)
	return New(adapter, h.store, opts...)
}

type recordingAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerts) Notify(_ context.Context, e alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

type recordingRuns struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *recordingRuns) ObserveRun(outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func operations(steps []session.Step) []string {
	ops := make([]string, len(steps))
	for i, s := range steps {
		ops[i] = s.Operation
	}
	return ops
}

func TestTextPaymentRunCompletes(t *testing.T) {
	h := newHarness()
	o := h.build(t)

	resp, err := o.Run(context.Background(), Input{Text: "send 0.5 ETH to 0x00000000000000000000000000000000000000bb"}, "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	got := operations(resp.Steps)
	want := []string{agent.OpAnalyzeIntent, agent.OpExecuteAction, agent.OpSynthesize}
	if len(got) != len(want) {
		t.Fatalf("unexpected steps %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("step %d: got %s want %s", i, got[i], want[i])
		}
		if resp.Steps[i].SequenceIndex != i+1 {
			t.Fatalf("step %d has sequence %d", i, resp.Steps[i].SequenceIndex)
		}
	}
	if !resp.OverallSuccess || resp.Status != session.StatusCompleted || resp.Aborted {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.SuccessRate != 1 {
		t.Fatalf("unexpected success rate %v", resp.SuccessRate)
	}

	reqs := h.ledger[0].(*fake.Provider).Requests()
	if len(reqs) != 1 || reqs[0].Payload.Ledger.AmountWei != "500000000000000000" {
		t.Fatalf("unexpected ledger request %+v", reqs)
	}
	if reqs[0].Payload.Ledger.Kind != capability.LedgerTransfer {
		t.Fatalf("unexpected ledger kind %s", reqs[0].Payload.Ledger.Kind)
	}
	synth := h.synth[0].(*fake.Provider).Requests()
	if len(synth) != 1 || !strings.HasSuffix(synth[0].Payload.Text, "Completed 1 of 1 ledger actions.") {
		t.Fatalf("reply should summarise the ledger steps, got %+v", synth)
	}

	stored, err := h.store.Get(context.Background(), resp.SessionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Messages[0].Kind != session.KindUser || len(stored.Participants) != 3 {
		t.Fatalf("unexpected stored session %+v", stored)
	}
	if h.runs.outcomes[0] != OutcomeCompleted {
		t.Fatalf("unexpected outcome %v", h.runs.outcomes)
	}
}

func TestVoiceMintFansOutPerUnit(t *testing.T) {
	h := newHarness()
	h.ledger = []capability.Provider{fake.New("chain", fake.WithDelay(5*time.Millisecond))}
	o := h.build(t)

	resp, err := o.Run(context.Background(), Input{Audio: []byte("please mint 3 NFTs for my compensation")}, "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	mints := 0
	for _, s := range resp.Steps {
		if s.Operation == agent.OpMintArtifact {
			mints++
		}
	}
	if mints != 3 || resp.Steps[0].Operation != agent.OpTranscribe {
		t.Fatalf("expected transcribe then 3 mint steps, got %v", operations(resp.Steps))
	}
	if !resp.OverallSuccess {
		t.Fatalf("expected success, got %+v", resp)
	}

	var total int64
	ids := make(map[string]bool)
	for i, s := range resp.Steps {
		if i > 0 && s.SequenceIndex <= resp.Steps[i-1].SequenceIndex {
			t.Fatalf("sequence must strictly increase, got %d after %d", s.SequenceIndex, resp.Steps[i-1].SequenceIndex)
		}
		if s.Operation == agent.OpMintArtifact {
			if ids[s.ID] || s.Result.ProcessingTimeMs < 5 {
				t.Fatalf("mint steps must be distinct and timed, got %+v", s)
			}
			ids[s.ID] = true
		}
		total += s.Result.ProcessingTimeMs
	}
	if resp.TotalProcessingTimeMs != total {
		t.Fatalf("total processing time %d, want sum of steps %d", resp.TotalProcessingTimeMs, total)
	}

	sess, _ := h.store.Get(context.Background(), resp.SessionID)
	if sess.Metadata.SessionType != session.TypeVoice {
		t.Fatalf("unexpected session type %q", sess.Metadata.SessionType)
	}
}

func TestTranscriptionFallbackKeepsSessionActive(t *testing.T) {
	h := newHarness()
	primary := fake.New("gpu-asr", fake.WithDelay(time.Second))
	secondary := fake.New("cloud-asr", fake.WithDelay(30*time.Millisecond))
	h.transcribe = []capability.Provider{primary, secondary}

	var mu sync.Mutex
	var statusDuringIntent session.Status
	var transcript string
	h.brain = []capability.Provider{fake.New("brain", fake.WithResponder(func(req capability.Request) (*capability.Output, error) {
		sess, err := h.store.Get(context.Background(), req.SessionID)
		if err != nil {
			return nil, err
		}
		mu.Lock()
		statusDuringIntent = sess.Status
		transcript = req.Payload.Text
		mu.Unlock()
		return intent.Intent{Name: intent.SupportRequest, Reply: "on it"}.Output(), nil
	}))}
	o := h.build(t)

	resp, err := o.Run(context.Background(), Input{Audio: []byte("where is my refund")}, "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	first := resp.Steps[0]
	if first.Operation != agent.OpTranscribe || !first.Result.Success || first.Result.ProviderUsed != "cloud-asr" {
		t.Fatalf("expected the secondary to serve transcription, got %+v", first)
	}
	if ms := first.Result.ProcessingTimeMs; ms < 30 || ms >= 200 {
		t.Fatalf("processing time should reflect the secondary attempt only, got %dms", ms)
	}
	if primary.Calls() != 1 || secondary.Calls() != 1 {
		t.Fatalf("unexpected calls %d/%d", primary.Calls(), secondary.Calls())
	}
	mu.Lock()
	defer mu.Unlock()
	if statusDuringIntent != session.StatusActive {
		t.Fatalf("session should stay active after a fallback, got %q", statusDuringIntent)
	}
	if transcript != "where is my refund" {
		t.Fatalf("intent analysis should receive the fallback transcript, got %q", transcript)
	}
	if !resp.OverallSuccess || resp.Status != session.StatusCompleted {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestFanOutIsCapped(t *testing.T) {
	h := newHarness()
	o := h.build(t, WithMaxFanOut(2))

	resp, err := o.Run(context.Background(), Input{Text: "please mint 5 NFTs"}, "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if calls := h.ledger[0].(*fake.Provider).Calls(); calls != 2 {
		t.Fatalf("expected 2 ledger calls, got %d (%v)", calls, operations(resp.Steps))
	}
}

func TestNonCriticalSynthesisFailureKeepsSuccess(t *testing.T) {
	h := newHarness()
	h.synth = []capability.Provider{
		fake.New("gpu-tts", fake.WithError(fake.Unavailable("gpu-tts"))),
		fake.New("cloud-tts", fake.WithError(fake.Unavailable("cloud-tts"))),
	}
	o := h.build(t)

	resp, err := o.Run(context.Background(), Input{Audio: []byte("send 0.5 ETH to 0x00000000000000000000000000000000000000bb")}, "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	got := operations(resp.Steps)
	want := []string{agent.OpTranscribe, agent.OpAnalyzeIntent, agent.OpExecuteAction, agent.OpSynthesize}
	if len(got) != len(want) {
		t.Fatalf("unexpected steps %v", got)
	}
	for i, step := range resp.Steps[:3] {
		if step.Operation != want[i] || !step.Result.Success {
			t.Fatalf("step %d should succeed: %+v", i, step)
		}
	}
	last := resp.Steps[len(resp.Steps)-1]
	if last.Operation != agent.OpSynthesize || last.Result.Success || last.Critical {
		t.Fatalf("unexpected synth step %+v", last)
	}
	if last.Result.ErrorKind != capability.ErrorKindAllProvidersUnavailable || last.Result.ProviderUsed != capability.ProviderNone {
		t.Fatalf("unexpected synth result %+v", last.Result)
	}
	if !resp.OverallSuccess || resp.Status != session.StatusCompleted || resp.Aborted {
		t.Fatalf("non-critical failure must not fail the run: %+v", resp)
	}
	if resp.SuccessRate != 0.75 {
		t.Fatalf("unexpected success rate %v", resp.SuccessRate)
	}
	if len(h.alerts.events) != 0 {
		t.Fatalf("non-critical failure must not alert")
	}
}

func TestCriticalFailureAbortsAndAlerts(t *testing.T) {
	h := newHarness()
	primary := fake.New("gpu-asr", fake.WithError(fake.Unavailable("gpu-asr")))
	secondary := fake.New("cloud-asr", fake.WithError(fake.Unavailable("cloud-asr")))
	h.transcribe = []capability.Provider{primary, secondary}
	brain := fake.New("brain")
	h.brain = []capability.Provider{brain}
	o := h.build(t)

	resp, err := o.Run(context.Background(), Input{Audio: []byte("hello")}, "")
	if err != nil {
		t.Fatalf("critical failure should be reported in the response, got %v", err)
	}
	if !resp.Aborted || resp.AbortReason == "" || resp.OverallSuccess {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Status != session.StatusFailed || len(resp.Steps) != 1 {
		t.Fatalf("unexpected status or steps %+v", resp)
	}
	if primary.Calls() != 1 || secondary.Calls() != 1 {
		t.Fatalf("each transcription provider should be tried once, got %d/%d", primary.Calls(), secondary.Calls())
	}
	if res := resp.Steps[0].Result; res.ErrorKind != capability.ErrorKindAllProvidersUnavailable || res.ProviderUsed != capability.ProviderNone {
		t.Fatalf("unexpected transcription result %+v", res)
	}
	stored, err := h.store.Get(context.Background(), resp.SessionID)
	if err != nil || stored.Status != session.StatusFailed || stored.EndTime == nil {
		t.Fatalf("session should be finalized as failed: %+v, %v", stored, err)
	}
	if brain.Calls() != 0 {
		t.Fatalf("brain must not run after a critical failure")
	}
	if len(h.alerts.events) != 1 || h.alerts.events[0].Code != xerrors.CodeAllProvidersUnavailable {
		t.Fatalf("expected one alert, got %+v", h.alerts.events)
	}
	if h.alerts.events[0].Capability != string(capability.Transcribe) {
		t.Fatalf("unexpected alert capability %q", h.alerts.events[0].Capability)
	}
	if h.runs.outcomes[0] != OutcomeAborted {
		t.Fatalf("unexpected outcome %v", h.runs.outcomes)
	}
}

func TestCancellationFinalizesSessionAsFailed(t *testing.T) {
	h := newHarness()
	h.transcribe = []capability.Provider{fake.New("gpu-asr", fake.WithDelay(2*time.Second))}
	o := h.build(t)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	resp, err := o.Run(ctx, Input{Audio: []byte("hello")}, "")
	if xerrors.CodeOf(err) != xerrors.CodeOrchestrationAborted {
		t.Fatalf("expected aborted error, got %v", err)
	}
	if resp.Status != session.StatusFailed || !resp.Aborted {
		t.Fatalf("unexpected response %+v", resp)
	}
	sess, _ := h.store.Get(context.Background(), resp.SessionID)
	if sess.Status != session.StatusFailed || sess.EndTime == nil {
		t.Fatalf("session not finalized: %+v", sess)
	}
	if h.runs.outcomes[0] != OutcomeCanceled {
		t.Fatalf("unexpected outcome %v", h.runs.outcomes)
	}
}

func TestCompletedSessionRejectsNewInput(t *testing.T) {
	h := newHarness()
	o := h.build(t)

	sess, err := h.store.Create(context.Background(), session.Metadata{SessionType: session.TypeSupport})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	first, err := o.Run(context.Background(), Input{Text: "my card was charged twice"}, sess.ID)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.SessionID != sess.ID || first.Status != session.StatusCompleted {
		t.Fatalf("unexpected response %+v", first)
	}
	if _, err := o.Run(context.Background(), Input{Text: "any update?"}, sess.ID); xerrors.CodeOf(err) != xerrors.CodeSessionClosed {
		t.Fatalf("expected closed session error, got %v", err)
	}
}

func TestHistoryFromPriorMessages(t *testing.T) {
	h := newHarness()
	brain := fake.New("brain", fake.WithResponder(func(capability.Request) (*capability.Output, error) {
		return intent.Intent{Name: intent.SupportRequest, Reply: "on it"}.Output(), nil
	}))
	h.brain = []capability.Provider{brain}
	o := h.build(t, WithHistoryLength(2))

	sess, _ := h.store.Create(context.Background(), session.Metadata{})
	ctx := context.Background()
	for i, text := range []string{"first question", "second question"} {
		step := session.Step{ID: "s", Agent: session.Brain, Operation: agent.OpAnalyzeIntent,
			Result: capability.Result{Success: true, Data: &capability.Output{Text: "answer"}, ProviderUsed: "brain"}}
		if err := h.store.Append(ctx, sess.ID, session.UserInput(i*2, session.UserMessage{Text: text})); err != nil {
			t.Fatalf("append user: %v", err)
		}
		step.SequenceIndex = i*2 + 1
		if err := h.store.Append(ctx, sess.ID, session.StepMessage(step)); err != nil {
			t.Fatalf("append step: %v", err)
		}
	}

	resp, err := o.Run(ctx, Input{Text: "third question"}, sess.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if resp.Steps[0].SequenceIndex != 5 {
		t.Fatalf("new steps should continue the sequence, got %d", resp.Steps[0].SequenceIndex)
	}
	history := brain.Requests()[0].Payload.Context
	if len(history) != 2 || history[0].Text != "second question" || history[1].Role != "assistant" {
		t.Fatalf("unexpected history %+v", history)
	}
	if len(resp.Steps) != 2 {
		t.Fatalf("response must only include steps of this run, got %v", operations(resp.Steps))
	}
}

func TestRunValidation(t *testing.T) {
	h := newHarness()
	o := h.build(t)
	if _, err := o.Run(context.Background(), Input{}, ""); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := o.Run(context.Background(), Input{Text: "hi"}, "missing"); xerrors.CodeOf(err) != xerrors.CodeSessionNotFound {
		t.Fatalf("expected session not found, got %v", err)
	}
}
