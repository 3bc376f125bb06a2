package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"CoralRush/internal/agent"
	"CoralRush/internal/aggregate"
	"CoralRush/internal/capability"
	xerrors "CoralRush/internal/errors"
	"CoralRush/internal/intent"
	"CoralRush/internal/observability/alerting"
	"CoralRush/internal/session"
	"CoralRush/pkg/logger"
)

// Input 是一次编排的用户输入，Audio 与 Text 至少提供一个。
type Input struct {
	Text        string `json:"text,omitempty"`
	Audio       []byte `json:"audio,omitempty"`
	Language    string `json:"language,omitempty"`
	VoiceID     string `json:"voice_id,omitempty"`
	SessionType string `json:"session_type,omitempty"`
}

// Invoker 是编排器依赖的智能体适配器。
type Invoker interface {
	Invoke(ctx context.Context, agent session.AgentName, operation string, payload capability.Payload, sessionID string) (session.Step, error)
}

// RunObserver 接收编排结果指标。
type RunObserver interface {
	ObserveRun(outcome string, elapsed time.Duration)
}

// 编排结果。
const (
	OutcomeCompleted = "completed"
	OutcomeAborted   = "aborted"
	OutcomeCanceled  = "canceled"
	OutcomeError     = "error"
)

// DefaultCritical 返回默认的关键步骤划分：语音合成之外的步骤都是关键步骤。
func DefaultCritical() map[string]bool {
	return map[string]bool{
		agent.OpTranscribe:    true,
		agent.OpAnalyzeIntent: true,
		agent.OpCheckStatus:   true,
		agent.OpExecuteAction: true,
		agent.OpMintArtifact:  true,
		agent.OpSynthesize:    false,
	}
}

const (
	defaultMaxFanOut  = 10
	defaultHistoryLen = 10
)

// Orchestrator 为一次用户输入按顺序调用各个智能体。
type Orchestrator struct {
	invoker    Invoker
	store      session.Store
	critical   map[string]bool
	maxFanOut  int
	historyLen int
	voiceID    string
	prosody    *capability.Prosody
	chain      string
	alerts     alerting.Dispatcher
	observer   RunObserver
	now        func() time.Time
}

// Option 定义可选的编排器配置。
type Option func(*Orchestrator)

// WithCritical 覆盖指定操作的关键性。
func WithCritical(overrides map[string]bool) Option {
	return func(o *Orchestrator) {
		for op, critical := range overrides {
			o.critical[op] = critical
		}
	}
}

// WithMaxFanOut 限制单次意图拆分出的链上步骤数量。
func WithMaxFanOut(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxFanOut = n
		}
	}
}

// WithHistoryLength 限制提供给意图分析的历史对话条数。
func WithHistoryLength(n int) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.historyLen = n
		}
	}
}

// WithVoice 设置默认的语音与韵律参数。
func WithVoice(voiceID string, prosody *capability.Prosody) Option {
	return func(o *Orchestrator) {
		o.voiceID = voiceID
		o.prosody = prosody
	}
}

// WithChain 指定链上步骤使用的链名称，为空时使用默认链。
func WithChain(name string) Option {
	return func(o *Orchestrator) { o.chain = name }
}

// WithAlerts 在关键步骤耗尽全部提供方时发送告警。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(o *Orchestrator) { o.alerts = d }
}

// WithObserver 注入编排指标观察者。
func WithObserver(obs RunObserver) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// New 创建 Orchestrator。
func New(invoker Invoker, store session.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		invoker:    invoker,
		store:      store,
		critical:   DefaultCritical(),
		maxFanOut:  defaultMaxFanOut,
		historyLen: defaultHistoryLen,
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Critical 报告操作是否属于关键路径。
func (o *Orchestrator) Critical(operation string) bool {
	return o.critical[operation]
}

// Run 执行一次编排。sessionID 为空时创建新会话。
//
// 关键步骤失败时会话被标记为 failed，返回的响应带有 Aborted 与原因，error 为 nil；
// 调用方取消时同样标记 failed，并返回 ORCHESTRATION_ABORTED 错误。
// 会话误用（不存在、已关闭）与存储错误直接返回。
func (o *Orchestrator) Run(ctx context.Context, in Input, sessionID string) (aggregate.Response, error) {
	started := o.now()
	if len(in.Audio) == 0 && strings.TrimSpace(in.Text) == "" {
		return aggregate.Response{}, xerrors.New(xerrors.CodeInvalidArgument, "输入必须包含文本或音频")
	}
	if o.invoker == nil || o.store == nil {
		return aggregate.Response{}, xerrors.New(xerrors.CodeInitializationFailure, "编排器未正确初始化")
	}

	// 存储写入不跟随调用方取消，保证会话能够被终结。
	storeCtx := context.WithoutCancel(ctx)
	sess, err := o.openSession(storeCtx, in, sessionID)
	if err != nil {
		o.observe(OutcomeError, started)
		return aggregate.Response{}, err
	}
	ctx = logger.WithSessionID(ctx, sess.ID)
	r := &run{
		o:        o,
		ctx:      ctx,
		storeCtx: storeCtx,
		sess:     sess,
		seq:      sess.NextSequence(),
		log:      logger.FromContext(ctx).With(slog.String("component", "orchestrator")),
	}
	r.first = r.seq
	r.log.Info("编排开始", slog.Bool("audio", len(in.Audio) > 0), slog.Int("first_sequence", r.first))

	resp, err := r.execute(in)
	outcome := OutcomeCompleted
	switch {
	case err != nil && xerrors.CodeOf(err) == xerrors.CodeOrchestrationAborted:
		outcome = OutcomeCanceled
	case err != nil:
		outcome = OutcomeError
	case resp.Aborted:
		outcome = OutcomeAborted
	}
	o.observe(outcome, started)
	logger.Audit().Info("orchestration finished",
		slog.String("session_id", sess.ID),
		slog.String("outcome", outcome),
		slog.String("status", string(resp.Status)),
		slog.Int("steps", len(resp.Steps)),
		slog.Bool("overall_success", resp.OverallSuccess),
		slog.Int64("elapsed_ms", o.now().Sub(started).Milliseconds()),
	)
	return resp, err
}

func (o *Orchestrator) openSession(ctx context.Context, in Input, sessionID string) (*session.Session, error) {
	if sessionID == "" {
		sessionType := in.SessionType
		if sessionType == "" {
			sessionType = session.TypeText
			if len(in.Audio) > 0 {
				sessionType = session.TypeVoice
			}
		}
		return o.store.Create(ctx, session.Metadata{UserQuery: in.Text, SessionType: sessionType})
	}
	sess, err := o.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != session.StatusActive {
		return nil, session.ErrSessionClosed
	}
	return sess, nil
}

func (o *Orchestrator) observe(outcome string, started time.Time) {
	if o.observer != nil {
		o.observer.ObserveRun(outcome, o.now().Sub(started))
	}
}

// run 保存单次编排的可变状态，只在一个 goroutine 内使用。
type run struct {
	o        *Orchestrator
	ctx      context.Context
	storeCtx context.Context
	sess     *session.Session
	seq      int
	first    int
	log      *slog.Logger
}

func (r *run) execute(in Input) (aggregate.Response, error) {
	user := session.UserMessage{Text: in.Text, AudioBytes: len(in.Audio), Language: in.Language, ReceivedAt: r.o.now().UTC()}
	if err := r.o.store.Append(r.storeCtx, r.sess.ID, session.UserInput(r.next(), user)); err != nil {
		return aggregate.Response{}, err
	}

	text := strings.TrimSpace(in.Text)
	if len(in.Audio) > 0 {
		step, stop, err := r.step(session.Listener, agent.OpTranscribe, capability.Payload{Audio: in.Audio, Language: in.Language})
		if stop || err != nil {
			return r.stop(step, err)
		}
		if transcript := step.Result.Text(); transcript != "" {
			text = transcript
		}
	}

	brainStep, stop, err := r.step(session.Brain, agent.OpAnalyzeIntent, capability.Payload{Text: text, Context: r.history()})
	if stop || err != nil {
		return r.stop(brainStep, err)
	}
	detected := intent.FromOutput(brainStep.Result.Data)
	r.log.Info("意图识别完成",
		slog.String("intent", string(detected.Name)),
		slog.Float64("confidence", detected.Confidence),
		slog.String("risk_level", detected.Risk.Level),
	)

	var ledger []session.Step
	for _, planned := range r.o.planLedger(detected, r.log) {
		req := planned.req
		step, stop, err := r.step(session.Executor, planned.operation, capability.Payload{Ledger: &req})
		if stop || err != nil {
			return r.stop(step, err)
		}
		ledger = append(ledger, *step)
	}

	reply := composeReply(detected, ledger)
	voiceID := in.VoiceID
	if voiceID == "" {
		voiceID = r.o.voiceID
	}
	synthStep, stop, err := r.step(session.Listener, agent.OpSynthesize, capability.Payload{Text: reply, VoiceID: voiceID, Prosody: r.o.prosody, Language: in.Language})
	if stop || err != nil {
		return r.stop(synthStep, err)
	}

	if _, err := r.o.store.Finalize(r.storeCtx, r.sess.ID, session.StatusCompleted); err != nil {
		return aggregate.Response{}, err
	}
	return r.respond()
}

// step 调用一个操作并立即追加到会话。stop 为 true 表示关键步骤失败或调用方已取消。
func (r *run) step(name session.AgentName, operation string, payload capability.Payload) (*session.Step, bool, error) {
	if err := r.ctx.Err(); err != nil {
		return nil, true, nil
	}
	start := r.o.now()
	step, err := r.o.invoker.Invoke(r.ctx, name, operation, payload, r.sess.ID)
	if err != nil {
		return nil, true, err
	}
	step.SequenceIndex = r.next()
	step.Critical = r.o.Critical(operation)
	if err := r.o.store.Append(r.storeCtx, r.sess.ID, session.StepMessage(step)); err != nil {
		return nil, true, err
	}

	attrs := []any{
		slog.String("agent", string(name)),
		slog.String("operation", operation),
		slog.Int("sequence", step.SequenceIndex),
		slog.String("provider", step.Result.ProviderUsed),
		slog.Int64("elapsed_ms", r.o.now().Sub(start).Milliseconds()),
	}
	if step.Result.Success {
		r.log.Info("步骤完成", attrs...)
		return &step, r.ctx.Err() != nil, nil
	}
	r.log.Warn("步骤失败", append(attrs, slog.String("error_kind", string(step.Result.ErrorKind)), slog.Bool("critical", step.Critical))...)
	return &step, step.Critical || r.ctx.Err() != nil, nil
}

// stop 终结被中断的编排。
func (r *run) stop(last *session.Step, err error) (aggregate.Response, error) {
	if err != nil && !invocationError(err) {
		// 存储错误：会话状态未知，直接返回。
		return aggregate.Response{}, err
	}
	reason := "request could not be completed"
	canceled := r.ctx.Err() != nil
	switch {
	case err != nil:
		reason = fmt.Sprintf("%s: %v", reason, err)
	case canceled:
		reason = "request canceled before completion"
	case last != nil:
		reason = fmt.Sprintf("%s: %s failed (%s)", reason, last.Operation, last.Result.ErrorKind)
		r.alert(last)
	}

	if _, ferr := r.o.store.Finalize(r.storeCtx, r.sess.ID, session.StatusFailed); ferr != nil {
		return aggregate.Response{}, ferr
	}
	resp, rerr := r.respond()
	if rerr != nil {
		return aggregate.Response{}, rerr
	}
	resp.Aborted = true
	resp.AbortReason = reason
	r.log.Warn("编排中止", slog.String("reason", reason))

	if err != nil {
		return resp, err
	}
	if canceled {
		return resp, xerrors.Wrap(xerrors.CodeOrchestrationAborted, r.ctx.Err(), "编排被取消")
	}
	return resp, nil
}

func invocationError(err error) bool {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeUnsupportedOperation, xerrors.CodeInitializationFailure:
		return true
	default:
		return false
	}
}

func (r *run) respond() (aggregate.Response, error) {
	sess, err := r.o.store.Get(r.storeCtx, r.sess.ID)
	if err != nil {
		return aggregate.Response{}, err
	}
	return aggregate.Aggregate(sess.Since(r.first)), nil
}

func (r *run) next() int {
	seq := r.seq
	r.seq++
	return seq
}

// history 从会话中已有的消息构建对话上下文。
func (r *run) history() []capability.Turn {
	if r.o.historyLen == 0 {
		return nil
	}
	var turns []capability.Turn
	for _, msg := range r.sess.Messages {
		switch {
		case msg.Kind == session.KindUser && msg.User != nil && msg.User.Text != "":
			turns = append(turns, capability.Turn{Role: "user", Text: msg.User.Text})
		case msg.Kind == session.KindStep && msg.Step != nil && msg.Step.Operation == agent.OpAnalyzeIntent:
			if text := msg.Step.Result.Text(); text != "" {
				turns = append(turns, capability.Turn{Role: "assistant", Text: text})
			}
		}
	}
	if len(turns) > r.o.historyLen {
		turns = turns[len(turns)-r.o.historyLen:]
	}
	return turns
}

func (r *run) alert(step *session.Step) {
	if r.o.alerts == nil || step.Result.ErrorKind != capability.ErrorKindAllProvidersUnavailable {
		return
	}
	c, _, _ := agent.CapabilityFor(step.Agent, step.Operation)
	event := alerting.Event{
		Code:       xerrors.CodeAllProvidersUnavailable,
		Message:    step.Result.ErrorMessage,
		Severity:   xerrors.AttributesOf(xerrors.CodeAllProvidersUnavailable).Severity,
		SessionID:  r.sess.ID,
		Capability: string(c),
		Operation:  step.Operation,
		OccurredAt: r.o.now().UTC(),
	}
	if err := r.o.alerts.Notify(r.storeCtx, event); err != nil {
		r.log.Error("告警发送失败", slog.Any("error", err))
	}
}
