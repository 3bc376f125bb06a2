package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"CoralRush/internal/capability"
	xerrors "CoralRush/internal/errors"
	"CoralRush/internal/session"
)

// 各智能体声明的操作。
const (
	OpTranscribe    = "transcribe"
	OpSynthesize    = "synthesize"
	OpAnalyzeIntent = "analyzeIntent"
	OpCheckStatus   = "checkStatus"
	OpExecuteAction = "executeAction"
	OpMintArtifact  = "mintArtifact"
)

type binding struct {
	capability capability.Capability
	ledger     capability.LedgerKind
}

// declared 是 (智能体, 操作) 到能力的唯一映射。
var declared = map[session.AgentName]map[string]binding{
	session.Listener: {
		OpTranscribe: {capability: capability.Transcribe},
		OpSynthesize: {capability: capability.Synthesize},
	},
	session.Brain: {
		OpAnalyzeIntent: {capability: capability.AnalyzeIntent},
	},
	session.Executor: {
		OpCheckStatus:   {capability: capability.LedgerAction, ledger: capability.LedgerStatus},
		OpExecuteAction: {capability: capability.LedgerAction, ledger: capability.LedgerTransfer},
		OpMintArtifact:  {capability: capability.LedgerAction, ledger: capability.LedgerMint},
	},
}

// Descriptor 描述一个智能体及其操作，供 API 展示。
type Descriptor struct {
	Name       session.AgentName `json:"name"`
	Operations []string          `json:"operations"`
}

// Agents 返回所有智能体的描述。
func Agents() []Descriptor {
	return []Descriptor{
		{Name: session.Listener, Operations: []string{OpTranscribe, OpSynthesize}},
		{Name: session.Brain, Operations: []string{OpAnalyzeIntent}},
		{Name: session.Executor, Operations: []string{OpCheckStatus, OpExecuteAction, OpMintArtifact}},
	}
}

// CapabilityFor 返回操作对应的能力，未声明的操作返回 UNSUPPORTED_OPERATION。
func CapabilityFor(agent session.AgentName, operation string) (capability.Capability, capability.LedgerKind, error) {
	ops, ok := declared[agent]
	if !ok {
		return "", "", xerrors.New(xerrors.CodeUnsupportedOperation, fmt.Sprintf("未知的智能体 %q", agent))
	}
	b, ok := ops[operation]
	if !ok {
		return "", "", xerrors.New(xerrors.CodeUnsupportedOperation,
			fmt.Sprintf("智能体 %s 不支持操作 %q", agent, operation),
			xerrors.WithMetadata("agent", string(agent)),
			xerrors.WithMetadata("operation", operation))
	}
	return b.capability, b.ledger, nil
}

// Resolver 是适配器依赖的回退解析器。
type Resolver interface {
	Resolve(ctx context.Context, req capability.Request) capability.Result
}

// Adapter 将智能体操作转换为能力请求。
type Adapter struct {
	resolver Resolver
	timeouts map[string]time.Duration
	newID    func() string
}

// Option 定义可选的 Adapter 配置。
type Option func(*Adapter)

// WithOperationTimeout 为单个操作指定超时，覆盖能力默认值。
// 零值恢复默认；负值会原样下传，由解析器以 InvalidArgument 拒绝。
func WithOperationTimeout(operation string, timeout time.Duration) Option {
	return func(a *Adapter) {
		if timeout == 0 {
			delete(a.timeouts, operation)
			return
		}
		a.timeouts[operation] = timeout
	}
}

// WithIDGenerator 替换步骤 ID 生成方式。
func WithIDGenerator(fn func() string) Option {
	return func(a *Adapter) {
		if fn != nil {
			a.newID = fn
		}
	}
}

// New 创建 Adapter。
func New(resolver Resolver, opts ...Option) *Adapter {
	a := &Adapter{
		resolver: resolver,
		timeouts: make(map[string]time.Duration),
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Invoke 调用智能体的一个操作并返回新的步骤，SequenceIndex 由调用方分配。
func (a *Adapter) Invoke(ctx context.Context, agent session.AgentName, operation string, payload capability.Payload, sessionID string) (session.Step, error) {
	c, kind, err := CapabilityFor(agent, operation)
	if err != nil {
		return session.Step{}, err
	}
	if a.resolver == nil {
		return session.Step{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置回退解析器")
	}

	if c == capability.LedgerAction {
		ledger := capability.LedgerRequest{}
		if payload.Ledger != nil {
			ledger = *payload.Ledger
		}
		ledger.Kind = kind
		payload.Ledger = &ledger
	}

	result := a.resolver.Resolve(ctx, capability.Request{
		Capability: c,
		Payload:    payload,
		SessionID:  sessionID,
		Timeout:    a.timeouts[operation],
	})
	return session.Step{
		ID:        a.newID(),
		Agent:     agent,
		Operation: operation,
		Result:    result,
	}, nil
}

// Listener 返回语音智能体的类型化视图。
func (a *Adapter) Listener() Listener { return Listener{a: a} }

// Brain 返回意图智能体的类型化视图。
func (a *Adapter) Brain() Brain { return Brain{a: a} }

// Executor 返回执行智能体的类型化视图。
func (a *Adapter) Executor() Executor { return Executor{a: a} }

// Listener 负责语音转写与语音合成。
type Listener struct{ a *Adapter }

// Transcribe 将音频转写为文本。
func (l Listener) Transcribe(ctx context.Context, audio []byte, language, sessionID string) (session.Step, error) {
	return l.a.Invoke(ctx, session.Listener, OpTranscribe, capability.Payload{Audio: audio, Language: language}, sessionID)
}

// Synthesize 将文本合成为语音。
func (l Listener) Synthesize(ctx context.Context, text, voiceID string, prosody *capability.Prosody, sessionID string) (session.Step, error) {
	return l.a.Invoke(ctx, session.Listener, OpSynthesize, capability.Payload{Text: text, VoiceID: voiceID, Prosody: prosody}, sessionID)
}

// Brain 负责意图分析。
type Brain struct{ a *Adapter }

// AnalyzeIntent 分析用户文本的意图。
func (b Brain) AnalyzeIntent(ctx context.Context, text string, history []capability.Turn, sessionID string) (session.Step, error) {
	return b.a.Invoke(ctx, session.Brain, OpAnalyzeIntent, capability.Payload{Text: text, Context: history}, sessionID)
}

// Executor 负责账本动作。
type Executor struct{ a *Adapter }

// CheckStatus 查询交易或地址状态。
func (e Executor) CheckStatus(ctx context.Context, req capability.LedgerRequest, sessionID string) (session.Step, error) {
	return e.a.Invoke(ctx, session.Executor, OpCheckStatus, capability.Payload{Ledger: &req}, sessionID)
}

// ExecuteAction 执行一次转账。
func (e Executor) ExecuteAction(ctx context.Context, req capability.LedgerRequest, sessionID string) (session.Step, error) {
	return e.a.Invoke(ctx, session.Executor, OpExecuteAction, capability.Payload{Ledger: &req}, sessionID)
}

// MintArtifact 铸造一个链上凭证。
func (e Executor) MintArtifact(ctx context.Context, req capability.LedgerRequest, sessionID string) (session.Step, error) {
	return e.a.Invoke(ctx, session.Executor, OpMintArtifact, capability.Payload{Ledger: &req}, sessionID)
}
