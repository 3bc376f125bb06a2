package capability

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Capability 表示一种外部能力。
type Capability string

const (
	Transcribe    Capability = "transcribe"
	Synthesize    Capability = "synthesize"
	AnalyzeIntent Capability = "analyze_intent"
	LedgerAction  Capability = "ledger_action"
)

// All 返回系统识别的全部能力。
func All() []Capability {
	return []Capability{Transcribe, Synthesize, AnalyzeIntent, LedgerAction}
}

// Parse 将配置中的字符串解析为能力。
func Parse(raw string) (Capability, error) {
	c := Capability(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range All() {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown capability %q", raw)
}

// DefaultTimeout 返回能力的默认超时时间。
func DefaultTimeout(c Capability) time.Duration {
	switch c {
	case Transcribe:
		return 5 * time.Second
	case LedgerAction:
		return 10 * time.Second
	default:
		return 8 * time.Second
	}
}

// LedgerKind 描述账本动作的类别。
type LedgerKind string

const (
	LedgerStatus   LedgerKind = "status"
	LedgerTransfer LedgerKind = "transfer"
	LedgerMint     LedgerKind = "mint"
)

// Prosody 为语音合成提供韵律参数。
type Prosody struct {
	Stability float64 `json:"stability,omitempty"`
	Speed     float64 `json:"speed,omitempty"`
	Style     string  `json:"style,omitempty"`
}

// Turn 是提供给意图分析的一条历史对话。
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// LedgerRequest 描述一次账本动作。
type LedgerRequest struct {
	Kind      LedgerKind `json:"kind"`
	Chain     string     `json:"chain,omitempty"`
	Recipient string     `json:"recipient,omitempty"`
	AmountWei string     `json:"amount_wei,omitempty"`
	Contract  string     `json:"contract,omitempty"`
	TokenURI  string     `json:"token_uri,omitempty"`
	TxHash    string     `json:"tx_hash,omitempty"`
	Memo      string     `json:"memo,omitempty"`
}

// Payload 是能力请求的领域载荷，不同能力只使用其中的部分字段。
type Payload struct {
	Audio    []byte         `json:"audio,omitempty"`
	Language string         `json:"language,omitempty"`
	Text     string         `json:"text,omitempty"`
	VoiceID  string         `json:"voice_id,omitempty"`
	Prosody  *Prosody       `json:"prosody,omitempty"`
	Context  []Turn         `json:"context,omitempty"`
	Ledger   *LedgerRequest `json:"ledger,omitempty"`
}

// Request 是一次能力调用，创建后不可修改。
type Request struct {
	Capability Capability
	Payload    Payload
	SessionID  string
	// Timeout 为零时使用能力默认值。
	Timeout time.Duration
}

// Output 是提供方成功时返回的数据。
type Output struct {
	Text       string         `json:"text,omitempty"`
	Confidence float64        `json:"confidence,omitempty"`
	Audio      []byte         `json:"audio,omitempty"`
	Format     string         `json:"format,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Clone 返回输出的深拷贝。
func (o *Output) Clone() *Output {
	if o == nil {
		return nil
	}
	clone := *o
	if o.Audio != nil {
		clone.Audio = append([]byte(nil), o.Audio...)
	}
	if o.Attributes != nil {
		clone.Attributes = make(map[string]any, len(o.Attributes))
		for k, v := range o.Attributes {
			clone.Attributes[k] = v
		}
	}
	return &clone
}

// ErrorKind 是归一化后的失败类别。
type ErrorKind string

const (
	ErrorKindNone                    ErrorKind = ""
	ErrorKindProviderUnavailable     ErrorKind = "ProviderUnavailable"
	ErrorKindAllProvidersUnavailable ErrorKind = "AllProvidersUnavailable"
	ErrorKindUnsupportedOperation    ErrorKind = "UnsupportedOperation"
	ErrorKindSessionNotFound         ErrorKind = "SessionNotFound"
	ErrorKindSessionClosed           ErrorKind = "SessionClosed"
	ErrorKindOrchestrationAborted    ErrorKind = "OrchestrationAborted"
	ErrorKindInvalidArgument         ErrorKind = "InvalidArgument"
)

// ProviderNone 标记没有任何提供方成功。
const ProviderNone = "none"

// Result 是一次能力解析的最终结果，生成后不再修改。
type Result struct {
	Success          bool      `json:"success"`
	Data             *Output   `json:"data"`
	ErrorKind        ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	ProviderUsed     string    `json:"provider_used"`
	ProcessingTimeMs int64     `json:"processing_time_ms"`
	Timestamp        time.Time `json:"timestamp"`
}

// Text 返回结果中的可读文本，失败时为空。
func (r Result) Text() string {
	if !r.Success || r.Data == nil {
		return ""
	}
	return strings.TrimSpace(r.Data.Text)
}

// Provider 是对单一外部后端的封装。
type Provider interface {
	Name() string
	Invoke(ctx context.Context, req Request) (*Output, error)
}

// Closer 由持有连接的提供方实现。
type Closer interface {
	Close() error
}
