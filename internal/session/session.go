package session

import (
	"sort"
	"time"

	"CoralRush/internal/capability"
	xerrors "CoralRush/internal/errors"
)

// Status 表示会话在生命周期中的状态。
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsValidStatus 检查给定的会话状态是否为支持的枚举值。
func IsValidStatus(s Status) bool {
	switch s {
	case StatusActive, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// AgentName 是逻辑智能体的名称。
type AgentName string

const (
	Listener AgentName = "Listener"
	Brain    AgentName = "Brain"
	Executor AgentName = "Executor"
)

// 会话类型。
const (
	TypeVoice   = "voice"
	TypeText    = "text"
	TypeSupport = "support"
)

// Metadata 保存会话的业务上下文。
type Metadata struct {
	UserQuery   string `json:"user_query,omitempty"`
	SessionType string `json:"session_type,omitempty"`
}

// Step 是一次智能体调用的记录。
type Step struct {
	ID            string            `json:"step_id"`
	Agent         AgentName         `json:"agent_name"`
	Operation     string            `json:"operation"`
	Result        capability.Result `json:"result"`
	SequenceIndex int               `json:"sequence_index"`
	Critical      bool              `json:"critical"`
}

// UserMessage 是用户在会话中的一次输入。
type UserMessage struct {
	Text       string    `json:"text,omitempty"`
	AudioBytes int       `json:"audio_bytes,omitempty"`
	Language   string    `json:"language,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// MessageKind 区分消息类型。
type MessageKind string

const (
	KindUser MessageKind = "user"
	KindStep MessageKind = "step"
)

// Message 是会话日志中的一条记录，User 与 Step 二选一。
type Message struct {
	SequenceIndex int          `json:"sequence_index"`
	Kind          MessageKind  `json:"kind"`
	User          *UserMessage `json:"user,omitempty"`
	Step          *Step        `json:"step,omitempty"`
}

// StepMessage 将步骤包装为消息。
func StepMessage(step Step) Message {
	return Message{SequenceIndex: step.SequenceIndex, Kind: KindStep, Step: &step}
}

// UserInput 将用户输入包装为消息。
func UserInput(seq int, msg UserMessage) Message {
	return Message{SequenceIndex: seq, Kind: KindUser, User: &msg}
}

// Session 保存一次用户交互的全部状态。
type Session struct {
	ID           string      `json:"id"`
	Status       Status      `json:"status"`
	Participants []AgentName `json:"participants"`
	Messages     []Message   `json:"messages"`
	StartTime    time.Time   `json:"start_time"`
	EndTime      *time.Time  `json:"end_time,omitempty"`
	Metadata     Metadata    `json:"metadata"`
}

// Steps 按顺序返回会话中的步骤。
func (s *Session) Steps() []Step {
	if s == nil {
		return nil
	}
	steps := make([]Step, 0, len(s.Messages))
	for _, msg := range s.Messages {
		if msg.Kind == KindStep && msg.Step != nil {
			steps = append(steps, *msg.Step)
		}
	}
	return steps
}

// NextSequence 返回下一条消息应使用的序号。
func (s *Session) NextSequence() int {
	if s == nil || len(s.Messages) == 0 {
		return 0
	}
	return s.Messages[len(s.Messages)-1].SequenceIndex + 1
}

// Since 返回只包含 seq 及之后消息的视图副本。
func (s *Session) Since(seq int) *Session {
	if s == nil {
		return nil
	}
	view := s.Clone()
	filtered := view.Messages[:0]
	for _, msg := range view.Messages {
		if msg.SequenceIndex >= seq {
			filtered = append(filtered, msg)
		}
	}
	view.Messages = filtered
	return view
}

// Clone 返回会话的深拷贝。
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Participants = append([]AgentName(nil), s.Participants...)
	clone.Messages = make([]Message, len(s.Messages))
	for i, msg := range s.Messages {
		clone.Messages[i] = cloneMessage(msg)
	}
	if s.EndTime != nil {
		end := *s.EndTime
		clone.EndTime = &end
	}
	return &clone
}

func cloneMessage(msg Message) Message {
	out := msg
	if msg.User != nil {
		user := *msg.User
		out.User = &user
	}
	if msg.Step != nil {
		step := *msg.Step
		step.Result.Data = msg.Step.Result.Data.Clone()
		out.Step = &step
	}
	return out
}

var (
	// ErrSessionNotFound 表示指定的会话不存在。
	ErrSessionNotFound = xerrors.New(xerrors.CodeSessionNotFound, "session not found")
	// ErrSessionClosed 表示会话已处于终态，不再接受追加。
	ErrSessionClosed = xerrors.New(xerrors.CodeSessionClosed, "session closed")
	// ErrOutOfOrder 表示追加的消息序号小于已有的最后一条。
	ErrOutOfOrder = xerrors.New(CodeOutOfOrder, "message sequence out of order")
)

// CodeOutOfOrder 标记违反追加顺序的请求。
const CodeOutOfOrder xerrors.Code = "SESSION_OUT_OF_ORDER"

func init() {
	xerrors.Register(CodeOutOfOrder, xerrors.Attributes{
		Message:  "message sequence out of order",
		Severity: xerrors.SeverityWarning,
	})
}

// ValidateMessage 检查消息结构是否完整。
func ValidateMessage(msg Message) error {
	switch msg.Kind {
	case KindUser:
		if msg.User == nil {
			return xerrors.New(xerrors.CodeInvalidArgument, "用户消息内容不能为空")
		}
	case KindStep:
		if msg.Step == nil {
			return xerrors.New(xerrors.CodeInvalidArgument, "步骤消息内容不能为空")
		}
		if msg.Step.SequenceIndex != msg.SequenceIndex {
			return xerrors.New(xerrors.CodeInvalidArgument, "步骤序号与消息序号不一致")
		}
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, "未知的消息类型")
	}
	if msg.SequenceIndex < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "消息序号不能为负数")
	}
	return nil
}

// Apply 在内存中的会话上执行一次追加，供各存储实现共享。
func Apply(s *Session, msg Message) error {
	if s.Status != StatusActive {
		return ErrSessionClosed
	}
	if len(s.Messages) > 0 && msg.SequenceIndex < s.Messages[len(s.Messages)-1].SequenceIndex {
		return ErrOutOfOrder
	}
	s.Messages = append(s.Messages, cloneMessage(msg))
	if msg.Kind == KindStep {
		s.Participants = addParticipant(s.Participants, msg.Step.Agent)
	}
	return nil
}

// Transition 执行终态迁移，返回最终状态以及是否发生了变更。
func Transition(s *Session, target Status, now time.Time) (Status, bool, error) {
	if !target.Terminal() {
		return s.Status, false, xerrors.New(xerrors.CodeInvalidArgument, "只能迁移到 completed 或 failed")
	}
	if s.Status.Terminal() {
		return s.Status, false, nil
	}
	s.Status = target
	end := now
	s.EndTime = &end
	return target, true, nil
}

func addParticipant(list []AgentName, name AgentName) []AgentName {
	for _, existing := range list {
		if existing == name {
			return list
		}
	}
	list = append(list, name)
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return list
}
