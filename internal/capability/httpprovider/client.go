// Package httpprovider talks to a GPU job API that accepts speech-to-text,
// text-to-speech and intent-analysis jobs over JSON and answers synchronously.
package httpprovider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"CoralRush/internal/capability"
	xerrors "CoralRush/internal/errors"
	"CoralRush/internal/intent"
)

// DefaultHTTPTimeout 是未提供自定义 http.Client 时使用的超时。
const DefaultHTTPTimeout = 15 * time.Second

// 作业类型。
const (
	JobSpeechToText   = "speech_to_text"
	JobTextToSpeech   = "text_to_speech"
	JobIntentAnalysis = "intent_analysis"
)

// Config 描述 GPU 作业服务的连接信息。
type Config struct {
	Name      string        `yaml:"name"`
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key"`
	ProjectID string        `yaml:"project_id"`
	Priority  string        `yaml:"priority"`
	Timeout   time.Duration `yaml:"timeout"`
	// HighRiskDestinations 参与风险评分。
	HighRiskDestinations []string `yaml:"high_risk_destinations"`
}

// Client 通过 HTTP 提交 GPU 作业。
type Client struct {
	name       string
	baseURL    *url.URL
	apiKey     string
	projectID  string
	priority   string
	highRisk   []string
	httpClient *http.Client
}

var _ capability.Provider = (*Client)(nil)

// NewClient 创建 GPU 作业客户端。httpClient 为 nil 时使用默认超时。
func NewClient(cfg Config, httpClient *http.Client) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("未配置 GPU 服务地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultHTTPTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = parsed.Host
	}
	priority := cfg.Priority
	if priority == "" {
		priority = "normal"
	}
	return &Client{
		name:       name,
		baseURL:    parsed,
		apiKey:     cfg.APIKey,
		projectID:  cfg.ProjectID,
		priority:   priority,
		highRisk:   cfg.HighRiskDestinations,
		httpClient: httpClient,
	}, nil
}

// Name 返回提供方名称。
func (c *Client) Name() string { return c.name }

type jobRequest struct {
	JobType   string         `json:"job_type"`
	InputData map[string]any `json:"input_data"`
	Priority  string         `json:"priority,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
}

type jobResponse struct {
	JobID           string          `json:"job_id"`
	Status          string          `json:"status"`
	Result          json.RawMessage `json:"result"`
	ExecutionTimeMs int64           `json:"execution_time_ms"`
	GPUTimeMs       int64           `json:"gpu_time_ms"`
	Error           string          `json:"error,omitempty"`
}

// Invoke 提交与能力对应的作业并解析结果。
func (c *Client) Invoke(ctx context.Context, req capability.Request) (*capability.Output, error) {
	job := jobRequest{Priority: c.priority, SessionID: req.SessionID}
	p := req.Payload
	switch req.Capability {
	case capability.Transcribe:
		job.JobType = JobSpeechToText
		job.InputData = map[string]any{
			"audio_data": base64.StdEncoding.EncodeToString(p.Audio),
			"language":   p.Language,
		}
	case capability.Synthesize:
		job.JobType = JobTextToSpeech
		job.InputData = map[string]any{"text": p.Text, "voice_id": p.VoiceID}
		if p.Prosody != nil {
			job.InputData["prosody"] = p.Prosody
		}
	case capability.AnalyzeIntent:
		job.JobType = JobIntentAnalysis
		job.InputData = map[string]any{"user_query": p.Text, "context": p.Context}
	default:
		return nil, capability.Unsupported(c.name, req.Capability)
	}

	resp, err := c.submit(ctx, job)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(resp.Status, "completed") {
		return nil, xerrors.New(xerrors.CodeProviderUnavailable,
			fmt.Sprintf("%s 作业 %s 状态 %s: %s", c.name, resp.JobID, resp.Status, resp.Error))
	}

	var out *capability.Output
	switch job.JobType {
	case JobSpeechToText:
		out, err = decodeTranscript(resp.Result)
	case JobTextToSpeech:
		out, err = decodeSpeech(resp.Result)
	default:
		out, err = c.decodeIntent(resp.Result)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderMalformed, err, c.name+" 作业结果无法解析")
	}
	if out.Attributes == nil {
		out.Attributes = map[string]any{}
	}
	out.Attributes["job_id"] = resp.JobID
	out.Attributes["gpu_time_ms"] = resp.GPUTimeMs
	return out, nil
}

func (c *Client) submit(ctx context.Context, job jobRequest) (jobResponse, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return jobResponse{}, fmt.Errorf("encode request: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, "/jobs")}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.ResolveReference(rel).String(), bytes.NewReader(body))
	if err != nil {
		return jobResponse{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.projectID != "" {
		httpReq.Header.Set("X-Project-ID", c.projectID)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return jobResponse{}, capability.TransportError(c.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return jobResponse{}, capability.StatusError(c.name, resp)
	}
	var decoded jobResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return jobResponse{}, xerrors.Wrap(xerrors.CodeProviderMalformed, err, "decode response")
	}
	return decoded, nil
}

func decodeTranscript(raw json.RawMessage) (*capability.Output, error) {
	var r struct {
		Transcript string  `json:"transcript"`
		Confidence float64 `json:"confidence"`
		Language   string  `json:"language"`
		WordCount  int     `json:"word_count"`
		Model      string  `json:"model"`
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	if strings.TrimSpace(r.Transcript) == "" {
		return nil, errors.New("transcript is empty")
	}
	return &capability.Output{
		Text:       strings.TrimSpace(r.Transcript),
		Confidence: r.Confidence,
		Attributes: map[string]any{"language": r.Language, "word_count": r.WordCount, "model": r.Model},
	}, nil
}

func decodeSpeech(raw json.RawMessage) (*capability.Output, error) {
	var r struct {
		AudioData  string `json:"audio_data"`
		Format     string `json:"format"`
		SampleRate int    `json:"sample_rate"`
		DurationMs int64  `json:"duration_ms"`
		VoiceID    string `json:"voice_id"`
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	audio, err := base64.StdEncoding.DecodeString(r.AudioData)
	if err != nil {
		return nil, fmt.Errorf("decode audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, errors.New("audio is empty")
	}
	return &capability.Output{
		Audio:      audio,
		Format:     r.Format,
		Confidence: 1,
		Attributes: map[string]any{"sample_rate": r.SampleRate, "duration_ms": r.DurationMs, "voice_id": r.VoiceID},
	}, nil
}

func (c *Client) decodeIntent(raw json.RawMessage) (*capability.Output, error) {
	var r struct {
		Intent     string         `json:"intent"`
		Confidence float64        `json:"confidence"`
		Entities   map[string]any `json:"entities"`
		Suggestion string         `json:"response_suggestion"`
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	entities := intent.Entities{
		Amount:      entityString(r.Entities, "amount"),
		Currency:    entityString(r.Entities, "currency"),
		Destination: entityString(r.Entities, "destination"),
		TxHash:      entityString(r.Entities, "tx_hash"),
	}
	if entities.Destination == "" {
		entities.Destination = entityString(r.Entities, "recipient")
	}
	if q, ok := r.Entities["quantity"].(float64); ok {
		entities.Quantity = int(q)
	}
	result := intent.Intent{
		Name:       normalizeIntent(r.Intent),
		Confidence: r.Confidence,
		Reply:      strings.TrimSpace(r.Suggestion),
		Entities:   entities,
	}
	result.Risk = intent.Assess(entities, c.highRisk...)
	return result.Output(), nil
}

// normalizeIntent 将作业服务的意图名称映射到内部名称。
func normalizeIntent(raw string) intent.Name {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "payment_request", "payment_transfer":
		return intent.PaymentTransfer
	case "transaction_status":
		return intent.TransactionStatus
	case "balance_check", "account_inquiry":
		return intent.BalanceCheck
	case "nft_mint":
		return intent.NFTMint
	case "support_request", "fraud_report":
		return intent.SupportRequest
	default:
		return intent.Unknown
	}
}

func entityString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}
