// Package openai implements transcription, speech synthesis and intent
// analysis against the OpenAI HTTP API or any compatible endpoint.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"CoralRush/internal/capability"
	xerrors "CoralRush/internal/errors"
	"CoralRush/internal/intent"
)

const (
	defaultBaseURL         = "https://api.openai.com/v1"
	defaultModelName       = "gpt-4o-mini"
	defaultTranscribeModel = "whisper-1"
	defaultSpeechModel     = "tts-1"
	defaultVoice           = "alloy"
	defaultTimeout         = 60 * time.Second
	defaultName            = "openai"
)

// Config 描述了调用 OpenAI API 所需的信息。
type Config struct {
	Name            string        `yaml:"name"`
	APIKey          string        `yaml:"api_key"`
	BaseURL         string        `yaml:"base_url"`
	Model           string        `yaml:"model"`
	TranscribeModel string        `yaml:"transcribe_model"`
	SpeechModel     string        `yaml:"speech_model"`
	Voice           string        `yaml:"voice"`
	Timeout         time.Duration `yaml:"timeout"`
	// HighRiskDestinations 参与风险评分。
	HighRiskDestinations []string `yaml:"high_risk_destinations"`
}

// Client 通过 HTTP 调用 OpenAI 提供的能力。
type Client struct {
	name            string
	apiKey          string
	baseURL         string
	model           string
	transcribeModel string
	speechModel     string
	voice           string
	highRisk        []string
	httpClient      *http.Client
}

var _ capability.Provider = (*Client)(nil)

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		name:            orDefault(cfg.Name, defaultName),
		apiKey:          apiKey,
		baseURL:         baseURL,
		model:           orDefault(cfg.Model, defaultModelName),
		transcribeModel: orDefault(cfg.TranscribeModel, defaultTranscribeModel),
		speechModel:     orDefault(cfg.SpeechModel, defaultSpeechModel),
		voice:           orDefault(cfg.Voice, defaultVoice),
		highRisk:        cfg.HighRiskDestinations,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Name 返回提供方名称。
func (c *Client) Name() string { return c.name }

// Invoke 按能力分派到对应的 API。
func (c *Client) Invoke(ctx context.Context, req capability.Request) (*capability.Output, error) {
	switch req.Capability {
	case capability.AnalyzeIntent:
		return c.analyze(ctx, req.Payload)
	case capability.Transcribe:
		return c.transcribe(ctx, req.Payload)
	case capability.Synthesize:
		return c.synthesize(ctx, req.Payload)
	default:
		return nil, capability.Unsupported(c.name, req.Capability)
	}
}

func (c *Client) do(ctx context.Context, path, contentType string, body io.Reader) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("构建 OpenAI 请求失败: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, capability.TransportError(c.name, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		return nil, capability.StatusError(c.name, resp)
	}
	return resp, nil
}

func (c *Client) analyze(ctx context.Context, payload capability.Payload) (*capability.Output, error) {
	text := strings.TrimSpace(payload.Text)
	if text == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "意图分析需要文本输入")
	}
	body, err := c.buildChatPayload(text, payload.Context)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, "/chat/completions", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderMalformed, err, "解析 OpenAI 响应失败")
	}
	if len(decoded.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeProviderMalformed, "OpenAI 响应中没有有效的 choices")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return nil, xerrors.New(xerrors.CodeProviderMalformed, "OpenAI 响应内容为空")
	}

	var structured struct {
		Intent     string          `json:"intent"`
		Confidence float64         `json:"confidence"`
		Reply      string          `json:"reply"`
		Entities   intent.Entities `json:"entities"`
	}
	if err := json.Unmarshal([]byte(content), &structured); err != nil {
		// 模型未按格式输出时，将原文作为回复，意图未知。
		structured.Intent = string(intent.Unknown)
		structured.Reply = content
	}
	result := intent.Intent{
		Name:       intent.Name(strings.TrimSpace(structured.Intent)),
		Confidence: structured.Confidence,
		Reply:      strings.TrimSpace(structured.Reply),
		Entities:   structured.Entities,
	}
	if result.Name == "" {
		result.Name = intent.Unknown
	}
	result.Risk = intent.Assess(result.Entities, c.highRisk...)
	return result.Output(), nil
}

func (c *Client) buildChatPayload(text string, history []capability.Turn) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	messages := []message{{Role: "system", Content: systemPrompt}}
	for _, turn := range history {
		role := turn.Role
		if role != "assistant" {
			role = "user"
		}
		messages = append(messages, message{Role: role, Content: turn.Text})
	}
	messages = append(messages, message{Role: "user", Content: text})

	body := map[string]any{
		"model":           c.model,
		"messages":        messages,
		"temperature":     0.2,
		"response_format": map[string]string{"type": "json_object"},
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化 OpenAI 请求失败: %w", err)
	}
	return encoded, nil
}

const systemPrompt = "" +
	"You are the intent analysis engine of a voice banking assistant. " +
	"Classify the user's request into one of: payment_transfer, transaction_status, balance_check, nft_mint, support_request, unknown. " +
	"Always respond with a compact JSON object: " +
	"{\"intent\": string, \"confidence\": number, \"reply\": string, " +
	"\"entities\": {\"amount\": string, \"currency\": string, \"destination\": string, \"quantity\": number, \"tx_hash\": string}}. " +
	"Keep the reply to one short sentence."

func (c *Client) transcribe(ctx context.Context, payload capability.Payload) (*capability.Output, error) {
	if len(payload.Audio) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "转写需要音频输入")
	}
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("构建音频表单失败: %w", err)
	}
	if _, err := part.Write(payload.Audio); err != nil {
		return nil, fmt.Errorf("写入音频失败: %w", err)
	}
	_ = form.WriteField("model", c.transcribeModel)
	_ = form.WriteField("response_format", "verbose_json")
	if payload.Language != "" {
		_ = form.WriteField("language", payload.Language)
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("构建音频表单失败: %w", err)
	}

	resp, err := c.do(ctx, "/audio/transcriptions", form.FormDataContentType(), &buf)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded struct {
		Text     string  `json:"text"`
		Language string  `json:"language"`
		Duration float64 `json:"duration"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderMalformed, err, "解析转写响应失败")
	}
	attrs := map[string]any{"language": orDefault(decoded.Language, payload.Language)}
	if decoded.Duration > 0 {
		attrs["duration_seconds"] = decoded.Duration
	}
	// 接口不返回置信度，使用固定值。
	return &capability.Output{Text: strings.TrimSpace(decoded.Text), Confidence: 0.9, Attributes: attrs}, nil
}

func (c *Client) synthesize(ctx context.Context, payload capability.Payload) (*capability.Output, error) {
	text := strings.TrimSpace(payload.Text)
	if text == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "语音合成需要文本输入")
	}
	body := map[string]any{
		"model":           c.speechModel,
		"input":           text,
		"voice":           orDefault(payload.VoiceID, c.voice),
		"response_format": "mp3",
	}
	if payload.Prosody != nil && payload.Prosody.Speed > 0 {
		body["speed"] = payload.Prosody.Speed
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化 OpenAI 请求失败: %w", err)
	}
	resp, err := c.do(ctx, "/audio/speech", "application/json", bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, capability.TransportError(c.name, err)
	}
	if len(audio) == 0 {
		return nil, xerrors.New(xerrors.CodeProviderMalformed, "语音合成响应为空")
	}
	return &capability.Output{Audio: audio, Format: "mp3", Confidence: 1}, nil
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	return v
}
