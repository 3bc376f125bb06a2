// Package aggregate folds the steps recorded in a session into the single
// response returned to callers. It performs no I/O.
package aggregate

import (
	"strings"

	"CoralRush/internal/session"
)

// Response 是一次编排的汇总结果。
type Response struct {
	SessionID             string         `json:"session_id"`
	Status                session.Status `json:"status"`
	Steps                 []session.Step `json:"steps"`
	OverallSuccess        bool           `json:"overall_success"`
	SuccessRate           float64        `json:"success_rate"`
	TotalProcessingTimeMs int64          `json:"total_processing_time_ms"`
	MaxProcessingTimeMs   int64          `json:"max_processing_time_ms"`
	CombinedText          string         `json:"combined_text"`
	Aborted               bool           `json:"aborted,omitempty"`
	AbortReason           string         `json:"abort_reason,omitempty"`
}

// Aggregate 根据会话当前的消息日志计算汇总结果。
//
// OverallSuccess 仅在会话未失败且所有关键步骤成功时为 true；
// 非关键步骤的失败只体现在对应步骤的结果里。
func Aggregate(s *session.Session) Response {
	if s == nil {
		return Response{}
	}
	steps := s.Steps()
	resp := Response{
		SessionID: s.ID,
		Status:    s.Status,
		Steps:     steps,
	}

	texts := make([]string, 0, len(steps))
	succeeded := 0
	criticalOK := true
	for _, step := range steps {
		ms := step.Result.ProcessingTimeMs
		resp.TotalProcessingTimeMs += ms
		if ms > resp.MaxProcessingTimeMs {
			resp.MaxProcessingTimeMs = ms
		}
		if step.Result.Success {
			succeeded++
		} else if step.Critical {
			criticalOK = false
		}
		if text := step.Result.Text(); text != "" {
			texts = append(texts, text)
		}
	}

	if len(steps) > 0 {
		resp.SuccessRate = float64(succeeded) / float64(len(steps))
	}
	resp.CombinedText = strings.Join(texts, " ")
	resp.OverallSuccess = len(steps) > 0 && criticalOK && s.Status != session.StatusFailed
	return resp
}
