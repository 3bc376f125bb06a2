package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"CoralRush/internal/agent"
	"CoralRush/internal/aggregate"
	xerrors "CoralRush/internal/errors"
	"CoralRush/internal/jobs"
	"CoralRush/internal/orchestrator"
	"CoralRush/internal/session"
)

// orchestrationRequest 是同步编排与异步任务共用的请求体。
type orchestrationRequest struct {
	JobID       string `json:"job_id,omitempty"`
	Text        string `json:"text,omitempty"`
	Audio       []byte `json:"audio_base64,omitempty"`
	Language    string `json:"language,omitempty"`
	VoiceID     string `json:"voice_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	SessionType string `json:"session_type,omitempty"`
}

func (r orchestrationRequest) input() orchestrator.Input {
	return orchestrator.Input{
		Text:        strings.TrimSpace(r.Text),
		Audio:       r.Audio,
		Language:    r.Language,
		VoiceID:     r.VoiceID,
		SessionType: r.SessionType,
	}
}

type jobAccepted struct {
	JobID     string      `json:"job_id"`
	SessionID string      `json:"session_id,omitempty"`
	Status    jobs.Status `json:"status"`
}

type createSessionRequest struct {
	SessionType string `json:"session_type,omitempty"`
	UserQuery   string `json:"user_query,omitempty"`
}

type finalizeRequest struct {
	Status session.Status `json:"status"`
}

type finalizeResponse struct {
	SessionID string         `json:"session_id"`
	Status    session.Status `json:"status"`
}

type sessionDetail struct {
	Session *session.Session   `json:"session"`
	Summary aggregate.Response `json:"summary"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, agent.Agents())
}

// handleOrchestrate 同步执行一次编排并返回汇总结果。
func (s *Server) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "编排器未初始化"))
		return
	}
	var req orchestrationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	in := req.input()
	if len(in.Audio) == 0 && in.Text == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "输入必须包含 text 或 audio_base64"))
		return
	}
	resp, err := s.runner.Run(r.Context(), in, strings.TrimSpace(req.SessionID))
	if err != nil {
		s.logger.Warn("编排失败",
			slog.String("session_id", resp.SessionID),
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.Any("error", err),
		)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSubmitJob 将编排请求放入队列。
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未启用"))
		return
	}
	var req orchestrationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := req.JobID
	if key := r.Header.Get("Idempotency-Key"); id == "" && key != "" {
		id = key
	}
	job, err := s.jobs.Submit(r.Context(), jobs.SubmitRequest{
		ID:        id,
		SessionID: strings.TrimSpace(req.SessionID),
		Input:     req.input(),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobAccepted{JobID: job.ID, SessionID: job.SessionID, Status: job.Status})
}

func (s *Server) handleJobDetail(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未启用"))
		return
	}
	job, err := s.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未启用"))
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var statuses []jobs.Status
	for _, v := range splitQuery(r, "status") {
		statuses = append(statuses, jobs.Status(v))
	}
	list, err := s.jobs.List(r.Context(), jobs.WithLimit(limit), jobs.WithStatuses(statuses...))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "会话存储未初始化"))
		return
	}
	var req createSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sess, err := s.sessions.Create(r.Context(), session.Metadata{
		SessionType: req.SessionType,
		UserQuery:   req.UserQuery,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "会话存储未初始化"))
		return
	}
	sess, err := s.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionDetail{Session: sess, Summary: aggregate.Aggregate(sess)})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "会话存储未初始化"))
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var statuses []session.Status
	for _, v := range splitQuery(r, "status") {
		statuses = append(statuses, session.Status(v))
	}
	list, err := s.sessions.List(r.Context(), session.WithLimit(limit), session.WithStatuses(statuses...))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleFinalizeSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "会话存储未初始化"))
		return
	}
	var req finalizeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Status == "" {
		req.Status = session.StatusCompleted
	}
	id := r.PathValue("id")
	status, err := s.sessions.Finalize(r.Context(), id, req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, finalizeResponse{SessionID: id, Status: status})
}

// decodeBody 解析 JSON 请求体，空请求体视为零值。
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体格式错误"))
		return false
	}
	return true
}

func parseLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须为正整数")
	}
	return limit, nil
}

func splitQuery(r *http.Request, key string) []string {
	var out []string
	for _, raw := range r.URL.Query()[key] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
