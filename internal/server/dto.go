package server

import (
	"encoding/base64"
	"fmt"
	"strings"

	"taskforce/internal/domain"
	"taskforce/internal/engine"
)

type SubmitMissionRequest struct {
	Objective     string  `json:"objective" example:"Launch the spring campaign"`
	Deadline      *string `json:"deadline,omitempty" format:"date-time"`
	Priority      *string `json:"priority,omitempty" example:"high"`
	Context       *string `json:"context,omitempty"`
	Source        string  `json:"source,omitempty" example:"api"`
	SourceEventID string  `json:"source_event_id,omitempty" example:"evt-42"`
}

type MissionResponse struct {
	ID            string  `json:"id"`
	Objective     string  `json:"objective"`
	Deadline      *string `json:"deadline,omitempty" format:"date-time"`
	Priority      *string `json:"priority,omitempty"`
	Context       *string `json:"context,omitempty"`
	Source        string  `json:"source"`
	SourceEventID string  `json:"source_event_id"`
	Status        string  `json:"status" enum:"received,split,compiled,notified,archived"`
	PageID        *string `json:"page_id,omitempty"`
	MessageID     *string `json:"message_id,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

type SubmitMissionResponse struct {
	Mission   MissionResponse `json:"mission"`
	Duplicate bool            `json:"duplicate"`
}

type BriefResponse struct {
	ID        string `json:"id"`
	AgentKey  string `json:"agent_key"`
	Content   string `json:"content_json"`
	Status    string `json:"status" enum:"pending,done"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type DeliverableResponse struct {
	ID        string `json:"id"`
	BriefID   string `json:"brief_id"`
	AgentKey  string `json:"agent_key"`
	Output    string `json:"output"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ReportResponse struct {
	Summary      string `json:"summary"`
	BodyMarkdown string `json:"body_markdown"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

type ProgressResponse struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

type MissionDetailResponse struct {
	Mission      MissionResponse       `json:"mission"`
	Briefs       []BriefResponse       `json:"briefs"`
	Deliverables []DeliverableResponse `json:"deliverables"`
	Report       *ReportResponse       `json:"report,omitempty"`
	Progress     ProgressResponse      `json:"progress"`
}

type paginatedMissions struct {
	Items      []MissionResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type JobResponse struct {
	ID          int64   `json:"id"`
	Stage       string  `json:"stage"`
	PayloadJSON string  `json:"payload_json"`
	Status      string  `json:"status"`
	Attempts    int     `json:"attempts"`
	MaxAttempts int     `json:"max_attempts"`
	LastError   *string `json:"last_error,omitempty"`
	DeadAt      *string `json:"dead_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

func missionResponse(m domain.Mission) MissionResponse {
	return MissionResponse{
		ID:            m.ID,
		Objective:     m.Objective,
		Deadline:      m.Deadline,
		Priority:      m.Priority,
		Context:       m.Context,
		Source:        m.Source,
		SourceEventID: m.SourceEventID,
		Status:        m.Status,
		PageID:        m.PageID,
		MessageID:     m.MessageID,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func mapMissions(items []domain.Mission) []MissionResponse {
	res := make([]MissionResponse, 0, len(items))
	for _, m := range items {
		res = append(res, missionResponse(m))
	}
	return res
}

func detailResponse(d engine.MissionDetail) MissionDetailResponse {
	resp := MissionDetailResponse{
		Mission:      missionResponse(d.Mission),
		Briefs:       []BriefResponse{},
		Deliverables: []DeliverableResponse{},
		Progress:     ProgressResponse{Done: d.Progress.Done, Total: d.Progress.Total},
	}
	for _, b := range d.Briefs {
		resp.Briefs = append(resp.Briefs, BriefResponse{
			ID:        b.ID,
			AgentKey:  b.AgentKey,
			Content:   b.ContentJSON,
			Status:    b.Status,
			CreatedAt: b.CreatedAt,
			UpdatedAt: b.UpdatedAt,
		})
	}
	for _, dl := range d.Deliverables {
		resp.Deliverables = append(resp.Deliverables, DeliverableResponse{
			ID:        dl.ID,
			BriefID:   dl.BriefID,
			AgentKey:  dl.AgentKey,
			Output:    dl.Output,
			CreatedAt: dl.CreatedAt,
		})
	}
	if d.Report != nil {
		resp.Report = &ReportResponse{
			Summary:      d.Report.Summary,
			BodyMarkdown: d.Report.BodyMarkdown,
			CreatedAt:    d.Report.CreatedAt,
			UpdatedAt:    d.Report.UpdatedAt,
		}
	}
	return resp
}

func jobResponse(j domain.Job) JobResponse {
	return JobResponse{
		ID:          j.ID,
		Stage:       j.Stage,
		PayloadJSON: j.PayloadJSON,
		Status:      j.Status,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		LastError:   j.LastError,
		DeadAt:      j.DeadAt,
		CreatedAt:   j.CreatedAt,
	}
}

func mapJobs(items []domain.Job) []JobResponse {
	res := make([]JobResponse, 0, len(items))
	for _, j := range items {
		res = append(res, jobResponse(j))
	}
	return res
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}

func composeCursor(createdAt, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(createdAt + "|" + id))
}

func parseCompositeCursor(cursor string) (createdAt, id string, err error) {
	if cursor == "" {
		return "", "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", "", fmt.Errorf("invalid cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}
