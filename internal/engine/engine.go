package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskforce/internal/config"
	"taskforce/internal/domain"
	"taskforce/internal/events"
	"taskforce/internal/pipeline"
	"taskforce/internal/queue"
	"taskforce/internal/repo"
)

const intakeActor = "intake"

var (
	ErrObjectiveRequired = errors.New("objective is required")
	// ErrNotReady is returned when a report is requested for a mission whose
	// agents have produced nothing yet.
	ErrNotReady = errors.New("mission has no deliverables yet")
)

// Engine is the write-side entry point: intake, read projections and
// queue administration. Stage execution itself lives in the pipeline.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Queue  queue.Store
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	return &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Queue:  queue.NewStore(db),
		Config: cfg,
		Now:    time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

type SubmitInput struct {
	Objective     string
	Deadline      *string
	Priority      *string
	Context       *string
	Source        string
	SourceEventID string
	// Raw, when set, is stored verbatim as the intake payload instead of
	// the re-marshaled fields.
	Raw json.RawMessage
}

// Submit ingests one mission request. The source event id is the dedup
// key: resubmitting a processed event returns the existing mission and
// changes nothing. The mission insert, the intake bookkeeping and the
// split enqueue commit in one transaction, so a mission either fully
// enters the pipeline or not at all.
func (e *Engine) Submit(ctx context.Context, in SubmitInput) (domain.Mission, bool, error) {
	if strings.TrimSpace(in.Objective) == "" {
		return domain.Mission{}, false, ErrObjectiveRequired
	}
	source := in.Source
	if source == "" {
		source = e.Config.Intake.DefaultSource
	}
	externalID := in.SourceEventID
	if externalID == "" {
		// No event id means no dedup scope; give the record its own key.
		externalID = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, false, err
	}
	defer tx.Rollback()

	rec, err := e.Repo.GetIntakeRecordTx(ctx, tx, externalID)
	if err != nil && err != repo.ErrNotFound {
		return domain.Mission{}, false, err
	}
	if err == nil && rec.ProcessedAt != nil && rec.MissionID != nil {
		m, err := e.Repo.GetMissionTx(ctx, tx, *rec.MissionID)
		if err != nil {
			return domain.Mission{}, false, err
		}
		return m, true, nil
	}

	payload := in.Raw
	if len(payload) == 0 {
		payload, err = json.Marshal(map[string]any{
			"objective": in.Objective,
			"deadline":  in.Deadline,
			"priority":  in.Priority,
			"context":   in.Context,
		})
		if err != nil {
			return domain.Mission{}, false, err
		}
	}
	if err := e.Repo.UpsertIntakeRecordTx(ctx, tx, domain.IntakeRecord{
		ExternalID:  externalID,
		Source:      source,
		PayloadJSON: string(payload),
		CreatedAt:   now,
	}); err != nil {
		return domain.Mission{}, false, fmt.Errorf("record intake: %w", err)
	}

	m := domain.Mission{
		ID:            uuid.New().String(),
		Objective:     strings.TrimSpace(in.Objective),
		Deadline:      in.Deadline,
		Priority:      in.Priority,
		Context:       in.Context,
		Source:        source,
		SourceEventID: externalID,
		Status:        domain.MissionReceived,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.Repo.InsertMissionTx(ctx, tx, m); err != nil {
		return domain.Mission{}, false, fmt.Errorf("insert mission: %w", err)
	}
	won, err := e.Repo.MarkIntakeProcessedTx(ctx, tx, externalID, m.ID, now)
	if err != nil {
		return domain.Mission{}, false, err
	}
	if !won {
		// A concurrent submit claimed the event between our read and our
		// write. Drop our mission and adopt the winner's.
		tx.Rollback()
		winner, err := e.Repo.GetIntakeRecord(ctx, externalID)
		if err != nil {
			return domain.Mission{}, false, err
		}
		if winner.MissionID == nil {
			return domain.Mission{}, false, fmt.Errorf("intake record %s processed without mission", externalID)
		}
		existing, err := e.Repo.GetMission(ctx, *winner.MissionID)
		if err != nil {
			return domain.Mission{}, false, err
		}
		return existing, true, nil
	}
	if err := pipeline.EnqueueSplitTx(ctx, tx, e.Queue, e.Config, m.ID); err != nil {
		return domain.Mission{}, false, fmt.Errorf("enqueue split: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "mission.received", m.ID, "mission", m.ID, intakeActor, events.EventPayload{
		"source": source,
	}); err != nil {
		return domain.Mission{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, false, err
	}
	return m, false, nil
}

// Progress is the fan-out completion counter exposed on mission reads.
type Progress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

type MissionDetail struct {
	Mission      domain.Mission       `json:"mission"`
	Briefs       []domain.Brief       `json:"briefs"`
	Deliverables []domain.Deliverable `json:"deliverables"`
	Report       *domain.Report       `json:"report,omitempty"`
	Progress     Progress             `json:"progress"`
}

func (e *Engine) Mission(ctx context.Context, id string) (MissionDetail, error) {
	m, err := e.Repo.GetMission(ctx, id)
	if err != nil {
		return MissionDetail{}, err
	}
	briefs, err := e.Repo.ListBriefs(ctx, id)
	if err != nil {
		return MissionDetail{}, err
	}
	deliverables, err := e.Repo.ListDeliverables(ctx, id)
	if err != nil {
		return MissionDetail{}, err
	}
	detail := MissionDetail{
		Mission:      m,
		Briefs:       briefs,
		Deliverables: deliverables,
		Progress:     Progress{Total: len(briefs)},
	}
	for _, b := range briefs {
		if b.Status == "done" {
			detail.Progress.Done++
		}
	}
	rep, err := e.Repo.GetReport(ctx, id)
	if err == nil {
		detail.Report = &rep
	} else if err != repo.ErrNotFound {
		return MissionDetail{}, err
	}
	return detail, nil
}

func (e *Engine) ListMissions(ctx context.Context, f repo.MissionFilters) ([]domain.Mission, error) {
	return e.Repo.ListMissions(ctx, f)
}

// RegenerateReport re-runs the compile stage for a mission that already has
// deliverables. The fresh report overwrites the stored one; mission status
// is untouched because the compile guard only fires once per mission.
func (e *Engine) RegenerateReport(ctx context.Context, id, actor string) error {
	if _, err := e.Repo.GetMission(ctx, id); err != nil {
		return err
	}
	n, err := e.Repo.CountDeliverables(ctx, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotReady
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := pipeline.EnqueueCompileTx(ctx, tx, e.Queue, e.Config, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "report.regenerate.requested", id, "report", id, actor, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// DeadJobs lists dead-lettered jobs for inspection.
func (e *Engine) DeadJobs(ctx context.Context, limit int) ([]domain.Job, error) {
	return e.Queue.ListDead(ctx, limit)
}

// RetryJob requeues a dead-lettered job with a fresh attempt budget.
func (e *Engine) RetryJob(ctx context.Context, id int64, actor string) error {
	if err := e.Queue.RetryDead(ctx, id); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "job.retried", "", "job", fmt.Sprint(id), actor, nil); err != nil {
		return err
	}
	return tx.Commit()
}
