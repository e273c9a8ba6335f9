package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"taskforce/internal/archive"
	"taskforce/internal/config"
	"taskforce/internal/domain"
	"taskforce/internal/events"
	"taskforce/internal/llm"
	"taskforce/internal/queue"
	"taskforce/internal/repo"
)

const pipelineActor = "pipeline"

// Job payloads, one per stage.

type SplitPayload struct {
	MissionID string `json:"mission_id"`
}

type AgentPayload struct {
	MissionID string `json:"mission_id"`
	BriefID   string `json:"brief_id"`
	AgentKey  string `json:"agent_key"`
}

type CompilePayload struct {
	MissionID string `json:"mission_id"`
}

type ArchivePayload struct {
	MissionID string `json:"mission_id"`
}

// StageOptions maps configured stage tuning onto queue options.
func StageOptions(cfg *config.Config, stage string) queue.Options {
	tuning := cfg.Stage(stage)
	return queue.Options{
		MaxAttempts: tuning.MaxAttempts,
		BackoffBase: time.Duration(tuning.BackoffBaseMS) * time.Millisecond,
	}
}

// EnqueueSplitTx queues the split stage for a freshly received mission,
// inside the intake transaction.
func EnqueueSplitTx(ctx context.Context, tx *sql.Tx, q queue.Store, cfg *config.Config, missionID string) error {
	_, err := q.EnqueueTx(ctx, tx, config.StageSplit, SplitPayload{MissionID: missionID}, StageOptions(cfg, config.StageSplit))
	return err
}

// EnqueueCompileTx queues the compile stage; used by the fan-in join and the
// manual regenerate path.
func EnqueueCompileTx(ctx context.Context, tx *sql.Tx, q queue.Store, cfg *config.Config, missionID string) error {
	_, err := q.EnqueueTx(ctx, tx, config.StageCompile, CompilePayload{MissionID: missionID}, StageOptions(cfg, config.StageCompile))
	return err
}

// Pipeline owns the four stage handlers. All cross-worker coordination goes
// through the store; handlers are safe to re-execute.
type Pipeline struct {
	DB      *sql.DB
	Repo    repo.Repo
	Queue   queue.Store
	Events  events.Writer
	Gen     llm.Generator
	Clients archive.Clients
	Config  *config.Config
	Log     zerolog.Logger
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config, gen llm.Generator, clients archive.Clients, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Queue:   queue.NewStore(db),
		Events:  events.Writer{DB: db},
		Gen:     gen,
		Clients: clients,
		Config:  cfg,
		Log:     log.With().Str("component", "pipeline").Logger(),
		Now:     time.Now,
	}
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Register wires the stage handlers into a queue runner.
func (p *Pipeline) Register(r *queue.Runner) {
	r.Handle(config.StageSplit, p.HandleSplit)
	r.Handle(config.StageAgent, p.HandleAgent)
	r.Handle(config.StageCompile, p.HandleCompile)
	r.Handle(config.StageArchive, p.HandleArchive)
}

// briefSet is the structured split output: exactly one entry per specialist
// key. Unknown keys fail the decode; missing keys fail validation. Both are
// retryable, since they usually reflect a model formatting slip.
type briefSet struct {
	Research   json.RawMessage `json:"research"`
	Strategy   json.RawMessage `json:"strategy"`
	Operations json.RawMessage `json:"operations"`
	Comms      json.RawMessage `json:"comms"`
}

func (s briefSet) content(key string) json.RawMessage {
	switch key {
	case "research":
		return s.Research
	case "strategy":
		return s.Strategy
	case "operations":
		return s.Operations
	case "comms":
		return s.Comms
	}
	return nil
}

// HandleSplit turns a mission objective into one pending brief per
// specialist and fans out the agent stage.
func (p *Pipeline) HandleSplit(ctx context.Context, payload []byte) error {
	var in SplitPayload
	if err := json.Unmarshal(payload, &in); err != nil {
		return queue.Permanent(fmt.Errorf("split payload: %w", err))
	}
	m, err := p.Repo.GetMission(ctx, in.MissionID)
	if err != nil {
		if err == repo.ErrNotFound {
			return queue.Permanent(fmt.Errorf("split: mission %s: %w", in.MissionID, err))
		}
		return err
	}
	if m.Status != domain.MissionReceived {
		// A prior attempt committed; the retry has nothing left to do.
		return nil
	}

	var set briefSet
	if err := p.Gen.GenerateStructured(ctx, splitSystemPrompt, splitUserPrompt(m), &set); err != nil {
		return fmt.Errorf("split mission %s: %w", m.ID, err)
	}
	for _, key := range domain.SpecialistKeys {
		if len(set.content(key)) == 0 {
			return fmt.Errorf("split mission %s: response missing brief for %s", m.ID, key)
		}
	}

	now := p.now().UTC().Format(time.RFC3339)
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// The transaction is all-or-nothing: a retried job only reaches this
	// point because the original commit never happened and left zero briefs.
	total, _, err := p.Repo.CountBriefsTx(ctx, tx, m.ID)
	if err != nil {
		return err
	}
	if total > 0 {
		return nil
	}
	for _, key := range domain.SpecialistKeys {
		b := domain.Brief{
			ID:          uuid.New().String(),
			MissionID:   m.ID,
			AgentKey:    key,
			ContentJSON: string(set.content(key)),
			Status:      "pending",
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := p.Repo.InsertBriefTx(ctx, tx, b); err != nil {
			return fmt.Errorf("insert brief %s: %w", key, err)
		}
		_, err := p.Queue.EnqueueTx(ctx, tx, config.StageAgent, AgentPayload{
			MissionID: m.ID,
			BriefID:   b.ID,
			AgentKey:  key,
		}, StageOptions(p.Config, config.StageAgent))
		if err != nil {
			return fmt.Errorf("enqueue agent %s: %w", key, err)
		}
	}
	if _, err := p.Repo.AdvanceMissionStatusTx(ctx, tx, m.ID, domain.MissionReceived, domain.MissionSplit, now); err != nil {
		return err
	}
	if err := p.Events.Append(ctx, tx, "mission.split", m.ID, "mission", m.ID, pipelineActor, events.EventPayload{
		"briefs": len(domain.SpecialistKeys),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// HandleAgent turns one brief into one deliverable, then runs the fan-in
// check. The model is called at most once per brief: retries after a
// partial commit reuse the persisted deliverable.
func (p *Pipeline) HandleAgent(ctx context.Context, payload []byte) error {
	var in AgentPayload
	if err := json.Unmarshal(payload, &in); err != nil {
		return queue.Permanent(fmt.Errorf("agent payload: %w", err))
	}
	b, err := p.Repo.GetBrief(ctx, in.BriefID)
	if err != nil {
		if err == repo.ErrNotFound {
			return queue.Permanent(fmt.Errorf("agent %s: brief %s: %w", in.AgentKey, in.BriefID, err))
		}
		return err
	}
	if b.Status != "done" {
		if err := p.produceDeliverable(ctx, b); err != nil {
			return err
		}
	}
	// Re-running the join is harmless; it covers a crash between the
	// deliverable commit and the compile enqueue.
	return p.join(ctx, b.MissionID)
}

func (p *Pipeline) produceDeliverable(ctx context.Context, b domain.Brief) error {
	m, err := p.Repo.GetMission(ctx, b.MissionID)
	if err != nil {
		if err == repo.ErrNotFound {
			return queue.Permanent(fmt.Errorf("agent %s: mission %s: %w", b.AgentKey, b.MissionID, err))
		}
		return err
	}

	// The model call runs outside any transaction: it can take seconds,
	// and holding a connection across it would stall the sibling agents
	// writing their own deliverables.
	d, err := p.Repo.GetDeliverableByBrief(ctx, b.ID)
	if err != nil && err != repo.ErrNotFound {
		return err
	}
	now := p.now().UTC().Format(time.RFC3339)
	fresh := err == repo.ErrNotFound
	if fresh {
		output, genErr := p.Gen.GenerateText(ctx, personaPrompt(b.AgentKey), agentUserPrompt(m, b))
		if genErr != nil {
			return fmt.Errorf("agent %s mission %s: %w", b.AgentKey, m.ID, genErr)
		}
		d = domain.Deliverable{
			ID:        uuid.New().String(),
			MissionID: b.MissionID,
			BriefID:   b.ID,
			AgentKey:  b.AgentKey,
			Output:    output,
			CreatedAt: now,
		}
	}

	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if fresh {
		if err := p.Repo.InsertDeliverableTx(ctx, tx, d); err != nil {
			return fmt.Errorf("insert deliverable: %w", err)
		}
	}
	if err := p.Repo.MarkBriefDoneTx(ctx, tx, b.ID, now); err != nil {
		return err
	}
	if err := p.Events.Append(ctx, tx, "brief.done", b.MissionID, "brief", b.ID, pipelineActor, events.EventPayload{
		"agent_key": b.AgentKey,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// join counts briefs vs done briefs and enqueues the compile stage when the
// fan-out has fully landed. Concurrent finishers may both observe the
// completed set and both enqueue; the compile stage absorbs the duplicate.
func (p *Pipeline) join(ctx context.Context, missionID string) error {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	total, done, err := p.Repo.CountBriefsTx(ctx, tx, missionID)
	if err != nil {
		return err
	}
	if total == 0 || done != total {
		return nil
	}
	if err := EnqueueCompileTx(ctx, tx, p.Queue, p.Config, missionID); err != nil {
		return err
	}
	if err := p.Events.Append(ctx, tx, "mission.joined", missionID, "mission", missionID, pipelineActor, events.EventPayload{
		"briefs": total,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// HandleCompile merges all deliverables into the mission report. The report
// upsert plus the guarded status advance make duplicate invocations
// converge on one report and exactly one archive enqueue.
func (p *Pipeline) HandleCompile(ctx context.Context, payload []byte) error {
	var in CompilePayload
	if err := json.Unmarshal(payload, &in); err != nil {
		return queue.Permanent(fmt.Errorf("compile payload: %w", err))
	}
	m, err := p.Repo.GetMission(ctx, in.MissionID)
	if err != nil {
		if err == repo.ErrNotFound {
			return queue.Permanent(fmt.Errorf("compile: mission %s: %w", in.MissionID, err))
		}
		return err
	}
	deliverables, err := p.Repo.ListDeliverables(ctx, m.ID)
	if err != nil {
		return err
	}
	if len(deliverables) == 0 {
		return fmt.Errorf("compile mission %s: no deliverables yet", m.ID)
	}

	markdown, err := p.Gen.GenerateText(ctx, compileSystemPrompt, compileUserPrompt(m, deliverables))
	if err != nil {
		return fmt.Errorf("compile mission %s: %w", m.ID, err)
	}

	now := p.now().UTC().Format(time.RFC3339)
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := p.Repo.UpsertReportTx(ctx, tx, domain.Report{
		MissionID:    m.ID,
		Summary:      reportSummary(m, markdown),
		BodyMarkdown: markdown,
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		return err
	}
	won, err := p.Repo.AdvanceMissionStatusTx(ctx, tx, m.ID, domain.MissionSplit, domain.MissionCompiled, now)
	if err != nil {
		return err
	}
	if won {
		_, err := p.Queue.EnqueueTx(ctx, tx, config.StageArchive, ArchivePayload{MissionID: m.ID}, StageOptions(p.Config, config.StageArchive))
		if err != nil {
			return err
		}
		if err := p.Events.Append(ctx, tx, "mission.compiled", m.ID, "mission", m.ID, pipelineActor, events.EventPayload{
			"deliverables": len(deliverables),
		}); err != nil {
			return err
		}
	} else if err := p.Events.Append(ctx, tx, "report.updated", m.ID, "report", m.ID, pipelineActor, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// HandleArchive pushes the finished mission to the external systems and
// walks the mission to its terminal status. A failed side effect retries
// the whole job; every side effect is repeat-safe.
func (p *Pipeline) HandleArchive(ctx context.Context, payload []byte) error {
	var in ArchivePayload
	if err := json.Unmarshal(payload, &in); err != nil {
		return queue.Permanent(fmt.Errorf("archive payload: %w", err))
	}
	m, err := p.Repo.GetMission(ctx, in.MissionID)
	if err != nil {
		if err == repo.ErrNotFound {
			return queue.Permanent(fmt.Errorf("archive: mission %s: %w", in.MissionID, err))
		}
		return err
	}
	if m.Status == domain.MissionArchived {
		return nil
	}
	rep, err := p.Repo.GetReport(ctx, m.ID)
	if err != nil {
		if err == repo.ErrNotFound {
			return queue.Permanent(fmt.Errorf("archive: mission %s has no report: %w", m.ID, err))
		}
		return err
	}

	// Knowledge base first; the push is an upsert keyed by mission.
	pageID, err := p.Clients.KnowledgeBase.CreateOrUpdatePage(ctx, archive.PageInput{
		MissionID: m.ID,
		Objective: m.Objective,
		Deadline:  stringOrEmpty(m.Deadline),
		Status:    m.Status,
		Markdown:  rep.BodyMarkdown,
	})
	if err != nil {
		return fmt.Errorf("archive mission %s: %w", m.ID, err)
	}
	now := p.now().UTC().Format(time.RFC3339)
	if err := p.record(ctx, func(tx *sql.Tx) error {
		return p.Repo.SetMissionPageIDTx(ctx, tx, m.ID, pageID, now)
	}); err != nil {
		return err
	}

	// Chat notification, skipped when a prior attempt already recorded one.
	if m.MessageID == nil {
		messageID, err := p.Clients.Chat.PostMessage(ctx, p.Config.Archive.Chat.Channel, notifyText(m))
		if err != nil {
			return fmt.Errorf("archive mission %s: %w", m.ID, err)
		}
		if err := p.record(ctx, func(tx *sql.Tx) error {
			if err := p.Repo.SetMissionMessageIDTx(ctx, tx, m.ID, messageID, now); err != nil {
				return err
			}
			if _, err := p.Repo.AdvanceMissionStatusTx(ctx, tx, m.ID, domain.MissionCompiled, domain.MissionNotified, now); err != nil {
				return err
			}
			return p.Events.Append(ctx, tx, "mission.notified", m.ID, "mission", m.ID, pipelineActor, events.EventPayload{
				"message_id": messageID,
			})
		}); err != nil {
			return err
		}
	}

	if err := p.Clients.Mail.Send(ctx, mailSubject(m), mailBody(m, rep)); err != nil {
		return fmt.Errorf("archive mission %s: %w", m.ID, err)
	}
	return p.record(ctx, func(tx *sql.Tx) error {
		if _, err := p.Repo.AdvanceMissionStatusTx(ctx, tx, m.ID, domain.MissionNotified, domain.MissionArchived, now); err != nil {
			return err
		}
		return p.Events.Append(ctx, tx, "mission.archived", m.ID, "mission", m.ID, pipelineActor, events.EventPayload{
			"page_id": pageID,
		})
	})
}

func (p *Pipeline) record(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func reportSummary(m domain.Mission, markdown string) string {
	for _, line := range strings.Split(markdown, "\n") {
		trimmed := strings.TrimSpace(strings.TrimLeft(line, "# "))
		if trimmed != "" {
			return trimmed
		}
	}
	return m.Objective
}

func notifyText(m domain.Mission) string {
	return fmt.Sprintf("Mission report ready: %s (%s)", m.Objective, m.ID)
}

func mailSubject(m domain.Mission) string {
	return fmt.Sprintf("Mission report: %s", m.Objective)
}

func mailBody(m domain.Mission, rep domain.Report) string {
	return fmt.Sprintf("<h1>%s</h1><p>%s</p><pre>%s</pre>", m.Objective, rep.Summary, rep.BodyMarkdown)
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
