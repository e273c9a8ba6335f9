package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"taskforce/internal/config"
	"taskforce/internal/db"
	"taskforce/internal/domain"
	"taskforce/internal/engine"
	"taskforce/internal/migrate"
	"taskforce/internal/repo"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func TestSubmitCreatesMissionAndSplitJob(t *testing.T) {
	env := newTestEnv(t)
	m, duplicate, err := env.Engine.Submit(env.Ctx, engine.SubmitInput{
		Objective:     "open the Berlin office",
		SourceEventID: "evt-1",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if duplicate {
		t.Fatalf("fresh submit reported duplicate")
	}
	if m.Status != domain.MissionReceived {
		t.Fatalf("status = %s", m.Status)
	}
	if m.Source != "api" {
		t.Fatalf("source = %s, want config default", m.Source)
	}
	n, err := env.Engine.Queue.PendingCount(env.Ctx, config.StageSplit)
	if err != nil || n != 1 {
		t.Fatalf("split jobs = %d err=%v", n, err)
	}
}

func TestSubmitRequiresObjective(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.Engine.Submit(env.Ctx, engine.SubmitInput{Objective: "   "})
	if !errors.Is(err, engine.ErrObjectiveRequired) {
		t.Fatalf("err = %v", err)
	}
}

func TestSubmitDeduplicatesBySourceEvent(t *testing.T) {
	env := newTestEnv(t)
	first, _, err := env.Engine.Submit(env.Ctx, engine.SubmitInput{
		Objective:     "plan the offsite",
		SourceEventID: "evt-7",
	})
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, duplicate, err := env.Engine.Submit(env.Ctx, engine.SubmitInput{
		Objective:     "plan the offsite (edited)",
		SourceEventID: "evt-7",
	})
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if !duplicate {
		t.Fatalf("resubmit not reported duplicate")
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate returned different mission: %s vs %s", second.ID, first.ID)
	}
	missions, err := env.Engine.ListMissions(env.Ctx, missionFilters())
	if err != nil || len(missions) != 1 {
		t.Fatalf("missions = %d err=%v", len(missions), err)
	}
	n, _ := env.Engine.Queue.PendingCount(env.Ctx, config.StageSplit)
	if n != 1 {
		t.Fatalf("split jobs = %d", n)
	}
}

func TestSubmitWithoutEventIDNeverDeduplicates(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 2; i++ {
		if _, duplicate, err := env.Engine.Submit(env.Ctx, engine.SubmitInput{Objective: "same words"}); err != nil || duplicate {
			t.Fatalf("submit %d: dup=%v err=%v", i, duplicate, err)
		}
	}
	missions, _ := env.Engine.ListMissions(env.Ctx, missionFilters())
	if len(missions) != 2 {
		t.Fatalf("missions = %d", len(missions))
	}
}

func TestIntakeClaimIsExclusive(t *testing.T) {
	env := newTestEnv(t)
	r := env.Engine.Repo
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := r.UpsertIntakeRecordTx(env.Ctx, tx, domain.IntakeRecord{ExternalID: "evt-x", Source: "api", CreatedAt: now}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	won, err := r.MarkIntakeProcessedTx(env.Ctx, tx, "evt-x", "mission-a", now)
	if err != nil || !won {
		t.Fatalf("first claim won=%v err=%v", won, err)
	}
	won, err = r.MarkIntakeProcessedTx(env.Ctx, tx, "evt-x", "mission-b", now)
	if err != nil || won {
		t.Fatalf("second claim won=%v err=%v", won, err)
	}
}

func TestMissionStatusNeverMovesBackward(t *testing.T) {
	env := newTestEnv(t)
	m, _, err := env.Engine.Submit(env.Ctx, engine.SubmitInput{Objective: "guard check"})
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	won, err := env.Engine.Repo.AdvanceMissionStatusTx(env.Ctx, tx, m.ID, domain.MissionReceived, domain.MissionSplit, now)
	if err != nil || !won {
		t.Fatalf("advance won=%v err=%v", won, err)
	}
	won, err = env.Engine.Repo.AdvanceMissionStatusTx(env.Ctx, tx, m.ID, domain.MissionReceived, domain.MissionSplit, now)
	if err != nil || won {
		t.Fatalf("stale advance won=%v err=%v", won, err)
	}
}

func TestRegenerateRequiresDeliverables(t *testing.T) {
	env := newTestEnv(t)
	m, _, err := env.Engine.Submit(env.Ctx, engine.SubmitInput{Objective: "too early"})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.RegenerateReport(env.Ctx, m.ID, "test"); !errors.Is(err, engine.ErrNotReady) {
		t.Fatalf("err = %v", err)
	}
}

func TestRegenerateEnqueuesCompile(t *testing.T) {
	env := newTestEnv(t)
	m, _, err := env.Engine.Submit(env.Ctx, engine.SubmitInput{Objective: "rebuild me"})
	if err != nil {
		t.Fatal(err)
	}
	seedDeliverable(t, env, m.ID, "research", "done")
	if err := env.Engine.RegenerateReport(env.Ctx, m.ID, "test"); err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	n, _ := env.Engine.Queue.PendingCount(env.Ctx, config.StageCompile)
	if n != 1 {
		t.Fatalf("compile jobs = %d", n)
	}
}

func TestMissionDetailProgress(t *testing.T) {
	env := newTestEnv(t)
	m, _, err := env.Engine.Submit(env.Ctx, engine.SubmitInput{Objective: "progress view"})
	if err != nil {
		t.Fatal(err)
	}
	seedDeliverable(t, env, m.ID, "research", "done")
	seedBrief(t, env, m.ID, "strategy", "pending")

	detail, err := env.Engine.Mission(env.Ctx, m.ID)
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	if detail.Progress.Total != 2 || detail.Progress.Done != 1 {
		t.Fatalf("progress = %+v", detail.Progress)
	}
	if detail.Report != nil {
		t.Fatalf("unexpected report")
	}
}

func seedBrief(t *testing.T, env testEnv, missionID, agentKey, status string) domain.Brief {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	b := domain.Brief{
		ID:          uuid.New().String(),
		MissionID:   missionID,
		AgentKey:    agentKey,
		ContentJSON: `{"goal":"test"}`,
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := env.Engine.Repo.InsertBriefTx(env.Ctx, tx, b); err != nil {
		t.Fatalf("insert brief: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return b
}

func seedDeliverable(t *testing.T, env testEnv, missionID, agentKey, briefStatus string) {
	t.Helper()
	b := seedBrief(t, env, missionID, agentKey, briefStatus)
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	d := domain.Deliverable{
		ID:        uuid.New().String(),
		MissionID: missionID,
		BriefID:   b.ID,
		AgentKey:  agentKey,
		Output:    "seeded output",
		CreatedAt: now,
	}
	if err := env.Engine.Repo.InsertDeliverableTx(env.Ctx, tx, d); err != nil {
		t.Fatalf("insert deliverable: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func missionFilters() repo.MissionFilters { return repo.MissionFilters{} }
