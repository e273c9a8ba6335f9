package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"taskforce/internal/archive"
	"taskforce/internal/config"
	"taskforce/internal/db"
	"taskforce/internal/domain"
	"taskforce/internal/engine"
	"taskforce/internal/migrate"
	"taskforce/internal/pipeline"
	"taskforce/internal/queue"
	"taskforce/internal/repo"
)

const fullBriefSet = `{
	"research":   {"goal": "find the facts", "key_questions": ["q1"], "constraints": []},
	"strategy":   {"goal": "pick a course", "key_questions": ["q2"], "constraints": []},
	"operations": {"goal": "plan the work", "key_questions": ["q3"], "constraints": []},
	"comms":      {"goal": "spread the word", "key_questions": ["q4"], "constraints": []}
}`

type fakeGen struct {
	mu             sync.Mutex
	structuredJSON string
	structuredErr  error
	text           func(system, user string) (string, error)
	textCalls      int
}

func (g *fakeGen) GenerateText(ctx context.Context, system, user string) (string, error) {
	g.mu.Lock()
	g.textCalls++
	fn := g.text
	g.mu.Unlock()
	if fn != nil {
		return fn(system, user)
	}
	return "specialist output", nil
}

func (g *fakeGen) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.textCalls
}

func (g *fakeGen) GenerateStructured(ctx context.Context, system, user string, out any) error {
	if g.structuredErr != nil {
		return g.structuredErr
	}
	raw := g.structuredJSON
	if raw == "" {
		raw = fullBriefSet
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

type fakeKB struct {
	calls int
	err   error
}

func (f *fakeKB) CreateOrUpdatePage(ctx context.Context, page archive.PageInput) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "page-" + page.MissionID, nil
}

type fakeChat struct {
	calls int
	err   error
}

func (f *fakeChat) PostMessage(ctx context.Context, channel, text string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("msg-%d", f.calls), nil
}

type fakeMail struct {
	calls int
	err   error
}

func (f *fakeMail) Send(ctx context.Context, subject, html string) error {
	f.calls++
	return f.err
}

type testEnv struct {
	Ctx      context.Context
	Pipeline *pipeline.Pipeline
	Engine   *engine.Engine
	Gen      *fakeGen
	KB       *fakeKB
	Chat     *fakeChat
	Mail     *fakeMail
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
	cfg := config.Default()
	gen := &fakeGen{}
	kb := &fakeKB{}
	chat := &fakeChat{}
	mail := &fakeMail{}
	clients := archive.Clients{KnowledgeBase: kb, Chat: chat, Mail: mail}
	p := pipeline.New(conn, cfg, gen, clients, zerolog.Nop())
	return testEnv{
		Ctx:      context.Background(),
		Pipeline: p,
		Engine:   engine.New(conn, cfg),
		Gen:      gen,
		KB:       kb,
		Chat:     chat,
		Mail:     mail,
	}
}

func (env testEnv) submit(t *testing.T, objective string) domain.Mission {
	t.Helper()
	m, _, err := env.Engine.Submit(env.Ctx, engine.SubmitInput{Objective: objective})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return m
}

func (env testEnv) handler(stage string) queue.Handler {
	switch stage {
	case config.StageSplit:
		return env.Pipeline.HandleSplit
	case config.StageAgent:
		return env.Pipeline.HandleAgent
	case config.StageCompile:
		return env.Pipeline.HandleCompile
	case config.StageArchive:
		return env.Pipeline.HandleArchive
	}
	return nil
}

// runOne claims and executes one job for the stage, acking on success the
// way the runner would.
func (env testEnv) runOne(t *testing.T, stage string) error {
	t.Helper()
	job, ok, err := env.Pipeline.Queue.Claim(env.Ctx, stage)
	if err != nil {
		t.Fatalf("claim %s: %v", stage, err)
	}
	if !ok {
		t.Fatalf("no %s job available", stage)
	}
	handlerErr := env.handler(stage)(env.Ctx, []byte(job.PayloadJSON))
	if handlerErr == nil {
		if err := env.Pipeline.Queue.Ack(env.Ctx, job.ID); err != nil {
			t.Fatalf("ack: %v", err)
		}
	} else if err := env.Pipeline.Queue.Fail(env.Ctx, job, handlerErr); err != nil {
		t.Fatalf("fail: %v", err)
	}
	return handlerErr
}

func (env testEnv) pending(t *testing.T, stage string) int {
	t.Helper()
	n, err := env.Pipeline.Queue.PendingCount(env.Ctx, stage)
	if err != nil {
		t.Fatalf("pending count: %v", err)
	}
	return n
}

func TestSplitFansOutOneBriefPerSpecialist(t *testing.T) {
	env := newTestEnv(t)
	m := env.submit(t, "open a regional office")
	if err := env.runOne(t, config.StageSplit); err != nil {
		t.Fatalf("split: %v", err)
	}

	briefs, err := env.Pipeline.Repo.ListBriefs(env.Ctx, m.ID)
	if err != nil {
		t.Fatalf("list briefs: %v", err)
	}
	if len(briefs) != len(domain.SpecialistKeys) {
		t.Fatalf("briefs = %d, want %d", len(briefs), len(domain.SpecialistKeys))
	}
	seen := map[string]bool{}
	for _, b := range briefs {
		if b.Status != "pending" {
			t.Fatalf("brief %s status = %s", b.AgentKey, b.Status)
		}
		seen[b.AgentKey] = true
	}
	for _, key := range domain.SpecialistKeys {
		if !seen[key] {
			t.Fatalf("missing brief for %s", key)
		}
	}
	if got := env.pending(t, config.StageAgent); got != len(domain.SpecialistKeys) {
		t.Fatalf("agent jobs = %d", got)
	}
	got, err := env.Pipeline.Repo.GetMission(env.Ctx, m.ID)
	if err != nil || got.Status != domain.MissionSplit {
		t.Fatalf("mission status = %s err=%v", got.Status, err)
	}
}

func TestSplitRejectsIncompleteBriefSet(t *testing.T) {
	env := newTestEnv(t)
	env.Gen.structuredJSON = `{"research": {"goal": "only one"}}`
	m := env.submit(t, "incomplete fan-out")

	err := env.runOne(t, config.StageSplit)
	if err == nil {
		t.Fatalf("expected split error")
	}
	if queue.IsPermanent(err) {
		t.Fatalf("schema slip should be retryable, got permanent: %v", err)
	}
	briefs, _ := env.Pipeline.Repo.ListBriefs(env.Ctx, m.ID)
	if len(briefs) != 0 {
		t.Fatalf("briefs written despite failure: %d", len(briefs))
	}
	got, _ := env.Pipeline.Repo.GetMission(env.Ctx, m.ID)
	if got.Status != domain.MissionReceived {
		t.Fatalf("mission status = %s", got.Status)
	}
}

func TestSplitUnknownMissionIsPermanent(t *testing.T) {
	env := newTestEnv(t)
	payload, _ := json.Marshal(pipeline.SplitPayload{MissionID: "no-such-mission"})
	err := env.Pipeline.HandleSplit(env.Ctx, payload)
	if err == nil || !queue.IsPermanent(err) {
		t.Fatalf("want permanent error, got %v", err)
	}
}

func TestAgentFanInEnqueuesCompileExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	m := env.submit(t, "launch the product")
	if err := env.runOne(t, config.StageSplit); err != nil {
		t.Fatalf("split: %v", err)
	}

	for i := 0; i < len(domain.SpecialistKeys); i++ {
		if err := env.runOne(t, config.StageAgent); err != nil {
			t.Fatalf("agent %d: %v", i, err)
		}
		want := 0
		if i == len(domain.SpecialistKeys)-1 {
			want = 1
		}
		if got := env.pending(t, config.StageCompile); got != want {
			t.Fatalf("compile jobs after agent %d = %d, want %d", i, got, want)
		}
	}

	deliverables, err := env.Pipeline.Repo.ListDeliverables(env.Ctx, m.ID)
	if err != nil || len(deliverables) != len(domain.SpecialistKeys) {
		t.Fatalf("deliverables = %d err=%v", len(deliverables), err)
	}
	briefs, _ := env.Pipeline.Repo.ListBriefs(env.Ctx, m.ID)
	for _, b := range briefs {
		if b.Status != "done" {
			t.Fatalf("brief %s not done", b.AgentKey)
		}
	}
	if env.Gen.textCalls != len(domain.SpecialistKeys) {
		t.Fatalf("model calls = %d", env.Gen.textCalls)
	}
}

func TestAgentRetrySkipsModelForDoneBrief(t *testing.T) {
	env := newTestEnv(t)
	m := env.submit(t, "replay safety")
	if err := env.runOne(t, config.StageSplit); err != nil {
		t.Fatalf("split: %v", err)
	}
	if err := env.runOne(t, config.StageAgent); err != nil {
		t.Fatalf("agent: %v", err)
	}
	briefs, _ := env.Pipeline.Repo.ListBriefs(env.Ctx, m.ID)
	var done domain.Brief
	for _, b := range briefs {
		if b.Status == "done" {
			done = b
		}
	}
	if done.ID == "" {
		t.Fatalf("no done brief")
	}

	env.Gen.text = func(string, string) (string, error) {
		t.Fatalf("model re-invoked for done brief")
		return "", nil
	}
	payload, _ := json.Marshal(pipeline.AgentPayload{MissionID: m.ID, BriefID: done.ID, AgentKey: done.AgentKey})
	if err := env.Pipeline.HandleAgent(env.Ctx, payload); err != nil {
		t.Fatalf("replay: %v", err)
	}
	// only 1 of 4 briefs is done, so the replayed join must not fire
	if got := env.pending(t, config.StageCompile); got != 0 {
		t.Fatalf("compile enqueued early: %d", got)
	}
}

func TestConcurrentAgentsProduceAllDeliverables(t *testing.T) {
	env := newTestEnv(t)
	m := env.submit(t, "parallel specialists")
	if err := env.runOne(t, config.StageSplit); err != nil {
		t.Fatalf("split: %v", err)
	}

	// barrier: no agent returns from the model until every agent is
	// suspended in it, the worst case for database contention
	var inFlight sync.WaitGroup
	inFlight.Add(len(domain.SpecialistKeys))
	release := make(chan struct{})
	go func() {
		inFlight.Wait()
		close(release)
	}()
	env.Gen.text = func(system, user string) (string, error) {
		inFlight.Done()
		<-release
		return "specialist output", nil
	}

	var jobs []domain.Job
	for i := 0; i < len(domain.SpecialistKeys); i++ {
		job, ok, err := env.Pipeline.Queue.Claim(env.Ctx, config.StageAgent)
		if err != nil || !ok {
			t.Fatalf("claim %d: ok=%v err=%v", i, ok, err)
		}
		jobs = append(jobs, job)
	}
	errs := make(chan error, len(jobs))
	for _, job := range jobs {
		go func(payload string) {
			errs <- env.Pipeline.HandleAgent(env.Ctx, []byte(payload))
		}(job.PayloadJSON)
	}
	for range jobs {
		if err := <-errs; err != nil {
			t.Fatalf("concurrent agent: %v", err)
		}
	}
	for _, job := range jobs {
		if err := env.Pipeline.Queue.Ack(env.Ctx, job.ID); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}

	deliverables, err := env.Pipeline.Repo.ListDeliverables(env.Ctx, m.ID)
	if err != nil || len(deliverables) != len(domain.SpecialistKeys) {
		t.Fatalf("deliverables = %d err=%v", len(deliverables), err)
	}
	if env.Gen.calls() != len(domain.SpecialistKeys) {
		t.Fatalf("model calls = %d", env.Gen.calls())
	}
	briefs, _ := env.Pipeline.Repo.ListBriefs(env.Ctx, m.ID)
	for _, b := range briefs {
		if b.Status != "done" {
			t.Fatalf("brief %s not done", b.AgentKey)
		}
	}
	// concurrent finishers may double-enqueue; compile absorbs that
	if got := env.pending(t, config.StageCompile); got < 1 {
		t.Fatalf("compile jobs = %d", got)
	}
}

func TestAgentRetriesConvergeOnOneDeliverable(t *testing.T) {
	env := newTestEnv(t)
	m := env.submit(t, "flaky model")
	if err := env.runOne(t, config.StageSplit); err != nil {
		t.Fatalf("split: %v", err)
	}
	briefs, err := env.Pipeline.Repo.ListBriefs(env.Ctx, m.ID)
	if err != nil || len(briefs) == 0 {
		t.Fatalf("briefs = %d err=%v", len(briefs), err)
	}
	b := briefs[0]
	payload, _ := json.Marshal(pipeline.AgentPayload{MissionID: m.ID, BriefID: b.ID, AgentKey: b.AgentKey})

	failures := 2
	env.Gen.text = func(system, user string) (string, error) {
		if failures > 0 {
			failures--
			return "", errors.New("model timeout")
		}
		return "specialist output", nil
	}
	for i := 0; i < 2; i++ {
		err := env.Pipeline.HandleAgent(env.Ctx, payload)
		if err == nil {
			t.Fatalf("attempt %d should fail", i+1)
		}
		if queue.IsPermanent(err) {
			t.Fatalf("model failure must stay retryable: %v", err)
		}
	}
	// the failed attempts committed nothing
	if _, err := env.Pipeline.Repo.GetDeliverableByBrief(env.Ctx, b.ID); err != repo.ErrNotFound {
		t.Fatalf("deliverable after failed attempts: err=%v", err)
	}

	if err := env.Pipeline.HandleAgent(env.Ctx, payload); err != nil {
		t.Fatalf("third attempt: %v", err)
	}
	got, err := env.Pipeline.Repo.GetBrief(env.Ctx, b.ID)
	if err != nil || got.Status != "done" {
		t.Fatalf("brief status = %s err=%v", got.Status, err)
	}
	deliverables, _ := env.Pipeline.Repo.ListDeliverables(env.Ctx, m.ID)
	if len(deliverables) != 1 {
		t.Fatalf("deliverables = %d", len(deliverables))
	}
	if env.Gen.textCalls != 3 {
		t.Fatalf("model calls = %d, want 3", env.Gen.textCalls)
	}
	// a replay after success is a pure no-op
	if err := env.Pipeline.HandleAgent(env.Ctx, payload); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if env.Gen.textCalls != 3 {
		t.Fatalf("replay re-invoked the model: calls = %d", env.Gen.textCalls)
	}
}

func TestAgentReplayReusesPersistedDeliverable(t *testing.T) {
	env := newTestEnv(t)
	m := env.submit(t, "resume after crash")
	if err := env.runOne(t, config.StageSplit); err != nil {
		t.Fatalf("split: %v", err)
	}
	briefs, _ := env.Pipeline.Repo.ListBriefs(env.Ctx, m.ID)
	b := briefs[0]

	// a deliverable already exists for the still-pending brief, the state a
	// crashed worker from another process leaves behind
	tx, err := env.Pipeline.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := env.Pipeline.Repo.InsertDeliverableTx(env.Ctx, tx, domain.Deliverable{
		ID:        uuid.New().String(),
		MissionID: m.ID,
		BriefID:   b.ID,
		AgentKey:  b.AgentKey,
		Output:    "recovered output",
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("insert deliverable: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	env.Gen.text = func(string, string) (string, error) {
		t.Fatalf("model re-invoked for persisted deliverable")
		return "", nil
	}
	payload, _ := json.Marshal(pipeline.AgentPayload{MissionID: m.ID, BriefID: b.ID, AgentKey: b.AgentKey})
	if err := env.Pipeline.HandleAgent(env.Ctx, payload); err != nil {
		t.Fatalf("replay: %v", err)
	}
	got, _ := env.Pipeline.Repo.GetBrief(env.Ctx, b.ID)
	if got.Status != "done" {
		t.Fatalf("brief status = %s", got.Status)
	}
	d, err := env.Pipeline.Repo.GetDeliverableByBrief(env.Ctx, b.ID)
	if err != nil || d.Output != "recovered output" {
		t.Fatalf("deliverable = %+v err=%v", d, err)
	}
}

func driveToCompiled(t *testing.T, env testEnv, objective string) domain.Mission {
	t.Helper()
	m := env.submit(t, objective)
	if err := env.runOne(t, config.StageSplit); err != nil {
		t.Fatalf("split: %v", err)
	}
	for i := 0; i < len(domain.SpecialistKeys); i++ {
		if err := env.runOne(t, config.StageAgent); err != nil {
			t.Fatalf("agent: %v", err)
		}
	}
	if err := env.runOne(t, config.StageCompile); err != nil {
		t.Fatalf("compile: %v", err)
	}
	return m
}

func TestCompileWritesReportAndArchivesOnce(t *testing.T) {
	env := newTestEnv(t)
	env.Gen.text = func(system, user string) (string, error) {
		if strings.Contains(system, "mission editor") {
			return "# Launch Report\n\nEverything is ready.", nil
		}
		return "specialist output", nil
	}
	m := driveToCompiled(t, env, "compile convergence")

	rep, err := env.Pipeline.Repo.GetReport(env.Ctx, m.ID)
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if rep.Summary != "Launch Report" {
		t.Fatalf("summary = %q", rep.Summary)
	}
	got, _ := env.Pipeline.Repo.GetMission(env.Ctx, m.ID)
	if got.Status != domain.MissionCompiled {
		t.Fatalf("status = %s", got.Status)
	}
	if env.pending(t, config.StageArchive) != 1 {
		t.Fatalf("archive jobs = %d", env.pending(t, config.StageArchive))
	}

	// a duplicate compile (lost the status guard) rewrites the report but
	// never enqueues a second archive job
	payload, _ := json.Marshal(pipeline.CompilePayload{MissionID: m.ID})
	if err := env.Pipeline.HandleCompile(env.Ctx, payload); err != nil {
		t.Fatalf("duplicate compile: %v", err)
	}
	if env.pending(t, config.StageArchive) != 1 {
		t.Fatalf("archive jobs after duplicate = %d", env.pending(t, config.StageArchive))
	}
}

func TestArchiveWalksMissionToTerminalStatus(t *testing.T) {
	env := newTestEnv(t)
	m := driveToCompiled(t, env, "archive happy path")
	if err := env.runOne(t, config.StageArchive); err != nil {
		t.Fatalf("archive: %v", err)
	}

	got, _ := env.Pipeline.Repo.GetMission(env.Ctx, m.ID)
	if got.Status != domain.MissionArchived {
		t.Fatalf("status = %s", got.Status)
	}
	if got.PageID == nil || *got.PageID != "page-"+m.ID {
		t.Fatalf("page_id = %v", got.PageID)
	}
	if got.MessageID == nil {
		t.Fatalf("message_id not recorded")
	}
	if env.KB.calls != 1 || env.Chat.calls != 1 || env.Mail.calls != 1 {
		t.Fatalf("side effects kb=%d chat=%d mail=%d", env.KB.calls, env.Chat.calls, env.Mail.calls)
	}

	// a replay of the whole job is a no-op
	payload, _ := json.Marshal(pipeline.ArchivePayload{MissionID: m.ID})
	if err := env.Pipeline.HandleArchive(env.Ctx, payload); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if env.KB.calls != 1 || env.Chat.calls != 1 || env.Mail.calls != 1 {
		t.Fatalf("replay repeated side effects kb=%d chat=%d mail=%d", env.KB.calls, env.Chat.calls, env.Mail.calls)
	}
}

func TestArchiveRetryAfterNotifyFailure(t *testing.T) {
	env := newTestEnv(t)
	env.Chat.err = errors.New("chat down")
	m := driveToCompiled(t, env, "archive with flaky chat")

	if err := env.runOne(t, config.StageArchive); err == nil {
		t.Fatalf("expected archive failure")
	}
	got, _ := env.Pipeline.Repo.GetMission(env.Ctx, m.ID)
	if got.Status != domain.MissionCompiled {
		t.Fatalf("status rolled elsewhere: %s", got.Status)
	}
	// the knowledge-base push landed before the failure and is recorded
	if got.PageID == nil {
		t.Fatalf("page_id lost on retry path")
	}
	if env.Mail.calls != 0 {
		t.Fatalf("mail sent before notification succeeded")
	}

	env.Chat.err = nil
	payload, _ := json.Marshal(pipeline.ArchivePayload{MissionID: m.ID})
	if err := env.Pipeline.HandleArchive(env.Ctx, payload); err != nil {
		t.Fatalf("retry: %v", err)
	}
	got, _ = env.Pipeline.Repo.GetMission(env.Ctx, m.ID)
	if got.Status != domain.MissionArchived {
		t.Fatalf("status = %s", got.Status)
	}
	if env.Mail.calls != 1 {
		t.Fatalf("mail calls = %d", env.Mail.calls)
	}
}
