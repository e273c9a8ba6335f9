package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"taskforce/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const missionColumns = `id,objective,deadline,priority,context,source,source_event_id,status,page_id,message_id,created_at,updated_at`

func scanMission(scan func(dest ...any) error) (domain.Mission, error) {
	var m domain.Mission
	var deadline, priority, mctx, pageID, messageID sql.NullString
	err := scan(&m.ID, &m.Objective, &deadline, &priority, &mctx, &m.Source, &m.SourceEventID, &m.Status, &pageID, &messageID, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if deadline.Valid {
		m.Deadline = &deadline.String
	}
	if priority.Valid {
		m.Priority = &priority.String
	}
	if mctx.Valid {
		m.Context = &mctx.String
	}
	if pageID.Valid {
		m.PageID = &pageID.String
	}
	if messageID.Valid {
		m.MessageID = &messageID.String
	}
	return m, nil
}

func (r Repo) InsertMissionTx(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO missions(`+missionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.Objective, nullableStringPtr(m.Deadline), nullableStringPtr(m.Priority), nullableStringPtr(m.Context),
		m.Source, m.SourceEventID, m.Status, nullableStringPtr(m.PageID), nullableStringPtr(m.MessageID), m.CreatedAt, m.UpdatedAt)
	return err
}

func (r Repo) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id)
	return scanMission(row.Scan)
}

func (r Repo) GetMissionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Mission, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id)
	return scanMission(row.Scan)
}

type MissionFilters struct {
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListMissions(ctx context.Context, f MissionFilters) ([]domain.Mission, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + missionColumns + ` FROM missions ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mission
	for rows.Next() {
		m, err := scanMission(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// AdvanceMissionStatusTx moves a mission from one status to the next with an
// atomic check-and-set. It reports whether this call won the transition,
// which is how duplicate stage invocations are absorbed.
func (r Repo) AdvanceMissionStatusTx(ctx context.Context, tx *sql.Tx, id, from, to, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE missions SET status=?, updated_at=? WHERE id=? AND status=?`, to, now, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) SetMissionPageIDTx(ctx context.Context, tx *sql.Tx, id, pageID, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE missions SET page_id=?, updated_at=? WHERE id=?`, pageID, now, id)
	return err
}

func (r Repo) SetMissionMessageIDTx(ctx context.Context, tx *sql.Tx, id, messageID, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE missions SET message_id=?, updated_at=? WHERE id=?`, messageID, now, id)
	return err
}

func (r Repo) GetIntakeRecordTx(ctx context.Context, tx *sql.Tx, externalID string) (domain.IntakeRecord, error) {
	var rec domain.IntakeRecord
	var payload, missionID, processedAt sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT external_id,source,payload_json,mission_id,processed_at,created_at FROM intake_records WHERE external_id=?`, externalID).
		Scan(&rec.ExternalID, &rec.Source, &payload, &missionID, &processedAt, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if payload.Valid {
		rec.PayloadJSON = payload.String
	}
	if missionID.Valid {
		rec.MissionID = &missionID.String
	}
	if processedAt.Valid {
		rec.ProcessedAt = &processedAt.String
	}
	return rec, nil
}

// UpsertIntakeRecordTx creates the record or refreshes the raw payload of an
// unprocessed one. A processed record is never touched by callers.
func (r Repo) UpsertIntakeRecordTx(ctx context.Context, tx *sql.Tx, rec domain.IntakeRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO intake_records(external_id,source,payload_json,mission_id,processed_at,created_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(external_id) DO UPDATE SET source=excluded.source, payload_json=excluded.payload_json`,
		rec.ExternalID, rec.Source, nullable(rec.PayloadJSON), nullableStringPtr(rec.MissionID), nullableStringPtr(rec.ProcessedAt), rec.CreatedAt)
	return err
}

// MarkIntakeProcessedTx claims the record for a mission. The processed_at
// guard makes the claim exclusive: a concurrent submit of the same event
// loses the update and must adopt the winner's mission.
func (r Repo) MarkIntakeProcessedTx(ctx context.Context, tx *sql.Tx, externalID, missionID, processedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE intake_records SET mission_id=?, processed_at=? WHERE external_id=? AND processed_at IS NULL`,
		missionID, processedAt, externalID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetIntakeRecord is the non-tx read, used after losing the processed claim.
func (r Repo) GetIntakeRecord(ctx context.Context, externalID string) (domain.IntakeRecord, error) {
	var rec domain.IntakeRecord
	var payload, missionID, processedAt sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT external_id,source,payload_json,mission_id,processed_at,created_at FROM intake_records WHERE external_id=?`, externalID).
		Scan(&rec.ExternalID, &rec.Source, &payload, &missionID, &processedAt, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if payload.Valid {
		rec.PayloadJSON = payload.String
	}
	if missionID.Valid {
		rec.MissionID = &missionID.String
	}
	if processedAt.Valid {
		rec.ProcessedAt = &processedAt.String
	}
	return rec, nil
}

func (r Repo) InsertBriefTx(ctx context.Context, tx *sql.Tx, b domain.Brief) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO briefs(id,mission_id,agent_key,content_json,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		b.ID, b.MissionID, b.AgentKey, b.ContentJSON, b.Status, b.CreatedAt, b.UpdatedAt)
	return err
}

func (r Repo) GetBrief(ctx context.Context, id string) (domain.Brief, error) {
	var b domain.Brief
	err := r.DB.QueryRowContext(ctx, `SELECT id,mission_id,agent_key,content_json,status,created_at,updated_at FROM briefs WHERE id=?`, id).
		Scan(&b.ID, &b.MissionID, &b.AgentKey, &b.ContentJSON, &b.Status, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	return b, err
}

func (r Repo) ListBriefs(ctx context.Context, missionID string) ([]domain.Brief, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,mission_id,agent_key,content_json,status,created_at,updated_at FROM briefs WHERE mission_id=? ORDER BY agent_key ASC`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Brief
	for rows.Next() {
		var b domain.Brief
		if err := rows.Scan(&b.ID, &b.MissionID, &b.AgentKey, &b.ContentJSON, &b.Status, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) CountBriefsTx(ctx context.Context, tx *sql.Tx, missionID string) (total, done int, err error) {
	err = tx.QueryRowContext(ctx, `SELECT count(*), count(CASE WHEN status='done' THEN 1 END) FROM briefs WHERE mission_id=?`, missionID).
		Scan(&total, &done)
	return total, done, err
}

func (r Repo) MarkBriefDoneTx(ctx context.Context, tx *sql.Tx, id, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE briefs SET status='done', updated_at=? WHERE id=?`, now, id)
	return err
}

func (r Repo) InsertDeliverableTx(ctx context.Context, tx *sql.Tx, d domain.Deliverable) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO deliverables(id,mission_id,brief_id,agent_key,output,created_at) VALUES (?,?,?,?,?,?)`,
		d.ID, d.MissionID, d.BriefID, d.AgentKey, d.Output, d.CreatedAt)
	return err
}

func (r Repo) GetDeliverableByBriefTx(ctx context.Context, tx *sql.Tx, briefID string) (domain.Deliverable, error) {
	return scanDeliverable(tx.QueryRowContext(ctx, `SELECT id,mission_id,brief_id,agent_key,output,created_at FROM deliverables WHERE brief_id=?`, briefID))
}

func (r Repo) GetDeliverableByBrief(ctx context.Context, briefID string) (domain.Deliverable, error) {
	return scanDeliverable(r.DB.QueryRowContext(ctx, `SELECT id,mission_id,brief_id,agent_key,output,created_at FROM deliverables WHERE brief_id=?`, briefID))
}

func scanDeliverable(row *sql.Row) (domain.Deliverable, error) {
	var d domain.Deliverable
	err := row.Scan(&d.ID, &d.MissionID, &d.BriefID, &d.AgentKey, &d.Output, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

func (r Repo) ListDeliverables(ctx context.Context, missionID string) ([]domain.Deliverable, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,mission_id,brief_id,agent_key,output,created_at FROM deliverables WHERE mission_id=? ORDER BY agent_key ASC`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Deliverable
	for rows.Next() {
		var d domain.Deliverable
		if err := rows.Scan(&d.ID, &d.MissionID, &d.BriefID, &d.AgentKey, &d.Output, &d.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// UpsertReportTx writes the single live report for a mission. A re-run
// overwrites; it never duplicates. created_at survives overwrites.
func (r Repo) UpsertReportTx(ctx context.Context, tx *sql.Tx, rep domain.Report) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reports(mission_id,summary,body_markdown,created_at,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(mission_id) DO UPDATE SET summary=excluded.summary, body_markdown=excluded.body_markdown, updated_at=excluded.updated_at`,
		rep.MissionID, rep.Summary, rep.BodyMarkdown, rep.CreatedAt, rep.UpdatedAt)
	return err
}

func (r Repo) GetReport(ctx context.Context, missionID string) (domain.Report, error) {
	var rep domain.Report
	err := r.DB.QueryRowContext(ctx, `SELECT mission_id,summary,body_markdown,created_at,updated_at FROM reports WHERE mission_id=?`, missionID).
		Scan(&rep.MissionID, &rep.Summary, &rep.BodyMarkdown, &rep.CreatedAt, &rep.UpdatedAt)
	if err == sql.ErrNoRows {
		return rep, ErrNotFound
	}
	return rep, err
}

func (r Repo) CountDeliverables(ctx context.Context, missionID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM deliverables WHERE mission_id=?`, missionID).Scan(&n)
	return n, err
}

func (r Repo) LatestEvents(ctx context.Context, limit int, missionID, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if missionID != "" {
		clauses = append(clauses, "mission_id=?")
		args = append(args, missionID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,mission_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,mission_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var missionID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &missionID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if missionID.Valid {
			e.MissionID = missionID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
