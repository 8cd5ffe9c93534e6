package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/theonetruejesse/judge-gym/internal/model"
)

// row is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type row interface {
	Scan(dest ...any) error
}

type rows interface {
	row
	Next() bool
	Err() error
	Close()
}

// conn is the dialect seam between the SQL core and a driver. Queries are
// written with ? placeholders; drivers rebind as needed.
type conn interface {
	exec(ctx context.Context, q string, args ...any) (int64, error)
	query(ctx context.Context, q string, args ...any) (rows, error)
	queryRow(ctx context.Context, q string, args ...any) row
	insertRows(ctx context.Context, table string, columns []string, values [][]any) error
	isUniqueViolation(err error) bool
	isNoRows(err error) bool
}

// sqlStore implements every Store data method on top of a conn.
type sqlStore struct {
	c    conn
	name string
}

// rebind rewrites ? placeholders as $1..$n.
func rebind(q string) string {
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (s *sqlStore) wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	return eris.Wrap(err, s.name+": "+op)
}

func (s *sqlStore) insertErr(err error, op string) error {
	if s.c.isUniqueViolation(err) {
		return ErrDuplicate
	}
	return s.wrap(err, op)
}

func newID(id string) string {
	if id != "" {
		return id
	}
	return uuid.New().String()
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func toJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", eris.Wrap(err, "marshal json")
	}
	return string(b), nil
}

func fromJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return eris.Wrap(json.Unmarshal(data, v), "unmarshal json")
}

// --- Windows ---

const windowCols = `id, concept, country, start_date, end_date, model, created_at`

func scanWindow(r row) (*model.Window, error) {
	var w model.Window
	err := r.Scan(&w.ID, &w.Concept, &w.Country, &w.StartDate, &w.EndDate, &w.Model, &w.CreatedAt)
	return &w, err
}

func (s *sqlStore) getWindowWhere(ctx context.Context, where string, arg any) (*model.Window, error) {
	w, err := scanWindow(s.c.queryRow(ctx, `SELECT `+windowCols+` FROM windows WHERE `+where, arg))
	if err != nil {
		if s.c.isNoRows(err) {
			return nil, nil
		}
		return nil, s.wrap(err, "get window")
	}
	return w, nil
}

func (s *sqlStore) GetWindow(ctx context.Context, id string) (*model.Window, error) {
	return s.getWindowWhere(ctx, `id = ?`, id)
}

func (s *sqlStore) GetOrCreateWindow(ctx context.Context, scope model.WindowScope) (*model.Window, error) {
	key := scope.Key()
	if w, err := s.getWindowWhere(ctx, `scope_key = ?`, key); err != nil || w != nil {
		return w, err
	}

	w := &model.Window{ID: uuid.New().String(), WindowScope: scope, CreatedAt: time.Now().UTC()}
	_, err := s.c.exec(ctx,
		`INSERT INTO windows (id, scope_key, concept, country, start_date, end_date, model, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, key, w.Concept, w.Country, w.StartDate, w.EndDate, w.Model, w.CreatedAt,
	)
	if s.c.isUniqueViolation(err) {
		return s.getWindowWhere(ctx, `scope_key = ?`, key)
	}
	if err != nil {
		return nil, s.wrap(err, "insert window")
	}
	return w, nil
}

// --- Experiments ---

const experimentCols = `id, tag, window_id, task_type, config, status, active_run_id, created_at`

func scanExperiment(r row) (*model.Experiment, error) {
	var e model.Experiment
	var cfg []byte
	if err := r.Scan(&e.ID, &e.Tag, &e.WindowID, &e.TaskType, &cfg, &e.Status, &e.ActiveRunID, &e.CreatedAt); err != nil {
		return nil, err
	}
	return &e, fromJSON(cfg, &e.Config)
}

func (s *sqlStore) CreateExperiment(ctx context.Context, exp *model.Experiment) error {
	exp.ID = newID(exp.ID)
	exp.CreatedAt = stamp(exp.CreatedAt)
	if exp.Status == "" {
		exp.Status = model.ExperimentStatusPending
	}
	cfg, err := toJSON(exp.Config)
	if err != nil {
		return s.wrap(err, "create experiment")
	}
	_, err = s.c.exec(ctx,
		`INSERT INTO experiments (`+experimentCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		exp.ID, exp.Tag, exp.WindowID, exp.TaskType, cfg, string(exp.Status), exp.ActiveRunID, exp.CreatedAt,
	)
	return s.insertErr(err, "insert experiment")
}

func (s *sqlStore) getExperimentWhere(ctx context.Context, where string, arg any) (*model.Experiment, error) {
	e, err := scanExperiment(s.c.queryRow(ctx, `SELECT `+experimentCols+` FROM experiments WHERE `+where, arg))
	if err != nil {
		if s.c.isNoRows(err) {
			return nil, nil
		}
		return nil, s.wrap(err, "get experiment")
	}
	return e, nil
}

func (s *sqlStore) GetExperiment(ctx context.Context, id string) (*model.Experiment, error) {
	return s.getExperimentWhere(ctx, `id = ?`, id)
}

func (s *sqlStore) GetExperimentByTag(ctx context.Context, tag string) (*model.Experiment, error) {
	return s.getExperimentWhere(ctx, `tag = ?`, tag)
}

func (s *sqlStore) UpdateExperimentState(ctx context.Context, id string, status model.ExperimentStatus, activeRunID string) error {
	n, err := s.c.exec(ctx,
		`UPDATE experiments SET status = ?, active_run_id = ? WHERE id = ?`,
		string(status), activeRunID, id,
	)
	if err != nil {
		return s.wrap(err, "update experiment "+id)
	}
	if n == 0 {
		return eris.Errorf("experiment not found: %s", id)
	}
	return nil
}

// --- Evidence ---

const evidenceCols = `id, window_id, title, url, normalized_url, raw_content, cleaned_content, neutralized_content, abstracted_content, created_at`

func scanEvidence(r row) (*model.Evidence, error) {
	var e model.Evidence
	err := r.Scan(&e.ID, &e.WindowID, &e.Title, &e.URL, &e.NormalizedURL, &e.RawContent,
		&e.CleanedContent, &e.NeutralizedContent, &e.AbstractedContent, &e.CreatedAt)
	return &e, err
}

func (s *sqlStore) InsertEvidence(ctx context.Context, ev *model.Evidence) error {
	ev.ID = newID(ev.ID)
	ev.CreatedAt = stamp(ev.CreatedAt)
	_, err := s.c.exec(ctx,
		`INSERT INTO evidence (`+evidenceCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.WindowID, ev.Title, ev.URL, ev.NormalizedURL, ev.RawContent,
		ev.CleanedContent, ev.NeutralizedContent, ev.AbstractedContent, ev.CreatedAt,
	)
	return s.insertErr(err, "insert evidence")
}

func (s *sqlStore) GetEvidence(ctx context.Context, id string) (*model.Evidence, error) {
	e, err := scanEvidence(s.c.queryRow(ctx, `SELECT `+evidenceCols+` FROM evidence WHERE id = ?`, id))
	if err != nil {
		if s.c.isNoRows(err) {
			return nil, nil
		}
		return nil, s.wrap(err, "get evidence")
	}
	return e, nil
}

// ListEvidence returns window evidence in creation order; limit <= 0 means all.
func (s *sqlStore) ListEvidence(ctx context.Context, windowID string, limit int) ([]model.Evidence, error) {
	q := `SELECT ` + evidenceCols + ` FROM evidence WHERE window_id = ? ORDER BY created_at, id`
	args := []any{windowID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rs, err := s.c.query(ctx, q, args...)
	if err != nil {
		return nil, s.wrap(err, "list evidence")
	}
	defer rs.Close()

	var out []model.Evidence
	for rs.Next() {
		e, err := scanEvidence(rs)
		if err != nil {
			return nil, s.wrap(err, "scan evidence")
		}
		out = append(out, *e)
	}
	return out, s.wrap(rs.Err(), "list evidence iterate")
}

// SetEvidenceLevel writes a content level only if it is still empty.
func (s *sqlStore) SetEvidenceLevel(ctx context.Context, id string, stage model.Stage, content string) (bool, error) {
	var col string
	switch stage {
	case model.StageEvidenceClean:
		col = "cleaned_content"
	case model.StageEvidenceNeutralize:
		col = "neutralized_content"
	case model.StageEvidenceAbstract:
		col = "abstracted_content"
	default:
		return false, eris.Errorf("%s: %s is not an evidence stage", s.name, stage)
	}
	n, err := s.c.exec(ctx,
		`UPDATE evidence SET `+col+` = ? WHERE id = ? AND `+col+` = ''`,
		content, id,
	)
	if err != nil {
		return false, s.wrap(err, "set evidence level")
	}
	return n > 0, nil
}

// --- Runs ---

const runCols = `id, experiment_id, status, desired_state, stages, current_stage, stop_at_stage, sample_count, evidence_cap, policy, created_at, updated_at`

func scanRun(r row) (*model.Run, error) {
	var run model.Run
	var stages, policy []byte
	if err := r.Scan(&run.ID, &run.ExperimentID, &run.Status, &run.DesiredState, &stages,
		&run.CurrentStage, &run.StopAtStage, &run.SampleCount, &run.EvidenceCap, &policy,
		&run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	if err := fromJSON(stages, &run.Stages); err != nil {
		return nil, err
	}
	return &run, fromJSON(policy, &run.Policy)
}

// CreateRun inserts the run and one pending RunStage per run stage.
func (s *sqlStore) CreateRun(ctx context.Context, run *model.Run) error {
	run.ID = newID(run.ID)
	run.CreatedAt = stamp(run.CreatedAt)
	run.UpdatedAt = run.CreatedAt
	stages, err := toJSON(run.Stages)
	if err != nil {
		return s.wrap(err, "create run")
	}
	policy, err := toJSON(run.Policy)
	if err != nil {
		return s.wrap(err, "create run")
	}
	if _, err := s.c.exec(ctx,
		`INSERT INTO runs (`+runCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ExperimentID, string(run.Status), string(run.DesiredState), stages,
		string(run.CurrentStage), string(run.StopAtStage), run.SampleCount, run.EvidenceCap, policy,
		run.CreatedAt, run.UpdatedAt,
	); err != nil {
		return s.insertErr(err, "insert run")
	}

	values := make([][]any, len(run.Stages))
	for i, st := range run.Stages {
		values[i] = []any{run.ID, string(st), string(model.StageStatusPending), 0, 0, 0, run.CreatedAt}
	}
	return s.wrap(s.c.insertRows(ctx, "run_stages",
		[]string{"run_id", "stage", "status", "total_requests", "completed_requests", "failed_requests", "updated_at"},
		values), "insert run stages")
}

func (s *sqlStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r, err := scanRun(s.c.queryRow(ctx, `SELECT `+runCols+` FROM runs WHERE id = ?`, id))
	if err != nil {
		if s.c.isNoRows(err) {
			return nil, nil
		}
		return nil, s.wrap(err, "get run "+id)
	}
	return r, nil
}

func (s *sqlStore) listRuns(ctx context.Context, q string, args ...any) ([]model.Run, error) {
	rs, err := s.c.query(ctx, q, args...)
	if err != nil {
		return nil, s.wrap(err, "list runs")
	}
	defer rs.Close()

	var out []model.Run
	for rs.Next() {
		r, err := scanRun(rs)
		if err != nil {
			return nil, s.wrap(err, "scan run")
		}
		out = append(out, *r)
	}
	return out, s.wrap(rs.Err(), "list runs iterate")
}

func (s *sqlStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	q := `SELECT ` + runCols + ` FROM runs WHERE 1 = 1`
	var args []any
	if filter.ExperimentID != "" {
		q += ` AND experiment_id = ?`
		args = append(args, filter.ExperimentID)
	}
	if filter.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)
	return s.listRuns(ctx, q, args...)
}

func (s *sqlStore) ListActiveRuns(ctx context.Context) ([]model.Run, error) {
	return s.listRuns(ctx,
		`SELECT `+runCols+` FROM runs WHERE status IN (?, ?, ?) ORDER BY created_at`,
		string(model.RunStatusPending), string(model.RunStatusRunning), string(model.RunStatusPaused),
	)
}

func (s *sqlStore) UpdateRun(ctx context.Context, run *model.Run) error {
	run.UpdatedAt = time.Now().UTC()
	n, err := s.c.exec(ctx,
		`UPDATE runs SET status = ?, desired_state = ?, current_stage = ?, stop_at_stage = ?, updated_at = ? WHERE id = ?`,
		string(run.Status), string(run.DesiredState), string(run.CurrentStage), string(run.StopAtStage), run.UpdatedAt, run.ID,
	)
	if err != nil {
		return s.wrap(err, "update run "+run.ID)
	}
	if n == 0 {
		return eris.Errorf("run not found: %s", run.ID)
	}
	return nil
}

const runStageCols = `run_id, stage, status, total_requests, completed_requests, failed_requests, updated_at`

func scanRunStage(r row) (*model.RunStage, error) {
	var st model.RunStage
	err := r.Scan(&st.RunID, &st.Stage, &st.Status, &st.TotalRequests, &st.CompletedRequests, &st.FailedRequests, &st.UpdatedAt)
	return &st, err
}

// ListRunStages returns the run's stages in pipeline order.
func (s *sqlStore) ListRunStages(ctx context.Context, runID string) ([]model.RunStage, error) {
	rs, err := s.c.query(ctx, `SELECT `+runStageCols+` FROM run_stages WHERE run_id = ?`, runID)
	if err != nil {
		return nil, s.wrap(err, "list run stages")
	}
	defer rs.Close()

	var out []model.RunStage
	for rs.Next() {
		st, err := scanRunStage(rs)
		if err != nil {
			return nil, s.wrap(err, "scan run stage")
		}
		out = append(out, *st)
	}
	if err := rs.Err(); err != nil {
		return nil, s.wrap(err, "list run stages iterate")
	}
	sortRunStages(out)
	return out, nil
}

func sortRunStages(stages []model.RunStage) {
	for i := 1; i < len(stages); i++ {
		for j := i; j > 0 && model.StageIndex(stages[j].Stage) < model.StageIndex(stages[j-1].Stage); j-- {
			stages[j], stages[j-1] = stages[j-1], stages[j]
		}
	}
}

func (s *sqlStore) GetRunStage(ctx context.Context, runID string, stage model.Stage) (*model.RunStage, error) {
	st, err := scanRunStage(s.c.queryRow(ctx,
		`SELECT `+runStageCols+` FROM run_stages WHERE run_id = ? AND stage = ?`, runID, string(stage)))
	if err != nil {
		if s.c.isNoRows(err) {
			return nil, nil
		}
		return nil, s.wrap(err, "get run stage")
	}
	return st, nil
}

func (s *sqlStore) UpdateRunStage(ctx context.Context, st *model.RunStage) error {
	st.UpdatedAt = time.Now().UTC()
	n, err := s.c.exec(ctx,
		`UPDATE run_stages SET status = ?, total_requests = ?, completed_requests = ?, failed_requests = ?, updated_at = ?
		 WHERE run_id = ? AND stage = ?`,
		string(st.Status), st.TotalRequests, st.CompletedRequests, st.FailedRequests, st.UpdatedAt,
		st.RunID, string(st.Stage),
	)
	if err != nil {
		return s.wrap(err, "update run stage")
	}
	if n == 0 {
		return eris.Errorf("run stage not found: %s/%s", st.RunID, st.Stage)
	}
	return nil
}

// --- Rubrics ---

const rubricCols = `id, run_id, experiment_id, model, concept, scale_size, stages, reasoning, parse_status, parse_error,
	attempt_count, quality_observability, quality_discriminability, critic_reasoning, created_at`

func scanRubric(r row) (*model.Rubric, error) {
	var rb model.Rubric
	var stages []byte
	if err := r.Scan(&rb.ID, &rb.RunID, &rb.ExperimentID, &rb.Model, &rb.Concept, &rb.ScaleSize, &stages,
		&rb.Reasoning, &rb.ParseStatus, &rb.ParseError, &rb.AttemptCount,
		&rb.QualityObservability, &rb.QualityDiscriminability, &rb.CriticReasoning, &rb.CreatedAt); err != nil {
		return nil, err
	}
	return &rb, fromJSON(stages, &rb.Stages)
}

func (s *sqlStore) InsertRubric(ctx context.Context, r *model.Rubric) error {
	r.ID = newID(r.ID)
	r.CreatedAt = stamp(r.CreatedAt)
	if r.ParseStatus == "" {
		r.ParseStatus = model.ParsePending
	}
	stages, err := toJSON(r.Stages)
	if err != nil {
		return s.wrap(err, "insert rubric")
	}
	_, err = s.c.exec(ctx,
		`INSERT INTO rubrics (`+rubricCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RunID, r.ExperimentID, r.Model, r.Concept, r.ScaleSize, stages, r.Reasoning,
		string(r.ParseStatus), r.ParseError, r.AttemptCount,
		r.QualityObservability, r.QualityDiscriminability, r.CriticReasoning, r.CreatedAt,
	)
	return s.insertErr(err, "insert rubric")
}

func (s *sqlStore) GetRubric(ctx context.Context, id string) (*model.Rubric, error) {
	r, err := scanRubric(s.c.queryRow(ctx, `SELECT `+rubricCols+` FROM rubrics WHERE id = ?`, id))
	if err != nil {
		if s.c.isNoRows(err) {
			return nil, nil
		}
		return nil, s.wrap(err, "get rubric")
	}
	return r, nil
}

// ListRubrics returns the run's rubrics in creation order.
func (s *sqlStore) ListRubrics(ctx context.Context, runID string) ([]model.Rubric, error) {
	rs, err := s.c.query(ctx, `SELECT `+rubricCols+` FROM rubrics WHERE run_id = ? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, s.wrap(err, "list rubrics")
	}
	defer rs.Close()

	var out []model.Rubric
	for rs.Next() {
		r, err := scanRubric(rs)
		if err != nil {
			return nil, s.wrap(err, "scan rubric")
		}
		out = append(out, *r)
	}
	return out, s.wrap(rs.Err(), "list rubrics iterate")
}

func (s *sqlStore) UpdateRubric(ctx context.Context, r *model.Rubric) error {
	stages, err := toJSON(r.Stages)
	if err != nil {
		return s.wrap(err, "update rubric")
	}
	_, err = s.c.exec(ctx,
		`UPDATE rubrics SET stages = ?, reasoning = ?, parse_status = ?, parse_error = ?, attempt_count = ?,
		 quality_observability = ?, quality_discriminability = ?, critic_reasoning = ? WHERE id = ?`,
		stages, r.Reasoning, string(r.ParseStatus), r.ParseError, r.AttemptCount,
		r.QualityObservability, r.QualityDiscriminability, r.CriticReasoning, r.ID,
	)
	return s.wrap(err, "update rubric "+r.ID)
}

// --- Samples ---

const sampleCols = `id, run_id, experiment_id, rubric_id, model, display_seed, label_mapping, created_at`

func scanSample(r row) (*model.Sample, error) {
	var sm model.Sample
	var mapping []byte
	if err := r.Scan(&sm.ID, &sm.RunID, &sm.ExperimentID, &sm.RubricID, &sm.Model, &sm.DisplaySeed, &mapping, &sm.CreatedAt); err != nil {
		return nil, err
	}
	return &sm, fromJSON(mapping, &sm.LabelMapping)
}

func (s *sqlStore) InsertSample(ctx context.Context, sm *model.Sample) error {
	sm.ID = newID(sm.ID)
	sm.CreatedAt = stamp(sm.CreatedAt)
	mapping, err := toJSON(sm.LabelMapping)
	if err != nil {
		return s.wrap(err, "insert sample")
	}
	_, err = s.c.exec(ctx,
		`INSERT INTO samples (`+sampleCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sm.ID, sm.RunID, sm.ExperimentID, sm.RubricID, sm.Model, sm.DisplaySeed, mapping, sm.CreatedAt,
	)
	return s.insertErr(err, "insert sample")
}

func (s *sqlStore) GetSample(ctx context.Context, id string) (*model.Sample, error) {
	sm, err := scanSample(s.c.queryRow(ctx, `SELECT `+sampleCols+` FROM samples WHERE id = ?`, id))
	if err != nil {
		if s.c.isNoRows(err) {
			return nil, nil
		}
		return nil, s.wrap(err, "get sample")
	}
	return sm, nil
}

func (s *sqlStore) ListSamples(ctx context.Context, runID string) ([]model.Sample, error) {
	rs, err := s.c.query(ctx, `SELECT `+sampleCols+` FROM samples WHERE run_id = ? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, s.wrap(err, "list samples")
	}
	defer rs.Close()

	var out []model.Sample
	for rs.Next() {
		sm, err := scanSample(rs)
		if err != nil {
			return nil, s.wrap(err, "scan sample")
		}
		out = append(out, *sm)
	}
	return out, s.wrap(rs.Err(), "list samples iterate")
}

// --- Scores ---

const scoreCols = `id, run_id, sample_id, evidence_id, raw_output, raw_verdict, decoded_scores, abstained, reasoning,
	parse_status, parse_error, attempt_count, expert_agreement, critic_reasoning, created_at`

func scanScore(r row) (*model.Score, error) {
	var sc model.Score
	var decoded []byte
	if err := r.Scan(&sc.ID, &sc.RunID, &sc.SampleID, &sc.EvidenceID, &sc.RawOutput, &sc.RawVerdict, &decoded,
		&sc.Abstained, &sc.Reasoning, &sc.ParseStatus, &sc.ParseError, &sc.AttemptCount,
		&sc.ExpertAgreement, &sc.CriticReasoning, &sc.CreatedAt); err != nil {
		return nil, err
	}
	return &sc, fromJSON(decoded, &sc.DecodedScores)
}

func (s *sqlStore) InsertScore(ctx context.Context, sc *model.Score) error {
	sc.ID = newID(sc.ID)
	sc.CreatedAt = stamp(sc.CreatedAt)
	if sc.ParseStatus == "" {
		sc.ParseStatus = model.ParsePending
	}
	decoded, err := toJSON(sc.DecodedScores)
	if err != nil {
		return s.wrap(err, "insert score")
	}
	_, err = s.c.exec(ctx,
		`INSERT INTO scores (`+scoreCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.RunID, sc.SampleID, sc.EvidenceID, sc.RawOutput, sc.RawVerdict, decoded, sc.Abstained,
		sc.Reasoning, string(sc.ParseStatus), sc.ParseError, sc.AttemptCount, sc.ExpertAgreement,
		sc.CriticReasoning, sc.CreatedAt,
	)
	return s.insertErr(err, "insert score")
}

func (s *sqlStore) getScoreWhere(ctx context.Context, where string, args ...any) (*model.Score, error) {
	sc, err := scanScore(s.c.queryRow(ctx, `SELECT `+scoreCols+` FROM scores WHERE `+where, args...))
	if err != nil {
		if s.c.isNoRows(err) {
			return nil, nil
		}
		return nil, s.wrap(err, "get score")
	}
	return sc, nil
}

func (s *sqlStore) GetScore(ctx context.Context, id string) (*model.Score, error) {
	return s.getScoreWhere(ctx, `id = ?`, id)
}

func (s *sqlStore) FindScore(ctx context.Context, sampleID, evidenceID string) (*model.Score, error) {
	return s.getScoreWhere(ctx, `sample_id = ? AND evidence_id = ?`, sampleID, evidenceID)
}

func (s *sqlStore) ListScores(ctx context.Context, runID string) ([]model.Score, error) {
	rs, err := s.c.query(ctx, `SELECT `+scoreCols+` FROM scores WHERE run_id = ? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, s.wrap(err, "list scores")
	}
	defer rs.Close()

	var out []model.Score
	for rs.Next() {
		sc, err := scanScore(rs)
		if err != nil {
			return nil, s.wrap(err, "scan score")
		}
		out = append(out, *sc)
	}
	return out, s.wrap(rs.Err(), "list scores iterate")
}

func (s *sqlStore) UpdateScore(ctx context.Context, sc *model.Score) error {
	decoded, err := toJSON(sc.DecodedScores)
	if err != nil {
		return s.wrap(err, "update score")
	}
	_, err = s.c.exec(ctx,
		`UPDATE scores SET raw_output = ?, raw_verdict = ?, decoded_scores = ?, abstained = ?, reasoning = ?,
		 parse_status = ?, parse_error = ?, attempt_count = ?, expert_agreement = ?, critic_reasoning = ? WHERE id = ?`,
		sc.RawOutput, sc.RawVerdict, decoded, sc.Abstained, sc.Reasoning,
		string(sc.ParseStatus), sc.ParseError, sc.AttemptCount, sc.ExpertAgreement, sc.CriticReasoning, sc.ID,
	)
	return s.wrap(err, "update score "+sc.ID)
}

// --- Requests ---

const requestCols = `id, stage, provider, model, experiment_id, rubric_id, sample_id, evidence_id, request_version,
	identity_hash, run_id, system_prompt, user_prompt, status, attempt, last_error, next_retry_at, batch_id,
	message_id, created_at, updated_at`

func scanRequest(r row) (*model.LlmRequest, error) {
	var q model.LlmRequest
	err := r.Scan(&q.ID, &q.Stage, &q.Provider, &q.Model, &q.ExperimentID, &q.RubricID, &q.SampleID, &q.EvidenceID,
		&q.RequestVersion, &q.IdentityHash, &q.RunID, &q.SystemPrompt, &q.UserPrompt, &q.Status, &q.Attempt,
		&q.LastError, &q.NextRetryAt, &q.BatchID, &q.MessageID, &q.CreatedAt, &q.UpdatedAt)
	return &q, err
}

// InsertRequest returns ErrDuplicate when identity_hash already exists.
func (s *sqlStore) InsertRequest(ctx context.Context, req *model.LlmRequest) error {
	req.ID = newID(req.ID)
	req.CreatedAt = stamp(req.CreatedAt)
	req.UpdatedAt = req.CreatedAt
	_, err := s.c.exec(ctx,
		`INSERT INTO llm_requests (`+requestCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, string(req.Stage), string(req.Provider), req.Model, req.ExperimentID, req.RubricID, req.SampleID,
		req.EvidenceID, req.RequestVersion, req.IdentityHash, req.RunID, req.SystemPrompt, req.UserPrompt,
		string(req.Status), req.Attempt, req.LastError, utcPtr(req.NextRetryAt), req.BatchID, req.MessageID,
		req.CreatedAt, req.UpdatedAt,
	)
	return s.insertErr(err, "insert request")
}

func (s *sqlStore) getRequestWhere(ctx context.Context, where string, arg any) (*model.LlmRequest, error) {
	q, err := scanRequest(s.c.queryRow(ctx, `SELECT `+requestCols+` FROM llm_requests WHERE `+where, arg))
	if err != nil {
		if s.c.isNoRows(err) {
			return nil, nil
		}
		return nil, s.wrap(err, "get request")
	}
	return q, nil
}

func (s *sqlStore) GetRequest(ctx context.Context, id string) (*model.LlmRequest, error) {
	return s.getRequestWhere(ctx, `id = ?`, id)
}

func (s *sqlStore) GetRequestByIdentity(ctx context.Context, identityHash string) (*model.LlmRequest, error) {
	return s.getRequestWhere(ctx, `identity_hash = ?`, identityHash)
}

func (s *sqlStore) UpdateRequest(ctx context.Context, req *model.LlmRequest) error {
	req.UpdatedAt = time.Now().UTC()
	n, err := s.c.exec(ctx,
		`UPDATE llm_requests SET system_prompt = ?, user_prompt = ?, status = ?, attempt = ?, last_error = ?,
		 next_retry_at = ?, batch_id = ?, message_id = ?, updated_at = ? WHERE id = ?`,
		req.SystemPrompt, req.UserPrompt, string(req.Status), req.Attempt, req.LastError,
		utcPtr(req.NextRetryAt), req.BatchID, req.MessageID, req.UpdatedAt, req.ID,
	)
	if err != nil {
		return s.wrap(err, "update request "+req.ID)
	}
	if n == 0 {
		return eris.Errorf("request not found: %s", req.ID)
	}
	return nil
}

// ListQueuedRequests returns dispatchable queued requests, oldest first.
// Run eligibility is decided here so a backlog from a paused run cannot
// crowd out other runs within the limit.
func (s *sqlStore) ListQueuedRequests(ctx context.Context, f QueueFilter) ([]model.LlmRequest, error) {
	q := `SELECT ` + qualify(requestCols, "r") + ` FROM llm_requests r
		 LEFT JOIN runs ru ON ru.id = r.run_id
		 WHERE r.status = ? AND r.provider = ? AND r.model = ? AND r.user_prompt <> ''
		   AND (r.next_retry_at IS NULL OR r.next_retry_at <= ?)
		   AND (r.run_id = '' OR (ru.desired_state = ? AND ru.status NOT IN (?, ?)
		        AND (ru.stop_at_stage = '' OR ` + stageRank("r.stage") + ` <= ` + stageRank("ru.stop_at_stage") + `)))`
	args := []any{
		string(model.RequestQueued), string(f.Key.Provider), f.Key.Model, f.Now.UTC(),
		string(model.DesiredRunning), string(model.RunStatusComplete), string(model.RunStatusCanceled),
	}
	if len(f.ExcludeRuns) > 0 {
		q += ` AND r.run_id NOT IN (?` + strings.Repeat(`, ?`, len(f.ExcludeRuns)-1) + `)`
		for _, id := range f.ExcludeRuns {
			args = append(args, id)
		}
	}
	q += ` ORDER BY r.created_at, r.id LIMIT ?`
	args = append(args, f.Limit)

	rs, err := s.c.query(ctx, q, args...)
	if err != nil {
		return nil, s.wrap(err, "list queued requests")
	}
	defer rs.Close()

	var out []model.LlmRequest
	for rs.Next() {
		req, err := scanRequest(rs)
		if err != nil {
			return nil, s.wrap(err, "scan request")
		}
		out = append(out, *req)
	}
	return out, s.wrap(rs.Err(), "list queued requests iterate")
}

// CancelQueuedRequests moves a run's queued requests to error.
func (s *sqlStore) CancelQueuedRequests(ctx context.Context, runID, reason string) (int, error) {
	n, err := s.c.exec(ctx,
		`UPDATE llm_requests SET status = ?, last_error = ?, next_retry_at = NULL, updated_at = ?
		 WHERE run_id = ? AND status = ?`,
		string(model.RequestError), reason, time.Now().UTC(), runID, string(model.RequestQueued),
	)
	if err != nil {
		return 0, s.wrap(err, "cancel queued requests "+runID)
	}
	return int(n), nil
}

// qualify prefixes each column of a column list with alias.
func qualify(cols, alias string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// stageRank is a SQL expression for the pipeline position of a stage column.
func stageRank(col string) string {
	var b strings.Builder
	b.WriteString("(CASE " + col)
	for i, st := range model.StageOrder {
		fmt.Fprintf(&b, " WHEN '%s' THEN %d", st, i)
	}
	b.WriteString(" ELSE -1 END)")
	return b.String()
}

func (s *sqlStore) QueuedModels(ctx context.Context) ([]ModelKey, error) {
	rs, err := s.c.query(ctx,
		`SELECT DISTINCT provider, model FROM llm_requests WHERE status = ? ORDER BY provider, model`,
		string(model.RequestQueued),
	)
	if err != nil {
		return nil, s.wrap(err, "queued models")
	}
	defer rs.Close()

	var out []ModelKey
	for rs.Next() {
		var k ModelKey
		if err := rs.Scan(&k.Provider, &k.Model); err != nil {
			return nil, s.wrap(err, "scan queued model")
		}
		out = append(out, k)
	}
	return out, s.wrap(rs.Err(), "queued models iterate")
}

func (s *sqlStore) CountRequests(ctx context.Context, runID string, stage model.Stage) (map[model.RequestStatus]int, error) {
	rs, err := s.c.query(ctx,
		`SELECT status, COUNT(*) FROM llm_requests WHERE run_id = ? AND stage = ? GROUP BY status`,
		runID, string(stage),
	)
	if err != nil {
		return nil, s.wrap(err, "count requests")
	}
	defer rs.Close()

	out := make(map[model.RequestStatus]int)
	for rs.Next() {
		var status string
		var n int64
		if err := rs.Scan(&status, &n); err != nil {
			return nil, s.wrap(err, "scan request count")
		}
		out[model.RequestStatus(status)] = int(n)
	}
	return out, s.wrap(rs.Err(), "count requests iterate")
}

// --- Messages ---

const messageCols = `id, request_id, provider, model, output, input_tokens, output_tokens, cost_usd, created_at`

func (s *sqlStore) InsertMessage(ctx context.Context, msg *model.LlmMessage) error {
	msg.ID = newID(msg.ID)
	msg.CreatedAt = stamp(msg.CreatedAt)
	_, err := s.c.exec(ctx,
		`INSERT INTO llm_messages (`+messageCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.RequestID, string(msg.Provider), msg.Model, msg.Output, msg.InputTokens, msg.OutputTokens,
		msg.CostUSD, msg.CreatedAt,
	)
	return s.insertErr(err, "insert message")
}

func (s *sqlStore) GetMessage(ctx context.Context, id string) (*model.LlmMessage, error) {
	var m model.LlmMessage
	err := s.c.queryRow(ctx, `SELECT `+messageCols+` FROM llm_messages WHERE id = ?`, id).
		Scan(&m.ID, &m.RequestID, &m.Provider, &m.Model, &m.Output, &m.InputTokens, &m.OutputTokens, &m.CostUSD, &m.CreatedAt)
	if err != nil {
		if s.c.isNoRows(err) {
			return nil, nil
		}
		return nil, s.wrap(err, "get message")
	}
	return &m, nil
}

// --- Batches ---

const batchCols = `id, provider, model, provider_batch_id, run_id, status, attempt, last_error, locked_until,
	next_poll_at, created_at, updated_at`

func scanBatch(r row) (*model.LlmBatch, error) {
	var b model.LlmBatch
	err := r.Scan(&b.ID, &b.Provider, &b.Model, &b.ProviderBatchID, &b.RunID, &b.Status, &b.Attempt, &b.LastError,
		&b.LockedUntil, &b.NextPollAt, &b.CreatedAt, &b.UpdatedAt)
	return &b, err
}

// InsertBatch persists the batch row and its items.
func (s *sqlStore) InsertBatch(ctx context.Context, b *model.LlmBatch, items []model.LlmBatchItem) error {
	b.ID = newID(b.ID)
	b.CreatedAt = stamp(b.CreatedAt)
	b.UpdatedAt = b.CreatedAt
	if _, err := s.c.exec(ctx,
		`INSERT INTO llm_batches (`+batchCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, string(b.Provider), b.Model, b.ProviderBatchID, b.RunID, string(b.Status), b.Attempt, b.LastError,
		utcPtr(b.LockedUntil), utcPtr(b.NextPollAt), b.CreatedAt, b.UpdatedAt,
	); err != nil {
		return s.insertErr(err, "insert batch")
	}

	values := make([][]any, len(items))
	for i, it := range items {
		values[i] = []any{b.ID, it.RequestID, it.CustomID}
	}
	return s.wrap(s.c.insertRows(ctx, "llm_batch_items", []string{"batch_id", "request_id", "custom_id"}, values),
		"insert batch items")
}

func (s *sqlStore) GetBatch(ctx context.Context, id string) (*model.LlmBatch, error) {
	b, err := scanBatch(s.c.queryRow(ctx, `SELECT `+batchCols+` FROM llm_batches WHERE id = ?`, id))
	if err != nil {
		if s.c.isNoRows(err) {
			return nil, nil
		}
		return nil, s.wrap(err, "get batch")
	}
	return b, nil
}

func (s *sqlStore) ListBatchItems(ctx context.Context, batchID string) ([]model.LlmBatchItem, error) {
	rs, err := s.c.query(ctx,
		`SELECT batch_id, request_id, custom_id FROM llm_batch_items WHERE batch_id = ? ORDER BY custom_id`, batchID)
	if err != nil {
		return nil, s.wrap(err, "list batch items")
	}
	defer rs.Close()

	var out []model.LlmBatchItem
	for rs.Next() {
		var it model.LlmBatchItem
		if err := rs.Scan(&it.BatchID, &it.RequestID, &it.CustomID); err != nil {
			return nil, s.wrap(err, "scan batch item")
		}
		out = append(out, it)
	}
	return out, s.wrap(rs.Err(), "list batch items iterate")
}

func (s *sqlStore) UpdateBatch(ctx context.Context, b *model.LlmBatch) error {
	b.UpdatedAt = time.Now().UTC()
	n, err := s.c.exec(ctx,
		`UPDATE llm_batches SET status = ?, attempt = ?, last_error = ?, locked_until = ?, next_poll_at = ?, updated_at = ?
		 WHERE id = ?`,
		string(b.Status), b.Attempt, b.LastError, utcPtr(b.LockedUntil), utcPtr(b.NextPollAt), b.UpdatedAt, b.ID,
	)
	if err != nil {
		return s.wrap(err, "update batch "+b.ID)
	}
	if n == 0 {
		return eris.Errorf("batch not found: %s", b.ID)
	}
	return nil
}

// AcquireBatchLease sets locked_until = until if the lease is free at now.
func (s *sqlStore) AcquireBatchLease(ctx context.Context, id string, now, until time.Time) (bool, error) {
	n, err := s.c.exec(ctx,
		`UPDATE llm_batches SET locked_until = ? WHERE id = ? AND (locked_until IS NULL OR locked_until <= ?)`,
		until.UTC(), id, now.UTC(),
	)
	if err != nil {
		return false, s.wrap(err, "acquire batch lease")
	}
	return n == 1, nil
}

// ListDueBatches returns open batches whose lease is free and poll time has passed.
func (s *sqlStore) ListDueBatches(ctx context.Context, now time.Time, limit int) ([]model.LlmBatch, error) {
	rs, err := s.c.query(ctx,
		`SELECT `+batchCols+` FROM llm_batches
		 WHERE status IN (?, ?) AND (locked_until IS NULL OR locked_until <= ?)
		   AND COALESCE(next_poll_at, created_at) <= ?
		 ORDER BY COALESCE(next_poll_at, created_at), id LIMIT ?`,
		string(model.BatchSubmitted), string(model.BatchRunning), now.UTC(), now.UTC(), limit,
	)
	if err != nil {
		return nil, s.wrap(err, "list due batches")
	}
	defer rs.Close()

	var out []model.LlmBatch
	for rs.Next() {
		b, err := scanBatch(rs)
		if err != nil {
			return nil, s.wrap(err, "scan batch")
		}
		out = append(out, *b)
	}
	return out, s.wrap(rs.Err(), "list due batches iterate")
}

func (s *sqlStore) OpenBatchesByRun(ctx context.Context) (map[string]int, error) {
	rs, err := s.c.query(ctx,
		`SELECT run_id, COUNT(*) FROM llm_batches WHERE status IN (?, ?) GROUP BY run_id`,
		string(model.BatchSubmitted), string(model.BatchRunning),
	)
	if err != nil {
		return nil, s.wrap(err, "open batches by run")
	}
	defer rs.Close()

	out := make(map[string]int)
	for rs.Next() {
		var runID string
		var n int64
		if err := rs.Scan(&runID, &n); err != nil {
			return nil, s.wrap(err, "scan open batches")
		}
		out[runID] = int(n)
	}
	return out, s.wrap(rs.Err(), "open batches iterate")
}

// --- Scheduler ---

// ClaimSchedulerWake sets next_tick_at = next when no tick is pending at now.
func (s *sqlStore) ClaimSchedulerWake(ctx context.Context, now, next time.Time) (bool, error) {
	n, err := s.c.exec(ctx,
		`UPDATE scheduler_state SET next_tick_at = ? WHERE id = 1 AND (next_tick_at IS NULL OR next_tick_at <= ?)`,
		next.UTC(), now.UTC(),
	)
	if err != nil {
		return false, s.wrap(err, "claim scheduler wake")
	}
	return n == 1, nil
}

func (s *sqlStore) SetNextTick(ctx context.Context, next *time.Time) error {
	_, err := s.c.exec(ctx, `UPDATE scheduler_state SET next_tick_at = ? WHERE id = 1`, utcPtr(next))
	return s.wrap(err, "set next tick")
}

func (s *sqlStore) AcquireTickLease(ctx context.Context, now, until time.Time) (bool, error) {
	n, err := s.c.exec(ctx,
		`UPDATE scheduler_state SET locked_until = ? WHERE id = 1 AND (locked_until IS NULL OR locked_until <= ?)`,
		until.UTC(), now.UTC(),
	)
	if err != nil {
		return false, s.wrap(err, "acquire tick lease")
	}
	return n == 1, nil
}

func (s *sqlStore) ReleaseTickLease(ctx context.Context) error {
	_, err := s.c.exec(ctx, `UPDATE scheduler_state SET locked_until = NULL WHERE id = 1`)
	return s.wrap(err, "release tick lease")
}

func (s *sqlStore) GetSchedulerState(ctx context.Context) (*model.SchedulerState, error) {
	var st model.SchedulerState
	err := s.c.queryRow(ctx, `SELECT next_tick_at, locked_until FROM scheduler_state WHERE id = 1`).
		Scan(&st.NextTickAt, &st.LockedUntil)
	if err != nil {
		if s.c.isNoRows(err) {
			return nil, nil
		}
		return nil, s.wrap(err, "get scheduler state")
	}
	return &st, nil
}

func (s *sqlStore) CountWork(ctx context.Context) (WorkCounts, error) {
	var runs, queued, open int64
	err := s.c.queryRow(ctx,
		`SELECT
		   (SELECT COUNT(*) FROM runs WHERE status = ?),
		   (SELECT COUNT(*) FROM llm_requests WHERE status = ?
		      AND (run_id = '' OR run_id IN (SELECT id FROM runs WHERE status = ? AND desired_state = ?))),
		   (SELECT COUNT(*) FROM llm_batches WHERE status IN (?, ?))`,
		string(model.RunStatusRunning), string(model.RequestQueued),
		string(model.RunStatusRunning), string(model.DesiredRunning),
		string(model.BatchSubmitted), string(model.BatchRunning),
	).Scan(&runs, &queued, &open)
	if err != nil {
		return WorkCounts{}, s.wrap(err, "count work")
	}
	return WorkCounts{ActiveRuns: int(runs), QueuedRequests: int(queued), OpenBatches: int(open)}, nil
}
