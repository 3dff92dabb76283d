package learning

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/mender/internal/storage"
)

const (
	DefaultRetention      = 90 * 24 * time.Hour
	DefaultCategoryCap    = 1000
	DefaultDecay          = 0.9
	DefaultMinExportScore = 0.3

	pageSize = 100
)

// Store is the SQLite-backed learning corpus.
type Store struct {
	db             *sql.DB
	retention      time.Duration
	categoryCap    int
	decay          float64
	minExportScore float64
	now            func() time.Time
	logger         *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithRetention sets the maximum age of an example.
func WithRetention(d time.Duration) Option { return func(s *Store) { s.retention = d } }

// WithCategoryCap sets how many examples are kept per category.
func WithCategoryCap(n int) Option { return func(s *Store) { s.categoryCap = n } }

// WithDecay sets the per-batch decay applied to confusion counts.
func WithDecay(f float64) Option { return func(s *Store) { s.decay = f } }

// WithMinExportScore sets the score an example must exceed to be exported.
func WithMinExportScore(f float64) Option { return func(s *Store) { s.minExportScore = f } }

func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// NewStore wraps db, which must have been bootstrapped by storage.OpenSQLite.
func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:             db,
		retention:      DefaultRetention,
		categoryCap:    DefaultCategoryCap,
		decay:          DefaultDecay,
		minExportScore: DefaultMinExportScore,
		now:            time.Now,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.decay <= 0 || s.decay > 1 {
		s.decay = DefaultDecay
	}
	return s
}

// Ingest stores one example per outcome, passed or not, then prunes. All
// inserts and the prune share one transaction.
func (s *Store) Ingest(ctx context.Context, outcomes []Outcome) (int, error) {
	if len(outcomes) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin tx: %v", ErrIngest, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO learning_examples(
  id, session_id, language, category, issue_id, file, original, modified,
  verdict, passed, score, applied, model_id, created_at
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`)
	if err != nil {
		return 0, fmt.Errorf("%w: prepare insert: %v", ErrIngest, err)
	}
	defer stmt.Close()

	now := s.now().UTC()
	categories := map[string]bool{}
	for i, o := range outcomes {
		ex := exampleFrom(o)
		// Offset by index so examples from one batch keep their order.
		ex.CreatedAt = now.Add(time.Duration(i))
		verdict, err := json.Marshal(ex.Verdict)
		if err != nil {
			return 0, fmt.Errorf("%w: marshal verdict: %v", ErrIngest, err)
		}
		if _, err := stmt.ExecContext(ctx,
			ex.ID, ex.SessionID, ex.Language, ex.Category, ex.IssueID, ex.File,
			ex.Original, ex.Modified, string(verdict), ex.Passed, ex.Score, ex.Applied,
			ex.ModelID, storage.FormatTime(ex.CreatedAt),
		); err != nil {
			return 0, fmt.Errorf("%w: insert example: %v", ErrIngest, err)
		}
		categories[ex.Category] = true
	}

	pruned, err := s.prune(ctx, tx, now, slices.Sorted(maps.Keys(categories)))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIngest, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit: %v", ErrIngest, err)
	}

	s.logger.Debug("ingested learning examples", "count", len(outcomes), "pruned", pruned)
	return len(outcomes), nil
}

func (s *Store) prune(ctx context.Context, tx *sql.Tx, now time.Time, categories []string) (int64, error) {
	var total int64
	if s.retention > 0 {
		res, err := tx.ExecContext(ctx, "DELETE FROM learning_examples WHERE created_at < ?;",
			storage.FormatTime(now.Add(-s.retention)))
		if err != nil {
			return 0, fmt.Errorf("prune by age: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if s.categoryCap > 0 {
		for _, cat := range categories {
			res, err := tx.ExecContext(ctx, `
DELETE FROM learning_examples
WHERE category = ?
  AND id NOT IN (
    SELECT id FROM learning_examples
    WHERE category = ?
    ORDER BY created_at DESC, id DESC
    LIMIT ?
  );
`, cat, cat, s.categoryCap)
			if err != nil {
				return 0, fmt.Errorf("prune category %q: %w", cat, err)
			}
			n, _ := res.RowsAffected()
			total += n
		}
	}
	return total, nil
}

func exampleFrom(o Outcome) Example {
	c := o.Candidate
	category := o.Category
	if category == "" {
		category = "uncategorized"
	}
	return Example{
		ID:        uuid.NewString(),
		SessionID: o.SessionID,
		IssueID:   c.IssueID,
		File:      c.File,
		Language:  c.Language,
		Category:  category,
		Original:  c.Original,
		Modified:  c.Proposed,
		Verdict: VerdictSummary{
			Reason:     string(o.Verdict.Reason),
			Summary:    o.Verdict.Summary(),
			Checks:     o.Verdict.Checks,
			DurationMS: o.Verdict.Duration.Milliseconds(),
		},
		Passed:  o.Verdict.Passed,
		Score:   clamp01(o.Verdict.Score),
		Applied: o.Applied,
		ModelID: c.ModelID,
	}
}

// Query streams matching examples, newest first. Pages are fetched lazily
// so the connection is never held between iterations. The sequence can be
// ranged over more than once.
func (s *Store) Query(ctx context.Context, f Filter) iter.Seq2[Example, error] {
	return func(yield func(Example, error) bool) {
		var (
			afterTime string
			afterID   string
			emitted   int
		)
		for {
			limit := pageSize
			if f.Limit > 0 && f.Limit-emitted < limit {
				limit = f.Limit - emitted
			}
			if limit <= 0 {
				return
			}
			page, err := s.page(ctx, f, afterTime, afterID, limit)
			if err != nil {
				yield(Example{}, err)
				return
			}
			for _, ex := range page {
				if !yield(ex, nil) {
					return
				}
				emitted++
			}
			if len(page) < limit {
				return
			}
			last := page[len(page)-1]
			afterTime, afterID = storage.FormatTime(last.CreatedAt), last.ID
		}
	}
}

func (s *Store) page(ctx context.Context, f Filter, afterTime, afterID string, limit int) ([]Example, error) {
	q := `
SELECT id, session_id, language, category, issue_id, file, original, modified,
       verdict, passed, score, applied, model_id, created_at
FROM learning_examples
WHERE (? = '' OR language = ?)
  AND (? = '' OR category = ?)
  AND (? = '' OR created_at < ? OR (created_at = ? AND id < ?))
ORDER BY created_at DESC, id DESC
LIMIT ?;`
	rows, err := s.db.QueryContext(ctx, q,
		f.Language, f.Language,
		f.Category, f.Category,
		afterTime, afterTime, afterTime, afterID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query examples: %w", err)
	}
	defer rows.Close()

	var out []Example
	for rows.Next() {
		ex, err := scanExample(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate examples: %w", err)
	}
	return out, nil
}

func scanExample(rows *sql.Rows) (Example, error) {
	var (
		ex                       Example
		sessionID, file, modelID sql.NullString
		verdict, createdAt       string
	)
	if err := rows.Scan(
		&ex.ID, &sessionID, &ex.Language, &ex.Category, &ex.IssueID, &file,
		&ex.Original, &ex.Modified, &verdict, &ex.Passed, &ex.Score, &ex.Applied,
		&modelID, &createdAt,
	); err != nil {
		return Example{}, fmt.Errorf("scan example: %w", err)
	}
	ex.SessionID, ex.File, ex.ModelID = sessionID.String, file.String, modelID.String
	if err := json.Unmarshal([]byte(verdict), &ex.Verdict); err != nil {
		return Example{}, fmt.Errorf("decode verdict of example %s: %w", ex.ID, err)
	}
	t, err := storage.ParseTime(createdAt)
	if err != nil {
		return Example{}, fmt.Errorf("parse created_at of example %s: %w", ex.ID, err)
	}
	ex.CreatedAt = t
	return ex, nil
}

// trainingRecord is one line of ExportTraining output.
type trainingRecord struct {
	Language string  `json:"language"`
	Category string  `json:"category"`
	Input    string  `json:"input"`
	Output   string  `json:"output"`
	Score    float64 `json:"score"`
	Applied  bool    `json:"applied"`
	ModelID  string  `json:"model_id,omitempty"`
}

// ExportTraining writes examples scoring above the export threshold to w as
// JSON lines and returns how many were written.
func (s *Store) ExportTraining(ctx context.Context, w io.Writer, f Filter) (int, error) {
	enc := json.NewEncoder(w)
	n := 0
	for ex, err := range s.Query(ctx, f) {
		if err != nil {
			return n, err
		}
		if ex.Score <= s.minExportScore {
			continue
		}
		if err := enc.Encode(trainingRecord{
			Language: ex.Language,
			Category: ex.Category,
			Input:    ex.Original,
			Output:   ex.Modified,
			Score:    ex.Score,
			Applied:  ex.Applied,
			ModelID:  ex.ModelID,
		}); err != nil {
			return n, fmt.Errorf("write training record: %w", err)
		}
		n++
	}
	return n, nil
}

// Statistics summarises the whole corpus and every model record.
func (s *Store) Statistics(ctx context.Context) (Statistics, error) {
	st := Statistics{ByCategory: map[string]CategoryStats{}}

	rows, err := s.db.QueryContext(ctx, `
SELECT category, COUNT(*), COALESCE(SUM(passed), 0), COALESCE(SUM(applied), 0), COALESCE(SUM(score), 0)
FROM learning_examples
GROUP BY category
ORDER BY category;`)
	if err != nil {
		return Statistics{}, fmt.Errorf("query statistics: %w", err)
	}
	var scoreSum float64
	for rows.Next() {
		var (
			cat   string
			cs    CategoryStats
			score float64
		)
		if err := rows.Scan(&cat, &cs.Total, &cs.Passed, &cs.Applied, &score); err != nil {
			rows.Close()
			return Statistics{}, fmt.Errorf("scan statistics: %w", err)
		}
		cs.SuccessRate = ratio(float64(cs.Passed), float64(cs.Total))
		st.ByCategory[cat] = cs
		st.TotalExamples += cs.Total
		st.Passed += cs.Passed
		st.Applied += cs.Applied
		scoreSum += score
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return Statistics{}, fmt.Errorf("iterate statistics: %w", err)
	}
	rows.Close()

	st.SuccessRate = ratio(float64(st.Passed), float64(st.TotalExamples))
	st.AverageScore = ratio(scoreSum, float64(st.TotalExamples))

	models, err := s.Models(ctx)
	if err != nil {
		return Statistics{}, err
	}
	st.Models = models
	return st, nil
}

// Performance returns the record for modelID or ErrNotFound.
func (s *Store) Performance(ctx context.Context, modelID string) (ModelPerformance, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT model_id, accuracy, precision, recall, f1, tp, fp, fn, tn, sample_count, updated_at
FROM model_performance WHERE model_id = ?;`, modelID)
	mp, err := scanPerformance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ModelPerformance{}, fmt.Errorf("model %q: %w", modelID, ErrNotFound)
	}
	return mp, err
}

// Models returns every performance record ordered by model id.
func (s *Store) Models(ctx context.Context) ([]ModelPerformance, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT model_id, accuracy, precision, recall, f1, tp, fp, fn, tn, sample_count, updated_at
FROM model_performance ORDER BY model_id;`)
	if err != nil {
		return nil, fmt.Errorf("query model performance: %w", err)
	}
	defer rows.Close()

	out := []ModelPerformance{}
	for rows.Next() {
		mp, err := scanPerformance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, mp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate model performance: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPerformance(row scanner) (ModelPerformance, error) {
	var (
		mp        ModelPerformance
		updatedAt string
	)
	err := row.Scan(&mp.ModelID, &mp.Accuracy, &mp.Precision, &mp.Recall, &mp.F1,
		&mp.TruePositive, &mp.FalsePositive, &mp.FalseNegative, &mp.TrueNegative,
		&mp.SampleCount, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ModelPerformance{}, err
	}
	if err != nil {
		return ModelPerformance{}, fmt.Errorf("scan model performance: %w", err)
	}
	if mp.UpdatedAt, err = storage.ParseTime(updatedAt); err != nil {
		return ModelPerformance{}, fmt.Errorf("parse updated_at of model %s: %w", mp.ModelID, err)
	}
	return mp, nil
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
