package learning

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"github.com/mattjoyce/mender/internal/sandbox"
	"github.com/mattjoyce/mender/internal/storage"
)

// UnknownModel is recorded when a candidate carries no model id.
const UnknownModel = "unknown"

// predictedPositive reports whether the generator claimed the candidate
// would pass. An unspecified confidence counts as a claim.
func predictedPositive(confidence float64) bool {
	return confidence == 0 || confidence >= 0.5
}

// RecordPerformance folds a batch of verdicts into the model's decayed
// confusion counts and recomputes its metrics. The cost does not depend on
// how much history the model has.
func (s *Store) RecordPerformance(ctx context.Context, modelID string, verdicts []sandbox.Verdict) error {
	if len(verdicts) == 0 {
		return nil
	}
	if modelID == "" {
		modelID = UnknownModel
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
SELECT model_id, accuracy, precision, recall, f1, tp, fp, fn, tn, sample_count, updated_at
FROM model_performance WHERE model_id = ?;`, modelID)
	mp, err := scanPerformance(row)
	if errors.Is(err, sql.ErrNoRows) {
		mp = ModelPerformance{ModelID: modelID}
	} else if err != nil {
		return err
	}

	mp = fold(mp, s.decay, verdicts)
	mp.UpdatedAt = s.now().UTC()

	_, err = tx.ExecContext(ctx, `
INSERT INTO model_performance(model_id, accuracy, precision, recall, f1, tp, fp, fn, tn, sample_count, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(model_id) DO UPDATE SET
  accuracy = excluded.accuracy,
  precision = excluded.precision,
  recall = excluded.recall,
  f1 = excluded.f1,
  tp = excluded.tp,
  fp = excluded.fp,
  fn = excluded.fn,
  tn = excluded.tn,
  sample_count = excluded.sample_count,
  updated_at = excluded.updated_at;
`, mp.ModelID, mp.Accuracy, mp.Precision, mp.Recall, mp.F1,
		mp.TruePositive, mp.FalsePositive, mp.FalseNegative, mp.TrueNegative,
		mp.SampleCount, storage.FormatTime(mp.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert model performance: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	s.logger.Debug("recorded model performance", "model_id", modelID, "batch", len(verdicts), "f1", mp.F1)
	return nil
}

// fold applies one batch to mp.
func fold(mp ModelPerformance, decay float64, verdicts []sandbox.Verdict) ModelPerformance {
	mp.TruePositive *= decay
	mp.FalsePositive *= decay
	mp.FalseNegative *= decay
	mp.TrueNegative *= decay

	for _, v := range verdicts {
		predicted := predictedPositive(v.Candidate.Confidence)
		switch {
		case predicted && v.Passed:
			mp.TruePositive++
		case predicted && !v.Passed:
			mp.FalsePositive++
		case !predicted && v.Passed:
			mp.FalseNegative++
		default:
			mp.TrueNegative++
		}
	}
	mp.SampleCount += len(verdicts)

	tp, fp, fn, tn := mp.TruePositive, mp.FalsePositive, mp.FalseNegative, mp.TrueNegative
	mp.Accuracy = ratio(tp+tn, tp+fp+fn+tn)
	mp.Precision = ratio(tp, tp+fp)
	mp.Recall = ratio(tp, tp+fn)
	mp.F1 = ratio(2*mp.Precision*mp.Recall, mp.Precision+mp.Recall)
	mp.Accuracy, mp.Precision, mp.Recall, mp.F1 = round(mp.Accuracy), round(mp.Precision), round(mp.Recall), round(mp.F1)
	return mp
}

func round(f float64) float64 {
	return math.Round(f*1e6) / 1e6
}
