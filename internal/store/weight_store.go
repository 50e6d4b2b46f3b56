package store

import (
	"context"
	"time"
)

// DetectorWeight is a per-(detector, feature) scalar weight plus confidence,
// consumed by learning handlers to modulate detector-configured weights.
type DetectorWeight struct {
	Detector   string
	Feature    string
	Weight     float64
	Confidence float64
	UpdatedAt  time.Time
}

// WeightStore persists learned detector/feature weights.
type WeightStore struct {
	pg *Postgres
}

func NewWeightStore(pg *Postgres) *WeightStore { return &WeightStore{pg: pg} }

// WriteBatch upserts a batch of weight updates. Failures are logged and
// dropped, never propagated to the request path.
func (s *WeightStore) WriteBatch(weights []DetectorWeight) {
	if len(weights) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := s.pg.pool.Begin(ctx)
	if err != nil {
		s.pg.log.Warn().Err(err).Msg("weight store: begin failed, dropping batch")
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const upsert = `
		INSERT INTO detector_weights (detector, feature, weight, confidence, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (detector, feature) DO UPDATE SET
			weight = EXCLUDED.weight, confidence = EXCLUDED.confidence, updated_at = EXCLUDED.updated_at
	`
	for _, w := range weights {
		if _, err := tx.Exec(ctx, upsert, w.Detector, w.Feature, w.Weight, w.Confidence, w.UpdatedAt); err != nil {
			s.pg.log.Warn().Err(err).Str("detector", w.Detector).Msg("weight store: upsert failed, dropping batch")
			return
		}
	}
	if err := tx.Commit(ctx); err != nil {
		s.pg.log.Warn().Err(err).Msg("weight store: commit failed, dropping batch")
	}
}

// LoadAll bulk-loads every learned weight at startup.
func (s *WeightStore) LoadAll(ctx context.Context) ([]DetectorWeight, error) {
	rows, err := s.pg.pool.Query(ctx, `SELECT detector, feature, weight, confidence, updated_at FROM detector_weights`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DetectorWeight
	for rows.Next() {
		var w DetectorWeight
		if err := rows.Scan(&w.Detector, &w.Feature, &w.Weight, &w.Confidence, &w.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
