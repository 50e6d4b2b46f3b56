package store

import (
	"context"
	"time"

	"github.com/stylobot/gateway/pkg/models"
)

// PatternStore persists ReputationCache writes: primary key = pattern id
// (a signature hash), value = reputation record. WriteBatch satisfies
// internal/reputation.PatternWriter.
type PatternStore struct {
	pg *Postgres
}

func NewPatternStore(pg *Postgres) *PatternStore { return &PatternStore{pg: pg} }

// WriteBatch upserts a batch of reputation records in one transaction. On
// failure the batch is dropped and logged; the request path is never
// blocked by store errors.
func (s *PatternStore) WriteBatch(records []models.ReputationRecord) {
	if len(records) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := s.pg.pool.Begin(ctx)
	if err != nil {
		s.pg.log.Warn().Err(err).Msg("pattern store: begin failed, dropping batch")
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const upsert = `
		INSERT INTO reputation_patterns (pattern_id, good_count, bad_count, last_seen, decayed_at, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (pattern_id) DO UPDATE SET
			good_count = EXCLUDED.good_count,
			bad_count  = EXCLUDED.bad_count,
			last_seen  = EXCLUDED.last_seen,
			decayed_at = EXCLUDED.decayed_at,
			status     = EXCLUDED.status
	`
	for _, r := range records {
		var decayedAt *time.Time
		if !r.DecayedAt.IsZero() {
			decayedAt = &r.DecayedAt
		}
		if _, err := tx.Exec(ctx, upsert, r.Signature, r.GoodCount, r.BadCount, r.LastSeen, decayedAt, string(r.Status)); err != nil {
			s.pg.log.Warn().Err(err).Str("pattern", r.Signature).Msg("pattern store: upsert failed, dropping batch")
			return
		}
	}
	if err := tx.Commit(ctx); err != nil {
		s.pg.log.Warn().Err(err).Msg("pattern store: commit failed, dropping batch")
	}
}

// LoadAll bulk-loads every reputation record at startup, warming the
// in-memory ReputationCache.
func (s *PatternStore) LoadAll(ctx context.Context) ([]models.ReputationRecord, error) {
	rows, err := s.pg.pool.Query(ctx, `SELECT pattern_id, good_count, bad_count, last_seen, decayed_at, status FROM reputation_patterns`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ReputationRecord
	for rows.Next() {
		var r models.ReputationRecord
		var status string
		var decayedAt *time.Time
		if err := rows.Scan(&r.Signature, &r.GoodCount, &r.BadCount, &r.LastSeen, &decayedAt, &status); err != nil {
			return nil, err
		}
		r.Status = models.ReputationStatus(status)
		if decayedAt != nil {
			r.DecayedAt = *decayedAt
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Scan performs a bulk maintenance scan over patterns matching a status,
// used by periodic maintenance jobs (e.g. re-evaluating LearnedBad entries).
func (s *PatternStore) Scan(ctx context.Context, status models.ReputationStatus, limit int) ([]models.ReputationRecord, error) {
	if limit <= 0 || limit > 10_000 {
		limit = 1000
	}
	rows, err := s.pg.pool.Query(ctx,
		`SELECT pattern_id, good_count, bad_count, last_seen, decayed_at, status
		 FROM reputation_patterns WHERE status = $1 ORDER BY last_seen DESC LIMIT $2`,
		string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ReputationRecord
	for rows.Next() {
		var r models.ReputationRecord
		var st string
		var decayedAt *time.Time
		if err := rows.Scan(&r.Signature, &r.GoodCount, &r.BadCount, &r.LastSeen, &decayedAt, &st); err != nil {
			return nil, err
		}
		r.Status = models.ReputationStatus(st)
		if decayedAt != nil {
			r.DecayedAt = *decayedAt
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
