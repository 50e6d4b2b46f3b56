package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stylobot/gateway/pkg/models"
)

// SignatureStore is the append-only DetectionRecord log backing the
// dashboard's bounded time-range scan and the learning bus's audit trail.
// Records are immutable once written.
type SignatureStore struct {
	pg *Postgres
}

func NewSignatureStore(pg *Postgres) *SignatureStore { return &SignatureStore{pg: pg} }

// Append writes one batch of DetectionRecords. Failures are logged and the
// batch dropped; the request path never blocks on this.
func (s *SignatureStore) Append(records []models.DetectionRecord) {
	if len(records) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := s.pg.pool.Begin(ctx)
	if err != nil {
		s.pg.log.Warn().Err(err).Msg("signature store: begin failed, dropping batch")
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const insert = `
		INSERT INTO detection_records
			(id, timestamp, path, method, status_code, response_ms, bot_probability, confidence,
			 risk_band, is_bot, bot_type, bot_name, policy_name, policy_action,
			 ip_hash, ua_hash, geo_hash, subnet_hash, raw_ip, raw_ua,
			 contributions, top_reasons, schema_version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
		ON CONFLICT (id) DO NOTHING
	`
	for _, r := range records {
		contributions, _ := json.Marshal(r.Contributions)
		reasons, _ := json.Marshal(r.TopReasons)
		var rawIP, rawUA *string
		if r.RawIP != "" {
			rawIP = &r.RawIP
		}
		if r.RawUA != "" {
			rawUA = &r.RawUA
		}
		_, err := tx.Exec(ctx, insert,
			r.ID, r.Timestamp, r.Path, r.Method, r.StatusCode, r.ResponseMs,
			r.BotProbability, r.Confidence, string(r.RiskBand), r.IsBot, string(r.BotType), r.BotName,
			r.PolicyName, string(r.PolicyAction),
			nullable(r.IPHash), nullable(r.UAHash), nullable(r.GeoHash), nullable(r.SubnetHash),
			rawIP, rawUA, contributions, reasons, r.SchemaVersion)
		if err != nil {
			s.pg.log.Warn().Err(err).Str("id", r.ID).Msg("signature store: insert failed, dropping batch")
			return
		}
	}
	if err := tx.Commit(ctx); err != nil {
		s.pg.log.Warn().Err(err).Msg("signature store: commit failed, dropping batch")
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ScanRange returns DetectionRecords in [from, to), newest first, bounded by
// limit, for the dashboard's time-range queries.
func (s *SignatureStore) ScanRange(ctx context.Context, from, to time.Time, limit int) ([]models.DetectionRecord, error) {
	if limit <= 0 || limit > 5000 {
		limit = 500
	}
	rows, err := s.pg.pool.Query(ctx, `
		SELECT id, timestamp, path, method, status_code, response_ms, bot_probability, confidence,
		       risk_band, is_bot, bot_type, bot_name, policy_name, policy_action,
		       ip_hash, ua_hash, geo_hash, subnet_hash, top_reasons, schema_version
		FROM detection_records
		WHERE timestamp >= $1 AND timestamp < $2
		ORDER BY timestamp DESC
		LIMIT $3`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DetectionRecord
	for rows.Next() {
		var r models.DetectionRecord
		var riskBand, botType, policyAction string
		var ipHash, uaHash, geoHash, subnetHash *string
		var reasons []byte
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.Path, &r.Method, &r.StatusCode, &r.ResponseMs,
			&r.BotProbability, &r.Confidence, &riskBand, &r.IsBot, &botType, &r.BotName,
			&r.PolicyName, &policyAction, &ipHash, &uaHash, &geoHash, &subnetHash,
			&reasons, &r.SchemaVersion); err != nil {
			return nil, err
		}
		r.RiskBand = models.RiskBand(riskBand)
		r.BotType = models.BotType(botType)
		r.PolicyAction = models.ActionName(policyAction)
		if ipHash != nil {
			r.IPHash = *ipHash
		}
		if uaHash != nil {
			r.UAHash = *uaHash
		}
		if geoHash != nil {
			r.GeoHash = *geoHash
		}
		if subnetHash != nil {
			r.SubnetHash = *subnetHash
		}
		_ = json.Unmarshal(reasons, &r.TopReasons)
		out = append(out, r)
	}
	return out, rows.Err()
}

// PurgeOlderThan removes DetectionRecords older than retention, intended to
// run on a daily schedule.
func (s *SignatureStore) PurgeOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	return s.pg.PurgeOlderThan(ctx, retention)
}
