// Package similarity implements the approximate-nearest-neighbor index of
// fixed-length request feature vectors. Vectors and an
// optional dual semantic embedding are stored via pgvector, with Postgres's
// HNSW index (ops class vector_cosine_ops) doing the heavy lifting once
// enough vectors exist; below the build threshold, lookups fall back to an
// in-memory brute-force scan over a pending list.
package similarity

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog"

	"github.com/stylobot/gateway/pkg/models"
)

// HeuristicDim is the fixed dimensionality of the heuristic feature vector
// (schema version is a compile-time constant; see FeatureSchemaVersion).
const HeuristicDim = 64

// SemanticDim is the dimensionality of the optional dual semantic embedding.
const SemanticDim = 384

// FeatureSchemaVersion is embedded in saved index metadata; a mismatch on
// load invalidates the saved vectors.
const FeatureSchemaVersion = 1

// buildThreshold is the minimum vector count before the HNSW index is
// trusted over brute force.
const buildThreshold = 5

// rebuildThreshold is how many vectors accumulate in the pending list
// before rebuild runs: it creates the HNSW index if it does not exist yet
// (CREATE INDEX IF NOT EXISTS, no REINDEX) and clears the pending list.
const rebuildThreshold = 50

// heuristicWeight / semanticWeight combine scores in the dual-vector variant.
const (
	heuristicWeight = 0.6
	semanticWeight  = 0.4
)

// Match is one nearest-neighbor result.
type Match struct {
	ID         string
	Distance   float64
	WasBot     bool
	Confidence float64
}

// EmbeddingPort is the external semantic-embedding collaborator. When
// Unavailable() is true, the index silently falls back to heuristic-only
// retrieval; the port has its own latency/availability contract and fails
// open.
type EmbeddingPort interface {
	Embed(ctx context.Context, semanticContext string) ([]float32, error)
	Unavailable() bool
}

type pendingVector struct {
	id         string
	heuristic  []float32
	semantic   []float32
	wasBot     bool
	confidence float64
}

// Index is the similarity index over one Postgres connection pool. Safe for
// concurrent use.
type Index struct {
	pool      *pgxpool.Pool
	embed     EmbeddingPort
	log       zerolog.Logger

	mu       sync.RWMutex
	pending  []pendingVector
	total    int
	built    bool
	dirty    bool
	lastSave time.Time
}

// New constructs an Index. embed may be nil, in which case only the
// heuristic vector is ever used.
func New(pool *pgxpool.Pool, embed EmbeddingPort, log zerolog.Logger) *Index {
	return &Index{pool: pool, embed: embed, log: log}
}

// L2Normalize returns vec scaled to unit L2 norm; missing (zero) features
// stay at 0. A zero vector is returned unchanged.
func L2Normalize(vec []float32) []float32 {
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	if sumSq == 0 {
		return vec
	}
	norm := math.Sqrt(sumSq)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

// Add inserts a new heuristic vector (and optional semantic context) keyed
// by signature ID, with the observed outcome. It is added to the pending
// list immediately (searchable by brute force) and flushed to Postgres;
// once the pending list reaches rebuildThreshold, rebuild runs.
func (idx *Index) Add(ctx context.Context, vec [HeuristicDim]float32, signatureID models.VectorId, wasBot bool, confidence float64, semanticContext string) error {
	normalized := L2Normalize(vec[:])

	pv := pendingVector{id: string(signatureID), heuristic: normalized, wasBot: wasBot, confidence: confidence}
	if semanticContext != "" && idx.embed != nil && !idx.embed.Unavailable() {
		if emb, err := idx.embed.Embed(ctx, semanticContext); err == nil {
			pv.semantic = L2Normalize(emb)
		}
	}

	idx.mu.Lock()
	idx.pending = append(idx.pending, pv)
	idx.total++
	idx.dirty = true
	shouldRebuild := len(idx.pending) >= rebuildThreshold
	idx.mu.Unlock()

	if idx.pool != nil {
		if err := idx.persist(ctx, pv); err != nil {
			idx.log.Warn().Err(err).Str("id", pv.id).Msg("similarity: persist failed")
		}
	}

	if shouldRebuild {
		idx.rebuild(ctx)
	}
	return nil
}

func (idx *Index) persist(ctx context.Context, pv pendingVector) error {
	h := pgvector.NewVector(pv.heuristic)
	var semSQL any
	if pv.semantic != nil {
		v := pgvector.NewVector(pv.semantic)
		semSQL = v
	}
	_, err := idx.pool.Exec(ctx, `
		INSERT INTO similarity_vectors (vector_id, heuristic, semantic, was_bot, confidence)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (vector_id) DO UPDATE SET
			heuristic = EXCLUDED.heuristic, semantic = EXCLUDED.semantic,
			was_bot = EXCLUDED.was_bot, confidence = EXCLUDED.confidence
	`, pv.id, h, semSQL, pv.wasBot, pv.confidence)
	return err
}

// rebuild (re)creates the HNSW index once enough vectors have accumulated,
// then clears the pending list; subsequent queries can rely on Postgres.
func (idx *Index) rebuild(ctx context.Context) {
	if idx.pool == nil {
		return
	}
	_, err := idx.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_similarity_heuristic_hnsw
		ON similarity_vectors USING hnsw (heuristic vector_cosine_ops)
	`)
	if err != nil {
		idx.log.Warn().Err(err).Msg("similarity: hnsw rebuild failed, continuing with brute force")
		return
	}
	idx.mu.Lock()
	idx.built = true
	idx.pending = nil
	idx.mu.Unlock()
}

// FindSimilar returns the topK nearest neighbors to vec with cosine
// similarity >= minSim. Below buildThreshold vectors, or before the index
// has been built, this is a brute-force scan over the pending list; above
// it, the HNSW-backed Postgres query is used. In the dual-vector variant,
// scores combine heuristic and semantic distance with the configured
// weights; if the embedding port is unavailable only the heuristic vector
// is used.
func (idx *Index) FindSimilar(ctx context.Context, vec [HeuristicDim]float32, topK int, minSim float64, semanticContext string) []Match {
	if topK <= 0 {
		topK = 5
	}
	normalized := L2Normalize(vec[:])

	idx.mu.RLock()
	built := idx.built
	total := idx.total
	pending := append([]pendingVector(nil), idx.pending...)
	idx.mu.RUnlock()

	if !built || total < buildThreshold {
		return bruteForce(pending, normalized, topK, minSim)
	}

	var semVec []float32
	if semanticContext != "" && idx.embed != nil && !idx.embed.Unavailable() {
		if emb, err := idx.embed.Embed(ctx, semanticContext); err == nil {
			semVec = L2Normalize(emb)
		}
	}
	matches, err := idx.queryPostgres(ctx, normalized, semVec, topK, minSim)
	if err != nil {
		idx.log.Warn().Err(err).Msg("similarity: postgres query failed, falling back to pending list")
		return bruteForce(pending, normalized, topK, minSim)
	}
	return matches
}

func (idx *Index) queryPostgres(ctx context.Context, heuristic, semantic []float32, topK int, minSim float64) ([]Match, error) {
	h := pgvector.NewVector(heuristic)
	rows, err := idx.pool.Query(ctx, `
		SELECT vector_id, 1 - (heuristic <=> $1) AS sim, was_bot, confidence, semantic
		FROM similarity_vectors
		ORDER BY heuristic <=> $1
		LIMIT $2
	`, h, topK*4) // over-fetch so we can re-rank with the semantic blend
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type row struct {
		id         string
		heuristicSim float64
		wasBot     bool
		confidence float64
		semantic   *pgvector.Vector
	}
	var scanned []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.heuristicSim, &r.wasBot, &r.confidence, &r.semantic); err != nil {
			return nil, err
		}
		scanned = append(scanned, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Match, 0, len(scanned))
	for _, r := range scanned {
		sim := r.heuristicSim
		if semantic != nil && r.semantic != nil {
			semSim := cosineSim(semantic, r.semantic.Slice())
			sim = heuristicWeight*r.heuristicSim + semanticWeight*semSim
		}
		if sim < minSim {
			continue
		}
		out = append(out, Match{ID: r.id, Distance: 1 - sim, WasBot: r.wasBot, Confidence: r.confidence})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func bruteForce(pending []pendingVector, vec []float32, topK int, minSim float64) []Match {
	out := make([]Match, 0, len(pending))
	for _, pv := range pending {
		sim := cosineSim(vec, pv.heuristic)
		if sim < minSim {
			continue
		}
		out = append(out, Match{ID: pv.id, Distance: 1 - sim, WasBot: pv.wasBot, Confidence: pv.confidence})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if len(out) > topK {
		out = out[:topK]
	}
	return out
}

func cosineSim(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	// a and b are already L2-normalized, so dot product is cosine similarity.
	return dot
}

// Save persists the current pending-list snapshot; intended to run on a
// 5-minute background ticker, only when dirty.
func (idx *Index) Save(ctx context.Context) error {
	idx.mu.Lock()
	if !idx.dirty {
		idx.mu.Unlock()
		return nil
	}
	pending := append([]pendingVector(nil), idx.pending...)
	idx.dirty = false
	idx.lastSave = time.Now()
	idx.mu.Unlock()

	for _, pv := range pending {
		if err := idx.persist(ctx, pv); err != nil {
			return err
		}
	}
	return nil
}

// Load restores total/built state from Postgres at startup.
func (idx *Index) Load(ctx context.Context) error {
	if idx.pool == nil {
		return nil
	}
	var count int
	if err := idx.pool.QueryRow(ctx, `SELECT count(*) FROM similarity_vectors`).Scan(&count); err != nil {
		return err
	}
	idx.mu.Lock()
	idx.total = count
	idx.built = count >= rebuildThreshold
	idx.mu.Unlock()
	return nil
}
