package learning

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/stylobot/gateway/internal/hasher"
	"github.com/stylobot/gateway/internal/reputation"
	"github.com/stylobot/gateway/internal/similarity"
	"github.com/stylobot/gateway/internal/store"
	"github.com/stylobot/gateway/pkg/models"
)

// ReputationHandler credits or penalizes the signature's reputation from
// the final verdict. Uses the event ID for idempotent updates.
type ReputationHandler struct {
	cache        *reputation.Cache
	botThreshold float64
}

func NewReputationHandler(cache *reputation.Cache, botThreshold float64) *ReputationHandler {
	if botThreshold <= 0 {
		botThreshold = 0.7
	}
	return &ReputationHandler{cache: cache, botThreshold: botThreshold}
}

func (h *ReputationHandler) Name() string { return "reputation" }

func (h *ReputationHandler) Handle(_ context.Context, ev Event) error {
	if h.cache == nil || ev.Evidence == nil || ev.Signature.PrimarySignature == "" {
		return nil
	}

	switch ev.Type {
	case EventHighConfidenceDetection:
		if ev.AttackDetected {
			h.cache.Update(ev.Signature.PrimarySignature, models.DeltaConfirmedBad, ev.Timestamp, ev.ID)
			return nil
		}
		h.cache.Update(ev.Signature.PrimarySignature, models.DeltaBad, ev.Timestamp, ev.ID)

	case EventDetectionCompleted:
		// Only learn from confident verdicts; ambiguity teaches nothing.
		if ev.Evidence.Confidence < 0.3 && !ev.Evidence.ExitedEarly {
			return nil
		}
		if ev.Evidence.BotProbability >= h.botThreshold {
			h.cache.Update(ev.Signature.PrimarySignature, models.DeltaBad, ev.Timestamp, ev.ID)
		} else if ev.Evidence.BotProbability <= 1-h.botThreshold {
			h.cache.Update(ev.Signature.PrimarySignature, models.DeltaGood, ev.Timestamp, ev.ID)
		}

	case EventClientSideValidation:
		// A mismatch (server said bot, client looks human) softens the bad
		// reputation with one good credit; agreement reinforces.
		if ev.Mismatch {
			h.cache.Update(ev.Signature.PrimarySignature, models.DeltaGood, ev.Timestamp, ev.ID)
		} else if ev.ClientScore >= 0.5 {
			h.cache.Update(ev.Signature.PrimarySignature, models.DeltaBad, ev.Timestamp, ev.ID)
		}
	}
	return nil
}

// WeightHandler nudges learned per-(detector, feature) weights toward
// contributions that agreed with the final verdict, and away from those
// that contradicted it. It doubles as the live WeightProvider snapshot the
// Heuristic detectors consult. Evidence that keeps being right accumulates
// weight; evidence that keeps being wrong loses it.
type WeightHandler struct {
	store *store.WeightStore

	mu      sync.RWMutex
	weights map[[2]string]store.DetectorWeight

	learningRate float64
	maxWeight    float64
}

func NewWeightHandler(ws *store.WeightStore) *WeightHandler {
	return &WeightHandler{
		store:        ws,
		weights:      make(map[[2]string]store.DetectorWeight),
		learningRate: 0.02,
		maxWeight:    2.0,
	}
}

func (h *WeightHandler) Name() string { return "weights" }

// Seed installs weights bulk-loaded from the store at startup.
func (h *WeightHandler) Seed(loaded []store.DetectorWeight) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, w := range loaded {
		h.weights[[2]string{w.Detector, w.Feature}] = w
	}
}

// LearnedWeight implements detectors.WeightProvider.
func (h *WeightHandler) LearnedWeight(detector, feature string) (float64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	w, ok := h.weights[[2]string{detector, feature}]
	if !ok || w.Confidence < 0.2 {
		return 0, false
	}
	return w.Weight, true
}

func (h *WeightHandler) Handle(_ context.Context, ev Event) error {
	if ev.Type != EventDetectionCompleted || ev.Evidence == nil {
		return nil
	}
	// Only confident verdicts move weights.
	if ev.Evidence.Confidence < 0.5 && !ev.Evidence.ExitedEarly {
		return nil
	}
	verdictBot := ev.Evidence.BotProbability >= 0.5

	var dirty []store.DetectorWeight
	h.mu.Lock()
	for _, c := range ev.Evidence.Contributions {
		if c.Weight <= 0 || c.ConfidenceDelta == 0 {
			continue
		}
		key := [2]string{c.DetectorName, c.Category}
		w, ok := h.weights[key]
		if !ok {
			w = store.DetectorWeight{Detector: c.DetectorName, Feature: c.Category, Weight: c.Weight, Confidence: 0.2}
		}

		agreed := (c.ConfidenceDelta > 0) == verdictBot
		if agreed {
			w.Weight *= 1 + h.learningRate
			w.Confidence += 0.01
		} else {
			w.Weight *= 1 - h.learningRate
			w.Confidence -= 0.005
		}
		w.Weight = clampF(w.Weight, 0.05, h.maxWeight)
		w.Confidence = clampF(w.Confidence, 0, 1)

		h.weights[key] = w
		dirty = append(dirty, w)
	}
	h.mu.Unlock()

	if h.store != nil && len(dirty) > 0 {
		h.store.WriteBatch(dirty)
	}
	return nil
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SimilarityHandler adds each classified request's feature vector to the
// nearest-neighbor index. The vector id is derived from the primary
// signature through an HKDF-scoped hasher so signature keys and vector ids
// can be joined without either leaking into the other.
type SimilarityHandler struct {
	index    *similarity.Index
	vectorID *hasher.Hasher
}

// NewSimilarityHandler takes the vector-scope derived hasher (see
// cmd/gateway: master.DeriveTenant("vector-index")).
func NewSimilarityHandler(index *similarity.Index, vectorID *hasher.Hasher) *SimilarityHandler {
	return &SimilarityHandler{index: index, vectorID: vectorID}
}

func (h *SimilarityHandler) Name() string { return "similarity" }

func (h *SimilarityHandler) Handle(ctx context.Context, ev Event) error {
	if h.index == nil || ev.Type != EventDetectionCompleted || ev.Evidence == nil {
		return nil
	}
	// Unconfident verdicts would poison retrieval labels.
	if ev.Evidence.Confidence < 0.5 {
		return nil
	}

	id := models.VectorId(h.vectorID.Hash(ev.Signature.PrimarySignature))
	wasBot := ev.Evidence.BotProbability >= 0.5
	return h.index.Add(ctx, ev.Vector, id, wasBot, ev.Evidence.Confidence, "")
}

// RecordHandler persists the zero-PII DetectionRecord for every completed
// request.
type RecordHandler struct {
	store     *store.SignatureStore
	h         *hasher.Hasher
	threshold float64
	logRawPII bool
}

func NewRecordHandler(ss *store.SignatureStore, h *hasher.Hasher, botThreshold float64, logRawPII bool) *RecordHandler {
	if botThreshold <= 0 {
		botThreshold = 0.7
	}
	return &RecordHandler{store: ss, h: h, threshold: botThreshold, logRawPII: logRawPII}
}

func (h *RecordHandler) Name() string { return "records" }

func (h *RecordHandler) Handle(_ context.Context, ev Event) error {
	if h.store == nil || ev.Type != EventDetectionCompleted || ev.Evidence == nil {
		return nil
	}
	rec := BuildDetectionRecord(ev, h.h, h.threshold, h.logRawPII)
	h.store.Append([]models.DetectionRecord{rec})
	return nil
}

// BuildDetectionRecord folds an event into the persisted record shape.
// Exported for tests.
func BuildDetectionRecord(ev Event, hsh *hasher.Hasher, botThreshold float64, logRawPII bool) models.DetectionRecord {
	e := ev.Evidence

	contributions := make(map[string]models.Contribution, len(e.Contributions))
	for _, c := range e.Contributions {
		agg, ok := contributions[c.DetectorName]
		if !ok {
			contributions[c.DetectorName] = c
			continue
		}
		// Same detector, multiple contributions: keep the strongest, sum
		// nothing; the full trail lives only in memory.
		if absF(c.ConfidenceDelta*c.Weight) > absF(agg.ConfidenceDelta*agg.Weight) {
			contributions[c.DetectorName] = c
		}
	}

	reasons := make([]string, 0, len(e.Contributions))
	sorted := append([]models.Contribution(nil), e.Contributions...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return absF(sorted[i].ConfidenceDelta*sorted[i].Weight) > absF(sorted[j].ConfidenceDelta*sorted[j].Weight)
	})
	for _, c := range sorted {
		if c.Reason == "" {
			continue
		}
		reasons = append(reasons, c.Reason)
		if len(reasons) == 5 {
			break
		}
	}

	rec := models.DetectionRecord{
		ID:             ev.ID,
		Timestamp:      ev.Timestamp,
		Path:           ev.Path,
		Method:         ev.Method,
		StatusCode:     ev.StatusCode,
		ResponseMs:     ev.ResponseMs,
		BotProbability: e.BotProbability,
		Confidence:     e.Confidence,
		RiskBand:       e.RiskBand,
		IsBot:          e.IsBot(botThreshold),
		BotType:        e.PrimaryBotType,
		BotName:        e.PrimaryBotName,
		PolicyName:     e.PolicyName,
		IPHash:         ev.Signature.IPSignature,
		UAHash:         ev.Signature.UASignature,
		SubnetHash:     ev.Signature.IPSubnetSignature,
		Contributions:  contributions,
		TopReasons:     reasons,
		SchemaVersion:  models.SchemaVersion,
	}
	if e.PolicyAction != nil {
		rec.PolicyAction = (*e.PolicyAction).ActionName()
	}
	if ev.Signature.CountryCode != "" && hsh != nil {
		rec.GeoHash = hsh.Hash(ev.Signature.CountryCode)
	}
	if logRawPII {
		rec.RawIP = ev.RawIP
		rec.RawUA = ev.RawUA
	}
	return rec
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// Broadcaster pushes serialized detection summaries to dashboard
// subscribers. Implemented by internal/api.Hub.
type Broadcaster interface {
	Broadcast(msg []byte)
}

// DashboardHandler streams a compact per-detection summary to the live
// ops websocket.
type DashboardHandler struct {
	hub       Broadcaster
	threshold float64
}

func NewDashboardHandler(hub Broadcaster, botThreshold float64) *DashboardHandler {
	return &DashboardHandler{hub: hub, threshold: botThreshold}
}

func (h *DashboardHandler) Name() string { return "dashboard" }

type dashboardSummary struct {
	Timestamp      string          `json:"timestamp"`
	Path           string          `json:"path"`
	Method         string          `json:"method"`
	BotProbability float64         `json:"botProbability"`
	Confidence     float64         `json:"confidence"`
	RiskBand       models.RiskBand `json:"riskBand"`
	IsBot          bool            `json:"isBot"`
	BotType        models.BotType  `json:"botType,omitempty"`
	BotName        string          `json:"botName,omitempty"`
	Action         string          `json:"action,omitempty"`
}

func (h *DashboardHandler) Handle(_ context.Context, ev Event) error {
	if h.hub == nil || ev.Type != EventDetectionCompleted || ev.Evidence == nil {
		return nil
	}
	s := dashboardSummary{
		Timestamp:      ev.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
		Path:           ev.Path,
		Method:         ev.Method,
		BotProbability: ev.Evidence.BotProbability,
		Confidence:     ev.Evidence.Confidence,
		RiskBand:       ev.Evidence.RiskBand,
		IsBot:          ev.Evidence.IsBot(h.threshold),
		BotType:        ev.Evidence.PrimaryBotType,
		BotName:        ev.Evidence.PrimaryBotName,
	}
	if ev.Evidence.PolicyAction != nil {
		s.Action = string((*ev.Evidence.PolicyAction).ActionName())
	}
	msg, err := json.Marshal(s)
	if err != nil {
		return err
	}
	h.hub.Broadcast(msg)
	return nil
}
