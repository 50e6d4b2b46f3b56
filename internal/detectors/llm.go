package detectors

import (
	"context"
	"time"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/internal/metrics"
	"github.com/stylobot/gateway/pkg/models"
)

// Classification is an AI classifier's answer for one request.
type Classification struct {
	BotProbability float64
	Label          string
	BotType        models.BotType
}

// Classifier is the bounded-latency LLM/ONNX port. Implementations must
// respect the ctx deadline and return an error rather than block past it.
type Classifier interface {
	Classify(ctx context.Context, signals map[string]any) (Classification, error)
}

// LLM escalates ambiguous requests to an external classifier. The
// orchestrator only schedules it when the running probability sits inside
// the escalation band, so the latency budget is spent exclusively on
// requests the cheap detectors couldn't decide.
type LLM struct {
	Base
	cfg        Config
	classifier Classifier
}

// aiTimeout is deliberately larger than the per-detector default: the AI
// wave only runs on the ambiguous minority of requests.
const aiTimeout = 150 * time.Millisecond

func NewLLM(cfg Config, classifier Classifier) *LLM {
	defaults := Config{Weight: 1.2, ConfidenceDelta: 0.8}
	return &LLM{
		Base: Base{
			name:     "LLM",
			priority: 20,
			category: "ai",
			timeout:  aiTimeout,
		},
		cfg:        ResolveConfig(defaults, cfg),
		classifier: classifier,
	}
}

func (d *LLM) Run(ctx context.Context, bb *blackboard.Blackboard, _ *models.HttpRequestCtx) ([]models.Contribution, error) {
	if d.classifier == nil {
		return nil, nil
	}

	result, err := d.classifier.Classify(ctx, bb.Snapshot())
	if err != nil {
		metrics.PortFailures.WithLabelValues("llm").Inc()
		return nil, nil // fail open
	}

	bb.Set("ai.bot_probability", result.BotProbability)
	if result.Label != "" {
		bb.Set("ai.label", result.Label)
	}

	// Center on 0.5: the classifier's probability becomes a signed delta.
	delta := clamp((result.BotProbability-0.5)*2, -1, 1)
	c := d.contribution(delta, d.cfg.Weight, "ai classifier: "+result.Label)
	if result.BotType != "" {
		c.SuggestedBotType = result.BotType
	}
	return []models.Contribution{c}, nil
}
