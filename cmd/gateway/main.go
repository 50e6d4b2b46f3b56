package main

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/stylobot/gateway/internal/api"
	"github.com/stylobot/gateway/internal/config"
	"github.com/stylobot/gateway/internal/datasource"
	"github.com/stylobot/gateway/internal/detectors"
	"github.com/stylobot/gateway/internal/hasher"
	"github.com/stylobot/gateway/internal/learning"
	"github.com/stylobot/gateway/internal/logging"
	"github.com/stylobot/gateway/internal/middleware"
	"github.com/stylobot/gateway/internal/orchestrator"
	"github.com/stylobot/gateway/internal/policy"
	"github.com/stylobot/gateway/internal/reputation"
	"github.com/stylobot/gateway/internal/shadow"
	"github.com/stylobot/gateway/internal/signature"
	"github.com/stylobot/gateway/internal/similarity"
	"github.com/stylobot/gateway/internal/store"
	"github.com/stylobot/gateway/pkg/models"
)

func main() {
	configPath := os.Getenv("STYLOBOT_CONFIG")
	bootLog := logging.New(os.Getenv("STYLOBOT_LOG_LEVEL"), false)

	cfg, err := config.Load(configPath, bootLog)
	if err != nil {
		bootLog.Fatal().Err(err).Msg("configuration invalid, refusing to start")
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Pretty)
	log.Info().Str("mode", cfg.Mode).Msg("starting stylobot gateway")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Hashing: master key plus the HKDF-scoped hasher that keys the
	// similarity index (correlation keys never key into similarity).
	master, err := hasher.New(cfg.HashKey())
	if err != nil {
		log.Fatal().Err(err).Msg("signature hash key rejected")
	}
	vectorHasher, err := master.DeriveTenant("vector-index")
	if err != nil {
		log.Fatal().Err(err).Msg("vector-id hasher derivation failed")
	}

	factory, err := signature.New(master, 0)
	if err != nil {
		log.Fatal().Err(err).Msg("signature factory init failed")
	}

	// Durable stores. Connection failure degrades to in-memory-only
	// operation; learning keeps running, nothing persists.
	var pg *store.Postgres
	var patternStore *store.PatternStore
	var weightStore *store.WeightStore
	var signatureStore *store.SignatureStore
	if cfg.Store.DatabaseURL != "" {
		pg, err = store.Connect(ctx, cfg.Store.DatabaseURL, log)
		if err != nil {
			log.Warn().Err(err).Msg("postgres unavailable, running without durable stores")
		} else {
			defer pg.Close()
			if err := pg.InitSchema(ctx); err != nil {
				log.Fatal().Err(err).Msg("store schema init failed")
			}
			patternStore = store.NewPatternStore(pg)
			weightStore = store.NewWeightStore(pg)
			signatureStore = store.NewSignatureStore(pg)
		}
	} else {
		log.Warn().Msg("store.database_url not set, running without durable stores")
	}

	// Reputation cache, warm-loaded from the pattern store and JSONL
	// bot-list files.
	repCache, err := reputation.New(0, 24*time.Hour, patternWriterOrNil(patternStore))
	if err != nil {
		log.Fatal().Err(err).Msg("reputation cache init failed")
	}
	warmLoadReputation(ctx, cfg, repCache, patternStore, log)

	// Similarity index over the same pool.
	var simIndex *similarity.Index
	if pg != nil {
		simIndex = similarity.New(pg.Pool(), nil, log)
		if err := simIndex.Load(ctx); err != nil {
			log.Warn().Err(err).Msg("similarity index load failed, starting empty")
		}
	}

	// Background datasources.
	cloudRanges := datasource.NewCloudRanges(nil)
	crawlerRanges := datasource.NewCrawlerRanges(nil)
	uaVersions := datasource.NewUAVersions(nil, "")
	go datasource.NewRunner(log, cloudRanges, crawlerRanges, uaVersions).Run(ctx)

	var dnsbl detectors.DNSBL
	if cfg.Honeypot.AccessKey != "" {
		dnsbl = datasource.NewHoneypotResolver(cfg.Honeypot.AccessKey)
	}

	// Learning bus + handlers.
	weightHandler := learning.NewWeightHandler(weightStore)
	if weightStore != nil {
		if loaded, err := weightStore.LoadAll(ctx); err != nil {
			log.Warn().Err(err).Msg("weight store bulk load failed")
		} else {
			weightHandler.Seed(loaded)
		}
	}

	hub := api.NewHub(log)
	go hub.Run()

	var bus *learning.Bus
	if cfg.EnableLearning {
		bus = learning.NewBus(cfg.Learning.BusCapacity, cfg.Learning.HandlerConcurrency, cfg.LogRawPII, log)
		bus.Register(learning.NewReputationHandler(repCache, cfg.BotThreshold))
		bus.Register(weightHandler)
		if simIndex != nil {
			bus.Register(learning.NewSimilarityHandler(simIndex, vectorHasher))
		}
		if signatureStore != nil {
			bus.Register(learning.NewRecordHandler(signatureStore, master, cfg.BotThreshold, cfg.LogRawPII))
		}
		bus.Register(learning.NewDashboardHandler(hub, cfg.BotThreshold))
		bus.Start(ctx)
	}

	// Detector registry and per-policy pipelines.
	sampleGate := newSampleGate(cfg.FastPath.SampleRate)
	registry := detectors.NewRegistry(detectors.Ports{
		Reputation: repCache,
		Sample:     sampleGate,
		CIDR:       cloudRanges,
		Crawler:    crawlerRanges,
		RDNS:       datasource.NewFCrDNS(),
		DNSBL:      dnsbl,
		Weights:    weightHandler,
		Versions:   uaVersions,
	}, cfg.Detectors)

	orchestrators := make(map[string]*orchestrator.Orchestrator, len(cfg.Policies))
	for name, dp := range cfg.Policies {
		o, err := orchestrator.FromPolicy(registry, dp, cfg.WorkerPool, log)
		if err != nil {
			log.Fatal().Err(err).Msg("detection policy invalid, refusing to start")
		}
		if bus != nil {
			o.AttachSink(bus)
		}
		orchestrators[name] = o
	}

	actions := make(map[string]models.Action, len(cfg.ActionPolicies))
	for name, ap := range cfg.ActionPolicies {
		actions[name] = ap.ToAction()
	}
	engine, err := policy.New(cfg.Policies, actions, cfg.PathPolicies, cfg.DefaultPolicyName, cfg.DefaultActionPolicyName)
	if err != nil {
		log.Fatal().Err(err).Msg("policy configuration invalid, refusing to start")
	}

	callbackURL := "/api/bot-detection/client-result"
	geo := &asnGeoLookup{asn: datasource.NewASNLookup()}
	gateway := middleware.New(factory, engine, orchestrators, geo, cfg.BotThreshold, cfg.RequestBudget, callbackURL, log)

	var shadowRunner *shadow.Runner
	if cfg.ShadowPolicyName != "" {
		shadowRunner = shadow.NewRunner(orchestrators[cfg.ShadowPolicyName], cfg.ShadowSampleEvery, 1000, log)
		gateway.AttachShadow(shadowRunner)
		log.Info().Str("policy", cfg.ShadowPolicyName).Msg("shadow policy mirroring enabled")
	}

	// Retention purge, once a day.
	if pg != nil {
		go retentionLoop(ctx, pg, time.Duration(cfg.Store.RetentionDays)*24*time.Hour, log)
	}
	// Reputation decay on its own clock.
	go decayLoop(ctx, repCache)

	// Router: gateway-owned surface first, then detection + proxy for
	// everything else.
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	adminToken := os.Getenv("STYLOBOT_API_TOKEN")
	if cfg.Production() && adminToken == "" {
		log.Fatal().Msg("STYLOBOT_API_TOKEN must be set in production mode")
	}

	api.Mount(r, api.Deps{
		ClientResult: api.NewClientResultHandler(factory, busOrNil(bus), log),
		Hub:          hub,
		Reputation:   repCache,
		Signatures:   signatureStore,
		Bus:          bus,
		Engine:       engine,
		Shadow:       shadowRunner,
		AdminToken:   adminToken,
		Log:          log,
	})

	r.Use(gateway.Handler())
	mountUpstream(r, cfg, log)

	srv := &http.Server{Addr: cfg.Listen, Handler: r}
	go func() {
		log.Info().Str("listen", cfg.Listen).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Cooperative shutdown: stop intake, drain learning, flush caches.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	cancel()
	if bus != nil {
		bus.Stop()
	}
	repCache.Flush()
	if simIndex != nil {
		_ = simIndex.Save(shutdownCtx)
	}
	log.Info().Msg("shutdown complete")
}

// mountUpstream wires the final handler: a reverse proxy when upstream_url
// is configured, otherwise a 404 (a middleware-only deployment embeds its
// own handlers instead of proxying).
func mountUpstream(r *gin.Engine, cfg *config.Config, log zerolog.Logger) {
	if cfg.UpstreamURL == "" {
		log.Warn().Msg("upstream_url not set, unmatched requests will 404")
		return
	}
	target, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		log.Fatal().Err(err).Msg("upstream_url invalid")
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, _ *http.Request, err error) {
		log.Warn().Err(err).Msg("upstream proxy error")
		w.WriteHeader(http.StatusBadGateway)
	}
	r.NoRoute(func(c *gin.Context) {
		proxy.ServeHTTP(c.Writer, c.Request)
	})
}

func patternWriterOrNil(ps *store.PatternStore) reputation.PatternWriter {
	if ps == nil {
		return nil
	}
	return ps
}

func busOrNil(b *learning.Bus) api.ClientValidationPublisher {
	if b == nil {
		return nil
	}
	return b
}

// warmLoadReputation seeds the cache from the durable pattern store and the
// configured JSONL bot-list directory.
func warmLoadReputation(ctx context.Context, cfg *config.Config, cache *reputation.Cache, ps *store.PatternStore, log zerolog.Logger) {
	if ps != nil {
		records, err := ps.LoadAll(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("pattern store bulk load failed")
		} else {
			for _, rec := range records {
				cache.Seed(rec)
			}
			log.Info().Int("patterns", len(records)).Msg("reputation warm-loaded from store")
		}
	}

	if cfg.Store.PatternDir != "" {
		files, err := store.LoadPatternFiles(cfg.Store.PatternDir, jsonlWarner{log})
		if err != nil {
			log.Warn().Err(err).Msg("bot-list JSONL load failed")
			return
		}
		now := time.Now().UTC()
		for _, f := range files {
			status := models.RepLearnedBad
			if f.Confidence >= 0.9 {
				status = models.RepConfirmedBad
			}
			cache.Seed(models.ReputationRecord{
				Signature: f.Signature,
				BadCount:  f.HitCount,
				LastSeen:  now,
				Status:    status,
			})
		}
		log.Info().Int("signatures", len(files)).Msg("bot-list signatures loaded")
	}
}

// asnGeoLookup enriches requests with origin-ASN data over the Team Cymru
// DNS interface when no dedicated geo provider is configured. Best-effort:
// a zero answer yields no geo signal at all.
type asnGeoLookup struct {
	asn *datasource.ASNLookup
}

func (g *asnGeoLookup) Lookup(ctx context.Context, ip string) *models.GeoInfo {
	info := g.asn.Lookup(ctx, ip)
	if info.ASN == 0 && info.Country == "" {
		return nil
	}
	return &models.GeoInfo{CountryCode: info.Country, ASN: info.ASN}
}

// jsonlWarner adapts the structured logger to the JSONL loader's narrow
// warning sink.
type jsonlWarner struct{ log zerolog.Logger }

func (w jsonlWarner) Warn(file string, err error) {
	w.log.Warn().Str("file", file).Err(err).Msg("bot-list line skipped")
}

// newSampleGate routes roughly the configured fraction of ConfirmedGood
// fast-path hits back through the full pipeline for audit, keyed
// deterministically off the signature so a given client's audit decision
// is stable within a process generation.
func newSampleGate(rate float64) detectors.SampleGate {
	if rate <= 0 {
		return nil
	}
	buckets := uint32(1 / rate)
	if buckets == 0 {
		buckets = 1
	}
	return func(signatureKey string) bool {
		var h uint32 = 2166136261
		for i := 0; i < len(signatureKey); i++ {
			h ^= uint32(signatureKey[i])
			h *= 16777619
		}
		return h%buckets == 0
	}
}

func decayLoop(ctx context.Context, cache *reputation.Cache) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			cache.Decay(now)
		}
	}
}

func retentionLoop(ctx context.Context, pg *store.Postgres, retention time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := pg.PurgeOlderThan(ctx, retention)
			if err != nil {
				log.Warn().Err(err).Msg("retention purge failed")
				continue
			}
			log.Info().Int64("purged", purged).Msg("retention purge complete")
		}
	}
}
