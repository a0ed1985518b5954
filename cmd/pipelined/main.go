// Package main implements pipelined: the HTTP controller that loads the
// pipeline YAML set, resolves the work-callback policy, and runs and
// streams pipelines over Server-Sent Events.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"golang.org/x/sync/errgroup"

	"github.com/ragflow/pipeline/internal/action"
	"github.com/ragflow/pipeline/internal/actions"
	"github.com/ragflow/pipeline/internal/budget"
	"github.com/ragflow/pipeline/internal/callback"
	"github.com/ragflow/pipeline/internal/convhistory"
	"github.com/ragflow/pipeline/internal/graphprovider"
	"github.com/ragflow/pipeline/internal/modelclient"
	"github.com/ragflow/pipeline/internal/pipelinedef"
	"github.com/ragflow/pipeline/internal/pipelineengine"
	"github.com/ragflow/pipeline/internal/retrieval"
	"github.com/ragflow/pipeline/internal/retrievalbackend"
	"github.com/ragflow/pipeline/internal/state"
	"github.com/ragflow/pipeline/internal/weaviatelog"
	"github.com/ragflow/pipeline/pkg/metrics"
	"github.com/ragflow/pipeline/pkg/mid"
	"github.com/ragflow/pipeline/pkg/ollama"
	"github.com/ragflow/pipeline/pkg/resilience"
)

// Config holds all environment-based configuration.
type Config struct {
	Port string

	PipelinesDir string
	PromptsDir   string

	Neo4jURL  string
	Neo4jUser string
	Neo4jPass string

	QdrantURL        string
	QdrantCollection string

	OllamaURL        string
	OllamaEmbedModel string

	ModelBaseURL string
	ModelName    string
	NCtx         int

	CORSOrigin      string
	ProdStreamToken string

	CallbackRingSize int
	CallbackTTL      time.Duration

	BreakerFailThreshold int
	BreakerTimeoutS      int
	LimiterRatePerSec    float64
	LimiterBurst         int

	ConvHistMaxTurns int
	ConvHistTTLS     int

	// Callback policy global axis (see internal/callback.Resolve); the
	// pipeline's own vote is read from its YAML settings at run time.
	GlobalCallbackMode        string
	GlobalStageVisibilityMode string
	GlobalIncludeDocuments    bool
}

func loadConfig() Config {
	return Config{
		Port: envOr("PORT", "8080"),

		PipelinesDir: envOr("PIPELINES_DIR", "./pipelines"),
		PromptsDir:   envOr("PROMPTS_DIR", "./prompts"),

		Neo4jURL:  envOr("NEO4J_URL", "neo4j://localhost:7687"),
		Neo4jUser: envOr("NEO4J_USER", "neo4j"),
		Neo4jPass: envOr("NEO4J_PASS", "password"),

		QdrantURL:        envOr("QDRANT_URL", "localhost:6334"),
		QdrantCollection: envOr("QDRANT_COLLECTION", "ragflow"),

		OllamaURL:        envOr("OLLAMA_URL", "http://localhost:11434"),
		OllamaEmbedModel: envOr("OLLAMA_EMBED_MODEL", "nomic-embed-text"),

		ModelBaseURL: envOr("MODEL_BASE_URL", "http://localhost:11434"),
		ModelName:    envOr("MODEL_NAME", "llama3"),
		NCtx:         envInt("MODEL_N_CTX", 8192),

		CORSOrigin:      envOr("CORS_ORIGIN", "*"),
		ProdStreamToken: envOr("PROD_STREAM_TOKEN", ""),

		CallbackRingSize: envInt("CALLBACK_RING_SIZE", 600),
		CallbackTTL:      time.Duration(envInt("CALLBACK_TTL_MINUTES", 20)) * time.Minute,

		BreakerFailThreshold: envInt("MODEL_BREAKER_FAIL_THRESHOLD", 5),
		BreakerTimeoutS:      envInt("MODEL_BREAKER_TIMEOUT_S", 30),
		LimiterRatePerSec:    envFloat("MODEL_RATE_LIMIT_PER_SEC", 5),
		LimiterBurst:         envInt("MODEL_RATE_LIMIT_BURST", 10),

		ConvHistMaxTurns: envInt("APP_CONV_HIST_MAX_TURNS", 200),
		ConvHistTTLS:     envInt("APP_CONV_HIST_TTL_S", 0),

		GlobalCallbackMode:        envOr("CALLBACK_GLOBAL_MODE", "pipeline_decision"),
		GlobalStageVisibilityMode: envOr("CALLBACK_GLOBAL_STAGE_VISIBILITY_MODE", "pipeline_driven"),
		GlobalIncludeDocuments:    envOr("CALLBACK_GLOBAL_INCLUDE_DOCUMENTS", "1") == "1",
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

// lexicalAdapter makes graphprovider.BuiltinProvider satisfy
// retrieval.LexicalSearcher: the two packages define independent hit types
// (graphprovider.FullTextHit / retrieval.LexicalHit) so that retrieval does
// not import graphprovider, and converting between them is this adapter's
// only job.
type lexicalAdapter struct {
	provider *graphprovider.BuiltinProvider
}

func (a *lexicalAdapter) SearchFullText(ctx context.Context, repo, snapshotID, query string, limit int) ([]retrieval.LexicalHit, error) {
	hits, err := a.provider.SearchFullText(ctx, repo, snapshotID, query, limit)
	if err != nil {
		return nil, err
	}
	out := make([]retrieval.LexicalHit, len(hits))
	for i, h := range hits {
		out[i] = retrieval.LexicalHit{ID: h.ID, Score: h.Score}
	}
	return out, nil
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	neo4jDriver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
	if err != nil {
		return fmt.Errorf("neo4j driver: %w", err)
	}
	defer neo4jDriver.Close(ctx)

	vectorStore, err := retrievalbackend.New(cfg.QdrantURL, cfg.QdrantCollection)
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer vectorStore.Close()

	graphProvider := graphprovider.NewBuiltinProvider(neo4jDriver)
	embedClient := ollama.NewEmbedClient(cfg.OllamaURL, cfg.OllamaEmbedModel)
	queryLog := weaviatelog.FromEnv()
	defer queryLog.Close()

	retrievalBackend := retrieval.NewHybridBackend(embedClient, vectorStore, &lexicalAdapter{provider: graphProvider})
	retrievalBackend.Logger = queryLog

	breaker := resilience.NewBreaker(resilience.BreakerOpts{
		FailThreshold: cfg.BreakerFailThreshold,
		Timeout:       time.Duration(cfg.BreakerTimeoutS) * time.Second,
	})
	limiter := resilience.NewLimiter(resilience.LimiterOpts{Rate: cfg.LimiterRatePerSec, Burst: cfg.LimiterBurst})
	modelClient := modelclient.NewResilient(modelclient.NewHTTP(cfg.ModelBaseURL, cfg.ModelName), breaker, limiter)

	sessionKV := convhistory.NewMemKVWithTTL(time.Duration(cfg.ConvHistTTLS) * time.Second)
	sessionStore := convhistory.NewSessionStore(sessionKV, cfg.ConvHistMaxTurns)
	durableStore := convhistory.NewNeo4jDurableStore(neo4jDriver)
	history := convhistory.NewService(sessionStore, durableStore)

	broker := callback.NewBroker(cfg.CallbackRingSize, cfg.CallbackTTL)

	reg := metrics.New()
	runsStarted := reg.Counter("pipeline_runs_total", "pipeline runs started")
	budgetClamps := reg.Counter("pipeline_budget_clamps_total", "budget auto-clamp adjustments applied at load time")
	callbackSubs := reg.Gauge("pipeline_callback_subscribers", "open SSE subscribers across all runs")

	registry := actions.Default()
	promptLoader := actions.NewFilePromptLoader(cfg.PromptsDir)
	tokenCounter := budget.NewTiktokenCounter("cl100k_base")

	pipelines, err := loadPipelines(cfg.PipelinesDir, registry, promptLoader, tokenCounter, cfg.NCtx, logger, budgetClamps)
	if err != nil {
		return fmt.Errorf("load pipelines: %w", err)
	}

	engine := pipelineengine.New(registry)

	srv := &server{
		cfg:           cfg,
		logger:        logger,
		pipelines:     pipelines,
		engine:        engine,
		broker:        broker,
		history:       history,
		retrieval:     retrievalBackend,
		graph:         graphProvider,
		model:         modelClient,
		promptLoader:  promptLoader,
		tokenCounter:  tokenCounter,
		metrics:       reg,
		runsStarted:   runsStarted,
		callbackSubs:  callbackSubs,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", srv.handleHealth)
	mux.Handle("GET /metrics", reg.Handler())
	mux.HandleFunc("POST /pipeline/run", srv.handleRun)
	mux.HandleFunc("GET /pipeline/stream/dev", srv.handleStream(false))
	mux.HandleFunc("GET /pipeline/stream/prod", srv.handleStream(true))

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
	)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // streaming endpoints hold connections open
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("pipelined starting", "port", cfg.Port, "pipelines", len(pipelines))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutCtx)
}

// loadedPipeline bundles a validated PipelineDef with its resolved budget
// contract.
type loadedPipeline struct {
	def    *pipelinedef.PipelineDef
	budget budget.Result
}

// fileLoadResult is one YAML file's loaded and validated pipelines, or the
// error that stopped it.
type fileLoadResult struct {
	name string
	defs []*pipelinedef.PipelineDef
	err  error
}

// loadPipelines reads every *.yaml/*.yml file under dir. Per-file work
// (parse, extends-resolve, validate against the registry's action set) is
// independent across files, so it fans out over an errgroup.Group — one
// goroutine per file. Budget contract evaluation (at load time, never at
// run time) and the final map assembly run back on the calling goroutine
// in directory-entry order, so clamp logging is deterministic. The result
// is indexed by pipeline name.
func loadPipelines(dir string, registry *action.Registry, prompts actions.FilePromptLoader, counter budget.TokenCounter, nCtx int, logger *slog.Logger, budgetClamps *metrics.Counter) (map[string]*loadedPipeline, error) {
	allowed := registry.Names()
	loader := pipelinedef.NewLoader(dir)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read pipelines dir %q: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".yaml") || strings.HasSuffix(e.Name(), ".yml") {
			names = append(names, e.Name())
		}
	}

	results := make([]fileLoadResult, len(names))
	var g errgroup.Group
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			defs, err := loader.LoadAll(name)
			if err != nil {
				results[i] = fileLoadResult{name: name, err: fmt.Errorf("load %q: %w", name, err)}
				return nil
			}
			for _, def := range defs {
				if _, warnErr := pipelinedef.Validate(def, allowed); warnErr != nil {
					results[i] = fileLoadResult{name: name, err: fmt.Errorf("validate pipeline %q (%s): %w", def.Name, name, warnErr)}
					return nil
				}
			}
			results[i] = fileLoadResult{name: name, defs: defs}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]*loadedPipeline)
	for _, res := range results {
		if res.err != nil {
			return nil, res.err
		}
		for _, def := range res.defs {
			result, err := evaluatePipelineBudget(def, prompts, counter, nCtx)
			if err != nil {
				return nil, fmt.Errorf("budget contract for pipeline %q (%s): %w", def.Name, res.name, err)
			}
			for _, c := range result.Clamps {
				logger.Warn("budget auto-clamp applied", "pipeline", def.Name, "field", c.Field, "step", c.StepID, "from", c.From, "to", c.To, "reason", c.Reason)
				budgetClamps.Inc()
			}
			out[def.Name] = &loadedPipeline{def: def, budget: result}
		}
	}

	if len(out) == 0 {
		logger.Warn("no pipeline YAML files loaded", "dir", dir)
	}
	return out, nil
}

// evaluatePipelineBudget gathers every call_model step's requested
// max_output_tokens and fixed-prompt token count, then runs them through
// budget.Evaluate under settings.budget_policy (default auto_clamp).
func evaluatePipelineBudget(def *pipelinedef.PipelineDef, prompts actions.FilePromptLoader, counter budget.TokenCounter, nCtx int) (budget.Result, error) {
	var steps []budget.StepRequirement
	for _, s := range def.Steps {
		if s.Action != "call_model" {
			continue
		}
		maxOut := 512
		if v, ok := s.Raw["max_output_tokens"]; ok {
			if n, ok := toInt(v); ok {
				maxOut = n
			}
		} else {
			maxOut = def.SettingInt("max_output_tokens", 512)
		}

		fixedPrompt := 0
		if promptKey, ok := s.Raw["prompt_key"].(string); ok && promptKey != "" {
			if body, err := prompts.Load(promptKey); err == nil {
				fixedPrompt = counter.Count(body)
			}
		}

		steps = append(steps, budget.StepRequirement{
			StepID:          s.ID,
			FixedPrompt:     fixedPrompt,
			MaxOutputTokens: maxOut,
		})
	}

	policy := budget.Policy(def.SettingString("budget_policy", string(budget.AutoClamp)))
	usesHistory := false
	for _, s := range def.Steps {
		if s.Action == "load_conversation_history" {
			usesHistory = true
			break
		}
	}

	settings := budget.Settings{
		NCtx:               def.SettingInt("n_ctx", nCtx),
		MaxContextTokens:   def.SettingInt("max_context_tokens", nCtx/2),
		MaxHistoryTokens:   def.SettingInt("max_history_tokens", 0),
		SafetyMarginTokens: def.SettingInt("budget_safety_margin_tokens", 0),
		Policy:             policy,
		UsesHistory:        usesHistory,
		Steps:              steps,
	}
	return budget.Evaluate(settings)
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

type server struct {
	cfg          Config
	logger       *slog.Logger
	pipelines    map[string]*loadedPipeline
	engine       *pipelineengine.Engine
	broker       *callback.Broker
	history      *convhistory.Service
	retrieval    retrieval.Backend
	graph        graphprovider.Provider
	model        modelclient.Client
	promptLoader actions.FilePromptLoader
	tokenCounter budget.TokenCounter

	metrics      *metrics.Registry
	runsStarted  *metrics.Counter
	callbackSubs *metrics.Gauge
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// runRequest is the JSON body for POST /pipeline/run.
type runRequest struct {
	Pipeline   string `json:"pipeline"`
	UserQuery  string `json:"user_query"`
	SessionID  string `json:"session_id"`
	RequestID  string `json:"request_id"`
	IdentityID string `json:"identity_id"`
	Repository string `json:"repository"`
	SnapshotID string `json:"snapshot_id"`

	CallbackMode                string   `json:"callback_mode"`
	StageVisibilityMode         string   `json:"stage_visibility_mode"`
	StageVisibilityPipelineMode string   `json:"stage_visibility_pipeline_mode"`
	IncludeDocuments            bool     `json:"include_documents"`
	ExplicitStages              []string `json:"explicit_stages"`
}

type runResponse struct {
	RunID  string `json:"run_id"`
	TurnID string `json:"turn_id,omitempty"`
}

// handleRun starts a pipeline run asynchronously, registers it with the
// callback broker, and returns run_id for the caller to subscribe to via
// GET /pipeline/stream/{dev|prod}.
func (s *server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.Pipeline == "" || req.UserQuery == "" {
		http.Error(w, `{"error":"pipeline and user_query are required"}`, http.StatusBadRequest)
		return
	}

	loaded, ok := s.pipelines[req.Pipeline]
	if !ok {
		http.Error(w, fmt.Sprintf(`{"error":"unknown pipeline %q"}`, req.Pipeline), http.StatusBadRequest)
		return
	}

	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	turnID, err := s.history.OnRequestStarted(r.Context(), req.SessionID, req.RequestID, req.IdentityID, req.UserQuery)
	if err != nil {
		s.logger.Error("on_request_started failed", "err", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	runID := uuid.NewString()

	policy := callback.Resolve(
		s.cfg.GlobalCallbackMode,
		firstNonEmpty(req.CallbackMode, loaded.def.SettingString("callback", "forbidden")),
		s.cfg.GlobalStageVisibilityMode,
		firstNonEmpty(req.StageVisibilityMode, req.StageVisibilityPipelineMode, loaded.def.SettingString("stage_visibility", "forbidden")),
		s.cfg.GlobalIncludeDocuments,
		req.IncludeDocuments,
		req.ExplicitStages,
	)
	s.broker.Open(runID, policy)
	s.runsStarted.Inc()

	st := state.New(req.UserQuery, req.SessionID)
	st.RequestID = req.RequestID
	st.UserID = req.IdentityID
	st.Repository = req.Repository
	st.SnapshotID = req.SnapshotID

	rt := &action.Runtime{
		Retrieval:     s.retrieval,
		Graph:         s.graph,
		Model:         s.model,
		TokenCounter:  s.tokenCounter,
		History:       s.history,
		Prompts:       s.promptLoader,
		Broker:        s.broker,
		ModelLanguage: loaded.def.SettingString("model_language", "neutral"),
		Trace:         os.Getenv("RAG_PIPELINE_TRACE") == "1",
		RunID:         runID,
		Metrics:       s.metrics,
	}

	go func() {
		runCtx := context.Background()
		reason := "completed"
		if err := s.engine.Run(runCtx, loaded.def, st, rt); err != nil {
			s.logger.Error("pipeline run failed", "run_id", runID, "pipeline", req.Pipeline, "err", err)
			reason = "error: " + err.Error()
		}

		finalizeErr := s.history.OnRequestFinalized(runCtx, convhistory.FinalizeInput{
			SessionID:                  req.SessionID,
			RequestID:                  req.RequestID,
			IdentityID:                 req.IdentityID,
			TurnID:                     turnID,
			AnswerNeutral:              st.AnswerNeutral,
			AnswerTranslated:           st.AnswerTranslated,
			AnswerTranslatedIsFallback: st.AnswerTranslatedIsFallback,
		})
		if finalizeErr != nil {
			s.logger.Error("on_request_finalized failed", "run_id", runID, "err", finalizeErr)
		}

		s.broker.Close(runID, reason)
	}()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(runResponse{RunID: runID, TurnID: turnID})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

const sseKeepAlive = 15 * time.Second

// handleStream implements GET /pipeline/stream/{dev|prod}?run_id=<id>: it
// replays the run's ring buffer, then streams live events, interleaved with
// periodic keep-alive comments, until the run closes or the client
// disconnects. prod requires a bearer token match against cfg.ProdStreamToken.
func (s *server) handleStream(requireAuth bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if requireAuth {
			if !s.checkBearer(r) {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
		}

		runID := r.URL.Query().Get("run_id")
		if runID == "" {
			http.Error(w, `{"error":"run_id is required"}`, http.StatusBadRequest)
			return
		}

		if !s.broker.AllowSubscribe(runID) {
			http.Error(w, `{"error":"too many stream reconnects for run_id"}`, http.StatusTooManyRequests)
			return
		}

		queue, snapshot, closed, found := s.broker.OpenStream(runID)
		if !found {
			http.Error(w, `{"error":"unknown run_id"}`, http.StatusNotFound)
			return
		}
		s.callbackSubs.Inc()
		defer s.callbackSubs.Dec()

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, `{"error":"streaming unsupported"}`, http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		for _, summary := range snapshot {
			if !writeSSE(w, summary) {
				return
			}
		}
		flusher.Flush()

		if closed {
			return
		}

		ticker := time.NewTicker(sseKeepAlive)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				if _, err := w.Write([]byte(": keep-alive\n\n")); err != nil {
					return
				}
				flusher.Flush()
			case summary, ok := <-queue:
				if !ok {
					return
				}
				if !writeSSE(w, summary) {
					return
				}
				flusher.Flush()
				if summary.Type == "done" {
					return
				}
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, summary callback.Summary) bool {
	raw, err := json.Marshal(summary)
	if err != nil {
		return true
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", raw); err != nil {
		return false
	}
	return true
}

func (s *server) checkBearer(r *http.Request) bool {
	if s.cfg.ProdStreamToken == "" {
		return false
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	return strings.TrimPrefix(auth, prefix) == s.cfg.ProdStreamToken
}
