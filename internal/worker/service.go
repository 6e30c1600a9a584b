package worker

import (
	"encoding/json"
	"io"
	"net/http"
	"runtime/debug"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/lukaizhi5559/thinkdrop-user-memory-service/internal/config"
	"github.com/lukaizhi5559/thinkdrop-user-memory-service/internal/db/sqlite"
	"github.com/lukaizhi5559/thinkdrop-user-memory-service/internal/embedding"
	"github.com/lukaizhi5559/thinkdrop-user-memory-service/internal/maintenance"
	"github.com/lukaizhi5559/thinkdrop-user-memory-service/internal/memoryservice"
)

// Version is the service build version, overridable at link time via
// -ldflags "-X .../worker.Version=...".
var Version = "dev"

// Service is the process-wide HTTP-surface handle: one mcp.v1 router bound
// to the MemoryService, AuxiliaryStore, Retention controller and Embedder
// the top-level Application constructs (design notes §9).
type Service struct {
	cfg       *config.Config
	memSvc    *memoryservice.Service
	aux       *sqlite.AuxiliaryStore
	embedder  *embedding.Embedder
	retention *maintenance.Service
	log       zerolog.Logger

	bearer      *BearerAuth
	perClient   *PerClientRateLimiter
	expensiveOp *ExpensiveOperationLimiter

	router chi.Router
}

// Deps bundles the collaborators Service needs; passed as a single struct
// since New otherwise carries too many positional arguments.
type Deps struct {
	Config    *config.Config
	MemSvc    *memoryservice.Service
	Aux       *sqlite.AuxiliaryStore
	Embedder  *embedding.Embedder
	Retention *maintenance.Service
	Log       zerolog.Logger
}

// New builds the HTTP surface around deps and wires its routes.
func New(deps Deps) *Service {
	s := &Service{
		cfg:         deps.Config,
		memSvc:      deps.MemSvc,
		aux:         deps.Aux,
		embedder:    deps.Embedder,
		retention:   deps.Retention,
		log:         deps.Log.With().Str("component", "worker").Logger(),
		bearer:      NewBearerAuth(deps.Config.APIKeys),
		perClient:   NewPerClientRateLimiter(20, 40),
		expensiveOp: NewExpensiveOperationLimiter(),
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the root HTTP handler (the chi router).
func (s *Service) Handler() http.Handler {
	return s.router
}

// buildRouter wires chi's own request-id/recoverer middleware together with
// this service's security headers, bearer auth, body-size cap, content-type
// enforcement, per-client rate limiting, and metrics instrumentation, then
// registers the unauthenticated service.* routes and one POST route per
// mcp.v1 action (spec §6: "each a POST to /<action>").
func (s *Service) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(MaxBodySize(1 << 20))
	r.Use(MetricsMiddleware)
	r.Use(s.bearer.Middleware)
	r.Use(RequireJSONContentType)
	r.Use(PerClientRateLimitMiddleware(s.perClient))

	r.Get("/service.health", s.handleServiceHealth)
	r.Get("/service.capabilities", s.handleServiceCapabilities)

	actions := map[string]func(http.ResponseWriter, *http.Request, requestEnvelope){
		"memory.store":                        s.handleMemoryStore,
		"memory.search":                       s.handleMemorySearch,
		"memory.retrieve":                     s.handleMemoryRetrieve,
		"memory.update":                       s.handleMemoryUpdate,
		"memory.delete":                       s.handleMemoryDelete,
		"memory.list":                         s.handleMemoryList,
		"memory.classify-conversational-query": s.handleClassifyConversationalQuery,
		"memory.debug-embedding":              s.handleDebugEmbedding,
		"memory.health-check":                 s.handleMemoryHealthCheck,
		"memory.getRecentOcr":                 s.handleGetRecentOcr,

		"skill-prompt.store":  s.handleSkillPromptStore,
		"skill-prompt.search": s.handleSkillPromptSearch,
		"skill-prompt.delete": s.handleSkillPromptDelete,

		"context-rule.upsert": s.handleContextRuleUpsert,
		"context-rule.list":   s.handleContextRuleList,
		"context-rule.delete": s.handleContextRuleDelete,

		"skill-registry.install":   s.handleSkillRegistryInstall,
		"skill-registry.list":     s.handleSkillRegistryList,
		"skill-registry.get":      s.handleSkillRegistryGet,
		"skill-registry.uninstall": s.handleSkillRegistryUninstall,

		"maintenance.runNow": s.handleMaintenanceRunNow,
	}

	for action, handler := range actions {
		path := "/" + action
		handler := handler
		action := action
		r.Post(path, func(w http.ResponseWriter, r *http.Request) {
			s.dispatch(w, r, action, handler)
		})
	}

	return r
}

// dispatch implements spec §6's validation order for an authenticated call:
// bearer match has already happened in middleware, so this decodes and
// validates envelope shape, then calls the action handler.
func (s *Service) dispatch(w http.ResponseWriter, r *http.Request, action string, handler func(http.ResponseWriter, *http.Request, requestEnvelope)) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error().Interface("panic", rec).Bytes("stack", debug.Stack()).Str("action", action).Msg("panic in action handler")
			writeProtocolError(w, action, "", http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		}
	}()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeProtocolError(w, action, "", http.StatusBadRequest, "INVALID_REQUEST", "failed to read request body")
		return
	}

	var env requestEnvelope
	if len(body) > 0 {
		if err := json.Unmarshal(body, &env); err != nil {
			writeProtocolError(w, action, "", http.StatusBadRequest, "INVALID_REQUEST", "malformed envelope")
			return
		}
	}
	if env.Version != envelopeVersion {
		writeProtocolError(w, action, env.RequestID, http.StatusBadRequest, "INVALID_REQUEST", "unsupported envelope version")
		return
	}
	if env.Service != "" && env.Service != serviceName {
		writeProtocolError(w, action, env.RequestID, http.StatusBadRequest, "INVALID_REQUEST", "unexpected service name")
		return
	}
	if env.RequestID == "" {
		writeProtocolError(w, action, env.RequestID, http.StatusBadRequest, "INVALID_REQUEST", "requestId is required")
		return
	}
	if env.Action == "" {
		env.Action = action
	} else if env.Action != action {
		writeProtocolError(w, action, env.RequestID, http.StatusBadRequest, "INVALID_REQUEST", "envelope action does not match route")
		return
	}

	handler(w, r, env)
}
