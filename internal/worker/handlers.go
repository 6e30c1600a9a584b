package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/lukaizhi5559/thinkdrop-user-memory-service/internal/apperr"
	"github.com/lukaizhi5559/thinkdrop-user-memory-service/internal/classifier"
	"github.com/lukaizhi5559/thinkdrop-user-memory-service/internal/memoryservice"
	"github.com/lukaizhi5559/thinkdrop-user-memory-service/pkg/models"
)

// newAuxID mints an id for the auxiliary-store entities (skill prompts,
// context rules, installed skills), which use plain UUIDs rather than the
// `mem_<epoch>_<hex>` shape reserved for Record.id.
func newAuxID() string {
	return uuid.NewString()
}

// defaultRequestTimeout bounds how long any single action may run; the
// router's listener has no per-request timeout of its own, so this keeps a
// stuck Store or OCR call from pinning a handler goroutine forever.
const defaultRequestTimeout = 30 * time.Second

func withTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), defaultRequestTimeout)
}

// --- service.health / service.capabilities (unauthenticated, spec §6) -----

func (s *Service) handleServiceHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"version": Version,
	})
}

func (s *Service) handleServiceCapabilities(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"version": envelopeVersion,
		"service": serviceName,
		"actions": []string{
			"memory.store", "memory.search", "memory.retrieve", "memory.update",
			"memory.delete", "memory.list", "memory.classify-conversational-query",
			"memory.debug-embedding", "memory.health-check", "memory.getRecentOcr",
			"skill-prompt.store", "skill-prompt.search", "skill-prompt.delete",
			"context-rule.upsert", "context-rule.list", "context-rule.delete",
			"skill-registry.install", "skill-registry.list", "skill-registry.get", "skill-registry.uninstall",
			"maintenance.runNow",
		},
	})
}

// --- memory.* ---------------------------------------------------------------

type entityPayload struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type storeRequest struct {
	Text          string          `json:"text"`
	UserID        string          `json:"userId"`
	Type          string          `json:"type"`
	Metadata      map[string]any  `json:"metadata"`
	Screenshot    string          `json:"screenshot"`
	ExtractedText string          `json:"extractedText"`
	Entities      []entityPayload `json:"entities"`
}

func toEntityInputs(in []entityPayload) []memoryservice.EntityInput {
	out := make([]memoryservice.EntityInput, 0, len(in))
	for _, e := range in {
		out = append(out, memoryservice.EntityInput{Type: e.Type, Value: e.Value})
	}
	return out
}

func marshalMetadata(m map[string]any) (string, error) {
	if m == nil {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", apperr.Errorf(apperr.InvalidRequest, "invalid metadata: %w", err)
	}
	return string(b), nil
}

func (s *Service) handleMemoryStore(w http.ResponseWriter, r *http.Request, env requestEnvelope) {
	var req storeRequest
	if err := decodePayload(env.Payload, &req); err != nil {
		writeError(w, env, err)
		return
	}
	metadata, err := marshalMetadata(req.Metadata)
	if err != nil {
		writeError(w, env, err)
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	userID := req.UserID
	if userID == "" {
		userID = env.Context.UserID
	}

	result, err := s.memSvc.Store(ctx, memoryservice.StorePayload{
		Text:          req.Text,
		UserID:        userID,
		Type:          req.Type,
		Metadata:      metadata,
		Screenshot:    req.Screenshot,
		ExtractedText: req.ExtractedText,
		Entities:      toEntityInputs(req.Entities),
	})
	if err != nil {
		writeError(w, env, err)
		return
	}
	writeSuccess(w, env, result)
}

type searchRequest struct {
	Query         string  `json:"query"`
	UserID        string  `json:"userId"`
	Type          string  `json:"type"`
	SessionID     string  `json:"sessionId"`
	MaxAgeDays    int     `json:"maxAgeDays"`
	Limit         int     `json:"limit"`
	MinSimilarity float64 `json:"minSimilarity"`
}

func (s *Service) handleMemorySearch(w http.ResponseWriter, r *http.Request, env requestEnvelope) {
	var req searchRequest
	if err := decodePayload(env.Payload, &req); err != nil {
		writeError(w, env, err)
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	userID := req.UserID
	if userID == "" {
		userID = env.Context.UserID
	}

	hits, err := s.memSvc.Search(ctx, req.Query, userID, memoryservice.SearchOptions{
		Type:          req.Type,
		SessionID:     req.SessionID,
		MaxAgeDays:    req.MaxAgeDays,
		Limit:         req.Limit,
		MinSimilarity: req.MinSimilarity,
	})
	if err != nil {
		writeError(w, env, err)
		return
	}
	writeSuccess(w, env, map[string]any{"results": hits, "count": len(hits)})
}

type idRequest struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
}

func (s *Service) handleMemoryRetrieve(w http.ResponseWriter, r *http.Request, env requestEnvelope) {
	var req idRequest
	if err := decodePayload(env.Payload, &req); err != nil {
		writeError(w, env, err)
		return
	}
	if req.ID == "" {
		writeError(w, env, apperr.New(apperr.InvalidRequest, "id is required"))
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	userID := req.UserID
	if userID == "" {
		userID = env.Context.UserID
	}

	rec, entities, err := s.memSvc.Retrieve(ctx, req.ID, userID)
	if err != nil {
		writeError(w, env, err)
		return
	}
	writeSuccess(w, env, map[string]any{"record": rec, "entities": entities})
}

type updateRequest struct {
	ID       string          `json:"id"`
	UserID   string          `json:"userId"`
	Text     *string         `json:"text"`
	Metadata *map[string]any `json:"metadata"`
	Entities []entityPayload `json:"entities"`
}

func (s *Service) handleMemoryUpdate(w http.ResponseWriter, r *http.Request, env requestEnvelope) {
	var req updateRequest
	if err := decodePayload(env.Payload, &req); err != nil {
		writeError(w, env, err)
		return
	}
	if req.ID == "" {
		writeError(w, env, apperr.New(apperr.InvalidRequest, "id is required"))
		return
	}

	payload := memoryservice.UpdatePayload{Text: req.Text}
	if req.Metadata != nil {
		metadata, err := marshalMetadata(*req.Metadata)
		if err != nil {
			writeError(w, env, err)
			return
		}
		payload.Metadata = &metadata
	}
	if req.Entities != nil {
		payload.Entities = toEntityInputs(req.Entities)
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	userID := req.UserID
	if userID == "" {
		userID = env.Context.UserID
	}

	rec, entities, err := s.memSvc.Update(ctx, req.ID, userID, payload)
	if err != nil {
		writeError(w, env, err)
		return
	}
	writeSuccess(w, env, map[string]any{"record": rec, "entities": entities})
}

func (s *Service) handleMemoryDelete(w http.ResponseWriter, r *http.Request, env requestEnvelope) {
	var req idRequest
	if err := decodePayload(env.Payload, &req); err != nil {
		writeError(w, env, err)
		return
	}
	if req.ID == "" {
		writeError(w, env, apperr.New(apperr.InvalidRequest, "id is required"))
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	userID := req.UserID
	if userID == "" {
		userID = env.Context.UserID
	}

	if err := s.memSvc.Delete(ctx, req.ID, userID); err != nil {
		writeError(w, env, err)
		return
	}
	writeSuccess(w, env, map[string]any{"deleted": true})
}

type listRequest struct {
	UserID     string `json:"userId"`
	Type       string `json:"type"`
	SessionID  string `json:"sessionId"`
	MaxAgeDays int    `json:"maxAgeDays"`
	SortBy     string `json:"sortBy"`
	Order      string `json:"order"`
	Limit      int    `json:"limit"`
	Offset     int    `json:"offset"`
}

func (s *Service) handleMemoryList(w http.ResponseWriter, r *http.Request, env requestEnvelope) {
	var req listRequest
	if err := decodePayload(env.Payload, &req); err != nil {
		writeError(w, env, err)
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	userID := req.UserID
	if userID == "" {
		userID = env.Context.UserID
	}

	records, err := s.memSvc.List(ctx, userID, memoryservice.ListOptions{
		Type:       req.Type,
		SessionID:  req.SessionID,
		MaxAgeDays: req.MaxAgeDays,
		SortBy:     req.SortBy,
		Order:      req.Order,
		Limit:      req.Limit,
		Offset:     req.Offset,
	})
	if err != nil {
		writeError(w, env, err)
		return
	}
	writeSuccess(w, env, map[string]any{"records": records, "count": len(records)})
}

type classifyRequest struct {
	Query string `json:"query"`
}

func (s *Service) handleClassifyConversationalQuery(w http.ResponseWriter, r *http.Request, env requestEnvelope) {
	var req classifyRequest
	if err := decodePayload(env.Payload, &req); err != nil {
		writeError(w, env, err)
		return
	}
	if req.Query == "" {
		writeError(w, env, apperr.New(apperr.InvalidRequest, "query is required"))
		return
	}

	result := classifier.Classify(req.Query, classifier.Context{
		SessionID:    env.Context.SessionID,
		MessageCount: env.Context.MessageCount,
		HasHistory:   env.Context.HasHistory,
	})
	writeSuccess(w, env, result)
}

type debugEmbeddingRequest struct {
	Text string `json:"text"`
}

func (s *Service) handleDebugEmbedding(w http.ResponseWriter, r *http.Request, env requestEnvelope) {
	var req debugEmbeddingRequest
	if err := decodePayload(env.Payload, &req); err != nil {
		writeError(w, env, err)
		return
	}
	if req.Text == "" {
		writeError(w, env, apperr.New(apperr.InvalidRequest, "text is required"))
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	vec, source, err := s.embedder.Embed(ctx, req.Text)
	if err != nil {
		writeError(w, env, err)
		return
	}
	writeSuccess(w, env, map[string]any{
		"dimensions": len(vec),
		"source":     source,
		"embedding":  vec,
	})
}

func (s *Service) handleMemoryHealthCheck(w http.ResponseWriter, r *http.Request, env requestEnvelope) {
	ctx, cancel := withTimeout(r)
	defer cancel()

	stats, err := s.memSvc.GetStats(ctx, env.Context.UserID)
	if err != nil {
		writeError(w, env, err)
		return
	}

	health := map[string]any{
		"store":     stats.Store,
		"cache":     stats.Cache,
		"retention": s.retention.Stats(),
		"rateLimit": s.perClient.Stats(),
	}
	writeSuccess(w, env, health)
}

type recentOcrRequest struct {
	UserID string `json:"userId"`
	Limit  int    `json:"limit"`
}

const defaultRecentOcrLimit = 20

func (s *Service) handleGetRecentOcr(w http.ResponseWriter, r *http.Request, env requestEnvelope) {
	var req recentOcrRequest
	if err := decodePayload(env.Payload, &req); err != nil {
		writeError(w, env, err)
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultRecentOcrLimit
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	userID := req.UserID
	if userID == "" {
		userID = env.Context.UserID
	}

	records, err := s.memSvc.List(ctx, userID, memoryservice.ListOptions{
		Type:   string(models.RecordTypeScreenCapture),
		SortBy: "createdAt",
		Order:  "desc",
		Limit:  limit,
	})
	if err != nil {
		writeError(w, env, err)
		return
	}
	writeSuccess(w, env, map[string]any{"records": records, "count": len(records)})
}

// --- skill-prompt.* ----------------------------------------------------------

type skillPromptStoreRequest struct {
	Tags       string `json:"tags"`
	PromptText string `json:"promptText"`
}

func (s *Service) handleSkillPromptStore(w http.ResponseWriter, r *http.Request, env requestEnvelope) {
	var req skillPromptStoreRequest
	if err := decodePayload(env.Payload, &req); err != nil {
		writeError(w, env, err)
		return
	}
	if req.PromptText == "" {
		writeError(w, env, apperr.New(apperr.InvalidRequest, "promptText is required"))
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	vec, _, err := s.embedder.Embed(ctx, req.PromptText)
	if err != nil {
		writeError(w, env, err)
		return
	}

	now := time.Now().UTC()
	sp := &models.SkillPrompt{
		ID:         newAuxID(),
		Tags:       req.Tags,
		PromptText: req.PromptText,
		Embedding:  vec,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.aux.UpsertSkillPrompt(ctx, sp); err != nil {
		writeError(w, env, err)
		return
	}
	writeSuccess(w, env, sp)
}

type skillPromptSearchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

const defaultSkillPromptLimit = 5

func (s *Service) handleSkillPromptSearch(w http.ResponseWriter, r *http.Request, env requestEnvelope) {
	var req skillPromptSearchRequest
	if err := decodePayload(env.Payload, &req); err != nil {
		writeError(w, env, err)
		return
	}
	if req.Query == "" {
		writeError(w, env, apperr.New(apperr.InvalidRequest, "query is required"))
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultSkillPromptLimit
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	vec, _, err := s.embedder.Embed(ctx, req.Query)
	if err != nil {
		writeError(w, env, err)
		return
	}
	results, err := s.aux.SearchSkillPrompts(ctx, vec, limit)
	if err != nil {
		writeError(w, env, err)
		return
	}
	writeSuccess(w, env, map[string]any{"results": results, "count": len(results)})
}

func (s *Service) handleSkillPromptDelete(w http.ResponseWriter, r *http.Request, env requestEnvelope) {
	var req idRequest
	if err := decodePayload(env.Payload, &req); err != nil {
		writeError(w, env, err)
		return
	}
	if req.ID == "" {
		writeError(w, env, apperr.New(apperr.InvalidRequest, "id is required"))
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	if err := s.aux.DeleteSkillPrompt(ctx, req.ID); err != nil {
		writeError(w, env, err)
		return
	}
	writeSuccess(w, env, map[string]any{"deleted": true})
}

// --- context-rule.* -----------------------------------------------------------

type contextRuleUpsertRequest struct {
	ContextType string `json:"contextType"`
	ContextKey  string `json:"contextKey"`
	RuleText    string `json:"ruleText"`
	Category    string `json:"category"`
	Source      string `json:"source"`
}

func (s *Service) handleContextRuleUpsert(w http.ResponseWriter, r *http.Request, env requestEnvelope) {
	var req contextRuleUpsertRequest
	if err := decodePayload(env.Payload, &req); err != nil {
		writeError(w, env, err)
		return
	}
	if req.ContextKey == "" || req.RuleText == "" {
		writeError(w, env, apperr.New(apperr.InvalidRequest, "contextKey and ruleText are required"))
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	now := time.Now().UTC()
	rule := &models.ContextRule{
		ID:          newAuxID(),
		ContextType: models.ContextRuleType(req.ContextType),
		ContextKey:  req.ContextKey,
		RuleText:    req.RuleText,
		Category:    req.Category,
		Source:      req.Source,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.aux.UpsertContextRule(ctx, rule); err != nil {
		writeError(w, env, err)
		return
	}
	writeSuccess(w, env, rule)
}

type contextRuleListRequest struct {
	ContextType string `json:"contextType"`
	ContextKey  string `json:"contextKey"`
}

func (s *Service) handleContextRuleList(w http.ResponseWriter, r *http.Request, env requestEnvelope) {
	var req contextRuleListRequest
	if err := decodePayload(env.Payload, &req); err != nil {
		writeError(w, env, err)
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	rules, err := s.aux.ListContextRules(ctx, models.ContextRuleType(req.ContextType), req.ContextKey)
	if err != nil {
		writeError(w, env, err)
		return
	}
	writeSuccess(w, env, map[string]any{"rules": rules, "count": len(rules)})
}

func (s *Service) handleContextRuleDelete(w http.ResponseWriter, r *http.Request, env requestEnvelope) {
	var req idRequest
	if err := decodePayload(env.Payload, &req); err != nil {
		writeError(w, env, err)
		return
	}
	if req.ID == "" {
		writeError(w, env, apperr.New(apperr.InvalidRequest, "id is required"))
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	if err := s.aux.DeleteContextRule(ctx, req.ID); err != nil {
		writeError(w, env, err)
		return
	}
	writeSuccess(w, env, map[string]any{"deleted": true})
}

// --- skill-registry.* ---------------------------------------------------------

type skillInstallRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	ContractMd  string `json:"contractMd"`
	ExecPath    string `json:"execPath"`
	ExecType    string `json:"execType"`
}

func (s *Service) handleSkillRegistryInstall(w http.ResponseWriter, r *http.Request, env requestEnvelope) {
	var req skillInstallRequest
	if err := decodePayload(env.Payload, &req); err != nil {
		writeError(w, env, err)
		return
	}
	if req.Name == "" || req.ExecPath == "" {
		writeError(w, env, apperr.New(apperr.InvalidRequest, "name and execPath are required"))
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	now := time.Now().UTC()
	sk := &models.InstalledSkill{
		ID:          newAuxID(),
		Name:        req.Name,
		Description: req.Description,
		ContractMd:  req.ContractMd,
		ExecPath:    req.ExecPath,
		ExecType:    models.InstalledSkillExecType(req.ExecType),
		Enabled:     true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.aux.InstallSkill(ctx, sk); err != nil {
		writeError(w, env, err)
		return
	}
	writeSuccess(w, env, sk)
}

func (s *Service) handleSkillRegistryList(w http.ResponseWriter, r *http.Request, env requestEnvelope) {
	ctx, cancel := withTimeout(r)
	defer cancel()

	skills, err := s.aux.ListInstalledSkills(ctx)
	if err != nil {
		writeError(w, env, err)
		return
	}
	writeSuccess(w, env, map[string]any{"skills": skills, "count": len(skills)})
}

type skillNameRequest struct {
	Name string `json:"name"`
}

func (s *Service) handleSkillRegistryGet(w http.ResponseWriter, r *http.Request, env requestEnvelope) {
	var req skillNameRequest
	if err := decodePayload(env.Payload, &req); err != nil {
		writeError(w, env, err)
		return
	}
	if req.Name == "" {
		writeError(w, env, apperr.New(apperr.InvalidRequest, "name is required"))
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	sk, err := s.aux.GetSkillByName(ctx, req.Name)
	if err != nil {
		writeError(w, env, err)
		return
	}
	writeSuccess(w, env, sk)
}

func (s *Service) handleSkillRegistryUninstall(w http.ResponseWriter, r *http.Request, env requestEnvelope) {
	var req skillNameRequest
	if err := decodePayload(env.Payload, &req); err != nil {
		writeError(w, env, err)
		return
	}
	if req.Name == "" {
		writeError(w, env, apperr.New(apperr.InvalidRequest, "name is required"))
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	if err := s.aux.UninstallSkill(ctx, req.Name); err != nil {
		writeError(w, env, err)
		return
	}
	writeSuccess(w, env, map[string]any{"deleted": true})
}

// --- maintenance.* ------------------------------------------------------------

// handleMaintenanceRunNow triggers an out-of-cycle retention sweep, gated by
// the same cooldown the expensive-operation limiter applies to other costly,
// operator-triggered work so a misbehaving client can't force back-to-back
// full sweeps.
func (s *Service) handleMaintenanceRunNow(w http.ResponseWriter, r *http.Request, env requestEnvelope) {
	if !s.expensiveOp.CanRebuild() {
		writeError(w, env, apperr.New(apperr.RateLimited, "a retention sweep ran too recently, try again later"))
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	s.retention.RunNow(ctx)
	writeSuccess(w, env, map[string]any{"triggered": true, "stats": s.retention.Stats()})
}
