package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/rs/zerolog"

	"github.com/lukaizhi5559/thinkdrop-user-memory-service/internal/apperr"
	"github.com/lukaizhi5559/thinkdrop-user-memory-service/pkg/models"
)

// AuxiliaryStore implements the C4 auxiliary stores (spec §4.3): skill
// prompts, context rules, and installed skills.
type AuxiliaryStore struct {
	s          *Store
	log        zerolog.Logger
	sandboxDir string
}

// NewAuxiliaryStore wraps a Store with the auxiliary-table operations.
// sandboxDir is the root InstalledSkill.ExecPath must resolve inside of
// (invariant 6).
func NewAuxiliaryStore(s *Store, log zerolog.Logger, sandboxDir string) *AuxiliaryStore {
	return &AuxiliaryStore{s: s, log: log.With().Str("component", "auxiliary_store").Logger(), sandboxDir: sandboxDir}
}

// --- Skill prompts ---------------------------------------------------------

// UpsertSkillPrompt inserts or replaces a SkillPrompt and its vector entry.
func (as *AuxiliaryStore) UpsertSkillPrompt(ctx context.Context, p *models.SkillPrompt) error {
	var embeddingBlob any
	if len(p.Embedding) > 0 {
		embeddingBlob = encodeEmbedding(p.Embedding)
	}

	_, err := as.s.db.ExecContext(ctx, `
		INSERT INTO skill_prompts (id, tags, prompt_text, embedding, hit_count, created_at, created_at_epoch, updated_at, updated_at_epoch)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tags = excluded.tags,
			prompt_text = excluded.prompt_text,
			embedding = excluded.embedding,
			updated_at = excluded.updated_at,
			updated_at_epoch = excluded.updated_at_epoch`,
		p.ID, p.Tags, p.PromptText, embeddingBlob, p.HitCount,
		p.CreatedAt.UTC().Format(time.RFC3339Nano), p.CreatedAt.UnixMilli(),
		p.UpdatedAt.UTC().Format(time.RFC3339Nano), p.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return apperr.Errorf(apperr.DatabaseError, "upsert skill prompt: %w", err)
	}

	if len(p.Embedding) > 0 {
		serialized, serr := sqlite_vec.SerializeFloat32(p.Embedding)
		if serr != nil {
			return apperr.Errorf(apperr.DatabaseError, "serialize skill prompt vector: %w", serr)
		}
		if _, err := as.s.db.ExecContext(ctx, `DELETE FROM skill_prompts_vec WHERE skill_prompt_id = ?`, p.ID); err != nil {
			return apperr.Errorf(apperr.DatabaseError, "clear skill prompt vector: %w", err)
		}
		if _, err := as.s.db.ExecContext(ctx, `INSERT INTO skill_prompts_vec (skill_prompt_id, embedding) VALUES (?, ?)`, p.ID, serialized); err != nil {
			return apperr.Errorf(apperr.DatabaseError, "insert skill prompt vector: %w", err)
		}
	}
	return nil
}

// SearchSkillPrompts returns the k nearest SkillPrompts to qVec by cosine
// similarity, bumping hit_count for each returned row.
func (as *AuxiliaryStore) SearchSkillPrompts(ctx context.Context, qVec []float32, k int) ([]models.SkillPrompt, error) {
	serialized, err := sqlite_vec.SerializeFloat32(qVec)
	if err != nil {
		return nil, apperr.Errorf(apperr.DatabaseError, "serialize query vector: %w", err)
	}

	rows, err := as.s.db.QueryContext(ctx, `
		SELECT p.id, p.tags, p.prompt_text, p.embedding, p.hit_count, p.created_at_epoch, p.updated_at_epoch
		FROM skill_prompts_vec v
		JOIN skill_prompts p ON p.id = v.skill_prompt_id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance`,
		serialized, k,
	)
	if err != nil {
		return nil, apperr.Errorf(apperr.DatabaseError, "search skill prompts: %w", err)
	}
	defer rows.Close()

	var out []models.SkillPrompt
	var hitIDs []string
	for rows.Next() {
		var p models.SkillPrompt
		var embBlob []byte
		var createdEpoch, updatedEpoch int64
		if err := rows.Scan(&p.ID, &p.Tags, &p.PromptText, &embBlob, &p.HitCount, &createdEpoch, &updatedEpoch); err != nil {
			return nil, apperr.Errorf(apperr.DatabaseError, "scan skill prompt row: %w", err)
		}
		p.Embedding = decodeEmbedding(embBlob)
		p.CreatedAt = time.UnixMilli(createdEpoch).UTC()
		p.UpdatedAt = time.UnixMilli(updatedEpoch).UTC()
		out = append(out, p)
		hitIDs = append(hitIDs, p.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range hitIDs {
		if _, err := as.s.db.ExecContext(ctx, `UPDATE skill_prompts SET hit_count = hit_count + 1 WHERE id = ?`, id); err != nil {
			as.log.Warn().Err(err).Str("skillPromptId", id).Msg("hit count bump failed")
		}
	}
	return out, nil
}

// DeleteSkillPrompt removes a SkillPrompt and its vector entry.
func (as *AuxiliaryStore) DeleteSkillPrompt(ctx context.Context, id string) error {
	if _, err := as.s.db.ExecContext(ctx, `DELETE FROM skill_prompts_vec WHERE skill_prompt_id = ?`, id); err != nil {
		return apperr.Errorf(apperr.DatabaseError, "delete skill prompt vector: %w", err)
	}
	if _, err := as.s.db.ExecContext(ctx, `DELETE FROM skill_prompts WHERE id = ?`, id); err != nil {
		return apperr.Errorf(apperr.DatabaseError, "delete skill prompt: %w", err)
	}
	return nil
}

// --- Context rules ----------------------------------------------------------

// UpsertContextRule inserts a ContextRule, enforcing the (contextType,
// contextKey, ruleText) uniqueness invariant at the application layer in
// addition to the DB's unique index.
func (as *AuxiliaryStore) UpsertContextRule(ctx context.Context, r *models.ContextRule) error {
	_, err := as.s.db.ExecContext(ctx, `
		INSERT INTO context_rules (id, context_type, context_key, rule_text, category, source, hit_count,
			created_at, created_at_epoch, updated_at, updated_at_epoch)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(context_type, context_key, rule_text) DO UPDATE SET
			category = excluded.category,
			source = excluded.source,
			updated_at = excluded.updated_at,
			updated_at_epoch = excluded.updated_at_epoch`,
		r.ID, string(r.ContextType), r.ContextKey, r.RuleText, r.Category, r.Source, r.HitCount,
		r.CreatedAt.UTC().Format(time.RFC3339Nano), r.CreatedAt.UnixMilli(),
		r.UpdatedAt.UTC().Format(time.RFC3339Nano), r.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return apperr.Errorf(apperr.InvalidRequest, "context rule already exists for this key: %w", err)
		}
		return apperr.Errorf(apperr.DatabaseError, "upsert context rule: %w", err)
	}
	return nil
}

// ListContextRules returns all rules for a given context type and key,
// bumping hit_count for each.
func (as *AuxiliaryStore) ListContextRules(ctx context.Context, contextType models.ContextRuleType, contextKey string) ([]models.ContextRule, error) {
	rows, err := as.s.db.QueryContext(ctx, `
		SELECT id, context_type, context_key, rule_text, category, source, hit_count, created_at_epoch, updated_at_epoch
		FROM context_rules WHERE context_type = ? AND context_key = ?`,
		string(contextType), contextKey,
	)
	if err != nil {
		return nil, apperr.Errorf(apperr.DatabaseError, "list context rules: %w", err)
	}
	defer rows.Close()

	var out []models.ContextRule
	for rows.Next() {
		var r models.ContextRule
		var typ string
		var createdEpoch, updatedEpoch int64
		if err := rows.Scan(&r.ID, &typ, &r.ContextKey, &r.RuleText, &r.Category, &r.Source, &r.HitCount, &createdEpoch, &updatedEpoch); err != nil {
			return nil, apperr.Errorf(apperr.DatabaseError, "scan context rule row: %w", err)
		}
		r.ContextType = models.ContextRuleType(typ)
		r.CreatedAt = time.UnixMilli(createdEpoch).UTC()
		r.UpdatedAt = time.UnixMilli(updatedEpoch).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		if _, err := as.s.db.ExecContext(ctx, `UPDATE context_rules SET hit_count = hit_count + 1 WHERE id = ?`, out[i].ID); err != nil {
			as.log.Warn().Err(err).Str("contextRuleId", out[i].ID).Msg("hit count bump failed")
		}
	}
	return out, nil
}

// DeleteContextRule removes a single ContextRule.
func (as *AuxiliaryStore) DeleteContextRule(ctx context.Context, id string) error {
	if _, err := as.s.db.ExecContext(ctx, `DELETE FROM context_rules WHERE id = ?`, id); err != nil {
		return apperr.Errorf(apperr.DatabaseError, "delete context rule: %w", err)
	}
	return nil
}

// --- Installed skills --------------------------------------------------------

// InstallSkill validates the sandbox invariant and inserts an InstalledSkill.
func (as *AuxiliaryStore) InstallSkill(ctx context.Context, sk *models.InstalledSkill) error {
	if err := as.validateSandboxPath(sk.ExecPath); err != nil {
		return err
	}

	_, err := as.s.db.ExecContext(ctx, `
		INSERT INTO installed_skills (id, name, description, contract_md, exec_path, exec_type, enabled,
			created_at, created_at_epoch, updated_at, updated_at_epoch)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sk.ID, sk.Name, sk.Description, sk.ContractMd, sk.ExecPath, string(sk.ExecType), sk.Enabled,
		sk.CreatedAt.UTC().Format(time.RFC3339Nano), sk.CreatedAt.UnixMilli(),
		sk.UpdatedAt.UTC().Format(time.RFC3339Nano), sk.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return apperr.Errorf(apperr.InvalidRequest, "skill name already installed: %w", err)
		}
		return apperr.Errorf(apperr.DatabaseError, "install skill: %w", err)
	}
	return nil
}

// validateSandboxPath enforces invariant 6: every InstalledSkill.ExecPath
// must resolve inside the configured sandbox directory.
func (as *AuxiliaryStore) validateSandboxPath(execPath string) error {
	if as.sandboxDir == "" {
		return apperr.New(apperr.InternalError, "skills sandbox directory not configured")
	}
	abs, err := filepath.Abs(execPath)
	if err != nil {
		return apperr.Errorf(apperr.InvalidRequest, "resolve exec path: %w", err)
	}
	sandboxAbs, err := filepath.Abs(as.sandboxDir)
	if err != nil {
		return apperr.Errorf(apperr.InternalError, "resolve sandbox dir: %w", err)
	}
	rel, err := filepath.Rel(sandboxAbs, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return apperr.New(apperr.InvalidRequest, "exec path escapes skills sandbox")
	}
	return nil
}

// GetSkillByName fetches a single InstalledSkill.
func (as *AuxiliaryStore) GetSkillByName(ctx context.Context, name string) (*models.InstalledSkill, error) {
	row := as.s.db.QueryRowContext(ctx, `
		SELECT id, name, description, contract_md, exec_path, exec_type, enabled, created_at_epoch, updated_at_epoch
		FROM installed_skills WHERE name = ?`, name)

	var sk models.InstalledSkill
	var execType string
	var createdEpoch, updatedEpoch int64
	if err := row.Scan(&sk.ID, &sk.Name, &sk.Description, &sk.ContractMd, &sk.ExecPath, &execType, &sk.Enabled, &createdEpoch, &updatedEpoch); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrNotFound
		}
		return nil, apperr.Errorf(apperr.DatabaseError, "scan installed skill: %w", err)
	}
	sk.ExecType = models.InstalledSkillExecType(execType)
	sk.CreatedAt = time.UnixMilli(createdEpoch).UTC()
	sk.UpdatedAt = time.UnixMilli(updatedEpoch).UTC()
	return &sk, nil
}

// ListInstalledSkills returns every registered skill.
func (as *AuxiliaryStore) ListInstalledSkills(ctx context.Context) ([]models.InstalledSkill, error) {
	rows, err := as.s.db.QueryContext(ctx, `
		SELECT id, name, description, contract_md, exec_path, exec_type, enabled, created_at_epoch, updated_at_epoch
		FROM installed_skills ORDER BY name`)
	if err != nil {
		return nil, apperr.Errorf(apperr.DatabaseError, "list installed skills: %w", err)
	}
	defer rows.Close()

	var out []models.InstalledSkill
	for rows.Next() {
		var sk models.InstalledSkill
		var execType string
		var createdEpoch, updatedEpoch int64
		if err := rows.Scan(&sk.ID, &sk.Name, &sk.Description, &sk.ContractMd, &sk.ExecPath, &execType, &sk.Enabled, &createdEpoch, &updatedEpoch); err != nil {
			return nil, apperr.Errorf(apperr.DatabaseError, "scan installed skill row: %w", err)
		}
		sk.ExecType = models.InstalledSkillExecType(execType)
		sk.CreatedAt = time.UnixMilli(createdEpoch).UTC()
		sk.UpdatedAt = time.UnixMilli(updatedEpoch).UTC()
		out = append(out, sk)
	}
	return out, rows.Err()
}

// UninstallSkill removes an InstalledSkill by name.
func (as *AuxiliaryStore) UninstallSkill(ctx context.Context, name string) error {
	res, err := as.s.db.ExecContext(ctx, `DELETE FROM installed_skills WHERE name = ?`, name)
	if err != nil {
		return apperr.Errorf(apperr.DatabaseError, "uninstall skill: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Errorf(apperr.DatabaseError, "uninstall rows affected: %w", err)
	}
	if n == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func isUniqueConstraintErr(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
