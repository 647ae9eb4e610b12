package sqlitestore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/uengine-oss/agent-dispatcher/internal/store"
)

// FetchContextBundle answers whichever of the four ctxprep lookups req
// scopes: ProcInstID alone resolves notify emails, TenantID alone resolves
// tenant MCP config, Tool (+TenantID) resolves the form definition, and an
// entirely empty request resolves the agents/humans grouping. Each branch
// is independent so ctxprep's four goroutines can call this with four
// differently-scoped requests without racing each other.
func (s *Store) FetchContextBundle(ctx context.Context, req store.ContextBundleRequest) (*store.ContextBundle, error) {
	bundle := &store.ContextBundle{}

	switch {
	case req.Tool != "":
		formDef, err := s.fetchFormDef(ctx, req.Tool, req.TenantID)
		if err != nil {
			return nil, err
		}
		bundle.FormDef = formDef

	case req.ProcInstID != "":
		emails, err := s.fetchNotifyEmails(ctx, req.ProcInstID)
		if err != nil {
			return nil, err
		}
		bundle.NotifyEmails = emails

	case req.TenantID != "":
		cfg, err := s.fetchTenantConfig(ctx, req.TenantID)
		if err != nil {
			return nil, err
		}
		bundle.TenantConfig = cfg

	default:
		grouped, err := s.fetchGroupedUsers(ctx)
		if err != nil {
			return nil, err
		}
		bundle.GroupedUsers = grouped
	}

	return bundle, nil
}

func (s *Store) fetchNotifyEmails(ctx context.Context, procInstID string) (string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT email FROM notify_subscriptions WHERE proc_inst_id = ? ORDER BY email ASC;
	`, procInstID)
	if err != nil {
		return "", fmt.Errorf("fetch notify emails: %w", err)
	}
	defer rows.Close()

	var emails []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return "", fmt.Errorf("scan notify email: %w", err)
		}
		emails = append(emails, email)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return strings.Join(emails, ","), nil
}

func (s *Store) fetchTenantConfig(ctx context.Context, tenantID string) (map[string]any, error) {
	var mcpJSON string
	err := s.db.QueryRowContext(ctx, `SELECT mcp_json FROM tenants WHERE id = ?;`, tenantID).Scan(&mcpJSON)
	if err != nil {
		return nil, fmt.Errorf("fetch tenant config: %w", err)
	}
	var cfg map[string]any
	if err := json.Unmarshal([]byte(mcpJSON), &cfg); err != nil {
		return nil, fmt.Errorf("decode tenant config: %w", err)
	}
	return cfg, nil
}

func (s *Store) fetchFormDef(ctx context.Context, tool, tenantID string) (map[string]any, error) {
	var fieldsJSON string
	var html *string
	err := s.db.QueryRowContext(ctx, `
		SELECT fields_json, html FROM form_defs WHERE form_id = ? AND tenant_id = ?;
	`, tool, tenantID).Scan(&fieldsJSON, &html)
	if err != nil {
		return nil, fmt.Errorf("fetch form def: %w", err)
	}
	var fields []any
	if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
		return nil, fmt.Errorf("decode form fields: %w", err)
	}
	def := map[string]any{
		"id":     tool,
		"fields": fields,
	}
	if html != nil {
		def["html"] = *html
	}
	return def, nil
}

func (s *Store) fetchGroupedUsers(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, is_agent FROM users ORDER BY id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("fetch grouped users: %w", err)
	}
	defer rows.Close()

	grouped := map[string][]string{"agents": {}, "humans": {}}
	for rows.Next() {
		var id string
		var isAgent bool
		if err := rows.Scan(&id, &isAgent); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		if isAgent {
			grouped["agents"] = append(grouped["agents"], id)
		} else {
			grouped["humans"] = append(grouped["humans"], id)
		}
	}
	return grouped, rows.Err()
}
