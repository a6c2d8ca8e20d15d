package stores

import (
	"context"
	"fmt"

	"github.com/oarkflow/permguard"
)

const assignmentColumns = `id, user_id, role_id, company_id, scope, project_id, expires_at, override_json, granted_by, granted_at`

// AssignRole inserts or replaces a role assignment.
func (s *SQLRoleStore) AssignRole(ctx context.Context, a *permguard.RoleAssignment) error {
	var override any
	if ov, ok := a.OverrideSet(); ok {
		override = encodeIDs(ov.IDs())
	}
	q := `INSERT INTO role_assignments(` + assignmentColumns + `)
VALUES(:id, :user_id, :role_id, :company_id, :scope, :project_id, :expires_at, :override_json, :granted_by, :granted_at)
ON CONFLICT(id) DO UPDATE SET user_id=excluded.user_id, role_id=excluded.role_id, company_id=excluded.company_id,
scope=excluded.scope, project_id=excluded.project_id, expires_at=excluded.expires_at, override_json=excluded.override_json,
granted_by=excluded.granted_by, granted_at=excluded.granted_at`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":            a.ID,
		"user_id":       a.UserID,
		"role_id":       a.RoleID,
		"company_id":    a.CompanyID,
		"scope":         string(a.Scope),
		"project_id":    a.ProjectID,
		"expires_at":    nullableTime(a.ExpiresAt),
		"override_json": override,
		"granted_by":    a.GrantedBy,
		"granted_at":    nullableTime(&a.GrantedAt),
	})
	return err
}

// RevokeAssignment deletes the assignment and returns what was removed.
func (s *SQLRoleStore) RevokeAssignment(ctx context.Context, id string) (*permguard.RoleAssignment, error) {
	list, err := s.queryAssignments(ctx, `SELECT `+assignmentColumns+` FROM role_assignments WHERE id = :id`, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("assignment %q: %w", id, permguard.ErrNotFound)
	}
	if _, err := s.db.NamedExecContext(ctx, `DELETE FROM role_assignments WHERE id = :id`, map[string]any{"id": id}); err != nil {
		return nil, err
	}
	return list[0], nil
}

// ListAssignments returns every stored assignment for the user in the
// company, expired ones included; filtering is the engine's job.
func (s *SQLRoleStore) ListAssignments(ctx context.Context, userID, companyID string) ([]*permguard.RoleAssignment, error) {
	q := `SELECT ` + assignmentColumns + ` FROM role_assignments WHERE user_id = :user_id AND company_id = :company_id ORDER BY id`
	return s.queryAssignments(ctx, q, map[string]any{"user_id": userID, "company_id": companyID})
}

func (s *SQLRoleStore) queryAssignments(ctx context.Context, q string, params map[string]any) ([]*permguard.RoleAssignment, error) {
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*permguard.RoleAssignment, 0)
	for r.Next() {
		a := &permguard.RoleAssignment{}
		var scope string
		var expiresRaw, overrideRaw, grantedRaw any
		if err := r.Scan(&a.ID, &a.UserID, &a.RoleID, &a.CompanyID, &scope, &a.ProjectID,
			&expiresRaw, &overrideRaw, &a.GrantedBy, &grantedRaw); err != nil {
			return nil, err
		}
		a.Scope = permguard.ScopeKind(scope)
		if a.ExpiresAt, err = scanTimePtr(expiresRaw); err != nil {
			return nil, fmt.Errorf("assignment %q expires_at: %w", a.ID, err)
		}
		a.GrantedAt = scanTime(grantedRaw)
		var overrideJSON string
		switch v := overrideRaw.(type) {
		case string:
			overrideJSON = v
		case []byte:
			overrideJSON = string(v)
		}
		if overrideJSON != "" {
			ids, err := decodeIDs(overrideJSON)
			if err != nil {
				return nil, fmt.Errorf("assignment %q override: %w", a.ID, err)
			}
			a.Override = ids
			a.HasOverride = true
		}
		out = append(out, a)
	}
	return out, r.Err()
}
