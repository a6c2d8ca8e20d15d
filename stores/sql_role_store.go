package stores

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/permguard"
)

var (
	_ permguard.RoleStore        = (*SQLRoleStore)(nil)
	_ permguard.UserDirectory    = (*SQLRoleStore)(nil)
	_ permguard.RoleWriter       = (*SQLRoleStore)(nil)
	_ permguard.AssignmentWriter = (*SQLRoleStore)(nil)
	_ permguard.CompanyWriter    = (*SQLRoleStore)(nil)
	_ permguard.UserWriter       = (*SQLRoleStore)(nil)
)

// SQLRoleStore persists roles, assignments, companies and users in SQL (squealx).
type SQLRoleStore struct {
	db *squealx.DB
}

func NewSQLRoleStore(db *squealx.DB) *SQLRoleStore {
	return &SQLRoleStore{db: db}
}

func (s *SQLRoleStore) PutRole(ctx context.Context, r *permguard.Role) error {
	q := `INSERT INTO roles(id, name, scope, permissions_json, role_rank, platform, created_at, updated_at)
VALUES(:id, :name, :scope, :permissions_json, :role_rank, :platform, :created_at, :updated_at)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, scope=excluded.scope, permissions_json=excluded.permissions_json,
role_rank=excluded.role_rank, platform=excluded.platform, updated_at=excluded.updated_at`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":               r.ID,
		"name":             r.Name,
		"scope":            string(r.Scope),
		"permissions_json": encodeIDs(r.Permissions),
		"role_rank":        r.Rank,
		"platform":         boolToInt(r.Platform),
		"created_at":       nullableTime(&r.CreatedAt),
		"updated_at":       nullableTime(&r.UpdatedAt),
	})
	return err
}

func (s *SQLRoleStore) DeleteRole(ctx context.Context, id string) error {
	q := `DELETE FROM roles WHERE id = :id`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("role %q: %w", id, permguard.ErrNotFound)
	}
	return nil
}

func (s *SQLRoleStore) GetRole(ctx context.Context, id string) (*permguard.Role, error) {
	q := `SELECT id, name, scope, permissions_json, role_rank, platform, created_at, updated_at FROM roles WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		if err := r.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("role %q: %w", id, permguard.ErrNotFound)
	}
	var idv, name, scope, permsJSON string
	var rank, platform int
	var createdRaw, updatedRaw any
	if err := r.Scan(&idv, &name, &scope, &permsJSON, &rank, &platform, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	perms, err := decodeIDs(permsJSON)
	if err != nil {
		return nil, fmt.Errorf("role %q permissions: %w", id, err)
	}
	return &permguard.Role{
		ID:          idv,
		Name:        name,
		Scope:       permguard.ScopeKind(scope),
		Permissions: perms,
		Rank:        rank,
		Platform:    platform != 0,
		CreatedAt:   scanTime(createdRaw),
		UpdatedAt:   scanTime(updatedRaw),
	}, nil
}

func (s *SQLRoleStore) PutCompany(ctx context.Context, c *permguard.Company) error {
	settings, err := json.Marshal(c.Settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	q := `INSERT INTO companies(id, name, status, settings_json) VALUES(:id, :name, :status, :settings_json)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, status=excluded.status, settings_json=excluded.settings_json`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{
		"id":            c.ID,
		"name":          c.Name,
		"status":        string(c.Status),
		"settings_json": string(settings),
	})
	return err
}

func (s *SQLRoleStore) GetCompany(ctx context.Context, id string) (*permguard.Company, error) {
	q := `SELECT id, name, status, settings_json FROM companies WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		if err := r.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("company %q: %w", id, permguard.ErrNotFound)
	}
	c := &permguard.Company{}
	var status, settingsJSON string
	if err := r.Scan(&c.ID, &c.Name, &status, &settingsJSON); err != nil {
		return nil, err
	}
	c.Status = permguard.CompanyStatus(status)
	if err := json.Unmarshal([]byte(settingsJSON), &c.Settings); err != nil {
		return nil, fmt.Errorf("company %q settings: %w", id, err)
	}
	return c, nil
}

func (s *SQLRoleStore) PutUser(ctx context.Context, u *permguard.User) error {
	q := `INSERT INTO users(id, email, first_name, last_name, company_id, mfa_enabled, last_login_at)
VALUES(:id, :email, :first_name, :last_name, :company_id, :mfa_enabled, :last_login_at)
ON CONFLICT(id) DO UPDATE SET email=excluded.email, first_name=excluded.first_name, last_name=excluded.last_name,
company_id=excluded.company_id, mfa_enabled=excluded.mfa_enabled, last_login_at=excluded.last_login_at`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":            u.ID,
		"email":         u.Email,
		"first_name":    u.FirstName,
		"last_name":     u.LastName,
		"company_id":    u.CompanyID,
		"mfa_enabled":   boolToInt(u.MFAEnabled),
		"last_login_at": nullableTime(&u.LastLoginAt),
	})
	return err
}

func (s *SQLRoleStore) GetUser(ctx context.Context, id string) (*permguard.User, error) {
	q := `SELECT id, email, first_name, last_name, company_id, mfa_enabled, last_login_at FROM users WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		if err := r.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("user %q: %w", id, permguard.ErrNotFound)
	}
	u := &permguard.User{}
	var mfa int
	var lastLogin any
	if err := r.Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.CompanyID, &mfa, &lastLogin); err != nil {
		return nil, err
	}
	u.MFAEnabled = mfa != 0
	u.LastLoginAt = scanTime(lastLogin)
	return u, nil
}
