package permguard

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		a := sl.Current().Interface().(RoleAssignment)
		if !a.ScopeValid() {
			sl.ReportError(a.ProjectID, "ProjectID", "project_id", "scope_project", string(a.Scope))
		}
	}, RoleAssignment{})
	return v
}

// ValidateAssignment checks field presence and the scope/project invariant.
func ValidateAssignment(a *RoleAssignment) error {
	if a == nil {
		return fmt.Errorf("invalid assignment: nil")
	}
	if err := validate.Struct(a); err != nil {
		return fmt.Errorf("invalid assignment %q: %w", a.ID, err)
	}
	return nil
}

func ValidateRole(r *Role) error {
	if r == nil {
		return fmt.Errorf("invalid role: nil")
	}
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid role %q: %w", r.ID, err)
	}
	return nil
}

func ValidateCompany(c *Company) error {
	if c == nil {
		return fmt.Errorf("invalid company: nil")
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid company %q: %w", c.ID, err)
	}
	return nil
}

func ValidateUser(u *User) error {
	if u == nil {
		return fmt.Errorf("invalid user: nil")
	}
	if err := validate.Struct(u); err != nil {
		return fmt.Errorf("invalid user %q: %w", u.ID, err)
	}
	return nil
}

// checkCatalog reports ids unknown to c.
func checkCatalog(c *Catalog, ids []PermissionID) error {
	for _, id := range ids {
		if !c.Contains(id) {
			return fmt.Errorf("permission %d is not in the catalog", id)
		}
	}
	return nil
}
