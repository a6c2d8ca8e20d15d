package permguard

import (
	"encoding/json"
	"fmt"
	"math/bits"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// PermissionID identifies one entry in the permission catalog.
type PermissionID uint16

// MaxPermissions bounds the catalog so a PermissionSet fits a fixed bitset.
const MaxPermissions = 256

// Built-in permission identifiers.
const (
	PermViewCompany PermissionID = iota + 1
	PermManageCompany
	PermManageUsers
	PermManageRoles
	PermViewProjects
	PermCreateProject
	PermEditProject
	PermDeleteProject
	PermViewPhotos
	PermUploadPhotos
	PermDeletePhotos
	PermViewReports
	PermExportData
	PermViewFinancials
	PermManageBilling
	PermViewAuditLog
)

// PermissionDef describes one catalog entry. Sensitive permissions are
// subject to the company's financial elevation setting.
type PermissionDef struct {
	ID          PermissionID `json:"id" yaml:"id" validate:"required"`
	Name        string       `json:"name" yaml:"name" validate:"required"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Sensitive   bool         `json:"sensitive,omitempty" yaml:"sensitive,omitempty"`
}

// Catalog is the universe of known permissions.
type Catalog struct {
	mu     sync.RWMutex
	defs   map[PermissionID]PermissionDef
	byName map[string]PermissionID
	known  PermissionSet
}

// NewCatalog returns a catalog holding defs. Duplicate IDs or names fail.
func NewCatalog(defs ...PermissionDef) (*Catalog, error) {
	c := &Catalog{defs: make(map[PermissionID]PermissionDef), byName: make(map[string]PermissionID)}
	for _, d := range defs {
		if err := c.Register(d); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// DefaultCatalog returns the built-in permission set.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(
		PermissionDef{ID: PermViewCompany, Name: "company.view"},
		PermissionDef{ID: PermManageCompany, Name: "company.manage"},
		PermissionDef{ID: PermManageUsers, Name: "users.manage"},
		PermissionDef{ID: PermManageRoles, Name: "roles.manage"},
		PermissionDef{ID: PermViewProjects, Name: "projects.view"},
		PermissionDef{ID: PermCreateProject, Name: "projects.create"},
		PermissionDef{ID: PermEditProject, Name: "projects.edit"},
		PermissionDef{ID: PermDeleteProject, Name: "projects.delete"},
		PermissionDef{ID: PermViewPhotos, Name: "photos.view"},
		PermissionDef{ID: PermUploadPhotos, Name: "photos.upload"},
		PermissionDef{ID: PermDeletePhotos, Name: "photos.delete"},
		PermissionDef{ID: PermViewReports, Name: "reports.view"},
		PermissionDef{ID: PermExportData, Name: "data.export", Sensitive: true},
		PermissionDef{ID: PermViewFinancials, Name: "financials.view", Sensitive: true},
		PermissionDef{ID: PermManageBilling, Name: "billing.manage", Sensitive: true},
		PermissionDef{ID: PermViewAuditLog, Name: "audit.view"},
	)
	if err != nil {
		panic(err)
	}
	return c
}

// Register adds a definition to the catalog.
func (c *Catalog) Register(d PermissionDef) error {
	if d.ID == 0 || d.ID >= MaxPermissions {
		return fmt.Errorf("permission %q: id %d out of range [1,%d)", d.Name, d.ID, MaxPermissions)
	}
	if d.Name == "" {
		return fmt.Errorf("permission %d: name is required", d.ID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.defs[d.ID]; ok {
		return fmt.Errorf("permission %d already registered", d.ID)
	}
	if _, ok := c.byName[d.Name]; ok {
		return fmt.Errorf("permission %q already registered", d.Name)
	}
	c.defs[d.ID] = d
	c.byName[d.Name] = d.ID
	c.known.Add(d.ID)
	return nil
}

// Contains reports whether id is a known permission.
func (c *Catalog) Contains(id PermissionID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.known.Has(id)
}

// Known returns every registered identifier as a set.
func (c *Catalog) Known() PermissionSet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.known
}

// Filter drops identifiers the catalog does not know.
func (c *Catalog) Filter(s PermissionSet) PermissionSet {
	return s.Intersect(c.Known())
}

func (c *Catalog) Lookup(id PermissionID) (PermissionDef, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.defs[id]
	return d, ok
}

// ByName resolves a permission name.
func (c *Catalog) ByName(name string) (PermissionID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byName[name]
	return id, ok
}

// Sensitive reports whether any of ids is marked sensitive.
func (c *Catalog) Sensitive(ids []PermissionID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, id := range ids {
		if d, ok := c.defs[id]; ok && d.Sensitive {
			return true
		}
	}
	return false
}

// Parse resolves a comma separated list of names or numeric ids.
func (c *Catalog) Parse(list string) ([]PermissionID, error) {
	var out []PermissionID
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if id, ok := c.ByName(part); ok {
			out = append(out, id)
			continue
		}
		n, err := strconv.ParseUint(part, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("unknown permission %q", part)
		}
		out = append(out, PermissionID(n))
	}
	return out, nil
}

// Definitions lists the catalog ordered by id.
func (c *Catalog) Definitions() []PermissionDef {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]PermissionDef, 0, len(c.defs))
	for _, d := range c.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PermissionSet is a fixed-size bitset over PermissionID. The zero value is
// the empty set and values compare with ==.
type PermissionSet [MaxPermissions / 64]uint64

// NewPermissionSet builds a set from ids.
func NewPermissionSet(ids ...PermissionID) PermissionSet {
	var s PermissionSet
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Add ignores identifiers outside the bitset range.
func (s *PermissionSet) Add(id PermissionID) {
	if id >= MaxPermissions {
		return
	}
	s[id/64] |= 1 << (id % 64)
}

func (s *PermissionSet) Remove(id PermissionID) {
	if id >= MaxPermissions {
		return
	}
	s[id/64] &^= 1 << (id % 64)
}

func (s PermissionSet) Has(id PermissionID) bool {
	if id >= MaxPermissions {
		return false
	}
	return s[id/64]&(1<<(id%64)) != 0
}

func (s PermissionSet) Union(o PermissionSet) PermissionSet {
	for i := range s {
		s[i] |= o[i]
	}
	return s
}

func (s PermissionSet) Intersect(o PermissionSet) PermissionSet {
	for i := range s {
		s[i] &= o[i]
	}
	return s
}

// HasAll reports whether every id is present. An empty list is satisfied.
func (s PermissionSet) HasAll(ids ...PermissionID) bool {
	for _, id := range ids {
		if !s.Has(id) {
			return false
		}
	}
	return true
}

// HasAny reports whether at least one id is present.
func (s PermissionSet) HasAny(ids ...PermissionID) bool {
	for _, id := range ids {
		if s.Has(id) {
			return true
		}
	}
	return false
}

func (s PermissionSet) Len() int {
	n := 0
	for _, w := range s {
		n += bits.OnesCount64(w)
	}
	return n
}

func (s PermissionSet) IsEmpty() bool {
	return s == PermissionSet{}
}

// IDs returns the members in ascending order.
func (s PermissionSet) IDs() []PermissionID {
	out := make([]PermissionID, 0, s.Len())
	for i, w := range s {
		for w != 0 {
			b := bits.TrailingZeros64(w)
			out = append(out, PermissionID(i*64+b))
			w &^= 1 << b
		}
	}
	return out
}

func (s PermissionSet) String() string {
	ids := s.IDs()
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(int(id))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func (s PermissionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.IDs())
}

func (s *PermissionSet) UnmarshalJSON(data []byte) error {
	var ids []PermissionID
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*s = NewPermissionSet(ids...)
	return nil
}

// MarshalYAML and UnmarshalYAML keep config files readable as id lists.
func (s PermissionSet) MarshalYAML() (any, error) {
	return s.IDs(), nil
}

func (s *PermissionSet) UnmarshalYAML(unmarshal func(any) error) error {
	var ids []PermissionID
	if err := unmarshal(&ids); err != nil {
		return err
	}
	*s = NewPermissionSet(ids...)
	return nil
}
