// Package policy holds the procedure to role grant table. An Engine is built
// once and never mutated, so concurrent readers need no locking.
package policy

import (
	"sort"

	"authgate.org/internal/auth"
)

// Engine answers grant lookups over an immutable table.
type Engine struct {
	grants []auth.Grant
	index  map[string]int
}

// New builds an Engine from grants. Later duplicates of a procedure name are
// ignored so lookups match the first grant, as Construct does.
func New(grants []auth.Grant) *Engine {
	e := &Engine{
		grants: make([]auth.Grant, 0, len(grants)),
		index:  make(map[string]int, len(grants)),
	}
	for _, g := range grants {
		if _, dup := e.index[g.Procedure]; dup {
			continue
		}
		e.index[g.Procedure] = len(e.grants)
		e.grants = append(e.grants, cloneGrant(g))
	}
	return e
}

// NewScoped builds an Engine holding exactly the named procedures.
func NewScoped(procedures []string, grants []auth.Grant) *Engine {
	return New(Construct(procedures, grants))
}

// Len returns the number of procedures in the table.
func (e *Engine) Len() int {
	if e == nil {
		return 0
	}
	return len(e.grants)
}

// Restricts reports whether procedure's grant names at least one role. An
// empty role set is what Construct yields for a procedure without a grant.
func (e *Engine) Restricts(procedure string) bool {
	if e == nil {
		return false
	}
	i, ok := e.index[procedure]
	return ok && len(e.grants[i].Roles) > 0
}

// Restricted counts the procedures whose grant names at least one role.
func (e *Engine) Restricted() int {
	if e == nil {
		return 0
	}
	n := 0
	for _, g := range e.grants {
		if len(g.Roles) > 0 {
			n++
		}
	}
	return n
}

// Grant returns the grant for procedure.
func (e *Engine) Grant(procedure string) (auth.Grant, bool) {
	if e == nil {
		return auth.Grant{}, false
	}
	i, ok := e.index[procedure]
	if !ok {
		return auth.Grant{}, false
	}
	return cloneGrant(e.grants[i]), true
}

// IsAllowed reports whether role may invoke procedure. Matching is exact and case sensitive.
func (e *Engine) IsAllowed(procedure, role string) bool {
	if e == nil {
		return false
	}
	i, ok := e.index[procedure]
	if !ok {
		return false
	}
	for _, r := range e.grants[i].Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Grants returns a copy of the table in construction order.
func (e *Engine) Grants() []auth.Grant {
	if e == nil {
		return nil
	}
	out := make([]auth.Grant, len(e.grants))
	for i, g := range e.grants {
		out[i] = cloneGrant(g)
	}
	return out
}

// GroupByRole returns, for every role named in any grant, the procedures granting it.
// Roles come out sorted by name; procedures keep table order.
func (e *Engine) GroupByRole() []auth.RoleGrant {
	if e == nil {
		return nil
	}
	return GroupByRole(e.grants)
}

// GroupByRole inverts grants into per-role procedure lists.
func GroupByRole(grants []auth.Grant) []auth.RoleGrant {
	type pair struct{ role, procedure string }

	var pairs []pair
	for _, g := range grants {
		for _, r := range g.Roles {
			pairs = append(pairs, pair{role: r, procedure: g.Procedure})
		}
	}
	// must stay directly before the fold: any reorder in between splits a role into several buckets
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].role < pairs[j].role })

	var out []auth.RoleGrant
	for _, p := range pairs {
		n := len(out)
		if n > 0 && out[n-1].Role == p.role {
			if !contains(out[n-1].Procedures, p.procedure) {
				out[n-1].Procedures = append(out[n-1].Procedures, p.procedure)
			}
			continue
		}
		out = append(out, auth.RoleGrant{Role: p.role, Procedures: []string{p.procedure}})
	}
	return out
}

// Construct returns one grant per name in procedures, in that order, carrying
// the roles of the first matching grant or an empty set.
func Construct(procedures []string, grants []auth.Grant) []auth.Grant {
	out := make([]auth.Grant, 0, len(procedures))
	for _, name := range procedures {
		g := auth.Grant{Procedure: name, Roles: []string{}}
		for _, candidate := range grants {
			if candidate.Procedure == name {
				g.Roles = append(g.Roles, candidate.Roles...)
				break
			}
		}
		out = append(out, g)
	}
	return out
}

func cloneGrant(g auth.Grant) auth.Grant {
	roles := make([]string, len(g.Roles))
	copy(roles, g.Roles)
	return auth.Grant{Procedure: g.Procedure, Roles: roles}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
