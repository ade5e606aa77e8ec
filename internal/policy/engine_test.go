package policy

import (
	"math/rand"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authgate.org/internal/auth"
)

func TestIsAllowed(t *testing.T) {
	e := New([]auth.Grant{
		{Procedure: "delete_user", Roles: []string{"admin"}},
		{Procedure: "read_user", Roles: []string{"admin", "viewer"}},
	})

	assert.True(t, e.IsAllowed("delete_user", "admin"))
	assert.False(t, e.IsAllowed("delete_user", "viewer"))
	assert.False(t, e.IsAllowed("delete_user", "Admin"), "matching is case sensitive")
	assert.False(t, e.IsAllowed("unknown", "admin"))
	assert.False(t, e.IsAllowed("delete_user", "root"), "root is not special-cased in policy data")
	assert.Equal(t, 2, e.Len())
}

func TestEngineIsImmutable(t *testing.T) {
	roles := []string{"admin"}
	e := New([]auth.Grant{{Procedure: "p", Roles: roles}})
	roles[0] = "viewer"
	assert.True(t, e.IsAllowed("p", "admin"))

	g, ok := e.Grant("p")
	require.True(t, ok)
	g.Roles[0] = "mutated"
	assert.True(t, e.IsAllowed("p", "admin"))

	all := e.Grants()
	all[0].Roles = nil
	assert.True(t, e.IsAllowed("p", "admin"))
}

func TestNilEngine(t *testing.T) {
	var e *Engine
	assert.Equal(t, 0, e.Len())
	assert.False(t, e.IsAllowed("p", "r"))
	assert.Nil(t, e.GroupByRole())
}

func TestGroupByRoleExample(t *testing.T) {
	e := New([]auth.Grant{
		{Procedure: "read", Roles: []string{"viewer", "admin"}},
		{Procedure: "write", Roles: []string{"admin"}},
		{Procedure: "audit", Roles: []string{"auditor", "admin"}},
		{Procedure: "noop", Roles: nil},
	})
	got := e.GroupByRole()
	assert.Equal(t, []auth.RoleGrant{
		{Role: "admin", Procedures: []string{"read", "write", "audit"}},
		{Role: "auditor", Procedures: []string{"audit"}},
		{Role: "viewer", Procedures: []string{"read"}},
	}, got)
}

func TestGroupByRoleRecoversGrantSets(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	roleNames := []string{"a", "b", "c", "d", "e"}
	for iter := 0; iter < 200; iter++ {
		var grants []auth.Grant
		n := rng.Intn(8)
		for p := 0; p < n; p++ {
			var roles []string
			for _, r := range roleNames {
				if rng.Intn(3) == 0 {
					roles = append(roles, r)
				}
			}
			rng.Shuffle(len(roles), func(i, j int) { roles[i], roles[j] = roles[j], roles[i] })
			grants = append(grants, auth.Grant{Procedure: "proc" + strings.Repeat("x", p), Roles: roles})
		}

		want := map[string][]string{}
		for _, g := range grants {
			for _, r := range g.Roles {
				want[r] = append(want[r], g.Procedure)
			}
		}

		got := GroupByRole(grants)
		require.Len(t, got, len(want), "one bucket per role")
		for _, rg := range got {
			exp := append([]string(nil), want[rg.Role]...)
			act := append([]string(nil), rg.Procedures...)
			sort.Strings(exp)
			sort.Strings(act)
			assert.Equal(t, exp, act, "role %s", rg.Role)
		}
	}
}

func TestConstructPreservesOrder(t *testing.T) {
	grants := []auth.Grant{
		{Procedure: "write", Roles: []string{"admin"}},
		{Procedure: "read", Roles: []string{"viewer"}},
	}
	got := Construct([]string{"read", "missing", "write"}, grants)
	assert.Equal(t, []auth.Grant{
		{Procedure: "read", Roles: []string{"viewer"}},
		{Procedure: "missing", Roles: []string{}},
		{Procedure: "write", Roles: []string{"admin"}},
	}, got)

	scoped := NewScoped([]string{"read", "missing"}, grants)
	assert.Equal(t, 2, scoped.Len())
	assert.True(t, scoped.IsAllowed("read", "viewer"))
	assert.False(t, scoped.IsAllowed("missing", "viewer"))
	_, ok := scoped.Grant("write")
	assert.False(t, ok)
}

func TestConcurrentReads(t *testing.T) {
	e := New([]auth.Grant{{Procedure: "p", Roles: []string{"r"}}})
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = e.IsAllowed("p", "r")
				_ = e.GroupByRole()
			}
		}()
	}
	wg.Wait()
}

func TestParseGrantFile(t *testing.T) {
	grants, err := Parse(strings.NewReader(`
grants:
  - procedure: delete_user
    roles: [admin]
  - procedure: ping
`))
	require.NoError(t, err)
	assert.Equal(t, []auth.Grant{
		{Procedure: "delete_user", Roles: []string{"admin"}},
		{Procedure: "ping", Roles: []string{}},
	}, grants)

	_, err = Parse(strings.NewReader("grants:\n  - roles: [admin]\n"))
	assert.ErrorIs(t, err, auth.ErrInvalidInput)

	_, err = Parse(strings.NewReader("grant: []\n"))
	assert.Error(t, err, "unknown fields are rejected")

	grants, err = Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, grants)
}

func TestRestricts(t *testing.T) {
	e := NewScoped([]string{"login", "delete_user", "ping"}, []auth.Grant{
		{Procedure: "delete_user", Roles: []string{"admin"}},
		{Procedure: "unknown", Roles: []string{"admin"}},
	})
	require.Equal(t, 3, e.Len())
	require.Equal(t, 1, e.Restricted())
	require.True(t, e.Restricts("delete_user"))
	require.False(t, e.Restricts("login"))
	require.False(t, e.Restricts("unknown"))

	var nilEngine *Engine
	require.False(t, nilEngine.Restricts("delete_user"))
	require.Zero(t, nilEngine.Restricted())
}
