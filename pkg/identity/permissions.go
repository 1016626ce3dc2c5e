package identity

import (
	"fmt"
	"strconv"
	"strings"
)

// Action is a bitfield of operations on a resource.
type Action uint32

// Action bits.
const (
	ActionRead   Action = 1
	ActionWrite  Action = 2
	ActionUpdate Action = 4
	ActionDelete Action = 8
	ActionCRUD   Action = ActionRead | ActionWrite | ActionUpdate | ActionDelete
)

// Scope is a bitfield describing whose objects an action may touch.
type Scope uint32

// Scope bits. ScopeAll is deliberately wider than the OR of the named
// bits so future scopes stay covered.
const (
	ScopeSelf   Scope = 1
	ScopeUsers  Scope = 2
	ScopeRoles  Scope = 4
	ScopeGroups Scope = 8
	ScopeOrg    Scope = 16
	ScopeAll    Scope = 0xFF
)

// ResourceAll grants a permission on every resource.
const ResourceAll = "*"

// Permission grants action bits on a resource within a scope.
type Permission struct {
	Resource string `json:"resource"`
	Action   Action `json:"action"`
	Scope    Scope  `json:"scope"`
}

// String renders the wire form carried in access tokens:
// "<resource>.<scope>.<action>" with decimal bitfields.
func (p Permission) String() string {
	return fmt.Sprintf("%s.%d.%d", p.Resource, p.Scope, p.Action)
}

// Allows reports whether this permission covers the wanted action and
// scope on the resource. Action and scope are superset bit tests; the
// resource must match exactly or be the wildcard.
func (p Permission) Allows(action Action, scope Scope, resource string) bool {
	return p.Action&action == action &&
		p.Scope&scope == scope &&
		(p.Resource == resource || p.Resource == ResourceAll)
}

// ParsePermission parses the wire form. The resource itself may contain
// dots; the last two segments are always scope and action.
func ParsePermission(s string) (Permission, error) {
	i := strings.LastIndexByte(s, '.')
	if i <= 0 {
		return Permission{}, fmt.Errorf("invalid permission %q", s)
	}
	j := strings.LastIndexByte(s[:i], '.')
	if j <= 0 {
		return Permission{}, fmt.Errorf("invalid permission %q", s)
	}
	scope, err := strconv.ParseUint(s[j+1:i], 10, 32)
	if err != nil {
		return Permission{}, fmt.Errorf("invalid permission scope in %q", s)
	}
	action, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil {
		return Permission{}, fmt.Errorf("invalid permission action in %q", s)
	}
	return Permission{
		Resource: s[:j],
		Scope:    Scope(scope),
		Action:   Action(action),
	}, nil
}

// Resolved is one row of a user's effective permission set.
type Resolved struct {
	Permission
	Granted bool   `json:"granted"`
	Source  string `json:"source"`
}

// actionName names the dominant bit of an action for error codes.
func actionName(a Action) string {
	switch {
	case a&ActionDelete != 0:
		return "delete"
	case a&ActionUpdate != 0:
		return "update"
	case a&ActionWrite != 0:
		return "write"
	case a&ActionRead != 0:
		return "read"
	}
	return strconv.FormatUint(uint64(a), 10)
}

// mergeResolved collapses rows targeting the same (resource, scope)
// cell by OR-ing their action bits. The first contributing source wins
// the label.
func mergeResolved(rows []Resolved) []Resolved {
	type cell struct {
		resource string
		scope    Scope
	}
	index := make(map[cell]int)
	out := make([]Resolved, 0, len(rows))
	for _, row := range rows {
		c := cell{row.Resource, row.Scope}
		if i, ok := index[c]; ok {
			out[i].Action |= row.Action
			continue
		}
		index[c] = len(out)
		out = append(out, row)
	}
	return out
}

// PermissionStrings flattens resolved rows to the token wire form.
func PermissionStrings(rows []Resolved) []string {
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Permission.String())
	}
	return out
}

// AllowedBy reports whether any of the wire-form permission strings
// covers the wanted action, scope and resource. Used when gating calls
// on the permissions already sealed inside an access token.
func AllowedBy(perms []string, action Action, scope Scope, resource string) bool {
	for _, s := range perms {
		p, err := ParsePermission(s)
		if err != nil {
			continue
		}
		if p.Allows(action, scope, resource) {
			return true
		}
	}
	return false
}
