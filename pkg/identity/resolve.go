package identity

import (
	"context"
	"encoding/json"

	"github.com/adcplatform/adc/pkg/errors"
	"github.com/adcplatform/adc/pkg/identity/store"
)

// ResolvePermissions flattens the effective permission set of a user:
// direct roles, then roles attached to groups the user belongs to, then
// direct group permissions. Rows targeting the same (resource, scope)
// cell are OR-merged. When orgID is given, custom roles of a different
// organization are excluded; predefined roles always apply. A user with
// no roles at all falls back to the predefined USER role.
func (s *Service) ResolvePermissions(ctx context.Context, userID, orgID string) ([]Resolved, error) {
	var user User
	if err := s.db.Get(ctx, store.CollectionUsers, userID, &user); err != nil {
		return nil, err
	}

	roleIDs := make([]string, 0, len(user.RoleIDs))
	roleIDs = append(roleIDs, user.RoleIDs...)

	groups, err := s.groupsOf(ctx, userID)
	if err != nil {
		return nil, err
	}
	var rows []Resolved
	for _, g := range groups {
		roleIDs = append(roleIDs, g.RoleIDs...)
		for _, p := range g.Permissions {
			rows = append(rows, Resolved{Permission: p, Granted: true, Source: "group:" + g.Name})
		}
	}

	if len(roleIDs) == 0 {
		fallback, err := s.roles.getByName(ctx, RoleUser)
		if err != nil {
			return nil, err
		}
		roleIDs = append(roleIDs, fallback.ID)
	}

	seen := make(map[string]struct{}, len(roleIDs))
	for _, id := range roleIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		var role Role
		if err := s.db.Get(ctx, store.CollectionRoles, id, &role); err != nil {
			if errors.IsNotFound(err) {
				// a role deleted after assignment simply stops granting
				continue
			}
			return nil, err
		}
		if orgID != "" && role.IsCustom && role.OrgID != "" && role.OrgID != orgID {
			continue
		}
		for _, p := range role.Permissions {
			rows = append(rows, Resolved{Permission: p, Granted: true, Source: role.Name})
		}
	}

	return mergeResolved(rows), nil
}

// HasPermission reports whether the user holds the wanted action and
// scope on the resource, resolved against the current role and group
// data.
func (s *Service) HasPermission(
	ctx context.Context, userID string, action Action, scope Scope, resource, orgID string,
) (bool, error) {
	resolved, err := s.ResolvePermissions(ctx, userID, orgID)
	if err != nil {
		return false, err
	}
	for _, row := range resolved {
		if row.Allows(action, scope, resource) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) groupsOf(ctx context.Context, userID string) ([]*Group, error) {
	docs, err := s.db.List(ctx, store.CollectionGroups)
	if err != nil {
		return nil, err
	}
	var out []*Group
	for _, doc := range docs {
		var g Group
		if err := json.Unmarshal(doc, &g); err != nil {
			return nil, err
		}
		if g.HasMember(userID) {
			out = append(out, &g)
		}
	}
	return out, nil
}
