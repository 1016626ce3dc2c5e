package identity

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/adcplatform/adc/pkg/errors"
	"github.com/adcplatform/adc/pkg/identity/store"
)

// Groups manages user groups. A group grants its members the union of
// its attached roles plus any direct permissions on the group itself.
type Groups struct {
	svc *Service
}

// CreateGroupInput is the payload for Groups.Create.
type CreateGroupInput struct {
	Name        string
	Description string
	RoleIDs     []string
	Permissions []Permission
	OrgID       string
}

// Create stores a new group. Requires WRITE on groups.
func (m *Groups) Create(ctx context.Context, in CreateGroupInput, token string) (*Group, error) {
	sess, err := m.svc.authorize(ctx, token, ActionWrite, ScopeGroups, "groups")
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, errors.NewValidationError("group name is required", nil)
	}
	orgID := in.OrgID
	if orgID == "" && sess != nil {
		orgID = sess.Claims.Metadata.OrgID
	}
	group := Group{
		ID:          uuid.NewString(),
		Name:        name,
		Description: in.Description,
		RoleIDs:     in.RoleIDs,
		Permissions: in.Permissions,
		OrgID:       orgID,
		CreatedAt:   time.Now(),
	}
	if group.RoleIDs == nil {
		group.RoleIDs = []string{}
	}
	if group.UserIDs == nil {
		group.UserIDs = []string{}
	}
	if err := m.svc.db.Insert(ctx, store.CollectionGroups, group.ID, group); err != nil {
		return nil, err
	}
	return &group, nil
}

// GetByID returns a group. Requires READ on groups.
func (m *Groups) GetByID(ctx context.Context, id, token string) (*Group, error) {
	if _, err := m.svc.authorize(ctx, token, ActionRead, ScopeGroups, "groups"); err != nil {
		return nil, err
	}
	var group Group
	if err := m.svc.db.Get(ctx, store.CollectionGroups, id, &group); err != nil {
		return nil, err
	}
	return &group, nil
}

// List returns all groups. Requires READ on groups.
func (m *Groups) List(ctx context.Context, token string) ([]*Group, error) {
	if _, err := m.svc.authorize(ctx, token, ActionRead, ScopeGroups, "groups"); err != nil {
		return nil, err
	}
	docs, err := m.svc.db.List(ctx, store.CollectionGroups)
	if err != nil {
		return nil, err
	}
	out := make([]*Group, 0, len(docs))
	for _, doc := range docs {
		var g Group
		if err := json.Unmarshal(doc, &g); err != nil {
			return nil, err
		}
		out = append(out, &g)
	}
	return out, nil
}

// UpdateGroupInput carries the mutable group fields; nil means keep.
type UpdateGroupInput struct {
	Description *string
	RoleIDs     *[]string
	Permissions *[]Permission
}

// Update modifies a group. Requires UPDATE on groups.
func (m *Groups) Update(ctx context.Context, id string, in UpdateGroupInput, token string) (*Group, error) {
	if _, err := m.svc.authorize(ctx, token, ActionUpdate, ScopeGroups, "groups"); err != nil {
		return nil, err
	}
	var group Group
	if err := m.svc.db.Get(ctx, store.CollectionGroups, id, &group); err != nil {
		return nil, err
	}
	if in.Description != nil {
		group.Description = *in.Description
	}
	if in.RoleIDs != nil {
		group.RoleIDs = *in.RoleIDs
	}
	if in.Permissions != nil {
		group.Permissions = *in.Permissions
	}
	if err := m.svc.db.Update(ctx, store.CollectionGroups, id, group); err != nil {
		return nil, err
	}
	return &group, nil
}

// Delete removes a group. Membership is stored on the group document,
// so no per-user cleanup is needed.
func (m *Groups) Delete(ctx context.Context, id, token string) error {
	if _, err := m.svc.authorize(ctx, token, ActionDelete, ScopeGroups, "groups"); err != nil {
		return err
	}
	if err := m.svc.db.Delete(ctx, store.CollectionGroups, id); err != nil {
		return err
	}
	return nil
}

// AddUser puts a user into the group. Idempotent.
func (m *Groups) AddUser(ctx context.Context, groupID, userID, token string) error {
	if _, err := m.svc.authorize(ctx, token, ActionUpdate, ScopeGroups, "groups"); err != nil {
		return err
	}
	var group Group
	if err := m.svc.db.Get(ctx, store.CollectionGroups, groupID, &group); err != nil {
		return err
	}
	var user User
	if err := m.svc.db.Get(ctx, store.CollectionUsers, userID, &user); err != nil {
		return err
	}
	if group.HasMember(userID) {
		return nil
	}
	group.UserIDs = append(group.UserIDs, userID)
	return m.svc.db.Update(ctx, store.CollectionGroups, groupID, group)
}

// RemoveUser takes a user out of the group. Idempotent.
func (m *Groups) RemoveUser(ctx context.Context, groupID, userID, token string) error {
	if _, err := m.svc.authorize(ctx, token, ActionUpdate, ScopeGroups, "groups"); err != nil {
		return err
	}
	var group Group
	if err := m.svc.db.Get(ctx, store.CollectionGroups, groupID, &group); err != nil {
		return err
	}
	kept := group.UserIDs[:0]
	for _, id := range group.UserIDs {
		if id != userID {
			kept = append(kept, id)
		}
	}
	if len(kept) == len(group.UserIDs) {
		return nil
	}
	group.UserIDs = kept
	return m.svc.db.Update(ctx, store.CollectionGroups, groupID, group)
}
