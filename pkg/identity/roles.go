package identity

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/adcplatform/adc/pkg/errors"
	"github.com/adcplatform/adc/pkg/identity/store"
	"github.com/adcplatform/adc/pkg/tokens"
)

// Roles manages the role catalog. Predefined roles are seeded at boot
// and immutable; everything created through this manager is a custom
// role.
type Roles struct {
	svc *Service
}

// CreateRoleInput is the payload for Roles.Create.
type CreateRoleInput struct {
	Name        string
	Description string
	Permissions []Permission
	OrgID       string
}

// Create stores a custom role. Requires WRITE on roles.
func (m *Roles) Create(ctx context.Context, in CreateRoleInput, token string) (*Role, error) {
	sess, err := m.svc.authorize(ctx, token, ActionWrite, ScopeRoles, "roles")
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, errors.NewValidationError("role name is required", nil)
	}
	if _, err := m.getByName(ctx, name); err == nil {
		return nil, errors.NewConflictError(errors.CodeDuplicateRoleName, "role name already exists")
	} else if !errors.IsNotFound(err) {
		return nil, err
	}

	orgID := in.OrgID
	if orgID == "" && sess != nil {
		orgID = sess.Claims.Metadata.OrgID
	}
	role := Role{
		ID:          uuid.NewString(),
		Name:        name,
		Description: in.Description,
		Permissions: in.Permissions,
		IsCustom:    true,
		OrgID:       orgID,
		CreatedAt:   time.Now(),
	}
	if role.Permissions == nil {
		role.Permissions = []Permission{}
	}
	if err := m.svc.db.Insert(ctx, store.CollectionRoles, role.ID, role); err != nil {
		return nil, err
	}
	return &role, nil
}

// GetByID returns a role. Requires READ on roles.
func (m *Roles) GetByID(ctx context.Context, id, token string) (*Role, error) {
	if _, err := m.svc.authorize(ctx, token, ActionRead, ScopeRoles, "roles"); err != nil {
		return nil, err
	}
	var role Role
	if err := m.svc.db.Get(ctx, store.CollectionRoles, id, &role); err != nil {
		return nil, err
	}
	return &role, nil
}

// List returns every role visible to the caller: all predefined roles
// plus the custom roles of the caller's organization.
func (m *Roles) List(ctx context.Context, token string) ([]*Role, error) {
	sess, err := m.svc.authorize(ctx, token, ActionRead, ScopeRoles, "roles")
	if err != nil {
		return nil, err
	}
	orgID := ""
	if sess != nil {
		orgID = sess.Claims.Metadata.OrgID
	}
	docs, err := m.svc.db.List(ctx, store.CollectionRoles)
	if err != nil {
		return nil, err
	}
	out := make([]*Role, 0, len(docs))
	for _, doc := range docs {
		var r Role
		if err := json.Unmarshal(doc, &r); err != nil {
			return nil, err
		}
		if orgID != "" && r.IsCustom && r.OrgID != "" && r.OrgID != orgID {
			continue
		}
		out = append(out, &r)
	}
	return out, nil
}

// UpdateRoleInput carries the mutable role fields; nil means keep.
type UpdateRoleInput struct {
	Description *string
	Permissions *[]Permission
}

// Update modifies a custom role. Predefined roles cannot change.
func (m *Roles) Update(ctx context.Context, id string, in UpdateRoleInput, token string) (*Role, error) {
	sess, err := m.svc.authorize(ctx, token, ActionUpdate, ScopeRoles, "roles")
	if err != nil {
		return nil, err
	}

	var role Role
	if err := m.svc.db.Get(ctx, store.CollectionRoles, id, &role); err != nil {
		return nil, err
	}
	if !role.IsCustom {
		return nil, errors.NewConflictError(errors.CodeCannotModifyPredefined,
			"predefined roles cannot be modified")
	}
	if err := m.checkOrg(sess, &role); err != nil {
		return nil, err
	}

	if in.Description != nil {
		role.Description = *in.Description
	}
	if in.Permissions != nil {
		role.Permissions = *in.Permissions
	}
	if err := m.svc.db.Update(ctx, store.CollectionRoles, id, role); err != nil {
		return nil, err
	}
	return &role, nil
}

// Delete removes a custom role. Predefined roles cannot be deleted.
// Users keeping the role id simply stop receiving its grants.
func (m *Roles) Delete(ctx context.Context, id, token string) error {
	sess, err := m.svc.authorize(ctx, token, ActionDelete, ScopeRoles, "roles")
	if err != nil {
		return err
	}
	var role Role
	if err := m.svc.db.Get(ctx, store.CollectionRoles, id, &role); err != nil {
		return err
	}
	if !role.IsCustom {
		return errors.NewConflictError(errors.CodeCannotDeletePredefined,
			"predefined roles cannot be deleted")
	}
	if err := m.checkOrg(sess, &role); err != nil {
		return err
	}
	return m.svc.db.Delete(ctx, store.CollectionRoles, id)
}

// checkOrg refuses custom-role operations across organization borders.
func (m *Roles) checkOrg(sess *tokens.Session, role *Role) error {
	if sess == nil {
		return nil
	}
	callerOrg := sess.Claims.Metadata.OrgID
	if callerOrg != "" && role.OrgID != "" && role.OrgID != callerOrg {
		return errors.NewAuthorizationError("identity.roles.org.denied",
			"role belongs to a different organization")
	}
	return nil
}

func (m *Roles) getByName(ctx context.Context, name string) (*Role, error) {
	var role Role
	if err := m.svc.db.FindOneByField(ctx, store.CollectionRoles, "name", name, &role); err != nil {
		return nil, err
	}
	return &role, nil
}
