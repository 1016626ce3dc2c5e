// Package identity is the permission-gated identity core: users, roles
// and groups over a document store, with bitfield permission resolution
// and per-call authorization from sealed access tokens.
package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/adcplatform/adc/pkg/errors"
	"github.com/adcplatform/adc/pkg/identity/store"
	"github.com/adcplatform/adc/pkg/kernel"
	"github.com/adcplatform/adc/pkg/logger"
	"github.com/adcplatform/adc/pkg/tokens"
)

// Service wires the submanagers over a shared document store. Mutating
// operations take an optional access token; when present, the operation
// is authorized against the permissions sealed inside it. An empty
// token marks a trusted in-process caller.
type Service struct {
	db     *store.DB
	tokens *tokens.Service
	key    kernel.CapabilityKey

	users  *Users
	roles  *Roles
	groups *Groups
}

var _ tokens.UserLookup = (*Service)(nil)

// NewService creates the identity core. The capability key guards
// retrieval of the system account.
func NewService(db *store.DB, tok *tokens.Service, key kernel.CapabilityKey) *Service {
	s := &Service{db: db, tokens: tok, key: key}
	s.users = &Users{svc: s}
	s.roles = &Roles{svc: s}
	s.groups = &Groups{svc: s}
	return s
}

// Users returns the user submanager.
func (s *Service) Users() *Users { return s.users }

// Roles returns the role submanager.
func (s *Service) Roles() *Roles { return s.roles }

// Groups returns the group submanager.
func (s *Service) Groups() *Groups { return s.groups }

// Seed creates the predefined roles and the system account when they
// do not exist yet. Idempotent; runs on every boot.
func (s *Service) Seed(ctx context.Context) error {
	for _, role := range predefinedRoles() {
		var existing Role
		err := s.db.FindOneByField(ctx, store.CollectionRoles, "name", role.Name, &existing)
		if err == nil {
			continue
		}
		if !errors.IsNotFound(err) {
			return err
		}
		role.ID = uuid.NewString()
		role.IsCustom = false
		role.CreatedAt = time.Now()
		if err := s.db.Insert(ctx, store.CollectionRoles, role.ID, role); err != nil {
			return err
		}
		logger.Infof("seeded predefined role %s", role.Name)
	}

	var sys User
	err := s.db.FindOneByField(ctx, store.CollectionUsers, "username", SystemUsername, &sys)
	if err == nil {
		return nil
	}
	if !errors.IsNotFound(err) {
		return err
	}

	systemRole, err := s.roles.getByName(ctx, RoleSystem)
	if err != nil {
		return err
	}
	password, err := RandomPassword()
	if err != nil {
		return err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	sys = User{
		ID:           uuid.NewString(),
		Username:     SystemUsername,
		PasswordHash: hash,
		RoleIDs:      []string{systemRole.ID},
		Metadata:     map[string]string{"provider": "system"},
		CreatedAt:    time.Now(),
	}
	if err := s.db.Insert(ctx, store.CollectionUsers, sys.ID, sys); err != nil {
		return err
	}
	logger.Infow("created system account", "user_id", sys.ID)
	return nil
}

// SystemUser returns the system account. Only callers holding the
// kernel capability key may retrieve it.
func (s *Service) SystemUser(ctx context.Context, key kernel.CapabilityKey) (*User, error) {
	if !key.Equal(s.key) {
		return nil, errors.NewAuthorizationError("identity.system.denied",
			"system account requires the kernel capability key")
	}
	var sys User
	if err := s.db.FindOneByField(ctx, store.CollectionUsers, "username", SystemUsername, &sys); err != nil {
		return nil, err
	}
	return &sys, nil
}

// SystemToken mints a token pair for the system account with the
// all-resources grant. Guarded by the kernel capability key.
func (s *Service) SystemToken(ctx context.Context, key kernel.CapabilityKey) (*tokens.Pair, error) {
	sys, err := s.SystemUser(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.tokens.CreateTokenPair(ctx, &tokens.TokenUser{
		ID:          sys.ID,
		Permissions: systemPermissions(),
		Metadata:    tokens.Metadata{Provider: "system", Username: sys.Username},
	}, tokens.DeviceInfo{})
}

// LookupTokenUser resolves the current permission set and metadata of a
// user for token minting. Satisfies tokens.UserLookup.
func (s *Service) LookupTokenUser(ctx context.Context, userID string) (*tokens.TokenUser, error) {
	var user User
	if err := s.db.Get(ctx, store.CollectionUsers, userID, &user); err != nil {
		return nil, err
	}
	resolved, err := s.ResolvePermissions(ctx, userID, user.OrgID)
	if err != nil {
		return nil, err
	}
	return &tokens.TokenUser{
		ID:          user.ID,
		Permissions: PermissionStrings(resolved),
		Metadata:    s.tokenMetadata(&user),
	}, nil
}

func (s *Service) tokenMetadata(user *User) tokens.Metadata {
	md := tokens.Metadata{
		Provider: "native",
		Username: user.Username,
		Email:    user.Email,
		OrgID:    user.OrgID,
	}
	if p, ok := user.Metadata["provider"]; ok && p != "" {
		md.Provider = p
	}
	if a, ok := user.Metadata["avatar"]; ok {
		md.Avatar = a
	}
	return md
}

// authorize gates an operation on the identity resource. It returns the
// verified session, or nil when no token was supplied.
func (s *Service) authorize(_ context.Context, token string, action Action, scope Scope, sub string) (*tokens.Session, error) {
	if token == "" {
		return nil, nil
	}
	sess, err := s.tokens.VerifyAccessToken(token)
	if err != nil {
		return nil, err
	}
	if !AllowedBy(sess.Claims.Permissions, action, scope, ResourceIdentity) {
		return nil, errors.NewAuthorizationError(
			fmt.Sprintf("identity.%s.%s.denied", sub, actionName(action)),
			fmt.Sprintf("missing %s permission on %s", actionName(action), sub))
	}
	return sess, nil
}
