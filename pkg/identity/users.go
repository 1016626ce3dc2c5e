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

// minPasswordLength for native accounts.
const minPasswordLength = 8

// Users manages identity accounts.
type Users struct {
	svc *Service
}

// CreateUserInput is the payload for Users.Create.
type CreateUserInput struct {
	Username string
	Password string
	Email    string
	RoleIDs  []string
	Metadata map[string]string
	OrgID    string
}

// Create stores a new account. Requires WRITE on users when a token is
// supplied. Users created without roles still resolve the default USER
// capabilities.
func (m *Users) Create(ctx context.Context, in CreateUserInput, token string) (*User, error) {
	if _, err := m.svc.authorize(ctx, token, ActionWrite, ScopeUsers, "users"); err != nil {
		return nil, err
	}

	username := strings.TrimSpace(in.Username)
	if username == "" {
		return nil, errors.NewValidationError("username is required", nil)
	}
	if strings.EqualFold(username, SystemUsername) {
		return nil, errors.NewValidationError("username is reserved", nil)
	}
	if len(in.Password) < minPasswordLength {
		return nil, errors.NewValidationError("password must be at least 8 characters", nil)
	}

	var existing User
	err := m.svc.db.FindOneByField(ctx, store.CollectionUsers, "username", username, &existing)
	if err == nil {
		return nil, errors.NewConflictError(errors.CodeDuplicateUsername, "username already taken")
	}
	if !errors.IsNotFound(err) {
		return nil, err
	}
	if in.Email != "" {
		err = m.svc.db.FindOneByField(ctx, store.CollectionUsers, "email", in.Email, &existing)
		if err == nil {
			return nil, errors.NewConflictError(errors.CodeDuplicateEmail, "email already registered")
		}
		if !errors.IsNotFound(err) {
			return nil, err
		}
	}

	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	user := User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		Email:        in.Email,
		RoleIDs:      in.RoleIDs,
		Metadata:     in.Metadata,
		OrgID:        in.OrgID,
		CreatedAt:    time.Now(),
	}
	if user.RoleIDs == nil {
		user.RoleIDs = []string{}
	}
	if err := m.svc.db.Insert(ctx, store.CollectionUsers, user.ID, user); err != nil {
		if errors.IsConflict(err) {
			// the unique index caught a concurrent insert
			return nil, errors.NewConflictError(errors.CodeDuplicateUsername, "username already taken")
		}
		return nil, err
	}
	return &user, nil
}

// GetByID returns an account. Requires READ on users, or READ on self
// when the token belongs to the requested user.
func (m *Users) GetByID(ctx context.Context, id, token string) (*User, error) {
	if err := m.authorizeRead(ctx, token, id); err != nil {
		return nil, err
	}
	var user User
	if err := m.svc.db.Get(ctx, store.CollectionUsers, id, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// GetByUsername returns an account by its unique username.
func (m *Users) GetByUsername(ctx context.Context, username, token string) (*User, error) {
	var user User
	if err := m.svc.db.FindOneByField(ctx, store.CollectionUsers, "username", username, &user); err != nil {
		return nil, err
	}
	if err := m.authorizeRead(ctx, token, user.ID); err != nil {
		return nil, err
	}
	return &user, nil
}

// GetByProviderID returns the account linked to an OAuth provider
// identity, keyed by the "<provider>Id" metadata entry.
func (m *Users) GetByProviderID(ctx context.Context, provider, providerID string) (*User, error) {
	var user User
	err := m.svc.db.FindOneByField(ctx, store.CollectionUsers,
		"metadata."+provider+"Id", providerID, &user)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetByEmail returns the account registered under the email address.
func (m *Users) GetByEmail(ctx context.Context, email string) (*User, error) {
	var user User
	if err := m.svc.db.FindOneByField(ctx, store.CollectionUsers, "email", email, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// List returns all accounts. Requires READ on users.
func (m *Users) List(ctx context.Context, token string) ([]*User, error) {
	if _, err := m.svc.authorize(ctx, token, ActionRead, ScopeUsers, "users"); err != nil {
		return nil, err
	}
	docs, err := m.svc.db.List(ctx, store.CollectionUsers)
	if err != nil {
		return nil, err
	}
	out := make([]*User, 0, len(docs))
	for _, doc := range docs {
		var u User
		if err := json.Unmarshal(doc, &u); err != nil {
			return nil, err
		}
		out = append(out, &u)
	}
	return out, nil
}

// UpdateUserInput carries the mutable account fields; nil means keep.
type UpdateUserInput struct {
	Email    *string
	Password *string
	RoleIDs  *[]string
	Metadata *map[string]string
	OrgID    *string
}

// Update modifies an account. Requires UPDATE on users, or UPDATE on
// self for the token's own account; role changes always require the
// users scope.
func (m *Users) Update(ctx context.Context, id string, in UpdateUserInput, token string) (*User, error) {
	scope := ScopeUsers
	if token != "" && in.RoleIDs == nil {
		if sess, err := m.svc.tokens.VerifyAccessToken(token); err == nil && sess.Claims.UserID == id {
			scope = ScopeSelf
		}
	}
	if _, err := m.svc.authorize(ctx, token, ActionUpdate, scope, "users"); err != nil {
		return nil, err
	}

	var user User
	if err := m.svc.db.Get(ctx, store.CollectionUsers, id, &user); err != nil {
		return nil, err
	}
	if user.Username == SystemUsername && in.RoleIDs != nil {
		return nil, errors.NewValidationError("system account roles cannot change", nil)
	}

	if in.Email != nil {
		user.Email = *in.Email
	}
	if in.Password != nil {
		if len(*in.Password) < minPasswordLength {
			return nil, errors.NewValidationError("password must be at least 8 characters", nil)
		}
		hash, err := HashPassword(*in.Password)
		if err != nil {
			return nil, err
		}
		user.PasswordHash = hash
	}
	if in.RoleIDs != nil {
		user.RoleIDs = *in.RoleIDs
	}
	if in.Metadata != nil {
		user.Metadata = *in.Metadata
	}
	if in.OrgID != nil {
		user.OrgID = *in.OrgID
	}
	if err := m.svc.db.Update(ctx, store.CollectionUsers, id, user); err != nil {
		if errors.IsConflict(err) {
			return nil, errors.NewConflictError(errors.CodeDuplicateEmail, "email already registered")
		}
		return nil, err
	}
	return &user, nil
}

// Delete removes an account. Requires DELETE on users. The system
// account cannot be deleted.
func (m *Users) Delete(ctx context.Context, id, token string) error {
	if _, err := m.svc.authorize(ctx, token, ActionDelete, ScopeUsers, "users"); err != nil {
		return err
	}
	var user User
	if err := m.svc.db.Get(ctx, store.CollectionUsers, id, &user); err != nil {
		return err
	}
	if user.Username == SystemUsername {
		return errors.NewValidationError("system account cannot be deleted", nil)
	}
	return m.svc.db.Delete(ctx, store.CollectionUsers, id)
}

// VerifyCredentials checks a username/password pair. The same error is
// returned for an unknown username and a wrong password, so callers
// cannot probe for account existence.
func (m *Users) VerifyCredentials(ctx context.Context, username, password string) (*User, error) {
	invalid := func() error {
		return errors.NewAuthenticationError(errors.CodeInvalidCredentials, "invalid username or password")
	}
	var user User
	if err := m.svc.db.FindOneByField(ctx, store.CollectionUsers, "username", username, &user); err != nil {
		if errors.IsNotFound(err) {
			// burn comparable time so the two failure paths look alike
			_ = VerifyPassword(password, "")
			return nil, invalid()
		}
		return nil, err
	}
	if !VerifyPassword(password, user.PasswordHash) {
		return nil, invalid()
	}
	return &user, nil
}

// LinkProvider records an OAuth provider identity on the account.
func (m *Users) LinkProvider(ctx context.Context, userID, provider, providerID string) error {
	var user User
	if err := m.svc.db.Get(ctx, store.CollectionUsers, userID, &user); err != nil {
		return err
	}
	if user.Metadata == nil {
		user.Metadata = make(map[string]string)
	}
	user.Metadata[provider+"Id"] = providerID
	return m.svc.db.Update(ctx, store.CollectionUsers, userID, user)
}

// SetBlockStatus mirrors the attempt tracker's block state onto the
// account document.
func (m *Users) SetBlockStatus(ctx context.Context, userID string, blockedUntil int64, permanent bool) error {
	var user User
	if err := m.svc.db.Get(ctx, store.CollectionUsers, userID, &user); err != nil {
		return err
	}
	user.BlockedUntil = blockedUntil
	user.PermanentlyBlocked = permanent
	return m.svc.db.Update(ctx, store.CollectionUsers, userID, user)
}

func (m *Users) authorizeRead(ctx context.Context, token, targetID string) error {
	scope := ScopeUsers
	if token != "" {
		if sess, err := m.svc.tokens.VerifyAccessToken(token); err == nil && sess.Claims.UserID == targetID {
			scope = ScopeSelf
		}
	}
	_, err := m.svc.authorize(ctx, token, ActionRead, scope, "users")
	return err
}
