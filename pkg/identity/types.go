package identity

import "time"

// User is an identity account. PasswordHash is a verifier-only Argon2id
// hash and never leaves the package; Profile strips it for responses.
type User struct {
	ID                 string            `json:"id"`
	Username           string            `json:"username"`
	PasswordHash       string            `json:"passwordHash,omitempty"`
	Email              string            `json:"email,omitempty"`
	RoleIDs            []string          `json:"roleIds"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	OrgID              string            `json:"orgId,omitempty"`
	BlockedUntil       int64             `json:"blockedUntil,omitempty"`
	PermanentlyBlocked bool              `json:"permanentlyBlocked,omitempty"`
	CreatedAt          time.Time         `json:"createdAt"`
}

// Profile is the client-visible shape of a user.
type Profile struct {
	ID       string            `json:"id"`
	Username string            `json:"username"`
	Email    string            `json:"email,omitempty"`
	RoleIDs  []string          `json:"roleIds"`
	Metadata map[string]string `json:"metadata,omitempty"`
	OrgID    string            `json:"orgId,omitempty"`
}

// Profile returns the user without credential material.
func (u *User) Profile() *Profile {
	return &Profile{
		ID:       u.ID,
		Username: u.Username,
		Email:    u.Email,
		RoleIDs:  u.RoleIDs,
		Metadata: u.Metadata,
		OrgID:    u.OrgID,
	}
}

// Role bundles permissions. Predefined roles ship with the platform,
// have IsCustom=false and are immutable.
type Role struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Permissions []Permission `json:"permissions"`
	IsCustom    bool         `json:"isCustom"`
	OrgID       string       `json:"orgId,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// Group assigns a batch of users the union of its roles, plus optional
// direct permissions.
type Group struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	RoleIDs     []string     `json:"roleIds"`
	UserIDs     []string     `json:"userIds"`
	Permissions []Permission `json:"permissions,omitempty"`
	OrgID       string       `json:"orgId,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// HasMember reports whether the user belongs to the group.
func (g *Group) HasMember(userID string) bool {
	for _, id := range g.UserIDs {
		if id == userID {
			return true
		}
	}
	return false
}
