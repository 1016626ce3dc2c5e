// Package authapi exposes the session lifecycle over HTTP: login,
// registration, cookie-based sessions, refresh rotation, logout, and
// the OAuth browser flows. Handlers translate typed platform errors to
// wire responses at this outermost layer only.
package authapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/adcplatform/adc/pkg/attempts"
	"github.com/adcplatform/adc/pkg/errors"
	"github.com/adcplatform/adc/pkg/geo"
	"github.com/adcplatform/adc/pkg/identity"
	"github.com/adcplatform/adc/pkg/logger"
	"github.com/adcplatform/adc/pkg/tokens"
)

// attemptIDPrefix keys failed logins before a user record is resolved,
// so unknown usernames consume attempt budget like real ones.
const attemptIDPrefix = "login_attempt_"

// refreshRequiredHeader tells the client its access token was sealed
// under a rotated-out key and should be refreshed soon.
const refreshRequiredHeader = "X-Refresh-Required"

// Config tunes the auth surface.
type Config struct {
	// SecureCookies marks every cookie Secure; on in production.
	SecureCookies bool
	// CookieDomain optionally widens the refresh cookie domain.
	CookieDomain string
	// LoginRate/LoginBurst throttle login and register per client IP.
	LoginRate  rate.Limit
	LoginBurst int
}

// Handler serves the /auth routes.
type Handler struct {
	identity  *identity.Service
	tokens    *tokens.Service
	tracker   *attempts.Tracker
	providers map[string]Provider
	limiter   *ipLimiter
	cfg       Config
}

// NewHandler wires the auth surface over the identity and token cores.
func NewHandler(
	id *identity.Service, tok *tokens.Service, tracker *attempts.Tracker,
	providers []Provider, cfg Config,
) *Handler {
	if cfg.LoginRate <= 0 {
		cfg.LoginRate = rate.Every(2 * time.Second)
	}
	if cfg.LoginBurst <= 0 {
		cfg.LoginBurst = 5
	}
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &Handler{
		identity:  id,
		tokens:    tok,
		tracker:   tracker,
		providers: byName,
		limiter:   newIPLimiter(cfg.LoginRate, cfg.LoginBurst),
		cfg:       cfg,
	}
}

// Router mounts the auth routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/login", h.login)
	r.Post("/register", h.register)
	r.Get("/session", h.session)
	r.Post("/refresh", h.refresh)
	r.Post("/logout", h.logout)
	r.Get("/oauth/{provider}", h.oauthStart)
	r.Get("/oauth/{provider}/callback", h.oauthCallback)
	return r
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	OrgID    string `json:"orgId,omitempty"`
	DeviceID string `json:"deviceId,omitempty"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.limiter.allow(clientIP(r)) {
		writeRateLimited(w)
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.NewValidationError("malformed request body", err))
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, errors.NewValidationError("username and password are required", nil))
		return
	}

	tentativeID := attemptIDPrefix + req.Username
	if status, err := h.tracker.Check(ctx, tentativeID); err == nil && status.Blocked {
		writeError(w, status.Err())
		return
	}

	user, err := h.identity.Users().VerifyCredentials(ctx, req.Username, req.Password)
	if err != nil {
		if errors.IsAuthentication(err) {
			if status, terr := h.tracker.RecordLoginFailure(ctx, tentativeID); terr == nil && status.Blocked {
				writeError(w, status.Err())
				return
			}
		}
		writeError(w, err)
		return
	}

	if status, err := h.tracker.Check(ctx, user.ID); err == nil && status.Blocked {
		writeError(w, status.Err())
		return
	}

	orgs := userOrgs(user)
	orgID := req.OrgID
	switch {
	case len(orgs) > 1 && orgID == "":
		writeError(w, errors.NewValidationError("organization must be chosen", nil).
			WithCode(errors.CodeOrgChoiceRequired).
			WithData("organizations", orgs))
		return
	case orgID == "" && len(orgs) == 1:
		orgID = orgs[0]
	case orgID != "" && len(orgs) > 0 && !contains(orgs, orgID):
		writeError(w, errors.NewValidationError("user does not belong to the organization", nil))
		return
	}

	if err := h.tracker.RecordLoginSuccess(ctx, tentativeID); err != nil {
		logger.Warnw("cannot reset login attempts", "error", err)
	}
	if err := h.tracker.RecordLoginSuccess(ctx, user.ID); err != nil {
		logger.Warnw("cannot reset login attempts", "user_id", user.ID, "error", err)
	}

	pair, err := h.issuePair(ctx, user.ID, orgID, deviceInfo(r, req.DeviceID))
	if err != nil {
		writeError(w, err)
		return
	}
	h.setAuthCookies(w, pair.AccessToken, pair.RefreshToken)
	writeJSON(w, http.StatusOK, map[string]any{"user": user.Profile()})
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	DeviceID string `json:"deviceId,omitempty"`
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.limiter.allow(clientIP(r)) {
		writeRateLimited(w)
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.NewValidationError("malformed request body", err))
		return
	}
	user, err := h.identity.Users().Create(ctx, identity.CreateUserInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	}, "")
	if err != nil {
		writeError(w, err)
		return
	}

	pair, err := h.issuePair(ctx, user.ID, "", deviceInfo(r, req.DeviceID))
	if err != nil {
		writeError(w, err)
		return
	}
	h.setAuthCookies(w, pair.AccessToken, pair.RefreshToken)
	writeJSON(w, http.StatusCreated, map[string]any{"user": user.Profile()})
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) {
	access := cookieValue(r, accessCookie)
	if access == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	sess, err := h.tokens.VerifyAccessToken(access)
	if err != nil {
		writeError(w, err)
		return
	}
	if sess.UsedPreviousKey {
		w.Header().Set(refreshRequiredHeader, "true")
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"user": map[string]any{
			"id":          sess.Claims.UserID,
			"username":    sess.Claims.Metadata.Username,
			"email":       sess.Claims.Metadata.Email,
			"orgId":       sess.Claims.Metadata.OrgID,
			"permissions": sess.Claims.Permissions,
		},
	})
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	refresh := cookieValue(r, refreshCookie)
	if refresh == "" {
		writeError(w, errors.NewAuthenticationError(
			errors.CodeRefreshTokenNotFound, "no refresh token"))
		return
	}

	owner, _ := h.tokens.TokenOwner(ctx, refresh)
	if owner != "" {
		if status, err := h.tracker.Check(ctx, owner); err == nil && status.Blocked {
			h.clearAuthCookies(w)
			writeError(w, status.Err())
			return
		}
	}

	pair, err := h.tokens.RefreshTokens(ctx, refresh, deviceInfo(r, ""), h.identity)
	if err != nil {
		if owner != "" && (errors.IsAuthentication(err) || errors.IsIntegrity(err)) {
			if status, terr := h.tracker.RecordRefreshFailure(ctx, owner); terr == nil && status.Blocked {
				h.clearAuthCookies(w)
				writeError(w, status.Err())
				return
			}
		}
		if errors.CodeOf(err) == errors.CodeRequireRelogin {
			h.clearAuthCookies(w)
		}
		writeError(w, err)
		return
	}
	h.setAuthCookies(w, pair.AccessToken, pair.RefreshToken)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	if refresh := cookieValue(r, refreshCookie); refresh != "" {
		if err := h.tokens.Logout(r.Context(), refresh); err != nil && !errors.IsAuthentication(err) {
			writeError(w, err)
			return
		}
	}
	h.clearAuthCookies(w)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) oauthStart(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.providers[chi.URLParam(r, "provider")]
	if !ok {
		writeError(w, errors.NewNotFoundError("unknown oauth provider", nil))
		return
	}
	state := uuid.NewString()
	origin := r.URL.Query().Get("redirect")
	if origin == "" || !strings.HasPrefix(origin, "/") {
		origin = "/"
	}
	h.setOAuthCookies(w, state, origin)
	http.Redirect(w, r, provider.AuthorizationURL(state), http.StatusFound)
}

func (h *Handler) oauthCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	provider, ok := h.providers[chi.URLParam(r, "provider")]
	if !ok {
		writeError(w, errors.NewNotFoundError("unknown oauth provider", nil))
		return
	}

	state := r.URL.Query().Get("state")
	if state == "" || state != cookieValue(r, stateCookie) {
		h.clearOAuthCookies(w)
		writeError(w, errors.NewAuthenticationError(
			errors.CodeStateMismatch, "oauth state mismatch"))
		return
	}
	origin := cookieValue(r, originCookie)
	if origin == "" || !strings.HasPrefix(origin, "/") {
		origin = "/"
	}
	h.clearOAuthCookies(w)

	profile, err := provider.Exchange(ctx, r.URL.Query().Get("code"))
	if err != nil {
		writeError(w, err)
		return
	}

	user, err := h.linkOrCreate(ctx, provider.Name(), profile)
	if err != nil {
		writeError(w, err)
		return
	}
	pair, err := h.issuePair(ctx, user.ID, user.OrgID, deviceInfo(r, ""))
	if err != nil {
		writeError(w, err)
		return
	}
	h.setAuthCookies(w, pair.AccessToken, pair.RefreshToken)
	http.Redirect(w, r, origin, http.StatusFound)
}

// linkOrCreate maps an OAuth profile to a local account: by recorded
// provider id first, then by email (recording the provider id), else a
// new account with a random password and default capabilities.
func (h *Handler) linkOrCreate(
	ctx context.Context, providerName string, profile *ProviderProfile,
) (*identity.User, error) {
	users := h.identity.Users()

	user, err := users.GetByProviderID(ctx, providerName, profile.ID)
	if err == nil {
		return user, nil
	}
	if !errors.IsNotFound(err) {
		return nil, err
	}

	if profile.Email != "" {
		user, err = users.GetByEmail(ctx, profile.Email)
		if err == nil {
			if lerr := users.LinkProvider(ctx, user.ID, providerName, profile.ID); lerr != nil {
				return nil, lerr
			}
			return user, nil
		}
		if !errors.IsNotFound(err) {
			return nil, err
		}
	}

	username := profile.Username
	if username == "" {
		username = providerName + "-" + profile.ID
	}
	password, err := identity.RandomPassword()
	if err != nil {
		return nil, err
	}
	metadata := map[string]string{
		"provider":          providerName,
		providerName + "Id": profile.ID,
	}
	if profile.Avatar != "" {
		metadata["avatar"] = profile.Avatar
	}
	user, err = users.Create(ctx, identity.CreateUserInput{
		Username: username,
		Password: password,
		Email:    profile.Email,
		Metadata: metadata,
	}, "")
	if err != nil && errors.CodeOf(err) == errors.CodeDuplicateUsername {
		// provider usernames are not unique across providers
		user, err = users.Create(ctx, identity.CreateUserInput{
			Username: username + "-" + profile.ID,
			Password: password,
			Email:    profile.Email,
			Metadata: metadata,
		}, "")
	}
	return user, err
}

// issuePair resolves the user's permissions for the chosen org and
// mints a cookie pair.
func (h *Handler) issuePair(
	ctx context.Context, userID, orgID string, device tokens.DeviceInfo,
) (*tokens.Pair, error) {
	subject, err := h.identity.LookupTokenUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if orgID != "" && orgID != subject.Metadata.OrgID {
		resolved, err := h.identity.ResolvePermissions(ctx, userID, orgID)
		if err != nil {
			return nil, err
		}
		subject.Permissions = identity.PermissionStrings(resolved)
		subject.Metadata.OrgID = orgID
	}
	return h.tokens.CreateTokenPair(ctx, subject, device)
}

func deviceInfo(r *http.Request, deviceID string) tokens.DeviceInfo {
	return tokens.DeviceInfo{
		DeviceID:  deviceID,
		IPAddress: clientIP(r),
		Country:   geo.FromRequest(r),
		UserAgent: r.UserAgent(),
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// userOrgs lists the organizations a user belongs to: the "orgs"
// metadata entry (comma separated) when present, else the single orgId.
func userOrgs(user *identity.User) []string {
	if raw, ok := user.Metadata["orgs"]; ok && raw != "" {
		parts := strings.Split(raw, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	if user.OrgID != "" {
		return []string{user.OrgID}
	}
	return nil
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
