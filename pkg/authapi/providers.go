package authapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	oauthgithub "golang.org/x/oauth2/github"

	"github.com/adcplatform/adc/pkg/errors"
)

// ProviderProfile is the normalized subject an OAuth provider returns.
type ProviderProfile struct {
	ID       string
	Username string
	Email    string
	Avatar   string
}

// Provider is one configured OAuth identity provider.
type Provider interface {
	// Name is the path segment under /auth/oauth/{provider}.
	Name() string
	// AuthorizationURL builds the redirect target carrying the CSRF state.
	AuthorizationURL(state string) string
	// Exchange redeems the callback code and fetches the user profile.
	Exchange(ctx context.Context, code string) (*ProviderProfile, error)
}

// ProviderConfig holds the client credentials of one provider.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// githubProvider authenticates against GitHub's OAuth2 apps API.
type githubProvider struct {
	oauth   oauth2.Config
	apiBase string
}

// NewGitHubProvider creates the GitHub OAuth provider.
func NewGitHubProvider(cfg ProviderConfig) Provider {
	return &githubProvider{
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     oauthgithub.Endpoint,
			Scopes:       []string{"read:user", "user:email"},
		},
		apiBase: "https://api.github.com",
	}
}

func (p *githubProvider) Name() string { return "github" }

func (p *githubProvider) AuthorizationURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

func (p *githubProvider) Exchange(ctx context.Context, code string) (*ProviderProfile, error) {
	token, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, errors.NewAuthenticationError(errors.CodeTokenInvalid, "github code exchange failed")
	}
	client := p.oauth.Client(ctx, token)

	var ghUser struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		Email     string `json:"email"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := getJSON(ctx, client, p.apiBase+"/user", &ghUser); err != nil {
		return nil, err
	}
	email := ghUser.Email
	if email == "" {
		// public profile email is optional; the emails endpoint lists
		// the verified primary one
		var ghEmails []struct {
			Email    string `json:"email"`
			Primary  bool   `json:"primary"`
			Verified bool   `json:"verified"`
		}
		if err := getJSON(ctx, client, p.apiBase+"/user/emails", &ghEmails); err == nil {
			for _, e := range ghEmails {
				if e.Primary && e.Verified {
					email = e.Email
					break
				}
			}
		}
	}
	return &ProviderProfile{
		ID:       fmt.Sprintf("%d", ghUser.ID),
		Username: ghUser.Login,
		Email:    email,
		Avatar:   ghUser.AvatarURL,
	}, nil
}

// googleProvider authenticates through Google's OIDC endpoint and reads
// the subject from a verified ID token.
type googleProvider struct {
	oauth    oauth2.Config
	verifier *oidc.IDTokenVerifier
}

// NewGoogleProvider creates the Google provider. Discovery runs once at
// construction, so it needs network access and a context.
func NewGoogleProvider(ctx context.Context, cfg ProviderConfig) (Provider, error) {
	provider, err := oidc.NewProvider(ctx, "https://accounts.google.com")
	if err != nil {
		return nil, errors.NewDependencyError("google oidc discovery failed", err)
	}
	return &googleProvider{
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		},
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
	}, nil
}

func (p *googleProvider) Name() string { return "google" }

func (p *googleProvider) AuthorizationURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

func (p *googleProvider) Exchange(ctx context.Context, code string) (*ProviderProfile, error) {
	token, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, errors.NewAuthenticationError(errors.CodeTokenInvalid, "google code exchange failed")
	}
	raw, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, errors.NewAuthenticationError(errors.CodeTokenInvalid, "google response carries no id token")
	}
	idToken, err := p.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, errors.NewAuthenticationError(errors.CodeTokenInvalid, "google id token verification failed")
	}
	var claims struct {
		Sub     string `json:"sub"`
		Name    string `json:"name"`
		Email   string `json:"email"`
		Picture string `json:"picture"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, errors.NewInternalError("cannot decode google id token claims", err)
	}
	return &ProviderProfile{
		ID:       claims.Sub,
		Username: claims.Name,
		Email:    claims.Email,
		Avatar:   claims.Picture,
	}, nil
}

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.NewInternalError("cannot build provider request", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return errors.NewDependencyError("provider request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.NewDependencyError(
			fmt.Sprintf("provider returned status %d for %s", resp.StatusCode, url), nil)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.NewInternalError("cannot decode provider response", err)
	}
	return nil
}
