package authapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newFakeGitHub(t *testing.T) (*httptest.Server, *githubProvider) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"gho_test","token_type":"bearer"}`))
	})
	mux.HandleFunc("/user", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":42,"login":"hubber","email":"","avatar_url":"https://example.com/a.png"}`))
	})
	mux.HandleFunc("/user/emails", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"email":"old@example.com","primary":false,"verified":true},
			{"email":"hubber@example.com","primary":true,"verified":true}
		]`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	p := &githubProvider{
		oauth: oauth2.Config{
			ClientID:     "cid",
			ClientSecret: "secret",
			RedirectURL:  "http://localhost/auth/oauth/github/callback",
			Endpoint: oauth2.Endpoint{
				AuthURL:  srv.URL + "/authorize",
				TokenURL: srv.URL + "/token",
			},
			Scopes: []string{"read:user", "user:email"},
		},
		apiBase: srv.URL,
	}
	return srv, p
}

func TestGitHubExchangeFallsBackToPrimaryEmail(t *testing.T) {
	t.Parallel()
	_, p := newFakeGitHub(t)

	profile, err := p.Exchange(context.Background(), "code123")
	require.NoError(t, err)
	assert.Equal(t, "42", profile.ID)
	assert.Equal(t, "hubber", profile.Username)
	assert.Equal(t, "hubber@example.com", profile.Email)
	assert.Equal(t, "https://example.com/a.png", profile.Avatar)
}

func TestGitHubAuthorizationURLCarriesState(t *testing.T) {
	t.Parallel()
	_, p := newFakeGitHub(t)

	u := p.AuthorizationURL("state-xyz")
	assert.Contains(t, u, "state=state-xyz")
	assert.Contains(t, u, "client_id=cid")
}
