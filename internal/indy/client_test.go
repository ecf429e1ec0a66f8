package indy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{BaseURL: server.URL + "/"})
	require.NoError(t, err)
	return client
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(ClientConfig{BaseURL: "   "})
	require.Error(t, err)
}

func TestLoginSendsPasswordGrant(t *testing.T) {
	var form url.Values
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/token", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		form = r.PostForm
		writeJSON(w, http.StatusOK, `{"access_token":"access-1","refresh_token":"refresh-1","token_type":"bearer","expires_in":3600}`)
	}))

	tokens, err := client.Login(context.Background(), "teacher", "secret")
	require.NoError(t, err)

	assert.Equal(t, "password", form.Get("grant_type"))
	assert.Equal(t, "teacher", form.Get("username"))
	assert.Equal(t, "secret", form.Get("password"))
	for _, key := range []string{"scope", "client_id", "client_secret"} {
		assert.Contains(t, form, key)
		assert.Empty(t, form.Get(key), key)
	}
	assert.Len(t, form, 6)
	assert.Equal(t, "access-1", tokens.AccessToken)
	assert.Equal(t, "refresh-1", tokens.RefreshToken)
	require.NotNil(t, tokens.ExpiresIn)
	assert.Equal(t, int64(3600), *tokens.ExpiresIn)
}

func TestLoginRejectedCredentials(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, `{"detail":"Incorrect username or password"}`)
	}))

	_, err := client.Login(context.Background(), "teacher", "wrong")
	require.ErrorIs(t, err, ErrAuthFailure)
}

func TestLoginWithoutRefreshTokenFails(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"access_token":"access-1","token_type":"bearer"}`)
	}))

	_, err := client.Login(context.Background(), "teacher", "secret")
	require.ErrorIs(t, err, ErrAuthFailure)
}

func TestRefreshPostsJSON(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/refresh", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body refreshRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "refresh-1", body.RefreshToken)
		writeJSON(w, http.StatusOK, `{"access_token":"access-2","token_type":"bearer"}`)
	}))

	tokens, err := client.Refresh(context.Background(), "refresh-1")
	require.NoError(t, err)
	assert.Equal(t, "access-2", tokens.AccessToken)
	assert.Empty(t, tokens.RefreshToken)
	assert.Nil(t, tokens.ExpiresIn)
}

func TestRefreshFailures(t *testing.T) {
	responses := map[string]struct {
		status int
		body   string
	}{
		"rejected":       {status: http.StatusUnauthorized, body: `{"detail":"expired"}`},
		"missing access": {status: http.StatusOK, body: `{"token_type":"bearer"}`},
		"invalid json":   {status: http.StatusOK, body: `not json`},
	}
	for name, response := range responses {
		t.Run(name, func(t *testing.T) {
			client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, response.status, response.body)
			}))
			_, err := client.Refresh(context.Background(), "refresh-1")
			require.ErrorIs(t, err, ErrRefreshFailure)
		})
	}
}

func TestFetchAnonymousOmitsAuthorization(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/hour/", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, `[{"day":"Mo"},{"day":"Mi"}]`)
	}))

	rows, err := client.Fetch(context.Background(), ResourceHours, nil)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.False(t, client.Authenticated())
}

func TestFetchAuthenticatedSendsBearerAndParams(t *testing.T) {
	base := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer access-1", r.Header.Get("Authorization"))
		assert.Equal(t, "2024-03-01", r.URL.Query().Get("start_date"))
		writeJSON(w, http.StatusOK, `[]`)
	}))

	client := base.WithAccessToken("access-1")
	rows, err := client.Fetch(context.Background(), ResourceSpecialSchedule, url.Values{"start_date": {"2024-03-01"}})
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.True(t, client.Authenticated())
	assert.False(t, base.Authenticated())
}

func TestFetchAuthenticatedResourceNeedsToken(t *testing.T) {
	calls := 0
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeJSON(w, http.StatusOK, `[]`)
	}))

	_, err := client.Fetch(context.Background(), ResourceTeachers, nil)
	require.ErrorIs(t, err, ErrUpstream)
	assert.Zero(t, calls)
}

func TestFetchRejectsNonArrayResponses(t *testing.T) {
	bodies := []string{`{"detail":"oops"}`, `null`, `"text"`, ``}
	for _, body := range bodies {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, body)
		}))
		_, err := client.Fetch(context.Background(), ResourceSubjects, nil)
		require.ErrorIs(t, err, ErrUpstream, "body %q", body)
	}
}

func TestFetchReportsHTTPErrors(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, `{"detail":"boom"}`)
	}))

	_, err := client.Fetch(context.Background(), ResourceSubjects, nil)
	require.ErrorIs(t, err, ErrUpstream)
	assert.Contains(t, err.Error(), "http 500")
}
