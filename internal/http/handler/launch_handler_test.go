package handler_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/valora-lti/internal/domain"
	"github.com/smallbiznis/valora-lti/internal/http/handler"
	"github.com/smallbiznis/valora-lti/internal/http/middleware"
	"github.com/smallbiznis/valora-lti/internal/lti"
)

type fakeLaunch struct {
	loginErr     error
	lastLogin    lti.LoginRequest
	session      *domain.Session
	completeErr  error
	lastComplete lti.CompleteLoginInput
	deepLink     *lti.DeepLinkingResponse
	deepLinkErr  error
	items        []lti.ContentItem
	keys         jose.JSONWebKeySet
}

func (f *fakeLaunch) InitiateLogin(_ context.Context, in lti.LoginRequest) (*lti.LoginRedirect, error) {
	f.lastLogin = in
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	return &lti.LoginRedirect{URL: "https://lms.example.edu/auth/login?state=s1&nonce=n1", State: "s1", Nonce: "n1"}, nil
}

func (f *fakeLaunch) CompleteLogin(_ context.Context, in lti.CompleteLoginInput) (*domain.Session, error) {
	f.lastComplete = in
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	return f.session, nil
}

func (f *fakeLaunch) BuildDeepLinkingResponse(_ context.Context, _ *domain.Session, items []lti.ContentItem) (*lti.DeepLinkingResponse, error) {
	f.items = items
	if f.deepLinkErr != nil {
		return nil, f.deepLinkErr
	}
	return f.deepLink, nil
}

func (f *fakeLaunch) PublishJWKS() jose.JSONWebKeySet {
	return f.keys
}

type fakeResolver struct {
	sessions map[string]*domain.Session
}

func (r fakeResolver) ResolveSession(_ context.Context, bearer string) (*domain.Session, error) {
	if s, ok := r.sessions[bearer]; ok {
		return s, nil
	}
	return nil, domain.ErrNotAuthenticated
}

func testSession(messageType, target string) *domain.Session {
	contextID := "ctx-1"
	created := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	return &domain.Session{
		ID:         1001,
		PlatformID: 42,
		LTIUserID:  "user-1",
		ContextID:  &contextID,
		Claims: map[string]any{
			lti.ClaimMessageType:   messageType,
			lti.ClaimTargetLinkURI: target,
			lti.ClaimDeploymentID:  "dep-1",
			lti.ClaimRoles:         []any{"http://purl.imsglobal.org/vocab/lis/v2/membership#Learner"},
		},
		Token:     "session-token",
		CreatedAt: created,
		ExpiresAt: created.Add(8 * time.Hour),
	}
}

func newLaunchEngine(svc *fakeLaunch) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := handler.NewLaunchHandler(svc, "lti_session", "https://tool.example.com/")
	auth := &middleware.Auth{
		Sessions:   fakeResolver{sessions: map[string]*domain.Session{"session-token": svc.session}},
		CookieName: "lti_session",
	}

	r := gin.New()
	r.GET("/lti/login", h.Login)
	r.POST("/lti/login", h.Login)
	r.POST("/lti/launch", h.Launch)
	r.GET("/lti/session", auth.RequireSession, h.Session)
	r.POST("/lti/deep-linking/response", auth.RequireSession, h.DeepLinkingResponse)
	r.GET("/.well-known/jwks.json", h.JWKS)
	return r
}

func postForm(r http.Handler, path string, form url.Values, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestLoginRedirectsToPlatform(t *testing.T) {
	svc := &fakeLaunch{}
	r := newLaunchEngine(svc)

	req := httptest.NewRequest(http.MethodGet, "/lti/login?iss=https%3A%2F%2Flms.example.edu&login_hint=h1&client_id=tool-123&target_link_uri=https%3A%2F%2Ftool.example.com%2Fa&lti_message_hint=m1&lti_deployment_id=dep-1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusFound, w.Code)
	require.Equal(t, "https://lms.example.edu/auth/login?state=s1&nonce=n1", w.Header().Get("Location"))
	require.Equal(t, lti.LoginRequest{
		Issuer:         "https://lms.example.edu",
		ClientID:       "tool-123",
		LoginHint:      "h1",
		TargetLinkURI:  "https://tool.example.com/a",
		LTIMessageHint: "m1",
		DeploymentID:   "dep-1",
	}, svc.lastLogin)
}

func TestLoginAcceptsFormPost(t *testing.T) {
	svc := &fakeLaunch{}
	r := newLaunchEngine(svc)

	w := postForm(r, "/lti/login", url.Values{"iss": {"https://lms.example.edu"}, "login_hint": {"h1"}, "client_id": {"tool-123"}}, nil)
	require.Equal(t, http.StatusFound, w.Code)
	require.Equal(t, "h1", svc.lastLogin.LoginHint)
}

func TestLoginErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		body   string
	}{
		{fmt.Errorf("%w: untrusted", domain.ErrLaunchRejected), http.StatusUnauthorized, `{"error":"launch_rejected"}`},
		{fmt.Errorf("%w: iss required", domain.ErrInvalidRequest), http.StatusBadRequest, `{"error":"invalid_request","error_description":"lti: invalid request: iss required"}`},
		{fmt.Errorf("redis down"), http.StatusInternalServerError, `{"error":"server_error","error_description":"Internal server error."}`},
	}
	for _, tc := range cases {
		r := newLaunchEngine(&fakeLaunch{loginErr: tc.err})
		req := httptest.NewRequest(http.MethodGet, "/lti/login?iss=x", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		require.Equal(t, tc.status, w.Code)
		require.JSONEq(t, tc.body, w.Body.String())
	}
}

func TestLaunchReturnsSessionJSON(t *testing.T) {
	svc := &fakeLaunch{session: testSession(lti.MessageTypeResourceLink, "https://tool.example.com/course/1")}
	r := newLaunchEngine(svc)

	w := postForm(r, "/lti/launch", url.Values{"id_token": {"jwt"}, "state": {"s1"}}, map[string]string{"Accept": "application/json"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, lti.CompleteLoginInput{IDToken: "jwt", State: "s1"}, svc.lastComplete)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "session-token", body["session_token"])
	require.Equal(t, "2026-05-01T17:00:00Z", body["expires_at"])
	session := body["session"].(map[string]any)
	require.Equal(t, "1001", session["id"])
	require.Equal(t, "ctx-1", session["context_id"])
	require.Equal(t, "dep-1", session["deployment_id"])

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, "lti_session", cookies[0].Name)
	require.Equal(t, "session-token", cookies[0].Value)
	require.True(t, cookies[0].HttpOnly)
	require.False(t, cookies[0].Secure)
}

func TestLaunchRedirectsBrowserToToolTarget(t *testing.T) {
	svc := &fakeLaunch{session: testSession(lti.MessageTypeResourceLink, "https://tool.example.com/course/1")}
	r := newLaunchEngine(svc)

	w := postForm(r, "/lti/launch", url.Values{"id_token": {"jwt"}, "state": {"s1"}}, map[string]string{"X-Forwarded-Proto": "https"})
	require.Equal(t, http.StatusSeeOther, w.Code)
	require.Equal(t, "https://tool.example.com/course/1", w.Header().Get("Location"))

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	require.True(t, cookies[0].Secure)
	require.Equal(t, http.SameSiteNoneMode, cookies[0].SameSite)
}

func TestLaunchDoesNotRedirectOffTool(t *testing.T) {
	svc := &fakeLaunch{session: testSession(lti.MessageTypeResourceLink, "https://tool.example.com.evil.test/phish")}
	r := newLaunchEngine(svc)

	w := postForm(r, "/lti/launch", url.Values{"id_token": {"jwt"}, "state": {"s1"}}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, w.Header().Get("Location"))
}

func TestLaunchRejected(t *testing.T) {
	svc := &fakeLaunch{completeErr: fmt.Errorf("%w: nonce_replay", domain.ErrLaunchRejected)}
	r := newLaunchEngine(svc)

	w := postForm(r, "/lti/launch", url.Values{"id_token": {"jwt"}, "state": {"s1"}}, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.JSONEq(t, `{"error":"launch_rejected"}`, w.Body.String())
	require.Empty(t, w.Result().Cookies())
}

func TestSessionEndpoint(t *testing.T) {
	svc := &fakeLaunch{session: testSession(lti.MessageTypeResourceLink, "")}
	r := newLaunchEngine(svc)

	req := httptest.NewRequest(http.MethodGet, "/lti/session", nil)
	req.Header.Set("Authorization", "Bearer session-token")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"lti_user_id":"user-1"`)

	req = httptest.NewRequest(http.MethodGet, "/lti/session", nil)
	req.AddCookie(&http.Cookie{Name: "lti_session", Value: "session-token"})
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/lti/session", nil)
	req.Header.Set("Authorization", "Bearer expired")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.JSONEq(t, `{"error":"not_authenticated"}`, w.Body.String())
}

func deepLinkRequest(r http.Handler, body string, accept string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/lti/deep-linking/response", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer session-token")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestDeepLinkingResponse(t *testing.T) {
	svc := &fakeLaunch{
		session:  testSession(lti.MessageTypeDeepLinkingRequest, ""),
		deepLink: &lti.DeepLinkingResponse{JWT: "signed.jwt.value", ReturnURL: "https://lms.example.edu/deep_links/return"},
	}
	r := newLaunchEngine(svc)

	w := deepLinkRequest(r, `{"content_items":[{"type":"ltiResourceLink","title":"Chapter 1"}]}`, "application/json")
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"jwt":"signed.jwt.value","return_url":"https://lms.example.edu/deep_links/return"}`, w.Body.String())
	require.Len(t, svc.items, 1)
	require.Equal(t, "Chapter 1", svc.items[0]["title"])

	w = deepLinkRequest(r, `{"content_items":[]}`, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Header().Get("Content-Type"), "text/html")
	require.Contains(t, w.Body.String(), `action="https://lms.example.edu/deep_links/return"`)
	require.Contains(t, w.Body.String(), `name="JWT" value="signed.jwt.value"`)
}

func TestDeepLinkingResponseErrors(t *testing.T) {
	svc := &fakeLaunch{session: testSession(lti.MessageTypeResourceLink, ""), deepLinkErr: domain.ErrNotDeepLinking}
	r := newLaunchEngine(svc)

	w := deepLinkRequest(r, `{"content_items":[]}`, "application/json")
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "not_deep_linking")

	w = deepLinkRequest(r, `{"content_items":"nope"}`, "application/json")
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "invalid_request")
}

func TestDeepLinkingResponseRequiresJSONBody(t *testing.T) {
	svc := &fakeLaunch{
		session:  testSession(lti.MessageTypeDeepLinkingRequest, ""),
		deepLink: &lti.DeepLinkingResponse{JWT: "signed.jwt.value", ReturnURL: "https://lms.example.edu/deep_links/return"},
	}
	r := newLaunchEngine(svc)

	for _, contentType := range []string{"text/plain", "application/x-www-form-urlencoded", "multipart/form-data; boundary=x"} {
		req := httptest.NewRequest(http.MethodPost, "/lti/deep-linking/response",
			strings.NewReader(`{"content_items":[{"url":"https://evil.example/x"}]}`))
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Authorization", "Bearer session-token")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		require.Equal(t, http.StatusUnsupportedMediaType, w.Code, contentType)
		require.Contains(t, w.Body.String(), "unsupported_media_type")
	}
	require.Nil(t, svc.items)

	req := httptest.NewRequest(http.MethodPost, "/lti/deep-linking/response",
		strings.NewReader(`{"content_items":[{"title":"Chapter 2"}]}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer session-token")
	req.Header.Set("Accept", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, svc.items, 1)
}

func TestJWKSEndpoint(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	svc := &fakeLaunch{keys: jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key: &key.PublicKey, KeyID: "tool-key", Algorithm: string(jose.RS256), Use: "sig",
	}}}}
	r := newLaunchEngine(svc)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var set jose.JSONWebKeySet
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &set))
	require.Len(t, set.Key("tool-key"), 1)
	require.True(t, set.Keys[0].IsPublic())
	require.NotContains(t, w.Body.String(), `"d"`)
}
