package lti_test

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/smallbiznis/valora-lti/internal/adapter/jwks"
	"github.com/smallbiznis/valora-lti/internal/domain"
	"github.com/smallbiznis/valora-lti/internal/lti"
	"github.com/smallbiznis/valora-lti/internal/telemetry"
)

type serviceFixture struct {
	svc      *lti.LaunchService
	platform *fakePlatform
	now      *time.Time
}

func newServiceFixture(t *testing.T, extra ...lti.Option) *serviceFixture {
	t.Helper()
	now := time.Now().Truncate(time.Second)
	clock := func() time.Time { return now }
	platform := newFakePlatform(t)
	_, c := newTestRedis(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	opts := []lti.Option{lti.WithClock(clock), lti.WithMetrics(telemetry.NewMetrics(true))}
	opts = append(opts, extra...)
	nonceRepo := newMemNonceRepo()
	nonces := lti.NewNonceStore(nonceRepo, 10*time.Minute, opts...)
	keys := lti.NewJWKSCache(c, jwks.NewHTTPFetcher(nil), time.Hour, time.Second, opts...)

	inactive := platform.platform()
	inactive.ID = 43
	inactive.ClientID = "tool-disabled"
	inactive.Active = false

	svc := lti.NewLaunchService(
		&memPlatforms{platforms: []domain.Platform{platform.platform(), inactive}},
		lti.NewStateStore(c, 10*time.Minute, opts...),
		nonces,
		keys,
		lti.NewTokenValidator(keys, nonces, time.Minute, opts...),
		lti.NewSessionManager(newMemSessionRepo(), node, 8*time.Hour, opts...),
		lti.NewResponseSigner(newToolGenerator(t), "https://tool.example.com", 5*time.Minute, opts...),
		"https://tool.example.com/lti/launch",
		opts...,
	)
	return &serviceFixture{svc: svc, platform: platform, now: &now}
}

func (f *serviceFixture) login(t *testing.T) string {
	t.Helper()
	redirect, err := f.svc.InitiateLogin(context.Background(), lti.LoginRequest{
		Issuer:    testIssuer,
		ClientID:  testClientID,
		LoginHint: "hint-1",
	})
	require.NoError(t, err)
	return redirect.State
}

func TestInitiateLoginBuildsAuthorizationRedirect(t *testing.T) {
	f := newServiceFixture(t)

	redirect, err := f.svc.InitiateLogin(context.Background(), lti.LoginRequest{
		Issuer:         testIssuer,
		ClientID:       testClientID,
		LoginHint:      "hint-1",
		LTIMessageHint: "msg-hint",
		TargetLinkURI:  "https://tool.example.com/launch",
	})
	require.NoError(t, err)

	u, err := url.Parse(redirect.URL)
	require.NoError(t, err)
	require.Equal(t, "lms.example.edu", u.Host)
	require.Equal(t, "/auth/login", u.Path)

	q := u.Query()
	require.Equal(t, "openid", q.Get("scope"))
	require.Equal(t, "id_token", q.Get("response_type"))
	require.Equal(t, "form_post", q.Get("response_mode"))
	require.Equal(t, "none", q.Get("prompt"))
	require.Equal(t, testClientID, q.Get("client_id"))
	require.Equal(t, "https://tool.example.com/lti/launch", q.Get("redirect_uri"))
	require.Equal(t, "hint-1", q.Get("login_hint"))
	require.Equal(t, "msg-hint", q.Get("lti_message_hint"))
	require.Equal(t, redirect.State, q.Get("state"))
	require.Equal(t, redirect.Nonce, q.Get("nonce"))
}

func TestInitiateLoginRejectsUnknownAndInactivePlatforms(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.InitiateLogin(context.Background(), lti.LoginRequest{Issuer: "https://unknown.example.com", ClientID: testClientID, LoginHint: "h"})
	require.ErrorIs(t, err, domain.ErrLaunchRejected)

	_, err = f.svc.InitiateLogin(context.Background(), lti.LoginRequest{Issuer: testIssuer, ClientID: "tool-disabled", LoginHint: "h"})
	require.ErrorIs(t, err, domain.ErrLaunchRejected)
	reason, _ := lti.ReasonOf(err)
	require.Equal(t, lti.ReasonUntrustedPlatform, reason)

	_, err = f.svc.InitiateLogin(context.Background(), lti.LoginRequest{Issuer: testIssuer})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestCompleteLoginScenario(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	token := f.platform.sign("k1", launchClaims(*f.now, "n1"))

	session, err := f.svc.CompleteLogin(ctx, lti.CompleteLoginInput{IDToken: token, State: f.login(t)})
	require.NoError(t, err)
	require.Equal(t, "user-1", session.LTIUserID)
	require.Equal(t, int64(42), session.PlatformID)
	require.Equal(t, 8*time.Hour, session.ExpiresAt.Sub(session.CreatedAt))
	require.NotEmpty(t, session.Token)

	// Same token, fresh state: the nonce has already been used.
	_, err = f.svc.CompleteLogin(ctx, lti.CompleteLoginInput{IDToken: token, State: f.login(t)})
	require.ErrorIs(t, err, domain.ErrLaunchRejected)
	reason, _ := lti.ReasonOf(err)
	require.Equal(t, lti.ReasonNonceReplay, reason)
}

func TestCompleteLoginStateIsSingleUse(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	state := f.login(t)

	_, err := f.svc.CompleteLogin(ctx, lti.CompleteLoginInput{IDToken: f.platform.sign("k1", launchClaims(*f.now, "s1")), State: state})
	require.NoError(t, err)

	_, err = f.svc.CompleteLogin(ctx, lti.CompleteLoginInput{IDToken: f.platform.sign("k1", launchClaims(*f.now, "s2")), State: state})
	require.ErrorIs(t, err, domain.ErrLaunchRejected)
	reason, _ := lti.ReasonOf(err)
	require.Equal(t, lti.ReasonInvalidState, reason)
}

func TestCompleteLoginRejectsMismatchedBinding(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.CompleteLogin(context.Background(), lti.CompleteLoginInput{
		IDToken:  f.platform.sign("k1", launchClaims(*f.now, "b1")),
		State:    f.login(t),
		Issuer:   "https://other.example.edu",
		ClientID: testClientID,
	})
	require.ErrorIs(t, err, domain.ErrLaunchRejected)
}

func TestCompleteLoginRejectionsAreUniform(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	bad := launchClaims(*f.now, "u1")
	bad["aud"] = "tool-999"

	inputs := []lti.CompleteLoginInput{
		{IDToken: "", State: f.login(t)},
		{IDToken: f.platform.sign("k1", launchClaims(*f.now, "u0")), State: "missing"},
		{IDToken: f.platform.sign("k1", bad), State: f.login(t)},
		{IDToken: f.platform.sign("k9", launchClaims(*f.now, "u2")), State: f.login(t)},
	}
	for _, in := range inputs {
		_, err := f.svc.CompleteLogin(ctx, in)
		require.ErrorIs(t, err, domain.ErrLaunchRejected)
		require.NotErrorIs(t, err, domain.ErrNotAuthenticated)
	}
}

func TestResolveSession(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	session, err := f.svc.CompleteLogin(ctx, lti.CompleteLoginInput{IDToken: f.platform.sign("k1", launchClaims(*f.now, "r1")), State: f.login(t)})
	require.NoError(t, err)

	resolved, err := f.svc.ResolveSession(ctx, session.Token)
	require.NoError(t, err)
	require.Equal(t, session.ID, resolved.ID)

	_, err = f.svc.ResolveSession(ctx, "")
	require.ErrorIs(t, err, domain.ErrNotAuthenticated)

	*f.now = f.now.Add(8*time.Hour + time.Minute)
	_, err = f.svc.ResolveSession(ctx, session.Token)
	require.ErrorIs(t, err, domain.ErrNotAuthenticated)
	require.NotErrorIs(t, err, domain.ErrLaunchRejected)
}

func TestBuildDeepLinkingResponseFromSession(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	claims := launchClaims(*f.now, "dl1")
	claims[lti.ClaimMessageType] = lti.MessageTypeDeepLinkingRequest
	claims[lti.ClaimDeepLinkingSettings] = map[string]any{
		"deep_link_return_url": "https://lms.example.edu/deep_links/return",
		"data":                 "csrf-abc",
	}
	session, err := f.svc.CompleteLogin(ctx, lti.CompleteLoginInput{IDToken: f.platform.sign("k1", claims), State: f.login(t)})
	require.NoError(t, err)

	resp, err := f.svc.BuildDeepLinkingResponse(ctx, session, []lti.ContentItem{{"type": "link", "url": "https://tool.example.com/x"}})
	require.NoError(t, err)
	require.Equal(t, "https://lms.example.edu/deep_links/return", resp.ReturnURL)
	require.NotEmpty(t, resp.JWT)

	plain, err := f.svc.CompleteLogin(ctx, lti.CompleteLoginInput{IDToken: f.platform.sign("k1", launchClaims(*f.now, "dl2")), State: f.login(t)})
	require.NoError(t, err)
	_, err = f.svc.BuildDeepLinkingResponse(ctx, plain, nil)
	require.ErrorIs(t, err, domain.ErrNotDeepLinking)
}

func TestRefreshPlatformKeysAfterRotation(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.svc.CompleteLogin(ctx, lti.CompleteLoginInput{IDToken: f.platform.sign("k1", launchClaims(*f.now, "k-a")), State: f.login(t)})
	require.NoError(t, err)

	f.platform.rotate("k2")
	rotated := f.platform.sign("k2", launchClaims(*f.now, "k-b"))
	_, err = f.svc.CompleteLogin(ctx, lti.CompleteLoginInput{IDToken: rotated, State: f.login(t)})
	require.ErrorIs(t, err, domain.ErrLaunchRejected)

	require.NoError(t, f.svc.RefreshPlatformKeys(ctx, 42))

	_, err = f.svc.CompleteLogin(ctx, lti.CompleteLoginInput{IDToken: rotated, State: f.login(t)})
	require.NoError(t, err)
}

func TestMaintenanceSweep(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	deleted, err := f.svc.MaintenanceSweep(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), deleted)

	_, err = f.svc.CompleteLogin(ctx, lti.CompleteLoginInput{IDToken: f.platform.sign("k1", launchClaims(*f.now, "m1")), State: f.login(t)})
	require.NoError(t, err)

	deleted, err = f.svc.MaintenanceSweep(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), deleted)

	*f.now = f.now.Add(11 * time.Minute)
	deleted, err = f.svc.MaintenanceSweep(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)
}

func TestPublishJWKS(t *testing.T) {
	f := newServiceFixture(t)
	set := f.svc.PublishJWKS()
	require.Len(t, set.Keys, 1)
	require.Equal(t, "tool-key", set.Keys[0].KeyID)
}

func TestLaunchServiceRecordsSpansOnInjectedTracer(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	f := newServiceFixture(t, lti.WithTracer(tp.Tracer("lti-test")))
	f.login(t)

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	require.Equal(t, "LaunchService.InitiateLogin", ended[0].Name())
}
