package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var testConfig = Config{Secret: "test-secret", Issuer: "fittrack.test"}

func TestParseRoundTrip(t *testing.T) {
	token, err := Issue(testConfig, "user-1", []string{ScopeActivitiesRead, ScopeActivitiesWrite}, time.Hour)
	require.NoError(t, err)

	claims, err := Parse(token, testConfig)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.True(t, claims.HasScope(ScopeActivitiesRead))
	require.True(t, claims.HasScope(ScopeActivitiesWrite))
	require.ElementsMatch(t, []string{ScopeActivitiesRead, ScopeActivitiesWrite}, claims.ScopeList())
}

func TestParseRejectsWrongIssuerAndSecret(t *testing.T) {
	token, err := Issue(Config{Secret: "other", Issuer: testConfig.Issuer}, "user-1", nil, time.Hour)
	require.NoError(t, err)
	_, err = Parse(token, testConfig)
	require.ErrorIs(t, err, ErrInvalidToken)

	token, err = Issue(Config{Secret: testConfig.Secret, Issuer: "someone-else"}, "user-1", nil, time.Hour)
	require.NoError(t, err)
	_, err = Parse(token, testConfig)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseRejectsExpiredAndMissingSubject(t *testing.T) {
	token, err := Issue(testConfig, "user-1", nil, -time.Minute)
	require.NoError(t, err)
	_, err = Parse(token, testConfig)
	require.ErrorIs(t, err, ErrInvalidToken)

	raw := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": testConfig.Issuer,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := raw.SignedString([]byte(testConfig.Secret))
	require.NoError(t, err)
	_, err = Parse(signed, testConfig)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = Parse("  ", testConfig)
	require.ErrorIs(t, err, ErrMissingToken)
}

func TestNormalizeScopesFromString(t *testing.T) {
	scopes := normalizeScopes("activities:read  activities:write")
	require.Len(t, scopes, 2)
}

func TestMiddleware(t *testing.T) {
	var seen *Claims
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	handler := NewMiddleware(testConfig, PublicPaths).Wrap(next)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/tracking/active", nil))
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Contains(t, rr.Body.String(), `"unauthorized"`)

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Nil(t, seen)

	token, err := Issue(testConfig, "user-9", []string{ScopeActivitiesRead}, time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/v1/tracking/active", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, "user-9", seen.Subject)

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/tracking/stream?access_token="+token, nil))
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/activities?access_token="+token, nil))
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}
