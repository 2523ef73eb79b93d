package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielhendel/oli-sub005/internal/config"
)

var testAuth = config.AuthConfig{JWTSecret: "test-secret-0123456789abcdef", Issuer: "https://id.example", Audience: "oli-api"}

func TestVerify(t *testing.T) {
	v := NewVerifier(testAuth, nil)

	tok, err := IssueToken(testAuth, "user-1", time.Hour)
	require.NoError(t, err)
	user, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "user-1", user)
}

func TestVerify_UserIDClaimWins(t *testing.T) {
	v := NewVerifier(config.AuthConfig{JWTSecret: testAuth.JWTSecret}, nil)
	claims := &Claims{UserID: "from-claim", RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "from-sub",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testAuth.JWTSecret))
	require.NoError(t, err)

	user, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "from-claim", user)
}

func TestVerify_Rejects(t *testing.T) {
	v := NewVerifier(testAuth, nil)

	expired, err := IssueToken(testAuth, "u", -time.Minute)
	require.NoError(t, err)

	otherIssuer := testAuth
	otherIssuer.Issuer = "https://evil.example"
	wrongIss, err := IssueToken(otherIssuer, "u", time.Hour)
	require.NoError(t, err)

	otherAud := testAuth
	otherAud.Audience = "someone-else"
	wrongAud, err := IssueToken(otherAud, "u", time.Hour)
	require.NoError(t, err)

	otherSecret := testAuth
	otherSecret.JWTSecret = "a-different-secret-0123456789"
	wrongKey, err := IssueToken(otherSecret, "u", time.Hour)
	require.NoError(t, err)

	noSubject, err := IssueToken(testAuth, "", time.Hour)
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "u"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"expired":    expired,
		"issuer":     wrongIss,
		"audience":   wrongAud,
		"secret":     wrongKey,
		"no subject": noSubject,
		"alg none":   none,
		"garbage":    "not.a.token",
	} {
		_, err := v.Verify(tok)
		assert.Error(t, err, name)
	}
}

func TestBearerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(BearerMiddleware(NewVerifier(testAuth, nil)))
	r.GET("/me", func(c *gin.Context) { c.String(http.StatusOK, UserID(c)) })

	tok, err := IssueToken(testAuth, "user-1", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"valid", "Bearer " + tok, http.StatusOK},
		{"lowercase scheme", "bearer " + tok, http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + tok, http.StatusUnauthorized},
		{"empty token", "Bearer ", http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "user-1", rec.Body.String())
			} else {
				assert.Contains(t, rec.Body.String(), `"error":"unauthorized"`)
			}
		})
	}
}
