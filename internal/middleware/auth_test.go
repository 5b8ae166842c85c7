package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tienda/storefront-api/internal/model"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func validClaims(userID uuid.UUID) jwt.MapClaims {
	return jwt.MapClaims{
		"sub":      userID.String(),
		"username": "alice",
		"role":     model.RoleUser,
		"exp":      time.Now().Add(time.Hour).Unix(),
	}
}

func TestParseToken(t *testing.T) {
	userID := uuid.New()
	token := signToken(t, testSecret, validClaims(userID))

	ident, err := ParseToken(testSecret, token)
	require.NoError(t, err)
	assert.Equal(t, userID, ident.UserID)
	assert.Equal(t, "alice", ident.Username)
	assert.Equal(t, model.RoleUser, ident.Role)
}

func TestParseToken_Invalid(t *testing.T) {
	userID := uuid.New()

	_, err := ParseToken(testSecret, "garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)

	// Wrong secret.
	token := signToken(t, "other-secret", validClaims(userID))
	_, err = ParseToken(testSecret, token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// Expired.
	claims := validClaims(userID)
	claims["exp"] = time.Now().Add(-time.Hour).Unix()
	token = signToken(t, testSecret, claims)
	_, err = ParseToken(testSecret, token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// Non-UUID subject.
	claims = validClaims(userID)
	claims["sub"] = "not-a-uuid"
	token = signToken(t, testSecret, claims)
	_, err = ParseToken(testSecret, token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws/chat?token=from-query", nil)
	req.Header.Set("Authorization", "Bearer from-header")
	req.AddCookie(&http.Cookie{Name: "token", Value: "from-cookie"})

	// Header wins over query, query over cookie.
	assert.Equal(t, "from-header", TokenFromRequest(req))

	req.Header.Del("Authorization")
	assert.Equal(t, "from-query", TokenFromRequest(req))

	req = httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
	req.AddCookie(&http.Cookie{Name: "token", Value: "from-cookie"})
	assert.Equal(t, "from-cookie", TokenFromRequest(req))

	req = httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
	assert.Empty(t, TokenFromRequest(req))
}

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	userID := uuid.New()

	router := gin.New()
	router.GET("/me", AuthMiddleware(testSecret), func(c *gin.Context) {
		ident := GetIdentity(c)
		c.JSON(http.StatusOK, gin.H{"username": ident.Username})
	})

	// No credential.
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Valid bearer token.
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, validClaims(userID)))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alice")
}

func TestAdminOnly(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.GET("/admin", AuthMiddleware(testSecret), AdminOnly(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	claims := validClaims(uuid.New())
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, claims))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	claims["role"] = model.RoleAdmin
	req = httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, claims))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
