package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"whatsapp-inbox/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func TestIssueAndParseToken(t *testing.T) {
	emp := models.Employee{ID: "agent1", Name: "Eleni", Role: models.RoleSales, AllotedArea: []string{"athens"}}
	token, err := IssueToken(secret, emp, time.Hour)
	require.NoError(t, err)

	claims, err := ParseToken(secret, token)
	require.NoError(t, err)
	assert.Equal(t, emp, claims.Employee())
}

func TestParseTokenRejects(t *testing.T) {
	emp := models.Employee{ID: "agent1", Role: models.RoleSales}

	expired, err := IssueToken(secret, emp, -time.Minute)
	require.NoError(t, err)
	_, err = ParseToken(secret, expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	wrongKey, err := IssueToken("other", emp, time.Hour)
	require.NoError(t, err)
	_, err = ParseToken(secret, wrongKey)
	assert.ErrorIs(t, err, ErrInvalidToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Role: "SuperAdmin"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = ParseToken(secret, unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func newRouter() *gin.Engine {
	r := gin.New()
	r.GET("/me", Middleware(secret), func(c *gin.Context) {
		c.JSON(http.StatusOK, CurrentEmployee(c))
	})
	return r
}

func TestMiddleware(t *testing.T) {
	token, err := IssueToken(secret, models.Employee{ID: "a1", Role: models.RoleAdvert}, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		url    string
		header string
		want   int
	}{
		{"bearer header", "/me", "Bearer " + token, http.StatusOK},
		{"query token", "/me?token=" + token, "", http.StatusOK},
		{"missing", "/me", "", http.StatusUnauthorized},
		{"bad scheme", "/me", "Basic " + token, http.StatusUnauthorized},
		{"garbage", "/me", "Bearer nope", http.StatusUnauthorized},
	}

	r := newRouter()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestCurrentEmployeeWithoutMiddleware(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.False(t, CurrentEmployee(c).Role.Valid())
}
