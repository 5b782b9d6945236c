package auth

import (
	"net/http"
	"strings"
	"time"

	"whatsapp-inbox/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

const employeeKey = "employee"

var ErrInvalidToken = errors.New("invalid token")

// Claims is the dashboard session token. Role and areas come from the
// employee record at login time.
type Claims struct {
	Name  string   `json:"name"`
	Role  string   `json:"role"`
	Areas []string `json:"areas"`
	jwt.RegisteredClaims
}

// Employee maps the claims onto the requester.
func (c *Claims) Employee() models.Employee {
	return models.Employee{
		ID:          c.Subject,
		Name:        c.Name,
		Role:        models.Role(c.Role),
		AllotedArea: c.Areas,
	}
}

// IssueToken signs an HS256 token for emp.
func IssueToken(secret string, emp models.Employee, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Name:  emp.Name,
		Role:  string(emp.Role),
		Areas: emp.AllotedArea,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   emp.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken validates an HS256 token and returns its claims.
func ParseToken(secret, token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, errors.Wrap(ErrInvalidToken, err.Error())
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Middleware authenticates the request from "Authorization: Bearer <token>"
// or, for websocket upgrades that cannot set headers, a ?token= parameter.
func Middleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if header := c.GetHeader("Authorization"); header != "" {
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header must be 'Bearer {token}'"})
				return
			}
			token = parts[1]
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header is required"})
			return
		}

		claims, err := ParseToken(secret, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			return
		}

		c.Set(employeeKey, claims.Employee())
		c.Next()
	}
}

// CurrentEmployee returns the authenticated requester. A request that did not
// pass the middleware yields the zero Employee, which every access check
// denies.
func CurrentEmployee(c *gin.Context) models.Employee {
	if v, ok := c.Get(employeeKey); ok {
		if emp, ok := v.(models.Employee); ok {
			return emp
		}
	}
	return models.Employee{}
}

// WithEmployee injects emp directly, for tests and internal tooling.
func WithEmployee(emp models.Employee) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(employeeKey, emp)
		c.Next()
	}
}
