package middleware

import (
	"context"
	"net/http"
	"net/url"
	"time"

	jwtmiddleware "github.com/auth0/go-jwt-middleware/v2"
	"github.com/auth0/go-jwt-middleware/v2/jwks"
	"github.com/auth0/go-jwt-middleware/v2/validator"
	"github.com/gin-gonic/gin"
	adapter "github.com/gwatts/gin-adapter"
)

const (
	// RoleDriver and RoleOperator come from the roles claim. A token
	// without either is a customer.
	RoleDriver   = "driver"
	RoleOperator = "operator"

	userIDKey = "user_id"
	rolesKey  = "user_roles"
)

// CustomClaims carries the app-specific role claim from the JWT.
type CustomClaims struct {
	Roles []string `json:"https://openride.example.com/roles"`
}

func (c *CustomClaims) Validate(_ context.Context) error {
	return nil
}

// Auth validates bearer tokens against the tenant's JWKS.
func Auth(domain, audience string) (gin.HandlerFunc, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, err
	}

	provider := jwks.NewCachingProvider(issuerURL, 5*time.Minute)
	jwtValidator, err := validator.New(
		provider.KeyFunc,
		validator.RS256,
		issuerURL.String(),
		[]string{audience},
		validator.WithCustomClaims(func() validator.CustomClaims {
			return &CustomClaims{}
		}),
	)
	if err != nil {
		return nil, err
	}

	mw := jwtmiddleware.New(jwtValidator.ValidateToken)
	return adapter.Wrap(mw.CheckJWT), nil
}

// Identity copies the validated subject and roles into the gin context so
// handlers and the acceptance fake share one lookup path.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := c.Request.Context().Value(jwtmiddleware.ContextKey{}).(*validator.ValidatedClaims)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		c.Set(userIDKey, claims.RegisteredClaims.Subject)
		if custom, ok := claims.CustomClaims.(*CustomClaims); ok {
			c.Set(rolesKey, custom.Roles)
		}
		c.Next()
	}
}

// GetUserID extracts the subject set by Identity or a test fake.
func GetUserID(c *gin.Context) (string, bool) {
	id, exists := c.Get(userIDKey)
	if !exists {
		return "", false
	}
	return id.(string), true
}

func GetRoles(c *gin.Context) []string {
	roles, exists := c.Get(rolesKey)
	if !exists {
		return nil
	}
	return roles.([]string)
}

func HasRole(c *gin.Context, role string) bool {
	for _, r := range GetRoles(c) {
		if r == role {
			return true
		}
	}
	return false
}

// RequireRole rejects requests whose token lacks the given role.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !HasRole(c, role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
			return
		}
		c.Next()
	}
}

// SetFakeIdentity is the hook acceptance tests use instead of Auth.
func SetFakeIdentity(c *gin.Context, userID string, roles []string) {
	c.Set(userIDKey, userID)
	c.Set(rolesKey, roles)
}
