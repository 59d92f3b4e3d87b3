package security

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// RoleAdmin is the realm role allowed to run operator actions.
const RoleAdmin = "admin"

const principalKey = "principal"

type KeycloakClaims struct {
	Azp               string `json:"azp"`
	PreferredUsername string `json:"preferred_username"`
	Email             string `json:"email"`
	EmailVerified     bool   `json:"email_verified"`
	RealmAccess       struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller. Subject is the stable owner id.
type Principal struct {
	Subject  string
	Username string
	Email    string
	Roles    []string
}

func (p Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

// SetPrincipal stores the caller on the request context.
func SetPrincipal(c *gin.Context, p Principal) {
	c.Set(principalKey, p)
}

// PrincipalFrom returns the caller stored by the auth middleware.
func PrincipalFrom(c *gin.Context) (Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

type Authenticator struct {
	keyfunc  jwt.Keyfunc
	clientID string
	jwks     *keyfunc.JWKS
}

// NewAuthenticator fetches the realm's JWKS and keeps it refreshed.
func NewAuthenticator(jwksURL, clientID string, logger *zap.Logger) (*Authenticator, error) {
	// Create JWKS client with auto-refresh
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		RefreshInterval:  time.Hour,
		RefreshTimeout:   10 * time.Second,
		RefreshRateLimit: time.Minute * 5,
		RefreshErrorHandler: func(err error) {
			logger.Warn("error refreshing JWKS", zap.Error(err))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS client: %w", err)
	}
	return &Authenticator{keyfunc: jwks.Keyfunc, clientID: clientID, jwks: jwks}, nil
}

// NewAuthenticatorWithKeyfunc validates tokens against a fixed key source.
func NewAuthenticatorWithKeyfunc(kf jwt.Keyfunc, clientID string) *Authenticator {
	return &Authenticator{keyfunc: kf, clientID: clientID}
}

// Close stops the background JWKS refresh.
func (a *Authenticator) Close() {
	if a.jwks != nil {
		a.jwks.EndBackground()
	}
}

// Middleware validates the bearer token and stores the Principal.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Extract token from Authorization header
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			return
		}

		// Check for Bearer prefix
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header format"})
			return
		}

		// Parse and validate JWT; expiry is checked by the parser
		token, err := jwt.ParseWithClaims(parts[1], &KeycloakClaims{}, a.keyfunc)
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": fmt.Sprintf("Invalid token: %v", err)})
			return
		}

		claims, ok := token.Claims.(*KeycloakClaims)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Failed to extract claims"})
			return
		}

		// Validate audience (client ID)
		if claims.Azp != a.clientID {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid audience"})
			return
		}
		if claims.Subject == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Token has no subject"})
			return
		}

		SetPrincipal(c, Principal{
			Subject:  claims.Subject,
			Username: claims.PreferredUsername,
			Email:    claims.Email,
			Roles:    claims.RealmAccess.Roles,
		})
		c.Next()
	}
}

// RequireRole rejects callers without the realm role.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := PrincipalFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}
		if !p.HasRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": fmt.Sprintf("Role %q required", role)})
			return
		}
		c.Next()
	}
}
