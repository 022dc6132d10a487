package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/foundryworks/capiforge/internal/platform/ctxutil"
	"github.com/foundryworks/capiforge/internal/platform/logger"
)

// Auth implements the optional bearer-token boundary from spec §6.2: when
// enabled, the identity extracted from the token becomes the job owner and
// is the filter for history/stats/delete; when disabled, every request
// shares a single synthetic owner.
type Auth struct {
	log     *logger.Logger
	enabled bool
	secret  []byte
	claim   string
	shared  string
}

const defaultSharedOwner = "shared"

func NewAuth(log *logger.Logger, enabled bool, jwtSecret, ownerClaim string) *Auth {
	claim := strings.TrimSpace(ownerClaim)
	if claim == "" {
		claim = "sub"
	}
	return &Auth{
		log:     log.With("middleware", "Auth"),
		enabled: enabled,
		secret:  []byte(jwtSecret),
		claim:   claim,
		shared:  defaultSharedOwner,
	}
}

// RequireOwner resolves the request's owner id (via JWT when auth is
// enabled, or the shared synthetic owner otherwise) and attaches it to the
// request context. It never rejects a request for missing auth when AUTH_ENABLED
// is false.
func (a *Auth) RequireOwner() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.enabled {
			c.Request = c.Request.WithContext(ctxutil.WithOwnerData(c.Request.Context(), &ctxutil.OwnerData{OwnerID: a.shared}))
			c.Next()
			return
		}

		tokenString := extractBearerToken(c)
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "missing bearer token", "code": "unauthorized"},
			})
			return
		}

		owner, err := a.ownerFromToken(tokenString)
		if err != nil || owner == "" {
			a.log.Warn("rejected request with invalid bearer token", "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "invalid token", "code": "unauthorized"},
			})
			return
		}

		c.Request = c.Request.WithContext(ctxutil.WithOwnerData(c.Request.Context(), &ctxutil.OwnerData{OwnerID: owner}))
		c.Next()
	}
}

func (a *Auth) ownerFromToken(tokenString string) (string, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return "", err
	}
	v, ok := claims[a.claim]
	if !ok {
		return "", nil
	}
	s, _ := v.(string)
	return strings.TrimSpace(s), nil
}

func extractBearerToken(c *gin.Context) string {
	if q := c.Query("token"); q != "" {
		return q
	}
	header := c.GetHeader("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// OwnerFromContext reads the owner id attached by RequireOwner, falling back
// to the shared owner when absent (e.g. in tests that bypass the middleware).
func OwnerFromContext(c *gin.Context) string {
	if od := ctxutil.GetOwnerData(c.Request.Context()); od != nil && od.OwnerID != "" {
		return od.OwnerID
	}
	return defaultSharedOwner
}
