package middleware

import (
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/yoockh/demoforge/internal/models"
	"github.com/yoockh/demoforge/internal/utils"
)

const (
	CtxUserID    = "user_id"
	CtxRole      = "role"
	CtxPrincipal = "principal"
)

type apiError struct {
	Success bool       `json:"success"`
	Code    utils.Code `json:"code"`
	Message string     `json:"message"`
}

func abort(c *gin.Context, status int, code utils.Code, msg string) {
	c.AbortWithStatusJSON(status, apiError{Code: code, Message: msg})
}

// JWTConfig holds the Supabase verification settings. Issuer and Audience are optional.
type JWTConfig struct {
	Secret   string
	Issuer   string
	Audience string
}

type supabaseClaims struct {
	jwt.RegisteredClaims
	Role        string         `json:"role"`         // "authenticated" / "anon"
	AppMetadata map[string]any `json:"app_metadata"` // {"role":"admin"} for operators
}

func (c *supabaseClaims) appRole() models.UserRole {
	if v, ok := c.AppMetadata["role"].(string); ok && strings.TrimSpace(v) != "" {
		return models.UserRole(strings.ToLower(strings.TrimSpace(v)))
	}
	return models.RoleUser
}

func JWTAuth(cfg JWTConfig) gin.HandlerFunc {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	return func(c *gin.Context) {
		if cfg.Secret == "" {
			abort(c, http.StatusInternalServerError, utils.CodeInternal, "SUPABASE_JWT_SECRET is not set")
			return
		}

		raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		raw = strings.TrimSpace(raw)
		if !ok || raw == "" {
			abort(c, http.StatusUnauthorized, utils.CodeUnauthorized, "missing bearer token")
			return
		}

		claims := &supabaseClaims{}
		tok, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
			return []byte(cfg.Secret), nil
		}, opts...)
		if err != nil || tok == nil || !tok.Valid {
			abort(c, http.StatusUnauthorized, utils.CodeUnauthorized, "invalid token")
			return
		}

		if cfg.Audience != "" && !slices.Contains(claims.Audience, cfg.Audience) {
			abort(c, http.StatusUnauthorized, utils.CodeUnauthorized, "invalid token audience")
			return
		}

		// Supabase user UUID is in "sub"
		if claims.Subject == "" {
			abort(c, http.StatusUnauthorized, utils.CodeUnauthorized, "missing subject")
			return
		}

		p := models.Principal{UserID: claims.Subject, Role: claims.appRole()}
		c.Set(CtxUserID, p.UserID)
		c.Set(CtxRole, string(p.Role))
		c.Set(CtxPrincipal, p)
		c.Next()
	}
}

// PrincipalFrom returns the caller stored by JWTAuth.
func PrincipalFrom(c *gin.Context) (models.Principal, bool) {
	v, ok := c.Get(CtxPrincipal)
	if !ok {
		return models.Principal{}, false
	}
	p, ok := v.(models.Principal)
	return p, ok && p.UserID != ""
}
