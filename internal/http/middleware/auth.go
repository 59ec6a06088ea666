package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	authrepo "github.com/yungbote/rendivia-backend/internal/data/repos/auth"
	"github.com/yungbote/rendivia-backend/internal/platform/ctxutil"
	"github.com/yungbote/rendivia-backend/internal/platform/dbctx"
	"github.com/yungbote/rendivia-backend/internal/platform/logger"
)

const (
	APIKeyPrefix = "rdv_"
	headerAPIKey = "x-api-key"
)

// SessionClaims is the dashboard session token issued by the web app.
type SessionClaims struct {
	TeamID string `json:"team_id,omitempty"`
	PlanID string `json:"plan_id,omitempty"`
	jwt.RegisteredClaims
}

type AuthMiddleware struct {
	log       *logger.Logger
	keys      authrepo.APIKeyRepo
	jwtSecret []byte
	now       func() time.Time
}

func NewAuthMiddleware(baseLog *logger.Logger, keys authrepo.APIKeyRepo, jwtSecret string) *AuthMiddleware {
	return &AuthMiddleware{
		log:       baseLog.With("middleware", "AuthMiddleware"),
		keys:      keys,
		jwtSecret: []byte(jwtSecret),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RequireAuth accepts an API key (Bearer rdv_... or x-api-key) or a session
// JWT and attaches the resulting ctxutil.Principal.
func (am *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		var (
			p   *ctxutil.Principal
			err error
		)
		if raw := extractAPIKey(c); raw != "" {
			p, err = am.fromAPIKey(c, raw)
		} else if token := extractBearer(c); token != "" {
			p, err = am.fromSession(token)
		} else {
			abort(c, http.StatusUnauthorized, "unauthorized", "missing or invalid credentials")
			return
		}
		if err != nil {
			var denied *authDenied
			if errors.As(err, &denied) {
				abort(c, denied.status, denied.code, denied.msg)
				return
			}
			am.log.Warn("Authentication failed", append(ctxutil.LogFields(ctx), "error", err)...)
			abort(c, http.StatusUnauthorized, "unauthorized", "missing or invalid credentials")
			return
		}
		c.Request = c.Request.WithContext(ctxutil.WithPrincipal(ctx, p))
		c.Next()
	}
}

type authDenied struct {
	status int
	code   string
	msg    string
}

func (e *authDenied) Error() string { return e.msg }

func (am *AuthMiddleware) fromAPIKey(c *gin.Context, raw string) (*ctxutil.Principal, error) {
	if am.keys == nil {
		return nil, errors.New("api keys not configured")
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	key, err := am.keys.GetByRawKey(dbc, raw)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, &authDenied{status: http.StatusUnauthorized, code: "unauthorized", msg: "invalid api key"}
	}
	if key.Revoked() {
		return nil, &authDenied{status: http.StatusForbidden, code: "api_key_revoked", msg: "api key has been revoked"}
	}
	if err := am.keys.TouchLastUsed(dbc, key.ID, am.now()); err != nil {
		am.log.Warn("Failed to touch api key", "api_key_id", key.ID, "error", err)
	}
	keyID := key.ID
	return &ctxutil.Principal{
		UserID:    key.UserID,
		TeamID:    key.TeamID,
		PlanID:    key.PlanID,
		APIKeyID:  &keyID,
		ViaAPIKey: true,
	}, nil
}

func (am *AuthMiddleware) fromSession(token string) (*ctxutil.Principal, error) {
	if len(am.jwtSecret) == 0 {
		return nil, errors.New("session auth not configured")
	}
	parsed, err := jwt.ParseWithClaims(token, &SessionClaims{}, func(t *jwt.Token) (interface{}, error) {
		return am.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*SessionClaims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid or expired session token")
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, err
	}
	p := &ctxutil.Principal{UserID: userID, PlanID: claims.PlanID}
	if claims.TeamID != "" {
		teamID, err := uuid.Parse(claims.TeamID)
		if err != nil {
			return nil, err
		}
		p.TeamID = &teamID
	}
	return p, nil
}

// SignSession issues a session token; the dashboard and tests use it.
func SignSession(secret string, userID uuid.UUID, teamID *uuid.UUID, planID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		PlanID: planID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if teamID != nil {
		claims.TeamID = teamID.String()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error": gin.H{"message": msg, "code": code},
	})
}

func extractAPIKey(c *gin.Context) string {
	if k := strings.TrimSpace(c.GetHeader(headerAPIKey)); k != "" {
		return k
	}
	if tok := extractBearer(c); strings.HasPrefix(tok, APIKeyPrefix) {
		return tok
	}
	return ""
}

func extractBearer(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return ""
}
