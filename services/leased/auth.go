package leased

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"rentflow/lease"
)

type contextKey string

const contextKeyClaims contextKey = "leased_claims"

var roleByClaim = map[string]lease.UserRole{
	"prospective_tenant": lease.RoleProspectiveTenant,
	"tenant":             lease.RoleTenant,
	"landlord":           lease.RoleLandlord,
	"manager":            lease.RoleManager,
}

// Claims is the verified identity attached to a request.
type Claims struct {
	Subject string
	Role    lease.UserRole
}

// Actor converts the claims for the lease service.
func (c *Claims) Actor() lease.Actor {
	return lease.Actor{UserID: c.Subject, Role: c.Role}
}

// Authenticator verifies HS256 bearer tokens issued by the identity service.
type Authenticator struct {
	secret    []byte
	issuer    string
	audience  []string
	roleClaim string
	leeway    time.Duration
	now       func() time.Time
}

// NewAuthenticator validates cfg.
func NewAuthenticator(cfg AuthConfig) (*Authenticator, error) {
	if cfg.HSSecret == "" {
		return nil, errors.New("HS256 secret must not be empty")
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, errors.New("JWT issuer is required")
	}
	audiences := make([]string, 0, len(cfg.Audience))
	for _, aud := range cfg.Audience {
		if trimmed := strings.TrimSpace(aud); trimmed != "" {
			audiences = append(audiences, trimmed)
		}
	}
	if len(audiences) == 0 {
		return nil, errors.New("at least one JWT audience is required")
	}
	roleClaim := strings.TrimSpace(cfg.RoleClaim)
	if roleClaim == "" {
		roleClaim = "role"
	}
	leeway := cfg.MaxSkew.Duration
	if leeway <= 0 {
		leeway = 30 * time.Second
	}
	return &Authenticator{
		secret:    []byte(cfg.HSSecret),
		issuer:    issuer,
		audience:  audiences,
		roleClaim: roleClaim,
		leeway:    leeway,
		now:       time.Now,
	}, nil
}

// Verify parses token and extracts the subject and role.
func (a *Authenticator) Verify(token string) (*Claims, error) {
	mapClaims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, mapClaims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithLeeway(a.leeway),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("token invalid")
	}
	if err := a.checkAudience(mapClaims); err != nil {
		return nil, err
	}
	subject, err := mapClaims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return nil, errors.New("token subject missing")
	}
	rawRole, _ := mapClaims[a.roleClaim].(string)
	role, ok := roleByClaim[strings.ToLower(strings.TrimSpace(rawRole))]
	if !ok {
		return nil, fmt.Errorf("unsupported role %q", rawRole)
	}
	return &Claims{Subject: subject, Role: role}, nil
}

func (a *Authenticator) checkAudience(claims jwt.MapClaims) error {
	audiences, err := claims.GetAudience()
	if err != nil {
		return err
	}
	for _, got := range audiences {
		for _, want := range a.audience {
			if got == want {
				return nil
			}
		}
	}
	return errors.New("token audience not accepted")
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := strings.TrimSpace(r.Header.Get("Authorization"))
		if authz == "" {
			writeError(w, http.StatusUnauthorized, "missing_authorization")
			return
		}
		parts := strings.SplitN(authz, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
			writeError(w, http.StatusUnauthorized, "invalid_authorization")
			return
		}
		claims, err := a.Verify(strings.TrimSpace(parts[1]))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyClaims, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClaimsFromContext returns the claims attached by Middleware.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(contextKeyClaims).(*Claims)
	return claims, ok && claims != nil
}

// RequireRole ensures the authenticated user holds one of roles.
func RequireRole(roles ...lease.UserRole) func(http.Handler) http.Handler {
	allowed := make(map[lease.UserRole]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "missing_identity")
				return
			}
			if _, ok := allowed[claims.Role]; !ok {
				writeError(w, http.StatusForbidden, "insufficient_role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
