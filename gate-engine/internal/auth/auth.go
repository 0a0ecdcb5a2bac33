package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultWriteScope = "gate:write"
	// OverrideScope lets a caller record a job as Passed past its budget.
	OverrideScope = "gate:override"
)

var ErrUnauthorized = errors.New("unauthorized")

type Config struct {
	// Secret is the HS256 signing key shared with the CI token issuer.
	Secret string
	// Issuer, when set, must match the iss claim.
	Issuer string
	// WriteScope is required for non-GET requests.
	WriteScope string
}

// Principal is the authenticated CI caller.
type Principal struct {
	Subject string
	OrgID   string
	Scopes  []string
}

func (p Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Verifier checks bearer tokens issued for CI callers.
type Verifier struct {
	secret     []byte
	issuer     string
	writeScope string
}

func NewVerifier(cfg Config) (*Verifier, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("jwt secret required")
	}
	scope := cfg.WriteScope
	if scope == "" {
		scope = DefaultWriteScope
	}
	return &Verifier{secret: []byte(cfg.Secret), issuer: cfg.Issuer, writeScope: scope}, nil
}

func (v *Verifier) Verify(tokenStr string) (Principal, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Principal{}, fmt.Errorf("%w: invalid claims", ErrUnauthorized)
	}

	p := Principal{}
	p.Subject, _ = claims.GetSubject()
	if org, ok := claims["org"].(string); ok {
		p.OrgID = org
	}
	switch scope := claims["scope"].(type) {
	case string:
		p.Scopes = strings.Fields(scope)
	case []interface{}:
		for _, s := range scope {
			if str, ok := s.(string); ok {
				p.Scopes = append(p.Scopes, str)
			}
		}
	}
	return p, nil
}

// Issue signs a token for subject. It is used by tooling that mints CI tokens.
func (v *Verifier) Issue(subject, orgID string, scopes []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   subject,
		"org":   orgID,
		"scope": strings.Join(scopes, " "),
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	}
	if v.issuer != "" {
		claims["iss"] = v.issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Middleware rejects requests without a valid bearer token. Writes also need
// the write scope.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "bearer token required")
			return
		}
		p, err := v.Verify(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if r.Method != http.MethodGet && r.Method != http.MethodHead && !p.HasScope(v.writeScope) {
			writeError(w, http.StatusForbidden, "missing scope "+v.writeScope)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, "{\"error\":%q}\n", msg)
}
