package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ledgerline/einvoicing/internal/shared/config"
	"github.com/ledgerline/einvoicing/internal/shared/types"
)

type contextKey string

const (
	PrincipalContextKey contextKey = "principal"
)

// Roles granted by the token.
const (
	RoleIssuer   = "invoice_issuer"   // may issue invoices
	RoleOnboard  = "branch_onboarder" // may request certificates and run compliance checks
	RoleOperator = "chain_operator"   // may verify and reconcile chains
)

// Principal is the authenticated caller. Every request acts for exactly one
// organization.
type Principal struct {
	Subject        string     `json:"sub"`
	OrganizationID types.ID   `json:"organization_id"`
	// Branches restricts the caller to these branches; empty means all.
	Branches []types.ID `json:"branches,omitempty"`
	Roles    []string   `json:"roles"`
}

// Claims extends JWT claims with the caller's organization scope.
type Claims struct {
	jwt.RegisteredClaims
	OrganizationID string   `json:"organization_id"`
	Branches       []string `json:"branches,omitempty"`
	Roles          []string `json:"roles"`
}

// Middleware creates JWT authentication middleware
func Middleware(cfg config.AuthConfig) func(http.Handler) http.Handler {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	parser := jwt.NewParser(opts...)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				writeError(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}

			token, err := parser.ParseWithClaims(parts[1], &Claims{}, func(*jwt.Token) (any, error) {
				return []byte(cfg.JWTSecret), nil
			})
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			claims, ok := token.Claims.(*Claims)
			if !ok || !token.Valid {
				writeError(w, http.StatusUnauthorized, "invalid token claims")
				return
			}

			principal, err := claims.principal()
			if err != nil {
				writeError(w, http.StatusUnauthorized, "token carries no valid organization")
				return
			}

			ctx := WithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (c *Claims) principal() (*Principal, error) {
	org, err := types.ParseID(c.OrganizationID)
	if err != nil {
		return nil, err
	}
	p := &Principal{Subject: c.Subject, OrganizationID: org, Roles: c.Roles}
	for _, b := range c.Branches {
		id, err := types.ParseID(b)
		if err != nil {
			return nil, err
		}
		p.Branches = append(p.Branches, id)
	}
	return p, nil
}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, PrincipalContextKey, p)
}

// GetPrincipal extracts the principal from request context
func GetPrincipal(ctx context.Context) *Principal {
	p, ok := ctx.Value(PrincipalContextKey).(*Principal)
	if !ok {
		return nil
	}
	return p
}

// RequireRoles creates middleware that requires any of the given roles
func RequireRoles(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := GetPrincipal(r.Context())
			if p == nil {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			if !hasAnyRole(p.Roles, roles) {
				writeError(w, http.StatusForbidden, "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// HasRole checks if the principal has a specific role
func (p *Principal) HasRole(role string) bool {
	return hasAnyRole(p.Roles, []string{role})
}

// Branch scopes branchID to the principal's organization. ok is false when
// the principal may not act for that branch.
func (p *Principal) Branch(branchID types.ID) (types.BranchKey, bool) {
	key := types.BranchKey{OrganizationID: p.OrganizationID, BranchID: branchID}
	if len(p.Branches) > 0 && !slices.Contains(p.Branches, branchID) {
		return key, false
	}
	return key, true
}

func hasAnyRole(userRoles, requiredRoles []string) bool {
	for _, required := range requiredRoles {
		if slices.Contains(userRoles, required) {
			return true
		}
	}
	return false
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
