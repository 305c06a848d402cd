package authx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"report-evaluation-pipeline/shared/config"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrUnknownKID   = errors.New("unknown kid")
)

// Principal is the verified caller of an operator route.
type Principal struct {
	Subject string
	Email   string
	Name    string
	Roles   []string
	Claims  map[string]any
}

type contextKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok
}

// HasRole matches case-insensitively; an empty role is always satisfied.
func (p Principal) HasRole(role string) bool {
	role = strings.TrimSpace(role)
	if role == "" {
		return true
	}
	for _, r := range p.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

type VerifierConfig struct {
	Issuer    string
	Audience  string
	JWKSURL   string
	JWKSTTL   time.Duration
	ClockSkew time.Duration
	Client    *http.Client
}

func VerifierConfigFrom(cfg config.Config) VerifierConfig {
	return VerifierConfig{
		Issuer:    cfg.OIDCIssuer,
		Audience:  cfg.OIDCAudience,
		JWKSURL:   cfg.OIDCJWKSURL,
		JWKSTTL:   time.Duration(cfg.JWKSTTLSeconds) * time.Second,
		ClockSkew: time.Duration(cfg.JWTClockSkewSec) * time.Second,
	}
}

// JWTVerifier checks bearer tokens against the issuer's published key set.
// Keys are cached and refreshed in the background for as long as the ctx
// given to NewJWTVerifier lives.
type JWTVerifier struct {
	audience string
	jwksURL  string
	keys     *jwk.Cache
	parser   *jwt.Parser
}

func NewJWTVerifier(ctx context.Context, cfg VerifierConfig) (*JWTVerifier, error) {
	issuer := strings.TrimSpace(cfg.Issuer)
	audience := strings.TrimSpace(cfg.Audience)
	if issuer == "" || audience == "" {
		return nil, fmt.Errorf("%w: missing issuer or audience", ErrInvalidToken)
	}
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		jwksURL = strings.TrimRight(issuer, "/") + "/.well-known/jwks.json"
	}
	if cfg.JWKSTTL <= 0 {
		cfg.JWKSTTL = 5 * time.Minute
	}
	if cfg.ClockSkew < 0 {
		cfg.ClockSkew = 0
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 5 * time.Second}
	}

	keys := jwk.NewCache(ctx)
	if err := keys.Register(jwksURL,
		jwk.WithMinRefreshInterval(cfg.JWKSTTL),
		jwk.WithHTTPClient(cfg.Client),
	); err != nil {
		return nil, fmt.Errorf("register jwks %s: %w", jwksURL, err)
	}

	return &JWTVerifier{
		audience: audience,
		jwksURL:  jwksURL,
		keys:     keys,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}),
			jwt.WithAudience(audience),
			jwt.WithIssuer(issuer),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(cfg.ClockSkew),
		),
	}, nil
}

func (v *JWTVerifier) Verify(ctx context.Context, rawToken string) (Principal, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return Principal{}, ErrInvalidToken
	}

	claims := jwt.MapClaims{}
	if _, err := v.parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		return v.key(ctx, strings.TrimSpace(kid))
	}); err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	subject := claimString(claims, "sub")
	if subject == "" {
		return Principal{}, ErrInvalidToken
	}
	name := claimString(claims, "name")
	if name == "" {
		name = claimString(claims, "preferred_username")
	}
	return Principal{
		Subject: subject,
		Email:   claimString(claims, "email"),
		Name:    name,
		Roles:   parseRoles(claims, v.audience),
		Claims:  map[string]any(claims),
	}, nil
}

// key resolves kid from the cached set, forcing one refresh when the issuer
// rotated keys since the last fetch.
func (v *JWTVerifier) key(ctx context.Context, kid string) (any, error) {
	if kid == "" {
		return nil, ErrUnknownKID
	}
	set, err := v.keys.Get(ctx, v.jwksURL)
	if err != nil {
		return nil, err
	}
	found, ok := set.LookupKeyID(kid)
	if !ok {
		if set, err = v.keys.Refresh(ctx, v.jwksURL); err != nil {
			return nil, err
		}
		if found, ok = set.LookupKeyID(kid); !ok {
			return nil, ErrUnknownKID
		}
	}
	var raw any
	if err := found.Raw(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func claimString(claims jwt.MapClaims, key string) string {
	s, _ := claims[key].(string)
	return strings.TrimSpace(s)
}

// parseRoles collects roles from the flat "roles"/"role" claims, the "scp"
// scope string and Keycloak's realm_access / resource_access[audience].
func parseRoles(claims map[string]any, audience string) []string {
	var roles []string
	seen := map[string]bool{}
	add := func(role string) {
		role = strings.TrimSpace(role)
		if role == "" || seen[strings.ToLower(role)] {
			return
		}
		seen[strings.ToLower(role)] = true
		roles = append(roles, role)
	}
	addAll := func(v any) {
		switch t := v.(type) {
		case []string:
			for _, role := range t {
				add(role)
			}
		case []any:
			for _, role := range t {
				if s, ok := role.(string); ok {
					add(s)
				}
			}
		case string:
			for _, role := range strings.Fields(t) {
				add(role)
			}
		}
	}

	addAll(claims["roles"])
	addAll(claims["role"])
	addAll(claims["scp"])
	if realm, ok := claims["realm_access"].(map[string]any); ok {
		addAll(realm["roles"])
	}
	if resources, ok := claims["resource_access"].(map[string]any); ok {
		if client, ok := resources[audience].(map[string]any); ok {
			addAll(client["roles"])
		}
	}
	return roles
}
