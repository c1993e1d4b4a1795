package usertoken

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"videochat/pkg/domain"
)

const (
	defaultIssuer       = "videochat-auth"
	defaultAudience     = "videochat-api"
	defaultLeeway       = 30 * time.Second
	defaultJWKSCacheTTL = 5 * time.Minute
	defaultMissInterval = 30 * time.Second
)

var errUnknownKey = errors.New("unknown token key")

// ErrInvalidToken wraps every verification failure caused by the token itself.
var ErrInvalidToken = errors.New("invalid access token")

// Claims are the access-token claims the API relies on.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Admin bool   `json:"admin,omitempty"`
}

type Config struct {
	JWKSURL  string
	Issuer   string
	Audience string
	Leeway   time.Duration
	// MissRefreshInterval limits JWKS refetches caused by unknown key ids.
	MissRefreshInterval time.Duration
	HTTPClient          *http.Client
}

// Verifier checks RS256 access tokens issued by the external auth provider
// and turns them into a domain.User.
type Verifier struct {
	keys   *keySet
	parser *jwt.Parser
}

// NewVerifier loads the key set once so a bad JWKS URL fails at startup.
func NewVerifier(cfg Config) (*Verifier, error) {
	url := strings.TrimSpace(cfg.JWKSURL)
	if url == "" {
		return nil, errors.New("token verifier requires jwksURL")
	}
	issuer := cmp.Or(strings.TrimSpace(cfg.Issuer), defaultIssuer)
	audience := cmp.Or(strings.TrimSpace(cfg.Audience), defaultAudience)
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultLeeway
	}
	missInterval := cfg.MissRefreshInterval
	if missInterval <= 0 {
		missInterval = defaultMissInterval
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	v := &Verifier{
		keys: &keySet{url: url, client: client, missInterval: missInterval},
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithAudience(audience),
			jwt.WithIssuedAt(),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(leeway),
		),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := v.keys.refresh(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

// VerifyIdentity validates the token and returns the caller identity.
// Key-set fetch failures are returned unwrapped so callers can tell them
// apart from ErrInvalidToken.
func (v *Verifier) VerifyIdentity(ctx context.Context, token string) (domain.User, error) {
	claims, err := v.parse(token)
	if err != nil {
		retry := false
		switch {
		case v.keys.stale():
			if rerr := v.keys.refresh(ctx); rerr != nil {
				return domain.User{}, rerr
			}
			retry = true
		case errors.Is(err, errUnknownKey):
			refreshed, rerr := v.keys.refreshOnMiss(ctx)
			if rerr != nil {
				return domain.User{}, rerr
			}
			retry = refreshed
		}
		if retry {
			claims, err = v.parse(token)
		}
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return domain.User{}, fmt.Errorf("%w: subject missing", ErrInvalidToken)
	}
	user := domain.User{
		ID:    subject,
		Email: strings.TrimSpace(claims.Email),
		Name:  strings.TrimSpace(claims.Name),
		Role:  domain.RoleUser,
	}
	if claims.Admin {
		user.Role = domain.RoleAdmin
	}
	return user, nil
}

func (v *Verifier) parse(token string) (Claims, error) {
	var claims Claims
	_, err := v.parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := v.keys.lookup(strings.TrimSpace(kid))
		if !ok {
			return nil, errUnknownKey
		}
		return key, nil
	})
	return claims, err
}
