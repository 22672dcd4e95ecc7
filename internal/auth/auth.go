// Package auth provides the current user's identity and the bearer token
// source for the delegated calendar scope.
package auth

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/pelusa-v/pelusa-presence/internal/errs"
	"github.com/pelusa-v/pelusa-presence/internal/model"
)

// IdentityProvider returns the signed-in user. A failure is fatal for the session.
type IdentityProvider interface {
	Identity(ctx context.Context) (model.Identity, error)
}

// TokenProvider acquires a token source for the calendar scope. A failure
// degrades the session to no calendar enrichment.
type TokenProvider interface {
	TokenSource(ctx context.Context) (oauth2.TokenSource, error)
}

// StaticIdentity is the identity supplied by the host application.
type StaticIdentity model.Identity

func (s StaticIdentity) Identity(context.Context) (model.Identity, error) {
	id := model.Identity(s)
	if strings.TrimSpace(id.Email) == "" {
		return model.Identity{}, &errs.AuthError{Op: "identity", Fatal: true, Err: errs.ErrNoIdentity}
	}
	if id.Username == "" {
		id.Username = strings.SplitN(id.Email, "@", 2)[0]
	}
	if id.Initials == "" {
		id.Initials = Initials(id.Name())
	}
	return id, nil
}

// Initials returns up to two upper-case initials of name.
func Initials(name string) string {
	var out []rune
	for _, f := range strings.Fields(name) {
		for _, r := range f {
			out = append(out, r)
			break
		}
		if len(out) == 2 {
			break
		}
	}
	return strings.ToUpper(string(out))
}

// Config selects how tokens are obtained: a fixed token, an OAuth2 client
// credentials grant, or nothing.
type Config struct {
	StaticToken  string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// NewTokenProvider returns nil when cfg configures no token at all.
func NewTokenProvider(cfg Config) TokenProvider {
	switch {
	case cfg.StaticToken != "":
		return staticTokens(cfg.StaticToken)
	case cfg.TokenURL != "" && cfg.ClientID != "":
		return &clientCredentials{cfg: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}}
	default:
		return nil
	}
}

type staticTokens string

func (s staticTokens) TokenSource(context.Context) (oauth2.TokenSource, error) {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: string(s), TokenType: "Bearer"}), nil
}

type clientCredentials struct {
	cfg clientcredentials.Config
}

// TokenSource fetches the first token eagerly so that consent or network
// failures surface at start-up. The returned source refreshes on expiry.
func (c *clientCredentials) TokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	ts := c.cfg.TokenSource(ctx)
	if _, err := ts.Token(); err != nil {
		return nil, errors.Wrap(err, "client credentials grant")
	}
	return ts, nil
}

// Acquire resolves a token source, mapping failures to a non-fatal AuthError.
// A nil provider yields a nil source and no error.
func Acquire(ctx context.Context, p TokenProvider) (oauth2.TokenSource, error) {
	if p == nil {
		log.Info().Str("component", "auth").Msg("no token provider configured, calendar enrichment disabled")
		return nil, nil
	}
	ts, err := p.TokenSource(ctx)
	if err != nil {
		return nil, &errs.AuthError{Op: "token", Err: err}
	}
	return ts, nil
}
