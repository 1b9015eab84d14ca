package auth

import (
	"context"
	"errors"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/tcriess/orgchat/config"
	"github.com/tcriess/orgchat/globals"
	"github.com/tcriess/orgchat/store"
	"github.com/tcriess/orgchat/types"
)

var ErrUnknownProvider = errors.New("unknown oidc provider")

// Authenticator verifies OIDC ID tokens with the configured providers. Provider discovery happens on first use,
// the verifiers are kept.
type Authenticator struct {
	configs []config.OIDCConfig

	mu        sync.Mutex
	verifiers map[string]*oidc.IDTokenVerifier
}

func NewAuthenticator(configs []config.OIDCConfig) *Authenticator {
	return &Authenticator{
		configs:   configs,
		verifiers: make(map[string]*oidc.IDTokenVerifier),
	}
}

// Enabled reports whether at least one provider is configured.
func (a *Authenticator) Enabled() bool {
	return len(a.configs) > 0
}

func (a *Authenticator) verifier(ctx context.Context, providerName string) (*oidc.IDTokenVerifier, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if v, ok := a.verifiers[providerName]; ok {
		return v, nil
	}
	var oidcConf *config.OIDCConfig
	for i := range a.configs {
		if a.configs[i].Name == providerName {
			oidcConf = &a.configs[i]
			break
		}
	}
	if oidcConf == nil {
		return nil, ErrUnknownProvider
	}
	provider, err := oidc.NewProvider(ctx, oidcConf.ProviderUrl)
	if err != nil {
		return nil, err
	}
	conf := oidc.Config{}
	if oidcConf.ClientId == "" {
		conf.SkipClientIDCheck = true
	} else {
		conf.ClientID = oidcConf.ClientId
	}
	v := provider.Verifier(&conf)
	a.verifiers[providerName] = v
	return v, nil
}

// Authenticate verifies idToken with the named provider and returns the user described by the token.
// The user id is derived from the "email" claim, which must be unique across the user base.
func (a *Authenticator) Authenticate(ctx context.Context, idToken, providerName string) (*types.User, error) {
	v, err := a.verifier(ctx, providerName)
	if err != nil {
		globals.AppLogger.Debug("no verifier for provider", "provider", providerName, "error", err)
		return nil, err
	}
	verifiedIdToken, err := v.Verify(ctx, idToken)
	if err != nil {
		return nil, err
	}

	claims := struct {
		Email   string `json:"email"`
		Name    string `json:"name"`
		Picture string `json:"picture"`
	}{}
	err = verifiedIdToken.Claims(&claims)
	if err != nil {
		return nil, err
	}
	if claims.Email == "" {
		return nil, errors.New("id token without email claim")
	}
	user := &types.User{Id: store.EscapeKey(claims.Email), Name: claims.Name, Avatar: claims.Picture}
	if user.Name == "" {
		user.Name = claims.Email
	}
	return user, nil
}
