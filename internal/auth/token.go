// Package auth acquires OAuth tokens for the mail providers. MailVault runs
// as a daemon with application (not delegated) permissions, so Microsoft
// Graph access uses the client-credential flow against the tenant's token
// endpoint.
package auth

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Token represents provider OAuth credentials handed to an adapter.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// NewGraphTokenSource returns a cached, auto-refreshing token source for
// app-only Microsoft Graph access.
func NewGraphTokenSource(ctx context.Context, tenantID, clientID, clientSecret string) (oauth2.TokenSource, error) {
	if tenantID == "" || clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("graph credentials incomplete: tenant, client id and client secret are all required")
	}

	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenantID),
		Scopes:       []string{"https://graph.microsoft.com/.default"},
	}

	return oauth2.ReuseTokenSource(nil, cfg.TokenSource(ctx)), nil
}
