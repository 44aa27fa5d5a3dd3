// Package oauth brokers third-party account access for tool servers. It
// runs the consent flow, keys stored tokens by (provider, user,
// accountEmail), and refreshes them transparently on read.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

// ProviderConfig configures one OAuth provider's endpoints.
type ProviderConfig struct {
	Name         string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	Scopes       []string
	// AuthParams are extra query parameters for the consent URL, such as
	// Google's prompt=consent needed to receive a refresh token.
	AuthParams map[string]string
}

// Provider implements the code flow against a single OAuth backend.
type Provider struct {
	name         string
	config       oauth2.Config
	authParams   map[string]string
	resolveEmail func(ctx context.Context, client *http.Client) (string, error)
}

// NewProvider creates a provider with the given endpoints. The default
// email resolver reads the "email" field of the user info document.
func NewProvider(cfg ProviderConfig) *Provider {
	p := &Provider{
		name: strings.ToLower(strings.TrimSpace(cfg.Name)),
		config: oauth2.Config{
			ClientID:     strings.TrimSpace(cfg.ClientID),
			ClientSecret: strings.TrimSpace(cfg.ClientSecret),
			RedirectURL:  strings.TrimSpace(cfg.RedirectURL),
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  strings.TrimSpace(cfg.AuthURL),
				TokenURL: strings.TrimSpace(cfg.TokenURL),
			},
		},
		authParams: cfg.AuthParams,
	}
	infoURL := strings.TrimSpace(cfg.UserInfoURL)
	p.resolveEmail = func(ctx context.Context, client *http.Client) (string, error) {
		return fetchEmailField(ctx, client, infoURL)
	}
	return p
}

// Name returns the provider key, for example "google".
func (p *Provider) Name() string { return p.name }

// AuthURL returns the consent URL carrying the given state.
func (p *Provider) AuthURL(state string) string {
	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	for k, v := range p.authParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	return p.config.AuthCodeURL(state, opts...)
}

// Exchange trades an authorization code for a token.
func (p *Provider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	return p.config.Exchange(ctx, code)
}

// Refresh obtains a fresh access token from a refresh token.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, errors.New("no refresh token")
	}
	src := p.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	return src.Token()
}

// AccountEmail resolves the email of the account the token belongs to.
func (p *Provider) AccountEmail(ctx context.Context, token *oauth2.Token) (string, error) {
	client := p.config.Client(ctx, token)
	email, err := p.resolveEmail(ctx, client)
	if err != nil {
		return "", fmt.Errorf("resolve account email: %w", err)
	}
	return strings.ToLower(strings.TrimSpace(email)), nil
}

// NewGoogleProvider builds the Google provider. Scopes cover the
// workspace surfaces the predefined tool servers need.
func NewGoogleProvider(clientID, clientSecret, redirectURL string) *Provider {
	return NewProvider(ProviderConfig{
		Name:         "google",
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		AuthURL:      "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:     "https://oauth2.googleapis.com/token",
		UserInfoURL:  "https://www.googleapis.com/oauth2/v3/userinfo",
		Scopes: []string{
			"openid",
			"email",
			"https://www.googleapis.com/auth/gmail.modify",
			"https://www.googleapis.com/auth/calendar",
			"https://www.googleapis.com/auth/drive",
		},
		// Without prompt=consent Google omits the refresh token on
		// repeat grants.
		AuthParams: map[string]string{"prompt": "consent", "access_type": "offline"},
	})
}

// NewGitHubProvider builds the GitHub provider.
func NewGitHubProvider(clientID, clientSecret, redirectURL string) *Provider {
	p := NewProvider(ProviderConfig{
		Name:         "github",
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		AuthURL:      "https://github.com/login/oauth/authorize",
		TokenURL:     "https://github.com/login/oauth/access_token",
		UserInfoURL:  "https://api.github.com/user",
		Scopes:       []string{"repo", "read:user", "user:email"},
	})
	p.resolveEmail = githubEmail
	return p
}

func fetchEmailField(ctx context.Context, client *http.Client, url string) (string, error) {
	if url == "" {
		return "", errors.New("user info url not configured")
	}
	data, err := getJSON(ctx, client, url)
	if err != nil {
		return "", err
	}
	var payload struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", err
	}
	if strings.TrimSpace(payload.Email) == "" {
		return "", errors.New("identity document has no email")
	}
	return payload.Email, nil
}

// githubEmail reads /user and falls back to /user/emails when the profile
// email is private.
func githubEmail(ctx context.Context, client *http.Client) (string, error) {
	email, err := fetchEmailField(ctx, client, "https://api.github.com/user")
	if err == nil {
		return email, nil
	}

	data, err := getJSON(ctx, client, "https://api.github.com/user/emails")
	if err != nil {
		return "", err
	}
	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := json.Unmarshal(data, &emails); err != nil {
		return "", err
	}
	for _, e := range emails {
		if e.Primary {
			return e.Email, nil
		}
	}
	if len(emails) > 0 {
		return emails[0].Email, nil
	}
	return "", errors.New("identity document has no email")
}

func getJSON(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return nil, fmt.Errorf("identity request failed: %d %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}
