package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/troupe/internal/store"
	"github.com/haasonsaas/troupe/pkg/models"
)

var ErrUnknownProvider = errors.New("unknown oauth provider")

// defaultRefreshSkew refreshes tokens this long before they expire.
const defaultRefreshSkew = 5 * time.Minute

// AuthRequiredError reports that a stored connection needs a fresh
// consent round trip before it can be used again.
type AuthRequiredError struct {
	Provider     string
	AccountEmail string
}

func (e *AuthRequiredError) Error() string {
	if e.AccountEmail != "" {
		return fmt.Sprintf("oauth consent required for %s (%s)", e.Provider, e.AccountEmail)
	}
	return fmt.Sprintf("oauth consent required for %s", e.Provider)
}

// Connection is one linked account as shown to clients.
type Connection struct {
	AccountEmail string `json:"accountEmail"`
}

// Broker runs consent flows and hands out live access tokens.
type Broker struct {
	store     *store.Store
	providers map[string]*Provider
	state     *stateSigner
	skew      time.Duration
	now       func() time.Time
	log       *slog.Logger
}

// Option configures a Broker.
type Option func(*Broker)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(b *Broker) {
		b.now = now
		b.state.now = now
	}
}

// WithRefreshSkew overrides how early tokens are refreshed.
func WithRefreshSkew(skew time.Duration) Option {
	return func(b *Broker) { b.skew = skew }
}

// NewBroker constructs a broker. stateSecret signs the state parameter
// that binds a callback to the user who started the flow.
func NewBroker(st *store.Store, stateSecret string, opts ...Option) *Broker {
	b := &Broker{
		store:     st,
		providers: map[string]*Provider{},
		state:     newStateSigner(stateSecret, time.Now),
		skew:      defaultRefreshSkew,
		now:       time.Now,
		log:       slog.Default().With("component", "oauth"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register adds a provider to the broker.
func (b *Broker) Register(p *Provider) {
	if p == nil {
		return
	}
	b.providers[p.Name()] = p
}

// Provider returns a registered provider by name.
func (b *Broker) Provider(name string) (*Provider, bool) {
	p, ok := b.providers[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// Start begins a consent flow and returns the URL to send the user to.
func (b *Broker) Start(ctx context.Context, userID, provider string) (string, error) {
	p, ok := b.Provider(provider)
	if !ok {
		return "", ErrUnknownProvider
	}
	state, err := b.state.Sign(userID, p.Name())
	if err != nil {
		return "", err
	}
	return p.AuthURL(state), nil
}

// HandleCallback completes a consent flow: it verifies the state, trades
// the code for tokens, resolves which account granted them, and stores
// the connection keyed by (provider, user, accountEmail).
func (b *Broker) HandleCallback(ctx context.Context, provider, code, state string) (string, error) {
	p, ok := b.Provider(provider)
	if !ok {
		return "", ErrUnknownProvider
	}
	userID, err := b.state.Verify(state, p.Name())
	if err != nil {
		return "", err
	}
	token, err := p.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("code exchange: %w", err)
	}
	accountEmail, err := p.AccountEmail(ctx, token)
	if err != nil {
		return "", err
	}

	stored := &models.OAuthToken{
		Provider:     p.Name(),
		UserID:       userID,
		AccountEmail: accountEmail,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	}
	if !token.Expiry.IsZero() {
		expiry := token.Expiry.UTC()
		stored.ExpiryDate = &expiry
	}
	if err := b.store.UpsertOAuthToken(ctx, stored); err != nil {
		return "", err
	}
	b.log.Info("oauth connection stored", "provider", p.Name(), "accountEmail", accountEmail)
	return accountEmail, nil
}

// Token returns a live access token for the connection, refreshing it
// when it is about to expire. A connection that cannot be refreshed
// yields an AuthRequiredError.
func (b *Broker) Token(ctx context.Context, userID, provider, accountEmail string) (*models.OAuthToken, error) {
	p, ok := b.Provider(provider)
	if !ok {
		return nil, ErrUnknownProvider
	}
	token, err := b.store.GetOAuthToken(ctx, p.Name(), userID, accountEmail)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &AuthRequiredError{Provider: p.Name(), AccountEmail: accountEmail}
	}
	if err != nil {
		return nil, err
	}
	if !b.needsRefresh(token) {
		return token, nil
	}
	return b.refresh(ctx, p, token)
}

// ForceRefresh refreshes a connection regardless of its expiry. The tool
// registry uses it after a backend rejects a token that still looked
// fresh.
func (b *Broker) ForceRefresh(ctx context.Context, userID, provider, accountEmail string) (*models.OAuthToken, error) {
	p, ok := b.Provider(provider)
	if !ok {
		return nil, ErrUnknownProvider
	}
	token, err := b.store.GetOAuthToken(ctx, p.Name(), userID, accountEmail)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &AuthRequiredError{Provider: p.Name(), AccountEmail: accountEmail}
	}
	if err != nil {
		return nil, err
	}
	return b.refresh(ctx, p, token)
}

// Connections lists linked accounts grouped by provider.
func (b *Broker) Connections(ctx context.Context, userID string) (map[string][]Connection, error) {
	tokens, err := b.store.ListOAuthTokens(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := map[string][]Connection{}
	for _, t := range tokens {
		out[t.Provider] = append(out[t.Provider], Connection{AccountEmail: t.AccountEmail})
	}
	return out, nil
}

// Disconnect removes a stored connection.
func (b *Broker) Disconnect(ctx context.Context, userID, provider, accountEmail string) error {
	return b.store.DeleteOAuthToken(ctx, provider, userID, accountEmail)
}

func (b *Broker) needsRefresh(token *models.OAuthToken) bool {
	if token.ExpiryDate == nil {
		return false
	}
	return token.ExpiryDate.Sub(b.now()) < b.skew
}

func (b *Broker) refresh(ctx context.Context, p *Provider, token *models.OAuthToken) (*models.OAuthToken, error) {
	fresh, err := p.Refresh(ctx, token.RefreshToken)
	if err != nil {
		// One retry covers transient token endpoint failures.
		fresh, err = p.Refresh(ctx, token.RefreshToken)
	}
	if err != nil {
		b.log.Warn("oauth refresh failed",
			"provider", p.Name(), "accountEmail", token.AccountEmail, "error", err)
		return nil, &AuthRequiredError{Provider: p.Name(), AccountEmail: token.AccountEmail}
	}

	token.AccessToken = fresh.AccessToken
	if fresh.RefreshToken != "" {
		token.RefreshToken = fresh.RefreshToken
	}
	if fresh.Expiry.IsZero() {
		token.ExpiryDate = nil
	} else {
		expiry := fresh.Expiry.UTC()
		token.ExpiryDate = &expiry
	}
	if err := b.store.UpsertOAuthToken(ctx, token); err != nil {
		return nil, err
	}
	return token, nil
}
