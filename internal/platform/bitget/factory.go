package bitget

import (
	"context"
	"fmt"

	"perpbot/internal/domain"
)

// Factory builds per-user clients from vault-resolved credentials. Clients
// are cheap (one http.Client each) so no pooling or caching happens here;
// credential rotation takes effect on the next build.
type Factory struct {
	cfg   Config
	creds domain.CredentialSource
}

// NewFactory returns a Factory resolving credentials through src.
func NewFactory(cfg Config, src domain.CredentialSource) *Factory {
	return &Factory{cfg: cfg, creds: src}
}

// ForUser resolves userID's credentials and returns a gateway bound to them.
func (f *Factory) ForUser(ctx context.Context, userID string) (domain.Exchange, error) {
	creds, err := f.creds.Credentials(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("bitget: credentials for %s: %w", userID, err)
	}
	return NewClient(f.cfg, creds), nil
}

var _ domain.ExchangeFactory = (*Factory)(nil)
