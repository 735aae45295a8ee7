package secrets

import "context"

// Provider fetches a JSON secret as a flat key/value map.
type Provider interface {
	GetSecret(ctx context.Context, id string) (map[string]string, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, id string) (map[string]string, error)

func (f ProviderFunc) GetSecret(ctx context.Context, id string) (map[string]string, error) {
	return f(ctx, id)
}
