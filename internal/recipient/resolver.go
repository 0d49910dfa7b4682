package recipient

import (
	"context"
	"fmt"
	"slices"

	"castbot/internal/dispatch"
	"castbot/internal/storage"
)

// Querier is the read side of the recipient store.
type Querier interface {
	QueryActiveRecipients(ctx context.Context, f storage.RecipientFilter) ([]int64, error)
}

// Resolver turns an audience into recipient ids. Inactive recipients are
// never returned.
type Resolver struct {
	store Querier
}

func NewResolver(store Querier) *Resolver { return &Resolver{store: store} }

// Resolve returns sorted, unique ids. An empty result is not an error.
func (r *Resolver) Resolve(ctx context.Context, aud dispatch.Audience) ([]int64, error) {
	var f storage.RecipientFilter
	switch a := aud.(type) {
	case dispatch.AudienceAll:
	case dispatch.AudienceTenant:
		if a.TenantID == "" {
			return nil, fmt.Errorf("resolve %s: empty tenant id", aud)
		}
		f.TenantID = a.TenantID
	case dispatch.AudienceOptIn:
		f.OptedInOnly = true
	default:
		return nil, fmt.Errorf("resolve: unsupported audience %T", aud)
	}

	ids, err := r.store.QueryActiveRecipients(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", aud, err)
	}
	return Unique(ids), nil
}

// Unique sorts ids and drops duplicates in place.
func Unique(ids []int64) []int64 {
	slices.Sort(ids)
	return slices.Compact(ids)
}
