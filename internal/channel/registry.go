package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"castbot/internal/storage"
	logx "castbot/pkg/logx"
)

type Role string

const (
	RoleTenant   Role = storage.RoleTenant
	RoleOperator Role = storage.RoleOperator
	RoleStaging  Role = storage.RoleStaging
)

// ParseRole accepts a role name case-insensitively.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleTenant, RoleOperator, RoleStaging:
		return r, nil
	}
	return "", fmt.Errorf("%w: %q", storage.ErrInvalidRole, s)
}

// Registration is the administrative view of one source channel.
type Registration struct {
	ChannelID int64
	Role      Role
	TenantID  string
	Active    bool
}

var ErrTenantRequired = errors.New("tenant channel needs a tenant id")

// Registry is the durable channel id -> role mapping.
type Registry struct {
	store storage.Store
	log   logx.Logger
}

func NewRegistry(store storage.Store, log logx.Logger) *Registry {
	return &Registry{store: store, log: log.With(logx.String("comp", "channel.registry"))}
}

// Get returns the registration for channelID, if any.
func (r *Registry) Get(ctx context.Context, channelID int64) (Registration, bool, error) {
	rec, ok, err := r.store.GetChannel(ctx, channelID)
	if err != nil || !ok {
		return Registration{}, false, err
	}
	return Registration{
		ChannelID: rec.ChannelID,
		Role:      Role(rec.Role),
		TenantID:  rec.TenantID,
		Active:    rec.Active,
	}, true, nil
}

// Provision creates or updates a registration. The role of an existing
// channel cannot change (storage.ErrRoleImmutable). Tenant id is kept only
// for tenant channels.
func (r *Registry) Provision(ctx context.Context, reg Registration) error {
	role, err := ParseRole(string(reg.Role))
	if err != nil {
		return err
	}
	tenant := strings.TrimSpace(reg.TenantID)
	if role == RoleTenant && tenant == "" {
		return fmt.Errorf("channel %d: %w", reg.ChannelID, ErrTenantRequired)
	}
	if role != RoleTenant {
		tenant = ""
	}
	err = r.store.PutChannel(ctx, storage.ChannelRecord{
		ChannelID: reg.ChannelID,
		Role:      string(role),
		TenantID:  tenant,
		Active:    reg.Active,
	})
	if err != nil {
		return fmt.Errorf("provision channel %d: %w", reg.ChannelID, err)
	}
	r.log.Info("channel provisioned",
		logx.Int64("channel_id", reg.ChannelID),
		logx.String("role", string(role)),
		logx.String("tenant", tenant),
		logx.Bool("active", reg.Active),
	)
	return nil
}

// Deactivate retires a channel. Registrations are never deleted.
func (r *Registry) Deactivate(ctx context.Context, channelID int64) error {
	if err := r.store.SetChannelActive(ctx, channelID, false); err != nil {
		return fmt.Errorf("deactivate channel %d: %w", channelID, err)
	}
	r.log.Info("channel deactivated", logx.Int64("channel_id", channelID))
	return nil
}
