package channel

import (
	"context"
	"fmt"
)

// SourceContext is the classified origin of a content event. The set of
// implementations is closed: TenantSource, OperatorSource, StagingSource.
type SourceContext interface {
	Channel() int64
	Role() Role
	sourceContext()
}

type TenantSource struct {
	ChannelID int64
	TenantID  string
}

type OperatorSource struct {
	ChannelID int64
}

type StagingSource struct {
	ChannelID int64
}

func (s TenantSource) Channel() int64   { return s.ChannelID }
func (s OperatorSource) Channel() int64 { return s.ChannelID }
func (s StagingSource) Channel() int64  { return s.ChannelID }

func (TenantSource) Role() Role   { return RoleTenant }
func (OperatorSource) Role() Role { return RoleOperator }
func (StagingSource) Role() Role  { return RoleStaging }

func (TenantSource) sourceContext()   {}
func (OperatorSource) sourceContext() {}
func (StagingSource) sourceContext()  {}

// Classifier maps an inbound channel id to its SourceContext.
type Classifier struct {
	reg *Registry
}

func NewClassifier(reg *Registry) *Classifier { return &Classifier{reg: reg} }

// Classify does one primary-key lookup. Unregistered and inactive channels
// return ok=false with a nil error.
func (c *Classifier) Classify(ctx context.Context, channelID int64) (SourceContext, bool, error) {
	reg, ok, err := c.reg.Get(ctx, channelID)
	if err != nil {
		return nil, false, fmt.Errorf("classify channel %d: %w", channelID, err)
	}
	if !ok || !reg.Active {
		return nil, false, nil
	}
	switch reg.Role {
	case RoleTenant:
		return TenantSource{ChannelID: reg.ChannelID, TenantID: reg.TenantID}, true, nil
	case RoleOperator:
		return OperatorSource{ChannelID: reg.ChannelID}, true, nil
	case RoleStaging:
		return StagingSource{ChannelID: reg.ChannelID}, true, nil
	default:
		return nil, false, fmt.Errorf("channel %d has unknown role %q", channelID, reg.Role)
	}
}
