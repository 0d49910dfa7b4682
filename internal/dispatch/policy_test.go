package dispatch

import (
	"testing"

	"castbot/internal/channel"
	"castbot/internal/transport"
)

func TestDecide(t *testing.T) {
	p := New(Rules{SuppressTags: []string{"exclude"}, PromoteTags: []string{"#promo"}})
	tenant := channel.TenantSource{ChannelID: -1, TenantID: "A"}
	op := channel.OperatorSource{ChannelID: -2}

	tests := []struct {
		name string
		src  channel.SourceContext
		pl   Payload
		want Decision
	}{
		{
			name: "suppression wins over promotion",
			src:  tenant,
			pl:   Payload{Tags: []string{"promo", "EXCLUDE"}, Kind: transport.ContentPoll},
			want: Decision{Suppress: true, Reason: ReasonExcludedTag},
		},
		{
			name: "suppression tag in text",
			src:  op,
			pl:   Payload{Text: "Weekly digest #Exclude, internal only"},
			want: Decision{Suppress: true, Reason: ReasonExcludedTag},
		},
		{
			name: "suppression wins over stale",
			src:  op,
			pl:   Payload{Tags: []string{"#exclude"}, Stale: true},
			want: Decision{Suppress: true, Reason: ReasonExcludedTag},
		},
		{
			name: "stale suppressed",
			src:  tenant,
			pl:   Payload{Stale: true},
			want: Decision{Suppress: true, Reason: ReasonStale},
		},
		{
			name: "tenant copy",
			src:  tenant,
			pl:   Payload{Text: "new arrivals"},
			want: Decision{Audience: AudienceTenant{TenantID: "A"}},
		},
		{
			name: "tenant promoted forward",
			src:  tenant,
			pl:   Payload{Text: "sale today #PROMO"},
			want: Decision{Audience: AudienceTenant{TenantID: "A"}, Forward: true},
		},
		{
			name: "operator poll forward",
			src:  op,
			pl:   Payload{Kind: transport.ContentPoll},
			want: Decision{Audience: AudienceOptIn{}, Forward: true},
		},
		{
			name: "operator repost forward",
			src:  op,
			pl:   Payload{Kind: transport.ContentForward},
			want: Decision{Audience: AudienceOptIn{}, Forward: true},
		},
		{
			name: "staging has no audience",
			src:  channel.StagingSource{ChannelID: -3},
			pl:   Payload{},
			want: Decision{Suppress: true, Reason: ReasonNoAudience},
		},
		{
			name: "substring is not a tag",
			src:  tenant,
			pl:   Payload{Text: "excluded items restocked"},
			want: Decision{Audience: AudienceTenant{TenantID: "A"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.Decide(tt.src, tt.pl)
			if got != tt.want {
				t.Fatalf("got %+v want %+v", got, tt.want)
			}
		})
	}
}

func TestSetRules(t *testing.T) {
	p := New(Rules{})
	op := channel.OperatorSource{ChannelID: -2}
	if d := p.Decide(op, Payload{Tags: []string{"hidden"}}); d.Suppress {
		t.Fatalf("no suppress tags configured, got %+v", d)
	}

	p.SetRules(Rules{SuppressTags: []string{"Hidden"}, OperatorAll: true})
	if d := p.Decide(op, Payload{Tags: []string{"#hidden"}}); !d.Suppress {
		t.Fatalf("expected suppression after reload, got %+v", d)
	}
	if d := p.Decide(op, Payload{}); d.Audience != (AudienceAll{}) {
		t.Fatalf("expected all audience, got %+v", d)
	}
}
