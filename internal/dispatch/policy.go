// Package dispatch decides what happens to a new content event: suppress
// it, or broadcast it to an audience as a forward or as a copy. Decide does
// no I/O.
package dispatch

import (
	"strings"
	"sync/atomic"
	"unicode"

	"castbot/internal/channel"
	"castbot/internal/transport"
)

// Audience selects recipients. Implementations: AudienceAll, AudienceTenant, AudienceOptIn.
type Audience interface {
	String() string
	audience()
}

// AudienceAll is every active recipient.
type AudienceAll struct{}

// AudienceTenant is every active recipient affiliated with TenantID.
type AudienceTenant struct{ TenantID string }

// AudienceOptIn is every active recipient with the opt-in flag set.
type AudienceOptIn struct{}

func (AudienceAll) String() string      { return "all" }
func (a AudienceTenant) String() string { return "tenant:" + a.TenantID }
func (AudienceOptIn) String() string    { return "opt_in" }

func (AudienceAll) audience()    {}
func (AudienceTenant) audience() {}
func (AudienceOptIn) audience()  {}

type Reason string

const (
	ReasonNone        Reason = ""
	ReasonExcludedTag Reason = "excluded_tag"
	ReasonStale       Reason = "stale"
	ReasonNoAudience  Reason = "no_audience"
)

// Payload is the part of a content event the policy looks at.
type Payload struct {
	Text  string
	Tags  []string
	Kind  transport.ContentKind
	Stale bool
}

// Decision is the output of Decide. Audience and Forward are set only when
// Suppress is false.
type Decision struct {
	Suppress bool
	Reason   Reason
	Audience Audience
	Forward  bool
}

// Rules are the tunable inputs of the policy.
type Rules struct {
	SuppressTags []string
	PromoteTags  []string
	// OperatorAll sends operator content to every active recipient instead of opted-in ones.
	OperatorAll bool
}

type compiled struct {
	suppress    map[string]struct{}
	promote     map[string]struct{}
	operatorAll bool
}

// Policy holds the current Rules. SetRules may be called concurrently with Decide.
type Policy struct {
	rules atomic.Pointer[compiled]
}

func New(r Rules) *Policy {
	p := &Policy{}
	p.SetRules(r)
	return p
}

func (p *Policy) SetRules(r Rules) {
	p.rules.Store(&compiled{
		suppress:    tagSet(r.SuppressTags),
		promote:     tagSet(r.PromoteTags),
		operatorAll: r.OperatorAll,
	})
}

// Decide applies, in order: suppression tags, staleness, audience, forward mode.
func (p *Policy) Decide(src channel.SourceContext, pl Payload) Decision {
	r := p.rules.Load()
	tags := payloadTags(pl)

	if hasAny(tags, r.suppress) {
		return Decision{Suppress: true, Reason: ReasonExcludedTag}
	}
	if pl.Stale {
		return Decision{Suppress: true, Reason: ReasonStale}
	}

	var aud Audience
	switch s := src.(type) {
	case channel.TenantSource:
		aud = AudienceTenant{TenantID: s.TenantID}
	case channel.OperatorSource:
		if r.operatorAll {
			aud = AudienceAll{}
		} else {
			aud = AudienceOptIn{}
		}
	default:
		return Decision{Suppress: true, Reason: ReasonNoAudience}
	}

	forward := hasAny(tags, r.promote) ||
		pl.Kind == transport.ContentPoll ||
		pl.Kind == transport.ContentForward
	return Decision{Audience: aud, Forward: forward}
}

// NormalizeTag lowercases a tag and drops a leading '#'.
func NormalizeTag(s string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "#"))
}

func tagSet(in []string) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for _, t := range in {
		if n := NormalizeTag(t); n != "" {
			out[n] = struct{}{}
		}
	}
	return out
}

// payloadTags collects explicit tags plus every word of the text.
func payloadTags(pl Payload) map[string]struct{} {
	out := make(map[string]struct{}, len(pl.Tags)+8)
	for _, t := range pl.Tags {
		if n := NormalizeTag(t); n != "" {
			out[n] = struct{}{}
		}
	}
	words := strings.FieldsFunc(pl.Text, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '#' || r == '_' || r == '-')
	})
	for _, w := range words {
		if n := NormalizeTag(w); n != "" {
			out[n] = struct{}{}
		}
	}
	return out
}

func hasAny(tags, set map[string]struct{}) bool {
	if len(set) == 0 {
		return false
	}
	for t := range tags {
		if _, ok := set[t]; ok {
			return true
		}
	}
	return false
}
