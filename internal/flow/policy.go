package flow

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

var ErrInvalidConfiguration = errors.New("invalid configuration")

// maxTimeout is the largest timeout an OpenFlow-style datapath can carry.
const maxTimeout = 65535 * time.Second

// Tables assigns a table to each pipeline stage. A nil Policy leaves the
// L2 policy stage out and its drops move to the ACL table.
type Tables struct {
	ACL    TableID
	Policy *TableID
	EthSrc TableID
	EthDst TableID
}

func Table(t TableID) *TableID {
	return &t
}

type Tier string

const (
	TierMax  Tier = "max"
	TierHigh Tier = "high"
	TierMid  Tier = "mid"
	TierLow  Tier = "low"
	TierMin  Tier = "min"
)

// Tiers holds the priority value of every named band.
type Tiers struct {
	Max  Priority
	High Priority
	Mid  Priority
	Low  Priority
	Min  Priority
}

func (t Tiers) Of(tier Tier) (Priority, bool) {
	switch tier {
	case TierMax:
		return t.Max, true
	case TierHigh:
		return t.High, true
	case TierMid:
		return t.Mid, true
	case TierLow:
		return t.Low, true
	case TierMin:
		return t.Min, true
	}
	return 0, false
}

type ACLAction int

const (
	ACLPermit ACLAction = iota
	ACLDeny
	ACLRedirect
)

func ParseACLAction(s string) (ACLAction, error) {
	switch strings.ToLower(s) {
	case "permit":
		return ACLPermit, nil
	case "deny":
		return ACLDeny, nil
	case "redirect":
		return ACLRedirect, nil
	}
	return 0, errors.Wrapf(ErrInvalidConfiguration, "unknown ACL action %q", s)
}

func (a ACLAction) String() string {
	switch a {
	case ACLPermit:
		return "permit"
	case ACLDeny:
		return "deny"
	case ACLRedirect:
		return "redirect"
	}
	return "unknown"
}

// ACLRule is one entry of the ordered ACL list. Port is the redirect target.
type ACLRule struct {
	Name   string
	Match  Match
	Action ACLAction
	Tier   Tier
	Port   PortNo
}

// Policy is the immutable per-run configuration shared by the compiler and
// the engine.
type Policy struct {
	Tables     Tables
	Priorities Tiers
	// LearnTimeout is the hard timeout of a learned source entry.
	LearnTimeout time.Duration
	// IdleTimeout is the idle timeout of a learned destination entry.
	IdleTimeout  time.Duration
	CacheTimeout time.Duration
	Cookie       uint64
	ACL          []ACLRule
}

// Pipeline lists the tables in processing order.
func (p *Policy) Pipeline() []TableID {
	t := p.Tables
	ids := []TableID{t.ACL}
	if t.Policy != nil {
		ids = append(ids, *t.Policy)
	}
	return append(ids, t.EthSrc, t.EthDst)
}

func (p *Policy) clone() Policy {
	c := *p
	c.ACL = append([]ACLRule(nil), p.ACL...)
	if p.Tables.Policy != nil {
		c.Tables.Policy = Table(*p.Tables.Policy)
	}
	return c
}

// afterACL is the stage permitted traffic continues to.
func (p *Policy) afterACL() TableID {
	if p.Tables.Policy != nil {
		return *p.Tables.Policy
	}
	return p.Tables.EthSrc
}

func (p *Policy) Validate() error {
	ids := p.Pipeline()
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			return errors.Wrapf(ErrInvalidConfiguration,
				"tables must be strictly increasing in pipeline order, got %v", ids)
		}
	}

	pr := p.Priorities
	if !(pr.Max > pr.High && pr.High > pr.Mid && pr.Mid > pr.Low && pr.Low > pr.Min) {
		return errors.Wrapf(ErrInvalidConfiguration,
			"priorities must be strictly ordered max > high > mid > low > min, got %d, %d, %d, %d, %d",
			pr.Max, pr.High, pr.Mid, pr.Low, pr.Min)
	}

	if err := checkTimeout("learn", p.LearnTimeout); err != nil {
		return err
	}
	if err := checkTimeout("idle", p.IdleTimeout); err != nil {
		return err
	}
	if p.IdleTimeout <= p.LearnTimeout {
		return errors.Wrapf(ErrInvalidConfiguration,
			"idle timeout %s must exceed learn timeout %s", p.IdleTimeout, p.LearnTimeout)
	}
	if p.CacheTimeout < 0 {
		return errors.Wrapf(ErrInvalidConfiguration, "negative host cache timeout %s", p.CacheTimeout)
	}
	if p.Cookie == 0 {
		return errors.Wrap(ErrInvalidConfiguration, "cookie must be non-zero")
	}

	return p.validateACL()
}

func checkTimeout(name string, d time.Duration) error {
	switch {
	case d <= 0:
		return errors.Wrapf(ErrInvalidConfiguration, "%s timeout must be positive", name)
	case d%time.Second != 0:
		return errors.Wrapf(ErrInvalidConfiguration, "%s timeout %s is not a whole number of seconds", name, d)
	case d > maxTimeout:
		return errors.Wrapf(ErrInvalidConfiguration, "%s timeout %s exceeds %s", name, d, maxTimeout)
	}
	return nil
}

func (p *Policy) validateACL() error {
	for i, r := range p.ACL {
		if r.Name == "" {
			return errors.Wrapf(ErrInvalidConfiguration, "acl[%d]: missing name", i)
		}
		if _, ok := p.Priorities.Of(r.Tier); !ok {
			return errors.Wrapf(ErrInvalidConfiguration, "acl %q: unknown priority tier %q", r.Name, r.Tier)
		}
		if r.Tier == TierMin {
			return errors.Wrapf(ErrInvalidConfiguration,
				"acl %q: tier min is reserved for the table-miss entry", r.Name)
		}
		switch r.Action {
		case ACLPermit, ACLDeny:
		case ACLRedirect:
			if r.Port == 0 || r.Port == PortAny {
				return errors.Wrapf(ErrInvalidConfiguration, "acl %q: redirect needs an output port", r.Name)
			}
			// the ACL stage can forward or flood, nothing else
			if r.Port.Reserved() && r.Port != PortFlood {
				return errors.Wrapf(ErrInvalidConfiguration, "acl %q: cannot redirect to reserved port %s", r.Name, r.Port)
			}
		default:
			return errors.Wrapf(ErrInvalidConfiguration, "acl %q: unknown action %d", r.Name, r.Action)
		}
		if p.Tables.Policy == nil && r.Tier == TierMax {
			for _, m := range linkLocalMatches() {
				if m.Equal(r.Match) {
					return errors.Wrapf(ErrInvalidConfiguration,
						"acl %q: same match and priority as the link-local drop %s", r.Name, m)
				}
			}
		}
		for _, prev := range p.ACL[:i] {
			if prev.Tier == r.Tier && prev.Match.Equal(r.Match) {
				return errors.Wrapf(ErrInvalidConfiguration,
					"acl %q: same match and priority as %q", r.Name, prev.Name)
			}
		}
	}
	return nil
}
