package flow

import (
	"github.com/pkg/errors"
)

// Link-local and discovery traffic that must never reach learning.
var (
	bridgeGroupMatch = *MaskedMAC(
		MAC{0x01, 0x80, 0xc2, 0x00, 0x00, 0x00},
		MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xf0},
	)
	lldpEthType uint16 = 0x88cc
)

// Destinations flooded at the terminal table.
var floodDestinations = []MACMatch{
	*ExactMAC(BroadcastMAC),
	*MaskedMAC(MAC{0x01, 0x00, 0x5e, 0x00, 0x00, 0x00}, MAC{0xff, 0xff, 0xff, 0x80, 0x00, 0x00}),
	*MaskedMAC(MAC{0x33, 0x33, 0x00, 0x00, 0x00, 0x00}, MAC{0xff, 0xff, 0x00, 0x00, 0x00, 0x00}),
}

// Compiler turns forwarding intents into ordered rule operations. It holds
// only the validated policy and every method returns freshly built ops.
type Compiler struct {
	policy Policy
}

func NewCompiler(p Policy) (*Compiler, error) {
	if err := p.Validate(); err != nil {
		return nil, errors.Wrap(err, "new compiler")
	}
	return &Compiler{policy: p.clone()}, nil
}

func (c *Compiler) Policy() Policy {
	return c.policy.clone()
}

// CleanAll deletes every entry this controller owns in every pipeline table.
func (c *Compiler) CleanAll() []Op {
	var ops []Op
	for _, t := range c.policy.Pipeline() {
		ops = append(ops, Delete{
			Table:   t,
			OutPort: PortAny,
			Cookie:  c.policy.Cookie,
		})
	}
	return ops
}

// DefaultPipeline builds the steady-state entries of a freshly attached datapath.
func (c *Compiler) DefaultPipeline() []Op {
	p := &c.policy
	var ops []Op

	// ACL
	ops = append(ops, c.compileACL()...)
	if p.Tables.Policy == nil {
		ops = append(ops, c.dropLinkLocal(p.Tables.ACL)...)
		ops = append(ops, c.install(p.Tables.ACL, p.Priorities.Min, Match{}, nil, GotoTable(p.Tables.EthSrc)))
	} else {
		ops = append(ops, c.install(p.Tables.ACL, p.Priorities.Min, Match{}, nil, GotoTable(*p.Tables.Policy)))

		// L2 policy
		ops = append(ops, c.dropLinkLocal(*p.Tables.Policy)...)
		ops = append(ops, c.install(*p.Tables.Policy, p.Priorities.Min, Match{}, nil, GotoTable(p.Tables.EthSrc)))
	}

	// Learned source: unknown sources are punted and still forwarded, so a
	// destination entry that outlives its source entry keeps traffic flowing
	// while the controller relearns.
	ops = append(ops, c.install(p.Tables.EthSrc, p.Priorities.Min, Match{},
		[]Output{{Port: PortController, MaxLen: ControllerMaxLen}}, GotoTable(p.Tables.EthDst)))

	// Learned destination
	for _, dst := range floodDestinations {
		ops = append(ops, c.install(p.Tables.EthDst, p.Priorities.Low, Match{EthDst: ref(dst)},
			[]Output{{Port: PortFlood}}, nil))
	}
	ops = append(ops, c.install(p.Tables.EthDst, p.Priorities.Min, Match{},
		[]Output{{Port: PortFlood}}, nil))

	return ops
}

// LearnHost binds mac to port: it removes any entries learned for mac,
// waits for the removal, then installs the source and destination entries.
func (c *Compiler) LearnHost(port PortNo, mac MAC) []Op {
	p := &c.policy
	ops := c.UnlearnHost(mac)
	ops = append(ops,
		Install{
			Table:       p.Tables.EthSrc,
			Priority:    p.Priorities.High,
			Match:       Match{InPort: Port(port), EthSrc: ExactMAC(mac)},
			HardTimeout: p.LearnTimeout,
			Goto:        GotoTable(p.Tables.EthDst),
			Cookie:      p.Cookie,
		},
		Install{
			Table:       p.Tables.EthDst,
			Priority:    p.Priorities.High,
			Match:       Match{EthDst: ExactMAC(mac)},
			IdleTimeout: p.IdleTimeout,
			Outputs:     []Output{{Port: port}},
			Cookie:      p.Cookie,
		},
	)
	return ops
}

// UnlearnHost removes the entries learned for mac on any port, followed by a barrier.
func (c *Compiler) UnlearnHost(mac MAC) []Op {
	p := &c.policy
	return []Op{
		Delete{
			Table:   p.Tables.EthSrc,
			Match:   Match{EthSrc: ExactMAC(mac)},
			OutPort: PortAny,
			Cookie:  p.Cookie,
		},
		Delete{
			Table:   p.Tables.EthDst,
			Match:   Match{EthDst: ExactMAC(mac)},
			OutPort: PortAny,
			Cookie:  p.Cookie,
		},
		Barrier{},
	}
}

func (c *Compiler) dropLinkLocal(t TableID) []Op {
	var ops []Op
	for _, m := range linkLocalMatches() {
		ops = append(ops, c.install(t, c.policy.Priorities.Max, m, nil, nil))
	}
	return ops
}

// linkLocalMatches selects bridge group destinations, LLDP and
// broadcast-sourced frames.
func linkLocalMatches() []Match {
	return []Match{
		{EthDst: ref(bridgeGroupMatch)},
		{EthType: EthType(lldpEthType)},
		{EthSrc: ExactMAC(BroadcastMAC)},
	}
}

func (c *Compiler) install(t TableID, pr Priority, m Match, outs []Output, next *TableID) Install {
	return Install{
		Table:    t,
		Priority: pr,
		Match:    m,
		Outputs:  outs,
		Goto:     next,
		Cookie:   c.policy.Cookie,
	}
}

func ref(m MACMatch) *MACMatch {
	return &m
}
