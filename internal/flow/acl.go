package flow

// compileACL emits one ACL table entry per configured rule, in order.
// permit continues to the next stage, deny drops and redirect outputs to
// the rule's port without further processing.
func (c *Compiler) compileACL() []Op {
	p := &c.policy
	ops := make([]Op, 0, len(p.ACL))
	for _, r := range p.ACL {
		pr, _ := p.Priorities.Of(r.Tier)
		in := c.install(p.Tables.ACL, pr, copyMatch(r.Match), nil, nil)
		switch r.Action {
		case ACLPermit:
			in.Goto = GotoTable(p.afterACL())
		case ACLRedirect:
			in.Outputs = []Output{{Port: r.Port}}
		}
		ops = append(ops, in)
	}
	return ops
}

// copyMatch detaches a match from the policy so callers may not alias it.
func copyMatch(m Match) Match {
	var out Match
	if m.InPort != nil {
		out.InPort = Port(*m.InPort)
	}
	if m.EthDst != nil {
		v := *m.EthDst
		out.EthDst = &v
	}
	if m.EthSrc != nil {
		v := *m.EthSrc
		out.EthSrc = &v
	}
	if m.EthType != nil {
		out.EthType = EthType(*m.EthType)
	}
	return out
}
