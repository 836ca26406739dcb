package flow

import (
	"fmt"
	"strings"
	"time"
)

// Op is a rule operation addressed to one datapath: Install, Delete or Barrier.
type Op interface {
	isOp()
	String() string
}

// Output sends the packet to Port. MaxLen truncates packets sent to the controller.
type Output struct {
	Port   PortNo
	MaxLen uint16
}

func (o Output) String() string {
	if o.Port == PortController && o.MaxLen != 0 {
		return fmt.Sprintf("output:%s:%d", o.Port, o.MaxLen)
	}
	return "output:" + o.Port.String()
}

// Install adds an entry. An entry with neither Outputs nor Goto drops the packet.
type Install struct {
	Table       TableID
	Priority    Priority
	Match       Match
	IdleTimeout time.Duration
	HardTimeout time.Duration
	Outputs     []Output
	Goto        *TableID
	Cookie      uint64
}

// Delete removes every entry in Table owned by Cookie whose match is covered
// by Match. A non-nil Priority restricts it to that priority, and OutPort
// restricts it to entries outputting there unless it is PortAny or zero.
type Delete struct {
	Table    TableID
	Match    Match
	Priority *Priority
	OutPort  PortNo
	Cookie   uint64
}

// Barrier requires every preceding op to be applied before any following op.
type Barrier struct{}

func (Install) isOp() {}
func (Delete) isOp()  {}
func (Barrier) isOp() {}

func GotoTable(t TableID) *TableID {
	return &t
}

// Drops reports whether the entry discards matching packets.
func (i Install) Drops() bool {
	return len(i.Outputs) == 0 && i.Goto == nil
}

func (i Install) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "install table=%s priority=%s cookie=0x%x", i.Table, i.Priority, i.Cookie)
	if i.IdleTimeout > 0 {
		fmt.Fprintf(&b, " idle_timeout=%d", int64(i.IdleTimeout/time.Second))
	}
	if i.HardTimeout > 0 {
		fmt.Fprintf(&b, " hard_timeout=%d", int64(i.HardTimeout/time.Second))
	}
	fmt.Fprintf(&b, " match=%s actions=%s", i.Match, i.actions())
	return b.String()
}

func (i Install) actions() string {
	if i.Drops() {
		return "drop"
	}
	var acts []string
	for _, o := range i.Outputs {
		acts = append(acts, o.String())
	}
	if i.Goto != nil {
		acts = append(acts, "goto:"+i.Goto.String())
	}
	return strings.Join(acts, ",")
}

func (d Delete) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "delete table=%s cookie=0x%x match=%s", d.Table, d.Cookie, d.Match)
	if d.Priority != nil {
		fmt.Fprintf(&b, " priority=%s", *d.Priority)
	}
	if d.FiltersOutPort() {
		fmt.Fprintf(&b, " out_port=%s", d.OutPort)
	}
	return b.String()
}

func (d Delete) FiltersOutPort() bool {
	return d.OutPort != PortAny && d.OutPort != 0
}

func (Barrier) String() string {
	return "barrier"
}
