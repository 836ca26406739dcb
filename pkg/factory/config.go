package factory

import (
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"

	"github.com/simpleswitch/go-ss2/internal/flow"
	"github.com/simpleswitch/go-ss2/internal/logger"
)

const (
	SS2DefaultConfigPath = "./config/ss2cfg.yaml" // default config file
	SS2ConfigVersion     = "1.0.0"
	SS2DefaultP4InfoPath = "./config/ss2_p4info.txt"
)

type Config struct {
	Version     string     `yaml:"version"     valid:"required,in(1.0.0)"`
	Description string     `yaml:"description" valid:"optional"`
	Pipeline    *Pipeline  `yaml:"pipeline"    valid:"required"`
	Priority    *Priority  `yaml:"priority"    valid:"required"`
	Timeouts    *Timeouts  `yaml:"timeouts"    valid:"required"`
	Cookie      uint64     `yaml:"cookie"      valid:"required"`
	ACL         []ACLRule  `yaml:"acl"         valid:"optional"`
	Forwarder   string     `yaml:"forwarder"   valid:"required,in(p4runtime|log)"`
	P4Runtime   *P4Runtime `yaml:"p4runtime"   valid:"optional"`
	Datapaths   []Datapath `yaml:"datapaths"   valid:"required"`
	Metrics     *Metrics   `yaml:"metrics"     valid:"optional"`
	Logger      *Logger    `yaml:"logger"      valid:"required"`
}

// Pipeline holds one table id per stage. Table 0 is valid, so presence is
// checked by Validate rather than by tags. Policy may be left out.
type Pipeline struct {
	ACL    *uint8 `yaml:"acl"    valid:"optional"`
	Policy *uint8 `yaml:"policy" valid:"optional"`
	EthSrc *uint8 `yaml:"ethSrc" valid:"optional"`
	EthDst *uint8 `yaml:"ethDst" valid:"optional"`
}

type Priority struct {
	Max  *uint16 `yaml:"max"  valid:"optional"`
	High *uint16 `yaml:"high" valid:"optional"`
	Mid  *uint16 `yaml:"mid"  valid:"optional"`
	Low  *uint16 `yaml:"low"  valid:"optional"`
	Min  *uint16 `yaml:"min"  valid:"optional"`
}

type Timeouts struct {
	Learn     time.Duration  `yaml:"learn"     valid:"required"` // hard timeout of learned sources
	Idle      time.Duration  `yaml:"idle"      valid:"required"` // idle timeout of learned destinations
	HostCache *time.Duration `yaml:"hostCache" valid:"optional"` // 0 disables suppression
}

type ACLRule struct {
	Name     string    `yaml:"name"     valid:"required"`
	Action   string    `yaml:"action"   valid:"required,in(permit|deny|redirect)"`
	Priority string    `yaml:"priority" valid:"required,in(max|high|mid|low)"`
	Port     uint32    `yaml:"port"     valid:"optional"`
	Match    *ACLMatch `yaml:"match"    valid:"optional"`
}

type ACLMatch struct {
	InPort  *uint32 `yaml:"inPort"  valid:"optional"`
	EthSrc  string  `yaml:"ethSrc"  valid:"optional"`
	EthDst  string  `yaml:"ethDst"  valid:"optional"`
	EthType *uint16 `yaml:"ethType" valid:"optional"`
}

type P4Runtime struct {
	P4Info       string `yaml:"p4info"       valid:"required"`
	DeviceConfig string `yaml:"deviceConfig" valid:"optional"`
	ElectionID   uint64 `yaml:"electionId"   valid:"required"`
}

type Datapath struct {
	ID   uint64 `yaml:"id"   valid:"required"`
	Addr string `yaml:"addr" valid:"optional,dialstring"`
}

type Metrics struct {
	Addr string `yaml:"addr" valid:"optional"`
}

type Logger struct {
	Enable       bool   `yaml:"enable"       valid:"optional"`
	Level        string `yaml:"level"        valid:"required,in(trace|debug|info|warn|error|fatal|panic)"`
	ReportCaller bool   `yaml:"reportCaller" valid:"optional"`
}

func (c *Config) GetVersion() string {
	return c.Version
}

// Validate runs the tag checks, then the checks tags cannot express.
func (c *Config) Validate() error {
	if _, err := govalidator.ValidateStruct(c); err != nil {
		return err
	}

	if p := c.Pipeline; p.ACL == nil || p.EthSrc == nil || p.EthDst == nil {
		return errors.Wrap(flow.ErrInvalidConfiguration, "pipeline: acl, ethSrc and ethDst are required")
	}
	if p := c.Priority; p.Max == nil || p.High == nil || p.Mid == nil || p.Low == nil || p.Min == nil {
		return errors.Wrap(flow.ErrInvalidConfiguration, "priority: max, high, mid, low and min are required")
	}
	if c.Timeouts.HostCache == nil {
		return errors.Wrap(flow.ErrInvalidConfiguration, "timeouts: hostCache is required")
	}

	if c.Forwarder == "p4runtime" {
		if c.P4Runtime == nil {
			return errors.Wrap(flow.ErrInvalidConfiguration, "forwarder p4runtime needs a p4runtime section")
		}
		for _, dp := range c.Datapaths {
			if dp.Addr == "" {
				return errors.Wrapf(flow.ErrInvalidConfiguration, "datapath %d: addr is required", dp.ID)
			}
		}
	}
	seen := make(map[uint64]bool)
	for _, dp := range c.Datapaths {
		if seen[dp.ID] {
			return errors.Wrapf(flow.ErrInvalidConfiguration, "datapath %d listed twice", dp.ID)
		}
		seen[dp.ID] = true
	}
	return nil
}

// Policy converts the validated config into the compiler's policy.
func (c *Config) Policy() (flow.Policy, error) {
	p := flow.Policy{
		Tables: flow.Tables{
			ACL:    flow.TableID(*c.Pipeline.ACL),
			EthSrc: flow.TableID(*c.Pipeline.EthSrc),
			EthDst: flow.TableID(*c.Pipeline.EthDst),
		},
		Priorities: flow.Tiers{
			Max:  flow.Priority(*c.Priority.Max),
			High: flow.Priority(*c.Priority.High),
			Mid:  flow.Priority(*c.Priority.Mid),
			Low:  flow.Priority(*c.Priority.Low),
			Min:  flow.Priority(*c.Priority.Min),
		},
		LearnTimeout: c.Timeouts.Learn,
		IdleTimeout:  c.Timeouts.Idle,
		CacheTimeout: *c.Timeouts.HostCache,
		Cookie:       c.Cookie,
	}
	if c.Pipeline.Policy != nil {
		p.Tables.Policy = flow.Table(flow.TableID(*c.Pipeline.Policy))
	}

	for _, r := range c.ACL {
		rule, err := r.rule()
		if err != nil {
			return flow.Policy{}, errors.Wrapf(err, "acl %q", r.Name)
		}
		p.ACL = append(p.ACL, rule)
	}
	return p, nil
}

func (r *ACLRule) rule() (flow.ACLRule, error) {
	action, err := flow.ParseACLAction(r.Action)
	if err != nil {
		return flow.ACLRule{}, err
	}
	rule := flow.ACLRule{
		Name:   r.Name,
		Action: action,
		Tier:   flow.Tier(r.Priority),
		Port:   flow.PortNo(r.Port),
	}
	if r.Match == nil {
		return rule, nil
	}

	m := r.Match
	if m.InPort != nil {
		rule.Match.InPort = flow.Port(flow.PortNo(*m.InPort))
	}
	if m.EthType != nil {
		rule.Match.EthType = flow.EthType(*m.EthType)
	}
	if m.EthSrc != "" {
		if rule.Match.EthSrc, err = flow.ParseMACMatch(m.EthSrc); err != nil {
			return flow.ACLRule{}, errors.Wrap(flow.ErrInvalidConfiguration, err.Error())
		}
	}
	if m.EthDst != "" {
		if rule.Match.EthDst, err = flow.ParseMACMatch(m.EthDst); err != nil {
			return flow.ACLRule{}, errors.Wrap(flow.ErrInvalidConfiguration, err.Error())
		}
	}
	return rule, nil
}

func (c *Config) Print() {
	spew.Config.Indent = "\t"
	str := spew.Sdump(c)
	logger.CfgLog.Infof("==================================================")
	logger.CfgLog.Infof("%s", str)
	logger.CfgLog.Infof("==================================================")
}
