package forwarder

import (
	"github.com/pkg/errors"

	p4config "github.com/p4lang/p4runtime/go/p4/config/v1"
	p4 "github.com/p4lang/p4runtime/go/p4/v1"

	"github.com/simpleswitch/go-ss2/internal/flow"
)

// Operator translates rule ops for one pipeline table into P4Runtime
// table entries, resolving fields and actions by name from the P4Info.
type Operator struct {
	table   *p4config.Table
	tableID uint32
	p4info  *p4config.P4Info
	next    *flow.TableID // stage reached by a goto, nil for the last stage
	fields  map[string]*p4config.MatchField
	actions map[uint32]*p4config.Action
}

func NewOperator(tableName string, p4info *p4config.P4Info) (*Operator, error) {
	operator := Operator{
		p4info:  p4info,
		fields:  make(map[string]*p4config.MatchField),
		actions: make(map[uint32]*p4config.Action),
	}
	for _, item := range p4info.GetTables() {
		if item.GetPreamble().GetName() == tableName {
			operator.table = item
			operator.tableID = item.GetPreamble().GetId()
		}
	}
	if operator.table == nil {
		return nil, errors.Errorf("p4info has no table %q", tableName)
	}

	for _, field := range operator.table.GetMatchFields() {
		operator.fields[field.GetName()] = field
	}
	allowed := make(map[uint32]bool)
	for _, ref := range operator.table.GetActionRefs() {
		allowed[ref.GetId()] = true
	}
	for _, action := range p4info.GetActions() {
		if allowed[action.GetPreamble().GetId()] {
			operator.actions[action.GetPreamble().GetId()] = action
		}
	}
	return &operator, nil
}

func (opt *Operator) Name() string {
	return opt.table.GetPreamble().GetName()
}

// p4Priority shifts priorities up by one: P4Runtime reserves 0 for tables
// without priorities.
func p4Priority(p flow.Priority) int32 {
	return int32(p) + 1
}

func (opt *Operator) EntryBuilder(in flow.Install) (*p4.TableEntry, error) {
	matchFields, err := opt.matchFieldBuilder(in.Match)
	if err != nil {
		return nil, err
	}
	entryAction, err := opt.entryActionBuilder(in)
	if err != nil {
		return nil, err
	}

	entry := &p4.TableEntry{
		TableId:            opt.tableID,
		Match:              matchFields,
		Action:             entryAction,
		Priority:           p4Priority(in.Priority),
		ControllerMetadata: in.Cookie,
	}
	if in.IdleTimeout > 0 {
		if opt.table.GetIdleTimeoutBehavior() != p4config.Table_NOTIFY_CONTROL {
			return nil, errors.Errorf("table %s does not support idle timeouts", opt.Name())
		}
		entry.IdleTimeoutNs = in.IdleTimeout.Nanoseconds()
	}
	return entry, nil
}

type fieldKey struct {
	value []byte
	mask  []byte
}

func (opt *Operator) matchFieldBuilder(m flow.Match) ([]*p4.FieldMatch, error) {
	keys := make(map[string]fieldKey)
	if m.InPort != nil {
		keys[InPort_FieldName] = fieldKey{value: uintBytes(uint64(*m.InPort), 4), mask: []byte{0xff, 0xff, 0xff, 0xff}}
	}
	if m.EthDst != nil {
		keys[EthDst_FieldName] = fieldKey{value: m.EthDst.Value[:], mask: m.EthDst.Mask[:]}
	}
	if m.EthSrc != nil {
		keys[EthSrc_FieldName] = fieldKey{value: m.EthSrc.Value[:], mask: m.EthSrc.Mask[:]}
	}
	if m.EthType != nil {
		keys[EthType_FieldName] = fieldKey{value: uintBytes(uint64(*m.EthType), 2), mask: []byte{0xff, 0xff}}
	}
	for name := range keys {
		if _, ok := opt.fields[name]; !ok {
			return nil, errors.Errorf("table %s has no match field %q", opt.Name(), name)
		}
	}

	var returnValue []*p4.FieldMatch
	// in P4Info field order so equal matches encode identically
	for _, field := range opt.table.GetMatchFields() {
		key, ok := keys[field.GetName()]
		if !ok || allZero(key.mask) {
			continue
		}
		fm, err := buildFieldMatch(field, key)
		if err != nil {
			return nil, errors.Wrapf(err, "table %s", opt.Name())
		}
		returnValue = append(returnValue, fm)
	}
	return returnValue, nil
}

func buildFieldMatch(field *p4config.MatchField, key fieldKey) (*p4.FieldMatch, error) {
	full := allOnes(key.mask)
	switch field.GetMatchType() {
	case p4config.MatchField_EXACT:
		if !full {
			return nil, errors.Errorf("field %s is exact but the match is masked", field.GetName())
		}
		return &p4.FieldMatch{
			FieldId: field.GetId(),
			FieldMatchType: &p4.FieldMatch_Exact_{
				Exact: &p4.FieldMatch_Exact{Value: canonical(key.value)},
			},
		}, nil
	case p4config.MatchField_TERNARY:
		return &p4.FieldMatch{
			FieldId: field.GetId(),
			FieldMatchType: &p4.FieldMatch_Ternary_{
				Ternary: &p4.FieldMatch_Ternary{
					Value: canonical(key.value),
					Mask:  canonical(key.mask),
				},
			},
		}, nil
	case p4config.MatchField_LPM:
		prefix, ok := prefixLen(key.mask)
		if !ok {
			return nil, errors.Errorf("field %s is lpm but the mask is not a prefix", field.GetName())
		}
		return &p4.FieldMatch{
			FieldId: field.GetId(),
			FieldMatchType: &p4.FieldMatch_Lpm{
				Lpm: &p4.FieldMatch_LPM{Value: canonical(key.value), PrefixLen: prefix},
			},
		}, nil
	}
	return nil, errors.Errorf("field %s: unsupported match type %s", field.GetName(), field.GetMatchType())
}

func allOnes(b []byte) bool {
	for _, c := range b {
		if c != 0xff {
			return false
		}
	}
	return true
}

// actionFor picks the P4 action implementing an entry's outputs and goto.
func (opt *Operator) actionFor(in flow.Install) (string, map[string][]byte, error) {
	if in.Goto != nil && (opt.next == nil || *in.Goto != *opt.next) {
		return "", nil, errors.Errorf("table %s: goto %s is not the next stage", opt.Name(), *in.Goto)
	}
	switch len(in.Outputs) {
	case 0:
		if in.Goto != nil {
			return Next_ActionName, nil, nil
		}
		return Drop_ActionName, nil, nil
	case 1:
	default:
		return "", nil, errors.Errorf("table %s: %d outputs in one entry", opt.Name(), len(in.Outputs))
	}

	out := in.Outputs[0]
	switch {
	case out.Port == flow.PortController && in.Goto != nil:
		return PuntAndNext_ActionName, map[string][]byte{MaxLen_ParamName: uintBytes(uint64(out.MaxLen), 2)}, nil
	case out.Port == flow.PortController:
		return Punt_ActionName, map[string][]byte{MaxLen_ParamName: uintBytes(uint64(out.MaxLen), 2)}, nil
	case in.Goto != nil:
		return "", nil, errors.Errorf("table %s: output to %s cannot continue to another stage", opt.Name(), out.Port)
	case out.Port == flow.PortFlood:
		return Flood_ActionName, nil, nil
	case out.Port.Reserved() || out.Port == 0:
		return "", nil, errors.Errorf("table %s: unsupported output port %s", opt.Name(), out.Port)
	}
	return Forward_ActionName, map[string][]byte{Port_ParamName: uintBytes(uint64(out.Port), 4)}, nil
}

func (opt *Operator) entryActionBuilder(in flow.Install) (*p4.TableAction, error) {
	actionName, params, err := opt.actionFor(in)
	if err != nil {
		return nil, err
	}

	var action *p4config.Action
	for _, item := range opt.actions {
		if item.GetPreamble().GetName() == actionName {
			action = item
		}
	}
	if action == nil {
		return nil, errors.Errorf("table %s does not allow action %s", opt.Name(), actionName)
	}
	if len(params) != len(action.GetParams()) {
		return nil, errors.Errorf("action %s takes %d params, got %d", actionName, len(action.GetParams()), len(params))
	}

	var paramsSlice []*p4.Action_Param
	for _, actionParam := range action.GetParams() {
		value, ok := params[actionParam.GetName()]
		if !ok {
			return nil, errors.Errorf("action %s: missing param %s", actionName, actionParam.GetName())
		}
		paramsSlice = append(paramsSlice, &p4.Action_Param{
			ParamId: actionParam.GetId(),
			Value:   value,
		})
	}

	return &p4.TableAction{
		Type: &p4.TableAction_Action{
			Action: &p4.Action{
				ActionId: action.GetPreamble().GetId(),
				Params:   paramsSlice,
			},
		},
	}, nil
}

// decodeMatch turns the match of an entry read back from the device into
// a flow.Match, the inverse of matchFieldBuilder.
func (opt *Operator) decodeMatch(fms []*p4.FieldMatch) (flow.Match, error) {
	byID := make(map[uint32]*p4config.MatchField, len(opt.fields))
	for _, f := range opt.fields {
		byID[f.GetId()] = f
	}

	var m flow.Match
	for _, fm := range fms {
		field, ok := byID[fm.GetFieldId()]
		if !ok {
			return m, errors.Errorf("table %s: unknown field id %d", opt.Name(), fm.GetFieldId())
		}
		var value, mask []byte
		switch t := fm.GetFieldMatchType().(type) {
		case *p4.FieldMatch_Exact_:
			value, mask = t.Exact.GetValue(), maskBytes(field.GetBitwidth())
		case *p4.FieldMatch_Ternary_:
			value, mask = t.Ternary.GetValue(), t.Ternary.GetMask()
		case *p4.FieldMatch_Lpm:
			value = t.Lpm.GetValue()
			mask = prefixMask(t.Lpm.GetPrefixLen(), int(field.GetBitwidth()+7)/8)
		default:
			return m, errors.Errorf("table %s: unsupported match on %s", opt.Name(), field.GetName())
		}

		switch field.GetName() {
		case InPort_FieldName:
			m.InPort = flow.Port(flow.PortNo(bytesToUint(value)))
		case EthType_FieldName:
			m.EthType = flow.EthType(uint16(bytesToUint(value)))
		case EthDst_FieldName, EthSrc_FieldName:
			v, _ := flow.MACFromBytes(padLeft(value, 6))
			k, _ := flow.MACFromBytes(padLeft(mask, 6))
			mm := flow.MaskedMAC(v, k)
			if field.GetName() == EthDst_FieldName {
				m.EthDst = mm
			} else {
				m.EthSrc = mm
			}
		}
	}
	return m, nil
}

// outPort reports where an entry's action sends packets.
func (opt *Operator) outPort(entry *p4.TableEntry) (flow.PortNo, bool) {
	act := entry.GetAction().GetAction()
	if act == nil {
		return 0, false
	}
	action, ok := opt.actions[act.GetActionId()]
	if !ok {
		return 0, false
	}
	switch action.GetPreamble().GetName() {
	case Flood_ActionName:
		return flow.PortFlood, true
	case Punt_ActionName, PuntAndNext_ActionName:
		return flow.PortController, true
	case Forward_ActionName:
		if params := act.GetParams(); len(params) == 1 {
			return flow.PortNo(bytesToUint(params[0].GetValue())), true
		}
	}
	return 0, false
}

// wildcardEntry selects every entry of the table in a read.
func (opt *Operator) wildcardEntry() *p4.TableEntry {
	return &p4.TableEntry{TableId: opt.tableID}
}
