package forwarder

import "github.com/simpleswitch/go-ss2/internal/flow"

// P4 object names of the ss2 pipeline, see config/ss2_p4info.txt.
const ACL_TableName string = "SS2Ingress.acl"
const Policy_TableName string = "SS2Ingress.l2_policy"
const EthSrc_TableName string = "SS2Ingress.eth_src"
const EthDst_TableName string = "SS2Ingress.eth_dst"

const Drop_ActionName string = "SS2Ingress.drop"
const Next_ActionName string = "SS2Ingress.next"
const Forward_ActionName string = "SS2Ingress.forward"
const Flood_ActionName string = "SS2Ingress.flood"
const Punt_ActionName string = "SS2Ingress.punt"
const PuntAndNext_ActionName string = "SS2Ingress.punt_and_next"

const Port_ParamName string = "port"
const MaxLen_ParamName string = "max_len"

const InPort_FieldName string = "in_port"
const EthDst_FieldName string = "eth_dst"
const EthSrc_FieldName string = "eth_src"
const EthType_FieldName string = "eth_type"

const PacketIn_MetadataName string = "packet_in"
const IngressPort_MetadataName string = "ingress_port"

const (
	EVENT_CHANNEL_LEN = 512 // buffered notifications per datapath
)

// stage pairs a configured table id with its P4 table.
type stage struct {
	id   flow.TableID
	name string
}

// stages lists the configured stages in pipeline order. Without a policy
// stage l2_policy stays empty and its default action passes packets on.
func stages(p flow.Policy) []stage {
	s := []stage{{id: p.Tables.ACL, name: ACL_TableName}}
	if p.Tables.Policy != nil {
		s = append(s, stage{id: *p.Tables.Policy, name: Policy_TableName})
	}
	return append(s,
		stage{id: p.Tables.EthSrc, name: EthSrc_TableName},
		stage{id: p.Tables.EthDst, name: EthDst_TableName},
	)
}
