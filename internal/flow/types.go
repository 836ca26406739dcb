package flow

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// DatapathID identifies a managed switch for the lifetime of its connection.
type DatapathID uint64

func (d DatapathID) String() string {
	return fmt.Sprintf("%016x", uint64(d))
}

// TableID is the index of a stage in the forwarding pipeline.
type TableID uint8

func (t TableID) String() string {
	return strconv.Itoa(int(t))
}

// Priority orders entries within one table, highest wins.
type Priority uint16

func (p Priority) String() string {
	return strconv.Itoa(int(p))
}

// PortNo is an ingress or egress port, including the reserved ports.
type PortNo uint32

const (
	PortMax        PortNo = 0xffffff00
	PortFlood      PortNo = 0xfffffffb
	PortController PortNo = 0xfffffffd
	PortAny        PortNo = 0xffffffff
)

// ControllerMaxLen is the number of bytes of a punted packet sent to the controller.
const ControllerMaxLen uint16 = 256

func (p PortNo) String() string {
	switch p {
	case PortFlood:
		return "FLOOD"
	case PortController:
		return "CONTROLLER"
	case PortAny:
		return "ANY"
	}
	return strconv.FormatUint(uint64(p), 10)
}

// Reserved reports whether p is one of the logical ports above PortMax.
func (p PortNo) Reserved() bool {
	return p > PortMax
}

type MAC [6]byte

var (
	BroadcastMAC = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	allOnes      = BroadcastMAC
)

func ParseMAC(s string) (MAC, error) {
	var m MAC
	hw, err := net.ParseMAC(s)
	if err != nil {
		return m, errors.Wrapf(err, "parse MAC %q", s)
	}
	if len(hw) != len(m) {
		return m, errors.Errorf("parse MAC %q: not a 48-bit address", s)
	}
	copy(m[:], hw)
	return m, nil
}

// MACFromBytes copies a 6-byte slice; ok is false for any other length.
func MACFromBytes(b []byte) (m MAC, ok bool) {
	if len(b) != len(m) {
		return m, false
	}
	copy(m[:], b)
	return m, true
}

func (m MAC) String() string {
	return net.HardwareAddr(m[:]).String()
}

// IsGroup reports whether the I/G bit is set (multicast or broadcast).
func (m MAC) IsGroup() bool {
	return m[0]&0x01 != 0
}

func (m MAC) IsZero() bool {
	return m == MAC{}
}

// MACMatch is a MAC value under a mask. An all-ones mask is an exact match.
type MACMatch struct {
	Value MAC
	Mask  MAC
}

func ExactMAC(m MAC) *MACMatch {
	return &MACMatch{Value: m, Mask: allOnes}
}

func MaskedMAC(value, mask MAC) *MACMatch {
	var v MAC
	for i := range v {
		v[i] = value[i] & mask[i]
	}
	return &MACMatch{Value: v, Mask: mask}
}

// ParseMACMatch accepts "aa:bb:cc:dd:ee:ff" or "aa:bb:cc:dd:ee:ff/ff:ff:ff:00:00:00".
func ParseMACMatch(s string) (*MACMatch, error) {
	parts := strings.SplitN(s, "/", 2)
	value, err := ParseMAC(parts[0])
	if err != nil {
		return nil, err
	}
	if len(parts) == 1 {
		return ExactMAC(value), nil
	}
	mask, err := ParseMAC(parts[1])
	if err != nil {
		return nil, err
	}
	return MaskedMAC(value, mask), nil
}

func (m MACMatch) Exact() bool {
	return m.Mask == allOnes
}

func (m MACMatch) Equal(o MACMatch) bool {
	return m == o
}

func (m MACMatch) String() string {
	if m.Exact() {
		return m.Value.String()
	}
	return m.Value.String() + "/" + m.Mask.String()
}

// Match holds the optional header fields an entry tests. A nil field is a
// wildcard, so the zero Match matches every packet.
type Match struct {
	InPort  *PortNo
	EthDst  *MACMatch
	EthSrc  *MACMatch
	EthType *uint16
}

func Port(p PortNo) *PortNo {
	return &p
}

func EthType(t uint16) *uint16 {
	return &t
}

func (m Match) IsEmpty() bool {
	return m.InPort == nil && m.EthDst == nil && m.EthSrc == nil && m.EthType == nil
}

func (m Match) Equal(o Match) bool {
	return eqPort(m.InPort, o.InPort) &&
		eqMAC(m.EthDst, o.EthDst) &&
		eqMAC(m.EthSrc, o.EthSrc) &&
		eqEthType(m.EthType, o.EthType)
}

// Covers reports whether every field set in m is set to the same value in o.
// A non-strict delete with match m removes every entry whose match o it covers.
func (m Match) Covers(o Match) bool {
	if m.InPort != nil && !eqPort(m.InPort, o.InPort) {
		return false
	}
	if m.EthDst != nil && !eqMAC(m.EthDst, o.EthDst) {
		return false
	}
	if m.EthSrc != nil && !eqMAC(m.EthSrc, o.EthSrc) {
		return false
	}
	if m.EthType != nil && !eqEthType(m.EthType, o.EthType) {
		return false
	}
	return true
}

func (m Match) String() string {
	var fields []string
	if m.InPort != nil {
		fields = append(fields, "in_port="+m.InPort.String())
	}
	if m.EthDst != nil {
		fields = append(fields, "eth_dst="+m.EthDst.String())
	}
	if m.EthSrc != nil {
		fields = append(fields, "eth_src="+m.EthSrc.String())
	}
	if m.EthType != nil {
		fields = append(fields, fmt.Sprintf("eth_type=0x%04x", *m.EthType))
	}
	if len(fields) == 0 {
		return "*"
	}
	return strings.Join(fields, ",")
}

func eqPort(a, b *PortNo) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func eqMAC(a, b *MACMatch) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func eqEthType(a, b *uint16) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
