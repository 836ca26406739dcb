package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMACMatch(t *testing.T) {
	m, err := ParseMACMatch("AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	assert.True(t, m.Exact())
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", m.String())

	m, err = ParseMACMatch("01:00:5e:12:34:56/ff:ff:ff:80:00:00")
	require.NoError(t, err)
	assert.False(t, m.Exact())
	assert.Equal(t, "01:00:5e:00:00:00/ff:ff:ff:80:00:00", m.String())

	_, err = ParseMACMatch("01:00:5e:12:34:56/nope")
	assert.Error(t, err)
	_, err = ParseMAC("00:00:00:00:fe:80:00:00")
	assert.Error(t, err)
}

func TestMACGroupBit(t *testing.T) {
	assert.True(t, BroadcastMAC.IsGroup())
	m, _ := ParseMAC("33:33:00:00:00:01")
	assert.True(t, m.IsGroup())
	m, _ = ParseMAC("02:42:ac:11:00:02")
	assert.False(t, m.IsGroup())
}

func TestMatchCovers(t *testing.T) {
	mac, _ := ParseMAC("aa:aa:aa:aa:aa:01")
	entry := Match{InPort: Port(3), EthSrc: ExactMAC(mac)}

	assert.True(t, Match{}.Covers(entry))
	assert.True(t, Match{EthSrc: ExactMAC(mac)}.Covers(entry))
	assert.True(t, entry.Covers(entry))
	assert.False(t, Match{InPort: Port(4)}.Covers(entry))
	assert.False(t, Match{EthDst: ExactMAC(mac)}.Covers(entry))
	assert.False(t, entry.Covers(Match{EthSrc: ExactMAC(mac)}))
}

func TestOpString(t *testing.T) {
	c := newTestCompiler(t, testPolicy())
	mac, _ := ParseMAC("aa:aa:aa:aa:aa:01")
	ops := c.LearnHost(3, mac)

	assert.Equal(t, "delete table=2 cookie=0x55c3 match=eth_src=aa:aa:aa:aa:aa:01", ops[0].String())
	assert.Equal(t, "barrier", ops[2].String())
	assert.Equal(t,
		"install table=2 priority=30000 cookie=0x55c3 hard_timeout=300 match=in_port=3,eth_src=aa:aa:aa:aa:aa:01 actions=goto:3",
		ops[3].String())
	assert.Equal(t,
		"install table=3 priority=30000 cookie=0x55c3 idle_timeout=310 match=eth_dst=aa:aa:aa:aa:aa:01 actions=output:3",
		ops[4].String())

	punt := Install{Table: 2, Outputs: []Output{{Port: PortController, MaxLen: 256}}, Goto: GotoTable(3)}
	assert.Equal(t, "install table=2 priority=0 cookie=0x0 match=* actions=output:CONTROLLER:256,goto:3", punt.String())
	assert.Equal(t, "install table=1 priority=0 cookie=0x0 match=eth_type=0x88cc actions=drop",
		Install{Table: 1, Match: Match{EthType: EthType(0x88cc)}}.String())
}
