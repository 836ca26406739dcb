package engine

import (
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/pkg/errors"

	"github.com/simpleswitch/go-ss2/internal/flow"
)

// DecodeFrame extracts the source MAC and ethertype of a punted frame. For
// VLAN-tagged frames the ethertype is the one after the outermost tag.
func DecodeFrame(dp flow.DatapathID, inPort flow.PortNo, frame []byte) (PacketIn, error) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{
		Lazy:   true,
		NoCopy: true,
	})
	l := pkt.Layer(layers.LayerTypeEthernet)
	if l == nil {
		if el := pkt.ErrorLayer(); el != nil {
			return PacketIn{}, errors.Wrapf(ErrMalformedNotification, "decode ethernet: %v", el.Error())
		}
		return PacketIn{}, errors.Wrap(ErrMalformedNotification, "no ethernet header")
	}
	eth := l.(*layers.Ethernet)

	src, ok := flow.MACFromBytes(eth.SrcMAC)
	if !ok {
		return PacketIn{}, errors.Wrapf(ErrMalformedNotification, "source address %v", eth.SrcMAC)
	}

	ethType := uint16(eth.EthernetType)
	if eth.EthernetType == layers.EthernetTypeDot1Q || eth.EthernetType == layers.EthernetTypeQinQ {
		if dot1q, ok := pkt.Layer(layers.LayerTypeDot1Q).(*layers.Dot1Q); ok {
			ethType = uint16(dot1q.Type)
		}
	}

	return PacketIn{
		Datapath:  dp,
		InPort:    inPort,
		SrcMAC:    src,
		EtherType: &ethType,
	}, nil
}
