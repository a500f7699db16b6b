package flow

import (
	"fmt"
	"strings"

	"Go2NetGraph/internal/model"
)

// ProtocolName maps an IP protocol number to the flow protocol label.
func ProtocolName(proto uint8) string {
	switch proto {
	case model.ProtocolTCP:
		return "TCP"
	case model.ProtocolUDP:
		return "UDP"
	default:
		return "???"
	}
}

func keyOf(proto, srcAddr string, srcPort uint16, dstAddr string, dstPort uint16) string {
	fid := fmt.Sprintf("flowid--%s--%s-%d--%s-%d", strings.ToLower(proto), srcAddr, srcPort, dstAddr, dstPort)
	return strings.ReplaceAll(fid, ".", "-")
}

// Key derives the directional flow id of a packet's five-tuple.
func Key(ft model.FiveTuple) string {
	return keyOf(ProtocolName(ft.Protocol), ft.SrcIP.String(), ft.SrcPort, ft.DstIP.String(), ft.DstPort)
}

// ReverseKey is the id the same conversation has in the other direction.
func ReverseKey(ft model.FiveTuple) string {
	return keyOf(ProtocolName(ft.Protocol), ft.DstIP.String(), ft.DstPort, ft.SrcIP.String(), ft.SrcPort)
}
