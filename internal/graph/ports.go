package graph

import (
	"github.com/google/gopacket/layers"

	"Go2NetGraph/internal/model"
)

var knownTCPPorts = map[uint16]string{
	80:   "HTTP",
	443:  "HTTPS",
	21:   "FTP",
	22:   "SSH",
	25:   "SMTP",
	110:  "POP3",
	143:  "IMAP",
	3389: "RDP",
}

var knownUDPPorts = map[uint16]string{
	53:  "DNS",
	123: "NTP",
	67:  "DHCP",
	68:  "DHCP",
}

// ProtocolLabel names the conversation of pkt: a well-known application
// protocol by destination then source port, else the transport name.
func ProtocolLabel(pkt *model.PacketInfo) string {
	var ports map[uint16]string
	var fallback string
	switch {
	case pkt.IsTCP():
		ports, fallback = knownTCPPorts, "TCP"
	case pkt.IsUDP():
		ports, fallback = knownUDPPorts, "UDP"
	default:
		return layers.IPProtocol(pkt.FiveTuple.Protocol).String()
	}
	if l, ok := ports[pkt.FiveTuple.DstPort]; ok {
		return l
	}
	if l, ok := ports[pkt.FiveTuple.SrcPort]; ok {
		return l
	}
	return fallback
}
