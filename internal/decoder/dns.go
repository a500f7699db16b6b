package decoder

import (
	"fmt"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Record type names; anything else is reported as TypeUnknown.
var rrNames = map[layers.DNSType]string{
	layers.DNSTypeA:     "A",
	layers.DNSTypeAAAA:  "AAAA",
	layers.DNSTypeNS:    "NS",
	layers.DNSTypeCNAME: "CNAME",
	layers.DNSTypeMX:    "MX",
	layers.DNSTypePTR:   "PTR",
	255:                 "ANY",
}

// TypeUnknown names record types outside rrNames.
const TypeUnknown = "unknown"

var rcodeNames = map[layers.DNSResponseCode]string{
	layers.DNSResponseCodeNoErr:    "OK",
	layers.DNSResponseCodeNXDomain: "Name error",
}

// DNSQuestion is one question of a query.
type DNSQuestion struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// DNSQuery is a message with questions and no records.
type DNSQuery struct {
	Questions []DNSQuestion `json:"questions"`
}

// DNSAnswer is one resource record, names without the trailing dot.
type DNSAnswer struct {
	Name string `json:"name"`
	Data string `json:"data"`
	Type string `json:"type"`
}

// DNSResponse is a message with at least one record in any section.
type DNSResponse struct {
	Answers      []DNSAnswer `json:"answers"`
	ResponseCode string      `json:"rcode"`
}

// TypeName returns the short name of a record type.
func TypeName(t layers.DNSType) string {
	if n, ok := rrNames[t]; ok {
		return n
	}
	return TypeUnknown
}

// RcodeName returns "OK" / "Name error" or gopacket's name for other codes.
func RcodeName(c layers.DNSResponseCode) string {
	if n, ok := rcodeNames[c]; ok {
		return n
	}
	return c.String()
}

// TrimName strips the trailing root dot from a DNS name.
func TrimName(name string) string {
	return strings.TrimSuffix(name, ".")
}

// RecordData renders the data of a record as a graph value.
func RecordData(rr layers.DNSResourceRecord) string {
	switch rr.Type {
	case layers.DNSTypeA, layers.DNSTypeAAAA:
		if rr.IP != nil {
			return rr.IP.String()
		}
	case layers.DNSTypeNS:
		return TrimName(string(rr.NS))
	case layers.DNSTypeCNAME:
		return TrimName(string(rr.CNAME))
	case layers.DNSTypeMX:
		return TrimName(string(rr.MX.Name))
	case layers.DNSTypePTR:
		return TrimName(string(rr.PTR))
	}
	return ""
}

// parseDNS decodes payload, turning parser panics into a nil result.
func parseDNS(payload []byte) (dns *layers.DNS) {
	if len(payload) < 12 {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			dns = nil
		}
	}()
	d := &layers.DNS{}
	if err := d.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		return nil
	}
	return d
}

// DNSQueryFrom matches a query: at least one question, no records.
func DNSQueryFrom(payload []byte) *DecodedFlow {
	dns := parseDNS(payload)
	if dns == nil {
		return nil
	}
	if dns.ANCount != 0 || dns.NSCount != 0 || dns.ARCount != 0 || dns.QDCount == 0 || len(dns.Questions) == 0 {
		return nil
	}

	q := &DNSQuery{Questions: make([]DNSQuestion, 0, len(dns.Questions))}
	parts := make([]string, 0, len(dns.Questions))
	for _, question := range dns.Questions {
		dq := DNSQuestion{Name: TrimName(string(question.Name)), Type: TypeName(question.Type)}
		q.Questions = append(q.Questions, dq)
		parts = append(parts, fmt.Sprintf("%s (%s)", dq.Name, dq.Type))
	}

	return &DecodedFlow{
		Type:     KindDNSQuery,
		Info:     "DNS query: " + strings.Join(parts, ", "),
		DNSQuery: q,
	}
}

// DNSResponseFrom matches a response: at least one record in any section.
// Answers lists the answer section.
func DNSResponseFrom(payload []byte) *DecodedFlow {
	dns := parseDNS(payload)
	if dns == nil {
		return nil
	}
	if dns.ANCount == 0 && dns.NSCount == 0 && dns.ARCount == 0 {
		return nil
	}

	resp := &DNSResponse{
		Answers:      make([]DNSAnswer, 0, len(dns.Answers)),
		ResponseCode: RcodeName(dns.ResponseCode),
	}
	parts := make([]string, 0, len(dns.Answers))
	for _, rr := range dns.Answers {
		a := DNSAnswer{Name: TrimName(string(rr.Name)), Data: RecordData(rr), Type: TypeName(rr.Type)}
		resp.Answers = append(resp.Answers, a)
		parts = append(parts, fmt.Sprintf("%s (%s) -> %s", a.Name, a.Type, a.Data))
	}

	info := fmt.Sprintf("DNS %s (no answers)", resp.ResponseCode)
	if len(parts) > 0 {
		info = fmt.Sprintf("DNS %s %s", resp.ResponseCode, strings.Join(parts, ", "))
	}
	return &DecodedFlow{
		Type:        KindDNSResponse,
		Info:        info,
		DNSResponse: resp,
	}
}
