// Package decoder interprets reconstructed flow payloads as DNS or HTTP.
//
// Every function here is pure. A payload that does not match, or that makes
// an underlying parser fail, yields nil; no error ever leaves the package.
package decoder

// Kind tags the variant held by a DecodedFlow.
type Kind string

const (
	KindDNSQuery     Kind = "dns_query"
	KindDNSResponse  Kind = "dns_response"
	KindHTTPRequest  Kind = "http_request"
	KindHTTPResponse Kind = "http_response"
)

// DecodedFlow is the structured interpretation of a flow payload. Exactly
// one of the variant pointers is set, matching Type.
type DecodedFlow struct {
	Type Kind   `json:"flow_type"`
	Info string `json:"info"`

	DNSQuery     *DNSQuery     `json:"dns_query,omitempty"`
	DNSResponse  *DNSResponse  `json:"dns_response,omitempty"`
	HTTPRequest  *HTTPRequest  `json:"http_request,omitempty"`
	HTTPResponse *HTTPResponse `json:"http_response,omitempty"`
}

// Input is the flow context a decode attempt needs.
type Input struct {
	Payload   []byte
	Cleartext []byte
	TLS       bool
	SrcPort   uint16
	DstPort   uint16
}

const dnsPort = 53

// Decode tries each decoder in order and returns the first match, or nil.
// HTTP is tried on the raw payload, then on the TLS cleartext when the flow
// was intercepted, then DNS by port direction.
func Decode(in Input) *DecodedFlow {
	if d := HTTPResponseFrom(in.Payload); d != nil {
		return d
	}
	if d := HTTPRequestFrom(in.Payload, false); d != nil {
		return d
	}
	if in.TLS {
		if d := HTTPRequestFrom(in.Cleartext, true); d != nil {
			return d
		}
		if d := HTTPResponseFrom(in.Cleartext); d != nil {
			return d
		}
	}
	// DNS parsing is only attempted on the conventional port so arbitrary
	// payloads never reach the name decompressor.
	if in.DstPort == dnsPort {
		if d := DNSQueryFrom(in.Payload); d != nil {
			return d
		}
	}
	if in.SrcPort == dnsPort {
		if d := DNSResponseFrom(in.Payload); d != nil {
			return d
		}
	}
	return nil
}

// HTTPElements returns the graph-relevant parts of an HTTP request flow.
func (d *DecodedFlow) HTTPElements() (*HTTPRequest, bool) {
	if d == nil || d.Type != KindHTTPRequest || d.HTTPRequest == nil {
		return nil, false
	}
	return d.HTTPRequest, true
}
