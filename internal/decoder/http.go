package decoder

import (
	"fmt"
	"regexp"
)

// UnknownURL is the url of a request whose Host header was not found.
const UnknownURL = "[unknown]"

var (
	requestLine = regexp.MustCompile(`(GET|HEAD|POST|PUT|DELETE|TRACE|OPTIONS|CONNECT|PATCH) (\S*) HTTP`)
	hostHeader  = regexp.MustCompile(`Host: ([.\w-]+)(:(\d{1,5}))?`)
	refererHdr  = regexp.MustCompile(`Referer: (\S+)`)
	statusLine  = regexp.MustCompile(`HTTP/[\d.]+ (\d{3})\b`)
	transferEnc = regexp.MustCompile(`Transfer-Encoding: (\S+)`)
)

// HTTPRequest is a decoded request. Host and Port are empty when absent.
type HTTPRequest struct {
	Method  string `json:"method"`
	URI     string `json:"uri"`
	Host    string `json:"host,omitempty"`
	Port    string `json:"port,omitempty"`
	Referer string `json:"referer,omitempty"`
	Scheme  string `json:"scheme"`
	URL     string `json:"url"`
	Secure  bool   `json:"secure"`
}

// HTTPResponse is a decoded response status line.
type HTTPResponse struct {
	Status           string `json:"status"`
	TransferEncoding string `json:"encoding"`
}

// HTTPRequestFrom matches a request line and optional Host/Referer headers.
// secure marks payloads recovered from an intercepted TLS session.
func HTTPRequestFrom(payload []byte, secure bool) *DecodedFlow {
	m := requestLine.FindSubmatch(payload)
	if m == nil {
		return nil
	}
	req := &HTTPRequest{
		Method: string(m[1]),
		URI:    string(m[2]),
		Scheme: "http",
		Secure: secure,
	}
	if secure {
		req.Scheme = "https"
	}
	if h := hostHeader.FindSubmatch(payload); h != nil {
		req.Host = string(h[1])
		req.Port = string(h[3])
	}
	if r := refererHdr.FindSubmatch(payload); r != nil {
		req.Referer = string(r[1])
	}

	if req.Host != "" {
		req.URL = req.Scheme + "://" + req.Host
		if req.Port != "" {
			req.URL += ":" + req.Port
		}
		req.URL += req.URI
	} else {
		req.URL = UnknownURL
	}

	return &DecodedFlow{
		Type:        KindHTTPRequest,
		Info:        fmt.Sprintf("%s request for %s", req.Method, req.URL),
		HTTPRequest: req,
	}
}

// HTTPResponseFrom matches a status line; Transfer-Encoding is optional.
func HTTPResponseFrom(payload []byte) *DecodedFlow {
	m := statusLine.FindSubmatch(payload)
	if m == nil {
		return nil
	}
	resp := &HTTPResponse{Status: string(m[1]), TransferEncoding: "N/A"}
	if e := transferEnc.FindSubmatch(payload); e != nil {
		resp.TransferEncoding = string(e[1])
	}
	return &DecodedFlow{
		Type:         KindHTTPResponse,
		Info:         "Status: " + resp.Status,
		HTTPResponse: resp,
	}
}
