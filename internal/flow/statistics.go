package flow

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"Go2NetGraph/internal/decoder"
	"Go2NetGraph/internal/model"
)

// Payload encodings accepted by Statistics.
const (
	EncodingRaw    = "raw"
	EncodingWeb    = "web"
	EncodingBase64 = "base64"
)

// Statistics is the reporting view of a flow.
type Statistics struct {
	Timestamp       time.Time            `json:"timestamp"`
	FID             string               `json:"fid"`
	SrcAddr         string               `json:"src_addr"`
	SrcPort         uint16               `json:"src_port"`
	DstAddr         string               `json:"dst_addr"`
	DstPort         uint16               `json:"dst_port"`
	Protocol        string               `json:"protocol"`
	PacketCount     uint64               `json:"packet_count"`
	DataTransferred uint64               `json:"data_transferred"`
	TLS             bool                 `json:"tls"`
	Decoded         *decoder.DecodedFlow `json:"decoded_flow"`
	Payload         *string              `json:"payload,omitempty"`
}

// ValidEncoding reports whether enc is a known payload encoding.
func ValidEncoding(enc string) bool {
	switch enc {
	case EncodingRaw, EncodingWeb, EncodingBase64:
		return true
	}
	return false
}

// EncodePayload renders b for transport. Intercepted flows expose their
// cleartext.
func EncodePayload(b []byte, enc string) (string, error) {
	switch enc {
	case "", EncodingRaw:
		return string(b), nil
	case EncodingWeb:
		return strings.ToValidUTF8(string(b), ""), nil
	case EncodingBase64:
		return base64.StdEncoding.EncodeToString(b), nil
	default:
		return "", fmt.Errorf("unknown payload encoding %q", enc)
	}
}

// Statistics snapshots the flow, recomputing its decoded form.
func (f *Flow) Statistics(includePayload bool, enc string) (Statistics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	st := Statistics{
		Timestamp:       f.Timestamp,
		FID:             f.FID,
		SrcAddr:         f.SrcAddr,
		SrcPort:         f.SrcPort,
		DstAddr:         f.DstAddr,
		DstPort:         f.DstPort,
		Protocol:        f.Protocol,
		PacketCount:     f.packetCount,
		DataTransferred: f.dataTransferred,
		TLS:             f.tls,
		Decoded:         f.decodeLocked(),
	}
	if includePayload {
		data := f.payload
		if f.tls {
			data = f.cleartext
		}
		s, err := EncodePayload(data, enc)
		if err != nil {
			return Statistics{}, err
		}
		st.Payload = &s
	}
	return st, nil
}

// Record returns the persisted form of the flow.
func (f *Flow) Record() model.FlowRecord {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec := model.FlowRecord{
		Timestamp:       f.Timestamp,
		FID:             f.FID,
		SrcAddr:         f.SrcAddr,
		SrcPort:         f.SrcPort,
		DstAddr:         f.DstAddr,
		DstPort:         f.DstPort,
		Protocol:        f.Protocol,
		PacketCount:     f.packetCount,
		DataTransferred: f.dataTransferred,
		TLS:             f.tls,
		Payload:         append([]byte(nil), f.payload...),
		Cleartext:       append([]byte(nil), f.cleartext...),
	}
	if d := f.decodeLocked(); d != nil {
		rec.DecodedType = string(d.Type)
		rec.Info = d.Info
	}
	return rec
}

// FromRecord rebuilds a flow from its persisted form. Reassembly state is
// not restored; a loaded flow is read-only in practice.
func FromRecord(rec model.FlowRecord) *Flow {
	return &Flow{
		FID:             rec.FID,
		Timestamp:       rec.Timestamp,
		SrcAddr:         rec.SrcAddr,
		SrcPort:         rec.SrcPort,
		DstAddr:         rec.DstAddr,
		DstPort:         rec.DstPort,
		Protocol:        rec.Protocol,
		packetCount:     rec.PacketCount,
		dataTransferred: rec.DataTransferred,
		tls:             rec.TLS,
		payload:         append([]byte(nil), rec.Payload...),
		cleartext:       append([]byte(nil), rec.Cleartext...),
	}
}
