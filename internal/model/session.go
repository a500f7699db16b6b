package model

import "time"

// FlowRecord is the persisted form of a flow. DecodedType and Info are
// informational only; the decoded form is recomputed on load.
type FlowRecord struct {
	Timestamp       time.Time `json:"timestamp" bson:"timestamp"`
	FID             string    `json:"fid" bson:"fid"`
	SrcAddr         string    `json:"src_addr" bson:"src_addr"`
	SrcPort         uint16    `json:"src_port" bson:"src_port"`
	DstAddr         string    `json:"dst_addr" bson:"dst_addr"`
	DstPort         uint16    `json:"dst_port" bson:"dst_port"`
	Protocol        string    `json:"protocol" bson:"protocol"`
	PacketCount     uint64    `json:"packet_count" bson:"packet_count"`
	DataTransferred uint64    `json:"data_transferred" bson:"data_transferred"`
	TLS             bool      `json:"tls" bson:"tls"`
	Payload         []byte    `json:"payload" bson:"payload"`
	Cleartext       []byte    `json:"cleartext,omitempty" bson:"cleartext,omitempty"`
	DecodedType     string    `json:"flow_type,omitempty" bson:"flow_type,omitempty"`
	Info            string    `json:"info,omitempty" bson:"info,omitempty"`
}

// SessionData is the checkpointed in-memory state of a session.
type SessionData struct {
	Flows []FlowRecord `json:"flows" bson:"flows"`
	Nodes []*Node      `json:"nodes" bson:"nodes"`
	Edges []*Edge      `json:"edges" bson:"edges"`
}

// SessionRecord is the metadata and state of a capture session as stored.
type SessionRecord struct {
	ID           string      `json:"_id" bson:"_id"`
	Name         string      `json:"name" bson:"name"`
	Filter       string      `json:"filter" bson:"filter"`
	InterceptTLS bool        `json:"intercept_tls" bson:"intercept_tls"`
	Pcap         bool        `json:"pcap" bson:"pcap"`
	Public       bool        `json:"public" bson:"public"`
	CreatedAt    time.Time   `json:"date_created" bson:"date_created"`
	PacketCount  uint64      `json:"packet_count" bson:"packet_count"`
	Data         SessionData `json:"session_data" bson:"session_data"`
}
