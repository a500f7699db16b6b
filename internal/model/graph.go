package model

import (
	"time"

	"github.com/google/uuid"
)

// Node types produced by the entity store classifier.
const (
	NodeTypeIP       = "ip"
	NodeTypeHostname = "hostname"
	NodeTypeURL      = "url"
)

// Node is an observed entity (IP, hostname, URL).
type Node struct {
	ID        string    `json:"_id" bson:"_id"`
	Value     string    `json:"value" bson:"value"`
	Type      string    `json:"type" bson:"type"`
	Tags      []string  `json:"tags" bson:"tags"`
	FirstSeen time.Time `json:"date_first_seen" bson:"date_first_seen"`
	LastSeen  time.Time `json:"date_last_seen" bson:"date_last_seen"`
}

// Edge is a labelled relationship between two node ids.
type Edge struct {
	ID        string    `json:"_id" bson:"_id"`
	Src       string    `json:"src" bson:"src"`
	Dst       string    `json:"dst" bson:"dst"`
	Label     string    `json:"attribs" bson:"attribs"`
	FirstSeen time.Time `json:"first_seen" bson:"first_seen"`
	LastSeen  time.Time `json:"last_seen" bson:"last_seen"`
}

var edgeNamespace = uuid.MustParse("6f1c53d2-8d0f-4d4b-9a53-3c1e8e2b7a10")

// EdgeID derives the identity of the edge src->dst with label. The same
// triple always yields the same id.
func EdgeID(src, dst, label string) string {
	return uuid.NewSHA1(edgeNamespace, []byte(src+"|"+dst+"|"+label)).String()
}

// NewEdge builds an edge with its derived id, first seen at ts.
func NewEdge(src, dst *Node, label string, ts time.Time) *Edge {
	return &Edge{
		ID:        EdgeID(src.ID, dst.ID, label),
		Src:       src.ID,
		Dst:       dst.ID,
		Label:     label,
		FirstSeen: ts,
		LastSeen:  ts,
	}
}
