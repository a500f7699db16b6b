package archive

import (
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"Go2NetGraph/internal/model"
)

// flowsPerShard bounds the number of records in one shard file.
const flowsPerShard = 1024

// Summary is written next to the shards of one archived checkpoint.
type Summary struct {
	SessionID    string `json:"session_id"`
	SessionName  string `json:"session_name"`
	TotalFlows   int    `json:"total_flows"`
	TotalBytes   uint64 `json:"total_bytes"`
	TotalPackets uint64 `json:"total_packets"`
	Shards       int    `json:"shards"`
	Timestamp    string `json:"timestamp"`
}

// GobWriter writes each checkpoint as gob shards plus a summary.json under
// <root>/<timestamp>/<session id>/.
type GobWriter struct {
	rootPath string
}

func NewGobWriter(rootPath string) *GobWriter {
	return &GobWriter{rootPath: rootPath}
}

func (w *GobWriter) Name() string { return "gob" }

func (w *GobWriter) Write(_ context.Context, b model.ArchiveBatch) error {
	if len(b.Flows) == 0 {
		return nil
	}

	dir := filepath.Join(w.rootPath, b.Timestamp, b.SessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	summary := Summary{
		SessionID:   b.SessionID,
		SessionName: b.SessionName,
		TotalFlows:  len(b.Flows),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	for _, f := range b.Flows {
		summary.TotalPackets += f.PacketCount
		summary.TotalBytes += f.DataTransferred
	}

	for start := 0; start < len(b.Flows); start += flowsPerShard {
		end := start + flowsPerShard
		if end > len(b.Flows) {
			end = len(b.Flows)
		}
		path := filepath.Join(dir, fmt.Sprintf("shard_%d.dat", summary.Shards))
		if err := writeShard(path, b.Flows[start:end]); err != nil {
			return err
		}
		summary.Shards++
	}

	f, err := os.Create(filepath.Join(dir, "summary.json"))
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("failed to encode summary to json: %w", err)
	}
	return nil
}

func writeShard(path string, flows []model.FlowRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create shard file '%s': %w", path, err)
	}
	defer f.Close()

	if err := gob.NewEncoder(f).Encode(flows); err != nil {
		return fmt.Errorf("failed to encode flows to gob for file '%s': %w", path, err)
	}
	return nil
}

// ReadGob loads the flows and summary of one archived checkpoint directory.
func ReadGob(dir string) ([]model.FlowRecord, Summary, error) {
	var summary Summary
	data, err := os.ReadFile(filepath.Join(dir, "summary.json"))
	if err != nil {
		return nil, summary, err
	}
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, summary, fmt.Errorf("failed to decode summary: %w", err)
	}

	shards, err := filepath.Glob(filepath.Join(dir, "shard_*.dat"))
	if err != nil {
		return nil, summary, err
	}
	sort.Strings(shards)

	var flows []model.FlowRecord
	for _, path := range shards {
		f, err := os.Open(path)
		if err != nil {
			return nil, summary, err
		}
		var part []model.FlowRecord
		err = gob.NewDecoder(f).Decode(&part)
		f.Close()
		if err != nil {
			return nil, summary, fmt.Errorf("failed to decode %s: %w", path, err)
		}
		flows = append(flows, part...)
	}
	return flows, summary, nil
}
