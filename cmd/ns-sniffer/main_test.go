package main

import (
	"bytes"
	"encoding/json"
	"math/rand"
	"path/filepath"
	"testing"

	"Go2NetGraph/pkg/pcap"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDemoTraffic(t *testing.T) {
	pkts := demoTraffic(rand.New(rand.NewSource(1)), 3)
	assert.Len(t, pkts, 21)
}

func TestDemoThenReplay(t *testing.T) {
	dir := t.TempDir()
	capture := filepath.Join(dir, "demo.pcap")

	root := newRootCmd()
	root.SetArgs([]string{"demo", "-o", capture, "-c", "2"})
	root.SetOut(&bytes.Buffer{})
	require.NoError(t, root.Execute())

	pkts, err := pcap.ReadFile(capture)
	require.NoError(t, err)
	assert.Len(t, pkts, 14)

	cfgFile := filepath.Join(dir, "config.yaml")
	writeConfig(t, cfgFile, dir)

	var out bytes.Buffer
	root = newRootCmd()
	root.SetArgs([]string{"replay", "--config", cfgFile, "--name", "demo", capture})
	root.SetOut(&out)
	require.NoError(t, root.Execute())

	var report replayReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.Equal(t, "demo", report.Session.Name)
	assert.Equal(t, uint64(14), report.Session.PacketCount)
	assert.NotEmpty(t, report.Flows)
	assert.NotEmpty(t, report.Graph.Nodes)
	assert.Contains(t, report.Modules, "protostats")
}

func TestSetupMissingConfigUsesDefaults(t *testing.T) {
	cfg, logger, err := setup(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.Equal(t, "memory", cfg.Store.Type)
}
