package main

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, path, dir string) {
	t.Helper()
	cfg := "sniffer:\n  dir: " + dir + "\n" +
		"store:\n  type: memory\n" +
		"modules:\n  activated: [protostats]\n" +
		"log:\n  level: error\n"
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
}
