package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"Go2NetGraph/internal/flow"
	"Go2NetGraph/internal/graph"
	"Go2NetGraph/internal/session"

	"github.com/spf13/cobra"
)

type replayReport struct {
	Session session.Info           `json:"session"`
	Flows   []flow.Statistics      `json:"flows"`
	Graph   graph.Delta            `json:"graph"`
	Modules map[string]interface{} `json:"modules,omitempty"`
}

func newReplayCmd(cfgPath *string) *cobra.Command {
	var (
		name    string
		filter  string
		payload bool
	)

	cmd := &cobra.Command{
		Use:   "replay <capture.pcap>",
		Short: "Replay a capture file through a new session and print its flows and graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*cfgPath)
			if err != nil {
				return err
			}
			defer logger.Sync()
			cfg.TLSProxy.Enabled = false
			cfg.Sniffer.ReplayDelayMs = 0

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read capture: %w", err)
			}
			if name == "" {
				name = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			rt, err := buildRuntime(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			s, err := rt.engine.NewSession(ctx, session.NewOptions{Name: name, Filter: filter, Capture: data})
			if err != nil {
				return err
			}
			if err := s.Start(ctx); err != nil {
				return err
			}
			s.Wait()

			report := replayReport{Session: s.Info(), Graph: s.Graph(), Modules: map[string]interface{}{}}
			if report.Flows, err = s.FlowStatus(payload, ""); err != nil {
				return err
			}
			for _, mn := range s.Modules() {
				m, _ := s.Module(mn)
				out, err := m.Bootstrap(ctx, nil)
				if err != nil {
					logger.Warnw("Module bootstrap failed", "module", mn, "error", err)
					continue
				}
				report.Modules[mn] = out
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "session name (defaults to the file name)")
	cmd.Flags().StringVar(&filter, "filter", "", "additional BPF filter")
	cmd.Flags().BoolVar(&payload, "payload", false, "include flow payloads")
	return cmd
}
