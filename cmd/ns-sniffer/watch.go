package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"Go2NetGraph/internal/broadcast"

	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

func newWatchCmd(cfgPath *string) *cobra.Command {
	var eventType string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print live events published on NATS",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*cfgPath)
			if err != nil {
				return err
			}
			defer logger.Sync()

			sub, err := broadcast.NewSubscriber(cfg.Broadcast.NATS, logger)
			if err != nil {
				return err
			}
			defer sub.Close()

			out := cmd.OutOrStdout()
			err = sub.Start(eventType, func(subject string, env *structpb.Struct) {
				fmt.Fprintf(out, "%s %s\n", subject, protojson.Format(env))
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&eventType, "type", "", "only follow this event type (flow_statistics_update, nodeupdate, sniffdone)")
	return cmd
}
