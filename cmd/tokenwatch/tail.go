package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/janekbaraniewski/tokenwatch/internal/config"
	"github.com/janekbaraniewski/tokenwatch/internal/model"
	"github.com/janekbaraniewski/tokenwatch/internal/ws"
)

func newTailCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Stream live usage updates from a running daemon",
		RunE: func(_ *cobra.Command, _ []string) error {
			if addr == "" {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				addr = cfg.ListenAddr
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			client := &ws.Client{
				URL:       fmt.Sprintf("ws://%s/ws", addr),
				OnMessage: printEnvelope,
				OnDisconnect: func(err error, next time.Duration) {
					if err != nil {
						fmt.Printf("disconnected (%v), retrying in %s\n", err, next)
					}
				},
			}
			if err := client.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "daemon address host:port (defaults to config)")
	return cmd
}

func printEnvelope(env ws.Envelope) {
	switch env.Type {
	case ws.TypeStatsUpdate:
		var snap model.Snapshot
		if err := json.Unmarshal(env.Data, &snap); err != nil {
			return
		}
		fmt.Printf("%s cost=$%.4f messages=%d sessions=%d cache_hit=%.1f%%\n",
			env.Timestamp.Local().Format("15:04:05"),
			snap.TotalCostUSD, snap.MessageCount, snap.SessionCount, snap.CacheHitRate*100)
	case ws.TypeProviderSwitched:
		var p model.Provider
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		fmt.Printf("%s provider switched to %s\n",
			env.Timestamp.Local().Format("15:04:05"), p.DisplayName)
	case ws.TypeConnected:
		fmt.Println("connected")
	}
}
