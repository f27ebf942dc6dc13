package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"nurunuru-server/internal/engine"
	"nurunuru-server/internal/feed"
	"nurunuru-server/internal/ranking"
)

func feedCmd() *cobra.Command {
	var (
		pubkey  string
		geohash string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Print a ranked feed as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			viewer := feed.Viewer{Geohash: geohash}
			if pubkey != "" {
				hex, ok := parsePubkey(pubkey)
				if !ok {
					return fmt.Errorf("invalid pubkey: %q", pubkey)
				}
				viewer.Pubkey = hex
			}

			engines := engine.NewProvider(relayEngineFactory(cfg), cfg.Server.EngineRetry)
			defer engines.Close()

			pipeline := feed.New(engines, ranking.New(cfg.Ranking), cfg.Feed)
			res, err := pipeline.GetFeed(cmd.Context(), viewer, limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().StringVar(&pubkey, "pubkey", "", "viewer pubkey (hex or npub)")
	cmd.Flags().StringVar(&geohash, "geohash", "", "viewer geohash for locality boost")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of posts")
	return cmd
}
