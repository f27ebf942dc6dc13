package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:          "nurunuru-server",
		Short:        "Nostr ingestion, streaming and feed-ranking service",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "path to the YAML config (default $NURUNURU_CONFIG or config/nurunuru.yaml)")
	root.Version = version
	root.SetVersionTemplate("{{.Version}}\n")
	root.AddCommand(serveCmd())
	root.AddCommand(feedCmd())
	root.AddCommand(versionCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
