package main

import (
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/voicebridge/voicebridge/internal/api"
	"github.com/voicebridge/voicebridge/internal/auth"
	"github.com/voicebridge/voicebridge/internal/config"
	"github.com/voicebridge/voicebridge/internal/events"
	"github.com/voicebridge/voicebridge/internal/relay"
	"github.com/voicebridge/voicebridge/internal/upstream"
)

var (
	configPath string
	listenAddr string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "voicebridge",
	Short: "Realtime relay between voice clients and the Gemini Live API",
	Long: `VoiceBridge maintains one long-lived session per connected client and keeps
it alive across upstream disconnects, re-priming conversational context on
every reconnect.`,
	RunE: runServer,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")
	rootCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "listen address (overrides config)")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if debug || cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}

	broker := events.NewBroker[any]()
	defer broker.Shutdown()

	supplier := auth.NewSupplier(cfg.Auth)
	dialer := upstream.NewDialer(cfg.Upstream, cfg.Timing, supplier)
	registry := relay.NewRegistry(dialer, cfg.Timing, cfg.HistoryCap, broker)
	server := api.NewServer(registry, broker)

	// Reloaded settings apply to sessions created after the change.
	if config.FileUsed() != "" {
		config.Watch(func(next *config.Config) {
			log.Info("configuration updated", "model", next.Upstream.Model, "voice", next.Upstream.Voice)
		})
	}

	log.Info("starting voicebridge",
		"listen", cfg.ListenAddr,
		"model", cfg.Upstream.Model,
		"modality", cfg.Upstream.ResponseModality,
	)
	return server.Start(cfg.ListenAddr)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error("server failed", "error", err)
		os.Exit(1)
	}
}
