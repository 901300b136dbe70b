package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/PushpalPatil/ChatBot/internal/api"
	"github.com/PushpalPatil/ChatBot/internal/chatbot"
	"github.com/PushpalPatil/ChatBot/internal/config"
	"github.com/PushpalPatil/ChatBot/internal/stream"
	"github.com/PushpalPatil/ChatBot/internal/telemetry"
)

type ClientFlags struct {
	ServerURL string
	Transport string
	SessionID int64
}

func (f *ClientFlags) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&f.ServerURL, "server-url", "", "Chat server base URL")
	fs.StringVar(&f.Transport, "transport", "", "Streaming transport (http|ws)")
	fs.Int64Var(&f.SessionID, "session-id", 0, "Load an existing conversation by ID")
}

func (f *ClientFlags) apply(fs *pflag.FlagSet, cfg *config.Config) {
	if fs.Changed("server-url") {
		cfg.Client.ServerURL = f.ServerURL
	}
	if fs.Changed("transport") {
		cfg.Client.Transport = f.Transport
	}
}

func newStreamer(cfg config.ClientConfig) (stream.Streamer, error) {
	if cfg.Transport == config.TransportWebSocket {
		return stream.NewWebSocketClient(cfg.ServerURL)
	}
	// No client timeout: the server bounds each exchange
	return stream.NewClient(cfg.ServerURL, nil), nil
}

func init() {
	f := &ClientFlags{}

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session against a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, func(c *config.Config) { f.apply(cmd.Flags(), c) })
			if err != nil {
				return err
			}
			logger, logCloser, err := telemetry.InitLogger(cfg.Log, cfg.Debug)
			if err != nil {
				return err
			}
			defer logCloser.Close()

			streamer, err := newStreamer(cfg.Client)
			if err != nil {
				return err
			}
			sessions := api.NewClient(api.WithServerURL(cfg.Client.ServerURL))
			bot := chatbot.NewChatBot(streamer, sessions, cfg.Backend, logger, os.Stdin, os.Stdout)

			if f.SessionID != 0 {
				if err := bot.LoadSession(cmd.Context(), f.SessionID); err != nil {
					return err
				}
			}

			interrupts := make(chan os.Signal, 1)
			signal.Notify(interrupts, os.Interrupt)
			defer signal.Stop(interrupts)

			if err := bot.Run(cmd.Context(), interrupts); err != nil {
				return fmt.Errorf("chat session ended with error: %w", err)
			}
			return nil
		},
	}

	f.BindFlags(cmd.Flags())
	rootCmd.AddCommand(cmd)
}
