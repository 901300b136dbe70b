package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/PushpalPatil/ChatBot/internal/api"
	"github.com/PushpalPatil/ChatBot/internal/config"
)

func init() {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print conversation statistics from a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, func(c *config.Config) {
				if cmd.Flags().Changed("server-url") {
					c.Client.ServerURL = serverURL
				}
			})
			if err != nil {
				return err
			}
			res, err := api.NewClient(api.WithServerURL(cfg.Client.ServerURL)).GetStats(cmd.Context())
			if err != nil {
				return err
			}
			if res.Status == api.StatusFailed {
				return fmt.Errorf("server could not load statistics")
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Conversations: %d\n", res.TotalSessions)
			fmt.Fprintf(out, "Messages: %d\n", res.TotalMessages)
			fmt.Fprintf(out, "Average per conversation: %.1f\n", res.AverageMessagesPerSession)
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server-url", "", "Chat server base URL")
	rootCmd.AddCommand(cmd)
}
