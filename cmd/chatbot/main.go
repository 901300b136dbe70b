package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/PushpalPatil/ChatBot/internal/config"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "chatbot",
	Short: "Streaming chat server and terminal client",
	Long: `chatbot serves a streaming chat endpoint backed by OpenAI, Anthropic,
Grok or Ollama, persists conversations in SQLite or Postgres, and ships a
terminal client that talks to it over HTTP or WebSocket.`,
	SilenceUsage: true,
}

// GlobalFlags are shared by every subcommand
type GlobalFlags struct {
	ConfigPath string
	Debug      bool
	Backend    string
	Model      string
	LogLevel   string
	LogDir     string
}

func (f *GlobalFlags) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&f.ConfigPath, "config", "", "Path to a YAML config file")
	fs.BoolVar(&f.Debug, "debug", false, "Enable debug logging")
	fs.StringVar(&f.Backend, "backend", "", "LLM backend (ollama|anthropic|grok|openai)")
	fs.StringVar(&f.Model, "model", "", "Model name, defaults per backend")
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug,info,warn,error)")
	fs.StringVar(&f.LogDir, "log-dir", "", "Directory for rotated log files")
}

var globalFlags = &GlobalFlags{}

// loadConfig layers defaults, the config file, the environment and finally
// any flag the user set explicitly
func loadConfig(cmd *cobra.Command, override func(*config.Config)) (config.Config, error) {
	cfg, err := config.Load(globalFlags.ConfigPath)
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("debug") {
		cfg.Debug = globalFlags.Debug
	}
	if flags.Changed("backend") {
		cfg.Backend = globalFlags.Backend
	}
	if flags.Changed("model") {
		cfg.Model = globalFlags.Model
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = globalFlags.LogLevel
	}
	if flags.Changed("log-dir") {
		cfg.Log.Dir = globalFlags.LogDir
	}
	if override != nil {
		override(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func init() {
	globalFlags.BindFlags(rootCmd.PersistentFlags())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
