package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"nostr-outbox/internal/config"
	"nostr-outbox/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
)

// globalOptions are shared by every subcommand.
type globalOptions struct {
	configPath string
	verbose    bool

	cfg    *config.OutboxConfig
	logger *slog.Logger
}

// setup loads .env, the configuration and the logger. Logs go to stderr so
// stdout stays clean for event output.
func (g *globalOptions) setup(stderr io.Writer) error {
	_ = godotenv.Load(".env")

	level := logging.ParseLevel(os.Getenv("LOG_LEVEL"))
	if g.verbose {
		level = slog.LevelDebug
	}
	g.logger = logging.New(stderr, level)
	slog.SetDefault(g.logger)

	path := g.configPath
	if path == "" {
		path = config.Path()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	g.cfg = cfg
	g.logger.Debug("configuration loaded", "path", path, "default_relays", len(cfg.DefaultRelays))
	return nil
}

// NewRootCmd builds the outbox-tail command tree.
func NewRootCmd() *cobra.Command {
	g := &globalOptions{}

	root := &cobra.Command{
		Use:   "outbox-tail",
		Short: "Stream Nostr events through an outbox relay pool",
		Long: `outbox-tail subscribes to Nostr relays through an outbox pool that packs
subscriptions into as few REQs as each relay allows, and prints every new
event as one JSON line.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return g.setup(cmd.ErrOrStderr())
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "config file path (default is $OUTBOX_CONFIG or config/outbox.yaml)")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newTailCmd(g), newConfigCmd(g))
	return root
}

// Execute runs the root command and exits non-zero on failure. Called by main.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
