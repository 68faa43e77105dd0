package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/whale-sh/whale/internal/config"
	"github.com/whale-sh/whale/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/whale-sh/whale/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile   string
	verbose   bool
	debugMode bool

	flagPrint        bool
	flagOutputFormat string
	flagModel        string
	flagFallback     string
	flagPermission   string
	flagResume       string
	flagContinue     bool
	flagSessionID    string
	flagMaxTurns     int
	flagMaxBudget    float64
	flagEffort       string
	flagAllowed      []string
	flagDisallowed   []string
)

var rootCmd = &cobra.Command{
	Use:   "whale [prompt]",
	Short: "whale — local-first coding agent",
	Long: "whale runs an LLM-driven coding agent against your working directory,\n" +
		"with sandboxed shell, file editing, code navigation via language\n" +
		"servers, and sub-agent delegation. Interactive by default on a\n" +
		"terminal; use -p for one-shot scripted runs.",
	Args: cobra.ArbitraryArgs,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt := strings.Join(args, " ")
		if flagPrint || !stdinIsTerminal() {
			os.Exit(runPrint(prompt))
		}
		return runChat(prompt)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: ~/.whale/config.json or $WHALE_CONFIG)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging to stderr")
	pf.BoolVar(&debugMode, "debug", false, "write per-session ndjson diagnostics under ~/.whale/debug")

	// Run-shaping flags are persistent so `whale chat` and the bare root
	// invocation accept the same set.
	pf.StringVarP(&flagModel, "model", "m", "", "model override")
	pf.StringVar(&flagFallback, "fallback-model", "", "model to retry with after repeated transient failures")
	pf.StringVar(&flagPermission, "permission-mode", "", "default | plan | yolo")
	pf.StringVarP(&flagResume, "resume", "r", "", "resume the conversation with this id")
	pf.BoolVarP(&flagContinue, "continue", "c", false, "continue the most recent conversation")
	pf.StringVar(&flagSessionID, "session-id", "", "create the conversation with a fixed id")
	pf.IntVar(&flagMaxTurns, "max-turns", 0, "abort after this many model turns")
	pf.Float64Var(&flagMaxBudget, "max-budget-usd", 0, "abort once accumulated cost exceeds this")
	pf.StringVar(&flagEffort, "effort", "", "reasoning effort: low | medium | high")
	pf.StringSliceVar(&flagAllowed, "allowed-tools", nil, "restrict the tool set (names or group:<name>)")
	pf.StringSliceVar(&flagDisallowed, "disallowed-tools", nil, "deny specific tools (always wins)")

	f := rootCmd.Flags()
	f.BoolVarP(&flagPrint, "print", "p", false, "non-interactive: run one prompt and exit")
	f.StringVar(&flagOutputFormat, "output-format", "text", "print-mode output: text | json | stream-json")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(logoutCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(setupCmd())
	rootCmd.AddCommand(storesCmd())
	rootCmd.AddCommand(mcpCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(attachCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("whale %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}

// loadConfig reads the config file, overlays env, then overlays flags.
func loadConfig() (*config.Config, error) {
	dataDir, err := config.DataDir()
	if err != nil {
		return nil, err
	}
	path := cfgFile
	if path == "" {
		path = config.Path(dataDir)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if cfg.Providers.Anthropic.APIKey == "" {
		if key := readCredential(dataDir); key != "" {
			cfg.Providers.Anthropic.APIKey = key
		}
	}

	if flagModel != "" {
		cfg.Model = flagModel
	}
	if flagFallback != "" {
		cfg.FallbackModel = flagFallback
	}
	if flagPermission != "" {
		cfg.PermissionMode = flagPermission
	}
	if flagMaxTurns > 0 {
		cfg.MaxTurns = flagMaxTurns
	}
	if flagMaxBudget > 0 {
		cfg.MaxBudgetUSD = flagMaxBudget
	}
	if flagEffort != "" {
		cfg.Effort = flagEffort
	}
	if len(flagAllowed) > 0 {
		cfg.Tools.Allowed = flagAllowed
	}
	if len(flagDisallowed) > 0 {
		cfg.Tools.Disallowed = flagDisallowed
	}
	return cfg, nil
}

// credentialPath is the API key fallback for users who prefer `whale login`
// over exporting WHALE_API_KEY. Mode 0600.
func credentialPath(dataDir string) string {
	return filepath.Join(dataDir, "credentials")
}

func readCredential(dataDir string) string {
	data, err := os.ReadFile(credentialPath(dataDir))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func stdinIsTerminal() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
