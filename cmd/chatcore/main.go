package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"chatcore/internal/config"
	"chatcore/internal/logging"
	"chatcore/internal/session"
	"chatcore/internal/store"
	"chatcore/internal/transport"
)

var (
	// Global flags
	configPath string
	verbose    bool
	debugMode  bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "chatcore",
	Short: "chatcore - conversation engine for streaming chat assistants",
	Long: `chatcore drives a chat session against the Gemini API: streamed
responses, regeneration, history compaction, and structured follow-up
questions, with local SQLite archiving.

Run without arguments to start an interactive session.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if debugMode {
			cfg.Logging.Debug = true
			cfg.Session.DebugMode = true
		}

		return logging.Initialize(cfg.Logging.Dir, logging.Options{
			Debug: cfg.Logging.Debug,
			Level: cfg.Logging.Level,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Close()
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInteractive(cmd.Context())
	},
}

var sendCmd = &cobra.Command{
	Use:   "send [message]",
	Short: "Send a single message and print the streamed response",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, cleanup, err := buildSession(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		msg := args[0]
		for _, a := range args[1:] {
			msg += " " + a
		}
		return sendAndRender(cmd.Context(), sess, msg)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the chatcore version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("chatcore 0.3.0")
	},
}

// buildSession wires the transport, archive, and engine from config.
func buildSession(ctx context.Context) (*session.Session, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	tr, err := transport.NewGeminiTransport(ctx, transport.GeminiConfig{
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	})
	if err != nil {
		return nil, nil, err
	}

	var archive *store.ArchiveStore
	if cfg.Storage.DatabasePath != "" {
		archive, err = store.NewArchiveStore(cfg.Storage.DatabasePath)
		if err != nil {
			logger.Warn("archive disabled", zap.Error(err))
		}
	}

	sess := session.New(session.Options{
		Transport:           tr,
		Archive:             archive,
		CompactionThreshold: cfg.Session.CompactionThreshold,
		DebugMode:           cfg.Session.DebugMode,
		Clipboard:           systemClipboard{},
	})

	cleanup := func() {
		sess.Close()
		if archive != nil {
			_ = archive.Close()
		}
	}
	return sess, cleanup, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "chatcore.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "attach generation metadata to responses")
	rootCmd.AddCommand(sendCmd, versionCmd)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
