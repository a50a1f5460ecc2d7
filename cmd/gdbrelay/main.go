package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/user/gdbrelay/configs"
	"github.com/user/gdbrelay/internal/analysis"
	"github.com/user/gdbrelay/internal/api"
	"github.com/user/gdbrelay/internal/config"
	"github.com/user/gdbrelay/internal/db"
	"github.com/user/gdbrelay/internal/hub"
	"github.com/user/gdbrelay/internal/logging"
	"github.com/user/gdbrelay/internal/pty"
	"github.com/user/gdbrelay/internal/server"
	"github.com/user/gdbrelay/internal/session"
)

var version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags config.Flags

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve debugger sessions over websocket and HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd, &flags)
		},
	}
	flags.Register(serveCmd.Flags())

	rootCmd := &cobra.Command{
		Use:          "gdbrelay",
		Short:        "Remote GDB/MI debugging sessions for browser clients",
		SilenceUsage: true,
		RunE:         serveCmd.RunE,
	}
	flags.Register(rootCmd.Flags())

	rootCmd.AddCommand(serveCmd, newInitConfigCmd(), &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "gdbrelay", version)
		},
	})
	return rootCmd
}

func newInitConfigCmd() *cobra.Command {
	var (
		path  string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "init-config",
		Short: "Write the default configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if path == "" {
				p, err := config.DefaultPath()
				if err != nil {
					return err
				}
				path = p
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, configs.Example, 0o600); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "config", "", "destination (default ~/.config/gdbrelay/config.yaml)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func serve(cmd *cobra.Command, flags *config.Flags) error {
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return err
	}
	flags.Apply(cmd.Flags(), cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if flags.GenerateToken {
		if err := cfg.EnsureToken(); err != nil {
			return err
		}
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		recorder session.Recorder
		journal  *db.JournalRepo
	)
	if cfg.Journal.Enabled {
		database, err := db.Open(ctx, cfg.Journal.Path)
		if err != nil {
			return err
		}
		defer func() { _ = database.Close() }()
		journal = db.NewJournalRepo(database.SQL())
		recorder = journal
		logger.Info("journal opened", zap.String("path", database.Path()))
	}

	extraArgs, err := cfg.GDB.ExtraArgs()
	if err != nil {
		return err
	}
	debuggerArgs := append(append([]string{}, pty.DefaultArgs...), extraArgs...)

	manager := session.NewManager(func(id string) *session.Session {
		sessionLogger := logger.With(zap.String("session", id))
		return session.New(id, session.Options{
			Debugger: pty.NewChannel(pty.Options{
				DebuggerPath: cfg.GDB.Path,
				Args:         debuggerArgs,
				StopTimeout:  cfg.GDB.StopTimeout,
				PollInterval: cfg.GDB.PollInterval,
				Logger:       sessionLogger.Named("pty"),
			}),
			Recorder:    recorder,
			HistorySize: cfg.Session.HistorySize,
			ReplaySize:  cfg.Session.ReplaySize,
			Logger:      logger.Named("session"),
		})
	}, logger)
	defer manager.Close()

	wsHub := hub.New(manager, hub.Options{
		Token:  cfg.Server.Token,
		Logger: logger.Named("hub"),
	})
	go wsHub.Run(ctx)

	apiOpts := api.Options{
		Sessions:    manager,
		Analyzer:    analysis.New(cfg.Analysis.URL, cfg.Analysis.Timeout, logger.Named("analysis")),
		Token:       cfg.Server.Token,
		FilesRoot:   cfg.Files.Root,
		MaxFileSize: cfg.Files.MaxSize,
		Logger:      logger.Named("api"),
	}
	if journal != nil {
		apiOpts.Journal = journal
	}

	srv := server.New(cfg, wsHub, api.NewRouter(apiOpts), logger)
	if cfg.Server.Token != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "\ngdbrelay running at http://%s?token=%s\n\n", srv.Addr(), cfg.Server.Token)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "\ngdbrelay running at http://%s\n\n", srv.Addr())
	}

	if err := srv.Start(ctx); err != nil {
		logger.Error("server error", zap.Error(err))
		return err
	}
	return nil
}
