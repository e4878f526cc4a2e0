package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"pmchat/internal/chatsync"
	"pmchat/internal/config"
	"pmchat/internal/domain"
	"pmchat/internal/identity"
	"pmchat/internal/multimodal"
	"pmchat/internal/remote"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
	logCloser  io.Closer
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:     "pmchat",
		Short:   "pmchat: conversations with project-management agents",
		Long:    "pmchat keeps local conversations with product-owner, scrum-master and developer agents in sync with a remote store.",
		Version: version,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logCloser != nil {
				logCloser.Close()
			}
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file, .yaml or .json (default: ~/.pmchat/config.yaml)")

	root.AddCommand(initCmd())
	root.AddCommand(keyCmd())
	root.AddCommand(historyCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(metricsCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(config.ExpandPath(cfgPath)); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", cfgPath)
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config file, falling back to defaults when it does
// not exist, and reconfigures the package logger from it.
func loadConfig() (*config.Config, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		if _, statErr := os.Stat(config.ExpandPath(cfgPath)); !os.IsNotExist(statErr) {
			return nil, fmt.Errorf("load config: %w", err)
		}
		logger.Debug("config not found, using defaults", "path", cfgPath)
		cfg = config.Defaults()
	}

	l, closer, err := buildLogger(cfg.General)
	if err != nil {
		return nil, err
	}
	logger, logCloser = l, closer
	return cfg, nil
}

func buildLogger(gc config.GeneralConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(gc.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	var (
		out    io.Writer = os.Stderr
		closer io.Closer
	)
	if gc.LogFile != "" {
		f, err := os.OpenFile(gc.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out, closer = f, f
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})), closer, nil
}

// newEngine wires the remote client, router, encoder and engine from cfg.
func newEngine(cfg *config.Config) *chatsync.Engine {
	client := remote.NewClient(remote.ClientConfig{
		BaseURL:           cfg.Remote.BaseURL,
		HistoryPath:       cfg.Remote.HistoryPath,
		ConversationsPath: cfg.Remote.ConversationsPath,
		AuthToken:         cfg.Remote.AuthToken,
		Timeout:           cfg.Remote.Timeout(),
		MaxRetries:        cfg.Remote.MaxRetries,
		Logger:            logger,
	})
	return chatsync.New(chatsync.Config{
		Store:     client,
		Completer: client,
		Router:    remote.NewRouter(cfg.Remote.EndpointMap()),
		Encoder: multimodal.NewEncoder(multimodal.EncoderConfig{
			MaxSizeBytes:  cfg.Attachments.MaxSizeBytes,
			MaxConcurrent: cfg.Attachments.MaxConcurrent,
			Logger:        logger,
		}),
		Logger: logger,
	})
}

// scopeFlags selects the conversation a command works on.
type scopeFlags struct {
	role    string
	project int64
	user    int64
}

func (f *scopeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.role, "role", "r", "", "agent role: "+strings.Join(roleNames(), ", "))
	cmd.Flags().Int64VarP(&f.project, "project", "p", 0, "project id (0 = none)")
	cmd.Flags().Int64VarP(&f.user, "user", "u", 0, "user id (0 = none)")
}

// key derives the conversation key, filling unset flags from cfg.Identity.
func (f *scopeFlags) key(cmd *cobra.Command, cfg *config.Config) (domain.ConversationKey, error) {
	role := f.role
	if role == "" {
		role = cfg.Identity.DefaultRole
	}
	if role == "" {
		return "", fmt.Errorf("no agent role given and identity.defaultRole is empty")
	}
	project, user := f.project, f.user
	if !cmd.Flags().Changed("project") {
		project = cfg.Identity.ProjectID
	}
	if !cmd.Flags().Changed("user") {
		user = cfg.Identity.UserID
	}
	return identity.DeriveKey(domain.AgentRole(role), optionalID(project), optionalID(user)), nil
}

func optionalID(id int64) *int64 {
	if id <= 0 {
		return nil
	}
	return identity.Ref(id)
}

func roleNames() []string {
	var names []string
	for _, r := range domain.KnownRoles() {
		names = append(names, string(r))
	}
	return names
}
