package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pmchat/internal/chatsync"
	"pmchat/internal/config"
	"pmchat/internal/devserver"
	"pmchat/internal/devstore"
	"pmchat/internal/domain"
	"pmchat/internal/multimodal"
)

func keyCmd() *cobra.Command {
	var scope scopeFlags
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Print the conversation key for a role, project and user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			key, err := scope.key(cmd, cfg)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
	scope.register(cmd)
	return cmd
}

func historyCmd() *cobra.Command {
	var (
		scope  scopeFlags
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Load and print a conversation from the remote store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			key, err := scope.key(cmd, cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			engine := newEngine(cfg)
			msgs, err := engine.Load(ctx, key)
			if err != nil {
				return fmt.Errorf("load history: %w", err)
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(msgs)
			}
			conv := engine.Conversation(key)
			if conv.Title != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", conv.Title)
			}
			printMessages(cmd.OutOrStdout(), msgs)
			return nil
		},
	}
	scope.register(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print messages as JSON")
	return cmd
}

func sendCmd() *cobra.Command {
	var (
		scope     scopeFlags
		files     []string
		model     string
		webSearch bool
	)
	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send one message and stream the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			key, err := scope.key(cmd, cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			engine := newEngine(cfg)
			var attachments []multimodal.File
			for _, path := range files {
				attachments = append(attachments, multimodal.PathFile(path, ""))
			}

			out := cmd.OutOrStdout()
			_, ok, err := sendTurn(ctx, engine, chatsync.SendRequest{
				Key:       key,
				Text:      strings.Join(args, " "),
				Files:     attachments,
				Model:     model,
				WebSearch: webSearch,
			}, out)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(out, "\n(canceled)")
			}
			return nil
		},
	}
	scope.register(cmd)
	cmd.Flags().StringArrayVarP(&files, "file", "f", nil, "attach a file (repeatable)")
	cmd.Flags().StringVar(&model, "model", "", "model hint forwarded to the agent endpoint")
	cmd.Flags().BoolVar(&webSearch, "web-search", false, "let the agent search the web")
	return cmd
}

// sendTurn sends req, streams the reply to out and records it. ok is false
// when the turn was canceled.
func sendTurn(ctx context.Context, engine *chatsync.Engine, req chatsync.SendRequest, out io.Writer) (domain.Message, bool, error) {
	h, err := engine.Send(ctx, req)
	if err != nil {
		return domain.Message{}, false, err
	}
	if h == nil {
		return domain.Message{}, false, nil
	}
	msg, ok, err := engine.Complete(req.Key, h, func(chunk string) {
		fmt.Fprint(out, chunk)
	})
	if ok {
		fmt.Fprintln(out)
	}
	return msg, ok, err
}

func chatCmd() *cobra.Command {
	var scope scopeFlags
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			key, err := scope.key(cmd, cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			r := newREPL(replConfig{
				Engine: newEngine(cfg),
				Key:    key,
				In:     cmd.InOrStdin(),
				Out:    cmd.OutOrStdout(),
			})
			return r.Run(ctx)
		},
	}
	scope.register(cmd)
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the local development conversation server",
		Long:  "Serves the history, conversation and agent chat endpoints backed by SQLite, with a deterministic responder. Press Ctrl+C to stop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, err := devstore.NewSQLiteStore(cfg.DevServer.DBPath, logger)
			if err != nil {
				return fmt.Errorf("dev store: %w", err)
			}
			defer store.Close()

			srv := devserver.New(devserver.Config{
				Store:             store,
				Host:              cfg.DevServer.Host,
				Port:              cfg.DevServer.Port,
				HistoryPath:       cfg.Remote.HistoryPath,
				ConversationsPath: cfg.Remote.ConversationsPath,
				Endpoints:         cfg.Remote.EndpointMap(),
				AuthToken:         cfg.Remote.AuthToken,
				Reply:             cfg.DevServer.Reply,
				ChunkSize:         cfg.DevServer.ChunkSize,
				ChunkDelay:        time.Duration(cfg.DevServer.ChunkDelayMs) * time.Millisecond,
				Logger:            logger,
			})
			return srv.Start(ctx)
		},
	}
}

func metricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Print the metrics exposed by the server at remote.baseURL",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return fetchMetrics(ctx, cfg.Remote, cmd.OutOrStdout())
		},
	}
}

// fetchMetrics copies the server's metrics page to out, authenticating like
// the conversation client does.
func fetchMetrics(ctx context.Context, rc config.RemoteConfig, out io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(rc.BaseURL, "/")+"/metrics", nil)
	if err != nil {
		return err
	}
	if rc.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+rc.AuthToken)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch metrics: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch metrics: HTTP %d", resp.StatusCode)
	}
	_, err = io.Copy(out, resp.Body)
	return err
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. remote.baseURL)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. remote.endpoints.developer /api/chat/developer)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	var flat bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			sanitized := config.Sanitize(cfg)
			if flat {
				paths := config.ListPaths(sanitized)
				for _, p := range slices.Sorted(maps.Keys(paths)) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s = %v\n", p, paths[p])
				}
				return nil
			}
			data, _ := json.MarshalIndent(sanitized, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
	listCmd.Flags().BoolVar(&flat, "paths", false, "print one dot-notation path per line")
	cmd.AddCommand(listCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), resolveConfigPath())
		},
	})

	return cmd
}
