package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"commhub/internal/config"
	"commhub/internal/store"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "commhub",
		Short: "commhub: inbound message ingestion for SMS, WhatsApp, email, Telegram and Slack",
		Long: `commhub receives provider webhooks, verifies their signatures, normalizes the
payloads, drops duplicates, resolves customers and groups messages into
conversations.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json or config.yaml (default: ~/.commhub/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(ingestCmd())
	root.AddCommand(verifyCmd())
	root.AddCommand(signCmd())
	root.AddCommand(archiveCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(configCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config with example providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}
			cfg := config.Defaults()
			cfg.Providers = config.ExampleProviders()
			if err := config.Save(cfgPath, cfg); err != nil {
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

// loadConfig loads the config and swaps the global logger for one built
// from it.
func loadConfig() (*config.Config, func(), error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	l, closeLog, err := newLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	logger = l
	return cfg, closeLog, nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show providers and store statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()

			fmt.Printf("commhub v%s\n", version)
			fmt.Printf("config:  %s\n", resolveConfigPath())
			fmt.Printf("listen:  %s\n\n", cfg.Server.Addr())

			ids := make([]string, 0, len(cfg.Providers))
			for id := range cfg.Providers {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			fmt.Println("providers:")
			if len(ids) == 0 {
				fmt.Println("  (none)")
			}
			for _, id := range ids {
				pc := cfg.Providers[id]
				state := "disabled"
				if pc.Enabled {
					state = "enabled"
				}
				fmt.Printf("  %-16s %-9s %-9s %s\n", id, pc.Type, state, cfg.WebhookURL(id))
			}

			st, err := store.Open(cfg.Store.DSN, logger)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			fmt.Printf("\nstore:   %s", redactDSN(cfg.Store.DSN))
			if info, err := os.Stat(strings.TrimPrefix(cfg.Store.DSN, "sqlite://")); err == nil {
				fmt.Printf(" (%s)", humanize.Bytes(uint64(info.Size())))
			}
			fmt.Println()

			sr, ok := st.(store.StatsReader)
			if !ok {
				return nil
			}
			stats, err := sr.Stats(context.Background())
			if err != nil {
				return fmt.Errorf("store stats: %w", err)
			}
			fmt.Printf("  messages:       %s\n", humanize.Comma(int64(stats.Messages)))
			fmt.Printf("  customers:      %s\n", humanize.Comma(int64(stats.Customers)))
			fmt.Printf("  identities:     %s\n", humanize.Comma(int64(stats.Identities)))
			fmt.Printf("  conversations:  %s (%s active)\n",
				humanize.Comma(int64(stats.Conversations)), humanize.Comma(int64(stats.ActiveConversations)))
			return nil
		},
	}
}

func redactDSN(dsn string) string {
	c := config.Defaults()
	c.Store.DSN = dsn
	return config.Sanitize(c).Store.DSN
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. pipeline.dedup.windowMinutes)",
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
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. providers.twilio-main.enabled true)",
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

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			paths := config.ListPaths(config.Sanitize(cfg))
			keys := make([]string, 0, len(paths))
			for k := range paths {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("%s = %v\n", k, paths[k])
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
