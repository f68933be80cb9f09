package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"steward/internal/config"
	"steward/internal/provider"
	"steward/internal/skill"
	"steward/internal/store"
)

func routinesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "routines",
		Short: "List configured routines and their watermarks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			db, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
			if err != nil {
				return fmt.Errorf("store: %w", err)
			}
			defer db.Close()

			entries, err := db.ListRoutines(context.Background())
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No routines configured.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tFREQUENCY\tPREFERRED\tLAST FIRED\tDESCRIPTION")
			for _, e := range entries {
				lastFired := "never"
				if !e.LastFired.IsZero() {
					lastFired = e.LastFired.Format(time.RFC3339)
				}
				preferred := e.PreferredTime
				if preferred == "" {
					preferred = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Name, e.Frequency, preferred, lastFired, e.Description)
			}
			return w.Flush()
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			loaded := err == nil
			if !loaded {
				cfg = config.Defaults()
			}
			fmt.Printf("steward %s\n", version)
			fmt.Printf("config: %s (loaded: %v)\n", cfgPath, loaded)

			db, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
			if err != nil {
				fmt.Printf("store: unreachable (%v)\n", err)
			} else {
				chats, _ := db.ListActiveChats(context.Background(), 5)
				fmt.Printf("store: %s (active chats: %d)\n", cfg.Store.DBPath, len(chats))
				db.Close()
			}

			skills := skill.NewRegistry(cfg.General.SkillsDir, logger)
			if err := skills.Load(); err != nil {
				fmt.Printf("skills: load failed (%v)\n", err)
			} else {
				fmt.Printf("skills: %d loaded from %s\n", len(skills.Catalog()), cfg.General.SkillsDir)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			factory := provider.NewFactory(cfg, logger)
			if prov := factory.HealthyProvider(ctx); prov != nil {
				fmt.Printf("provider: %s (healthy)\n", prov.Name())
			} else {
				fmt.Println("provider: none healthy")
			}
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. reasoning.defaultProvider)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
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
		Short: "Set a config value (e.g. reasoning.defaultProvider openai)",
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
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			fmt.Println(string(data))
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
