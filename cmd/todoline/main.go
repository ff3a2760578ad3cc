package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"todoline/internal/app"
	"todoline/internal/bot"
	"todoline/internal/config"
	"todoline/internal/db"
	"todoline/internal/domain"
	"todoline/internal/migrate"
	"todoline/internal/repo"
	"todoline/internal/server"
	"todoline/internal/telegram"
)

var (
	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "todoline",
	Short: "Telegram to-do list bot",
	Long: `todoline keeps a private to-do list per Telegram user.
Chat commands: /start, /add <text>, /list, /complete <id>, /delete <id>.
The same store is reachable through an authenticated HTTP API and this CLI.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg = config.FromViper(viper.GetViper())
		l, err := app.NewLogger(cfg)
		if err != nil {
			return err
		}
		logger = l
		slog.SetDefault(logger)
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TODOLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	config.SetDefaults(viper.GetViper())
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.String(config.KeyDatabaseURL, "", "database url (sqlite://path or postgres://...)")
	flags.String(config.KeyJWTSecret, "", "HS256 secret for API tokens")
	flags.String(config.KeyLogLevel, "info", "log level (debug, info, warn, error)")
	flags.String(config.KeyLogFormat, "text", "log format (text, json)")
	flags.Bool("json", false, "output JSON")
	for _, key := range []string{config.KeyDatabaseURL, config.KeyJWTSecret, config.KeyLogLevel, config.KeyLogFormat, "json"} {
		_ = viper.BindPFlag(key, flags.Lookup(key))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Telegram bot (and the HTTP API when --http-addr is set)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.ValidateServe(); err != nil {
				return err
			}
			ctx := cmd.Context()
			api, err := telegram.NewBotAPI(cfg.Telegram.Token, cfg.Telegram.PollTimeout, logger)
			if err != nil {
				return err
			}
			logger.InfoContext(ctx, "connected to telegram", slog.String("bot", api.Self.UserName), slog.Bool("webhook", cfg.WebhookMode()))
			a, err := app.New(ctx, cfg, api, logger)
			if err != nil {
				return err
			}
			if code := a.Run(ctx); code != 0 {
				return fmt.Errorf("shutdown finished with exit code %d", code)
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.String(config.KeyBotToken, "", "Telegram bot token")
	flags.String(config.KeyWebhookURL, "", "public URL of /telegram/webhook; enables webhook mode")
	flags.String(config.KeyWebhookSecret, "", "secret path segment appended to webhook-url (derived from the bot token when empty)")
	flags.String(config.KeyHTTPAddr, "", "HTTP listen address; empty disables the API")
	flags.String(config.KeyHTTPBasePath, "/v0", "API base path")
	flags.Duration(config.KeyPollTimeout, 60*time.Second, "long polling timeout")
	flags.Int(config.KeyMaxConcurrency, 16, "maximum commands handled at once")
	flags.Duration(config.KeyShutdownTimeout, 30*time.Second, "time allowed for in-flight commands on shutdown")
	for _, key := range []string{
		config.KeyBotToken, config.KeyWebhookURL, config.KeyWebhookSecret, config.KeyHTTPAddr, config.KeyHTTPBasePath,
		config.KeyPollTimeout, config.KeyMaxConcurrency, config.KeyShutdownTimeout,
	} {
		_ = viper.BindPFlag(key, flags.Lookup(key))
	}
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.ValidateStore(); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{URL: cfg.Database.URL, MaxOpenConns: cfg.Database.MaxOpenConns})
			if err != nil {
				return err
			}
			defer conn.Close()
			n, err := migrate.Migrate(cmd.Context(), conn)
			if err != nil {
				return err
			}
			fmt.Printf("applied %d migration(s) on %s\n", n, conn.Dialect)
			return nil
		},
	}
}

func taskCmd() *cobra.Command {
	var owner int64
	tsk := &cobra.Command{
		Use:   "task",
		Short: "Manage a user's tasks directly",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := rootCmd.PersistentPreRunE(cmd, args); err != nil {
				return err
			}
			if owner <= 0 {
				return fmt.Errorf("--owner must be a positive Telegram user id")
			}
			return nil
		},
	}
	tsk.PersistentFlags().Int64Var(&owner, "owner", 0, "owner (Telegram user id)")
	_ = tsk.MarkPersistentFlagRequired("owner")

	tsk.AddCommand(&cobra.Command{
		Use:   "add <text>",
		Short: "Add a task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.CreateTask(ctx, owner, strings.Join(args, " "))
				if err != nil {
					return err
				}
				return printTasks([]domain.Task{t})
			})
		},
	})
	tsk.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List tasks in creation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tasks, err := r.ListTasks(ctx, owner)
				if err != nil {
					return err
				}
				return printTasks(tasks)
			})
		},
	})
	tsk.AddCommand(&cobra.Command{
		Use:   "complete <id>",
		Short: "Mark a task completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := bot.ParseTaskID(args[0])
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.CompleteTask(ctx, id, owner)
				if err != nil {
					return notFound(err, id)
				}
				return printTasks([]domain.Task{t})
			})
		},
	})
	tsk.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := bot.ParseTaskID(args[0])
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.DeleteTask(ctx, id, owner)
				if err != nil {
					return notFound(err, id)
				}
				return printTasks([]domain.Task{t})
			})
		},
	})
	return tsk
}

func sendCmd() *cobra.Command {
	var owner int64
	cmd := &cobra.Command{
		Use:   "send <text>",
		Short: "Run a chat command as the given user and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if owner <= 0 {
				return fmt.Errorf("--owner must be a positive Telegram user id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				reply := bot.New(r, logger).Handle(ctx, bot.Message{
					UpdateType: "cli",
					SenderID:   owner,
					ChatID:     owner,
					Text:       strings.Join(args, " "),
				})
				if viper.GetBool("json") {
					return printJSON(map[string]string{"reply": reply})
				}
				fmt.Println(reply)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&owner, "owner", 0, "sender (Telegram user id)")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func tokenCmd() *cobra.Command {
	var owner int64
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API bearer token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := server.SignToken(cfg.HTTP.JWTSecret, owner, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().Int64Var(&owner, "owner", 0, "owner (Telegram user id)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime; 0 for no expiry")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if viper.GetBool("json") {
				return printJSON(cfg.Redacted())
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	})
	return c
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	if err := cfg.ValidateStore(); err != nil {
		return err
	}
	conn, r, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, r)
}

func notFound(err error, id int64) error {
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("task %d not found", id)
	}
	return err
}

func printTasks(tasks []domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(tasks)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"#", "ID", "Done", "Task", "Created"})
	for i, t := range tasks {
		done := ""
		if t.Completed {
			done = bot.GlyphDone
		}
		tw.AppendRow(table.Row{i + 1, t.ID, done, t.Text, t.CreatedAt})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
