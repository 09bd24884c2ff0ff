package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zhouzirui/zerocode-chat/backend/internal/config"
	"github.com/zhouzirui/zerocode-chat/backend/internal/logger"
	"github.com/zhouzirui/zerocode-chat/backend/internal/service/ai"
	chatService "github.com/zhouzirui/zerocode-chat/backend/internal/service/chat"
	"github.com/zhouzirui/zerocode-chat/backend/internal/service/history"
	"github.com/zhouzirui/zerocode-chat/backend/internal/storage"
)

type options struct {
	dbPath    string
	profile   string
	userName  string
	demo      bool
	timeout   time.Duration
	logFormat string
}

// env 是一次命令执行用到的依赖。
type env struct {
	store   *history.Store
	gen     ai.Generator
	logger  *zap.Logger
	closeFn func()
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "chattester",
		Short:         "Drive ZeroCode chats from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.dbPath, "db", "", "database path (default DATABASE_PATH, \"memory\" for none)")
	flags.StringVar(&opts.profile, "profile", "default", "storage profile")
	flags.StringVar(&opts.userName, "name", "Demo User", "user name used in prompts")
	flags.BoolVar(&opts.demo, "demo", false, "force demo replies even when model credentials are set")
	flags.DurationVar(&opts.timeout, "timeout", 45*time.Second, "request timeout")
	flags.StringVar(&opts.logFormat, "log-format", "console", "log format: console or json")

	root.AddCommand(newAskCmd(opts), newHistoryCmd(opts), newAnalyticsCmd(opts))
	return root
}

func newAskCmd(opts *options) *cobra.Command {
	var chatID string

	cmd := &cobra.Command{
		Use:   "ask <message>",
		Short: "Send one message and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			e, err := setup(ctx, opts)
			if err != nil {
				return err
			}
			defer e.closeFn()

			return ask(ctx, cmd.OutOrStdout(), e, opts.userName, chatID, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVar(&chatID, "chat", "", "continue an existing chat")
	return cmd
}

func newHistoryCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect saved chats",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List chats, most recent first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEnv(cmd, opts, func(ctx context.Context, e *env) error {
				return listChats(ctx, cmd.OutOrStdout(), e.store)
			})
		},
	}, &cobra.Command{
		Use:   "show <chat-id>",
		Short: "Print every message of a chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, opts, func(ctx context.Context, e *env) error {
				return showChat(ctx, cmd.OutOrStdout(), e.store, args[0])
			})
		},
	}, &cobra.Command{
		Use:   "delete <chat-id>",
		Short: "Delete a chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, opts, func(ctx context.Context, e *env) error {
				if err := e.store.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	})
	return cmd
}

func newAnalyticsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "analytics",
		Short: "Print usage totals and the last 7 days",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEnv(cmd, opts, func(ctx context.Context, e *env) error {
				return printAnalytics(ctx, cmd.OutOrStdout(), e.store, time.Now())
			})
		},
	}
}

func withEnv(cmd *cobra.Command, opts *options, fn func(context.Context, *env) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	e, err := setup(ctx, opts)
	if err != nil {
		return err
	}
	defer e.closeFn()

	return fn(ctx, e)
}

func setup(ctx context.Context, opts *options) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("配置加载失败: %w", err)
	}

	cfg.Log.Format = opts.logFormat
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	path := cfg.Storage.DatabasePath
	if opts.dbPath != "" {
		path = opts.dbPath
	}

	var (
		backend storage.Backend
		closeFn = func() { _ = log.Sync() }
	)
	if (config.StorageConfig{DatabasePath: path}).InMemory() {
		backend = storage.NewMemory()
	} else {
		db, err := storage.OpenSQLite(ctx, path)
		if err != nil {
			return nil, err
		}
		backend = db
		closeFn = func() {
			_ = db.Close()
			_ = log.Sync()
		}
	}

	var gen ai.Generator = ai.NewDemoGenerator(nil)
	if !opts.demo {
		if gen, err = ai.New(ctx, cfg.AI, log); err != nil {
			closeFn()
			return nil, err
		}
	}

	return &env{
		store:   history.NewStore(backend.Namespace(opts.profile), log),
		gen:     gen,
		logger:  log,
		closeFn: closeFn,
	}, nil
}

func ask(ctx context.Context, out io.Writer, e *env, userName, chatID, text string) error {
	orch := chatService.NewOrchestrator(e.store, e.gen, e.logger)
	defer orch.Close()

	if chatID != "" {
		if _, err := orch.OpenChat(ctx, chatID); err != nil {
			return err
		}
	}

	turn, err := orch.SendTurn(ctx, userName, text, chatService.WithDeltas(func(d string) {
		fmt.Fprint(out, d)
	}))
	if err != nil {
		return err
	}

	reply, err := turn.Wait(ctx)
	if err != nil {
		return err
	}

	// 流式生成器已经逐段输出过
	if _, streamed := e.gen.(ai.StreamingGenerator); streamed {
		fmt.Fprintln(out)
	} else {
		fmt.Fprintln(out, reply.Message.Text)
	}
	fmt.Fprintf(out, "chat: %s\n", reply.ChatID)

	if reply.Failed {
		return fmt.Errorf("reply generation failed: %w", reply.Cause)
	}
	return nil
}

func listChats(ctx context.Context, out io.Writer, store *history.Store) error {
	summaries, err := store.List(ctx)
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Fprintln(out, "no chats")
		return nil
	}

	for _, s := range summaries {
		fmt.Fprintf(out, "%s  %s  %-50s  %d messages\n",
			s.ID, s.LastUpdated.Local().Format(time.DateTime), s.Title, s.MessageCount)
	}
	return nil
}

func showChat(ctx context.Context, out io.Writer, store *history.Store, chatID string) error {
	record, err := store.Get(ctx, chatID)
	if errors.Is(err, history.ErrChatNotFound) {
		return fmt.Errorf("chat %s not found", chatID)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "# %s\n", record.Title)
	for _, m := range record.Messages {
		fmt.Fprintf(out, "[%s] %s: %s\n", m.Timestamp.Local().Format(time.TimeOnly), m.Sender, m.Text)
	}
	return nil
}

func printAnalytics(ctx context.Context, out io.Writer, store *history.Store, now time.Time) error {
	stats, err := store.Analytics(ctx, now, "", nil)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "chats: %d\nmessages: %d\naverage per chat: %.1f\n",
		stats.TotalChats, stats.TotalMessages, stats.AvgMessagesPerChat)
	for _, day := range stats.DailyUsage {
		fmt.Fprintf(out, "  %s  %d\n", day.Date, day.Messages)
	}
	return nil
}
