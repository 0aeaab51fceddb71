package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hitoshi/timekeeper/internal/config"
	"github.com/hitoshi/timekeeper/internal/timecalc"
)

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。サブコマンド省略時はserveとして起動する。
func Run(w io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := NewRootCommand(w)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// NewRootCommand はサブコマンドを登録したルートコマンドを返す。
func NewRootCommand(w io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "timekeeper",
		Short:         "作業時間の記録・集計とJira同期",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfig(cmd, w, runServe)
		},
	}
	root.SetOut(w)
	root.SetErr(w)

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "APIサーバーを起動する",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withConfig(cmd, w, runServe)
			},
		},
		&cobra.Command{
			Use:   "worker",
			Short: "自動停止・title補完・Jira定期取り込みを起動する",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withConfig(cmd, w, runWorker)
			},
		},
		migrateCommand(w),
		healthcheckCommand(),
		syncCommand(w),
	)
	return root
}

func migrateCommand(w io.Writer) *cobra.Command {
	var down int
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "データベースマイグレーションを適用する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := Init(w)
			if err != nil {
				return err
			}
			return runMigrate(cfg, log, down)
		},
	}
	cmd.Flags().IntVar(&down, "down", 0, "適用済みマイグレーションを指定件数だけ取り消す")
	return cmd
}

// healthcheckCommand は設定の読み込みを行わない軽量コマンド。
func healthcheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "稼働中のAPIサーバーの /health を確認する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			port := os.Getenv("SERVER_PORT")
			if port == "" {
				port = "8080"
			}
			return runHealthcheck(cmd.Context(), port)
		},
	}
}

func syncCommand(w io.Writer) *cobra.Command {
	sync := &cobra.Command{
		Use:   "sync",
		Short: "Jiraとの同期を手動で実行する",
	}

	var (
		importUser  string
		importSince string
	)
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "指定ユーザーのJira作業ログを取り込む",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			since, err := parseSince(importSince, time.Now())
			if err != nil {
				return err
			}
			return withComponents(cmd, w, func(ctx context.Context, c *components) error {
				result, err := c.reconciler.ImportSince(ctx, importUser, since)
				if result != nil {
					writeResult(cmd.OutOrStdout(), result)
				}
				return err
			})
		},
	}
	importCmd.Flags().StringVar(&importUser, "user", "", "ユーザーID")
	importCmd.Flags().StringVar(&importSince, "since", "168h", "取り込み開始日時（RFC3339、YYYY-MM-DD、または遡る期間）")
	importCmd.MarkFlagRequired("user")

	var (
		exportUser  string
		exportTimer string
	)
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "作業記録をJiraの作業ログとして書き出す",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, w, func(ctx context.Context, c *components) error {
				entry, err := c.reconciler.ExportTimer(ctx, exportUser, exportTimer)
				if err != nil {
					return err
				}
				writeResult(cmd.OutOrStdout(), map[string]any{
					"id":                  entry.ID,
					"issue":               timecalc.DecodeLabel(entry.Issue),
					"external_worklog_id": entry.ExternalWorklogID,
					"sync_status":         entry.SyncStatus,
				})
				return nil
			})
		},
	}
	exportCmd.Flags().StringVar(&exportUser, "user", "", "ユーザーID")
	exportCmd.Flags().StringVar(&exportTimer, "timer", "", "作業記録ID")
	exportCmd.MarkFlagRequired("user")
	exportCmd.MarkFlagRequired("timer")

	sync.AddCommand(importCmd, exportCmd)
	return sync
}

type runFunc func(ctx context.Context, cfg *config.Config, log *slog.Logger) error

func withConfig(cmd *cobra.Command, w io.Writer, run runFunc) error {
	cfg, log, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}
	log.Info("アプリケーションを起動します",
		slog.String("command", cmd.Name()),
		slog.String("port", cfg.ServerPort),
	)
	return run(cmd.Context(), cfg, log)
}

func withComponents(cmd *cobra.Command, w io.Writer, run func(ctx context.Context, c *components) error) error {
	return withConfig(cmd, w, func(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
		c, err := wire(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer c.db.Close()
		return run(ctx, c)
	})
}

// parseSince はRFC3339・日付・期間（now から遡る）のいずれかを解析する。
func parseSince(raw string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return now.Add(-d), nil
	}
	return time.Time{}, fmt.Errorf("--since の形式が不正です: %q", raw)
}

func writeResult(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
