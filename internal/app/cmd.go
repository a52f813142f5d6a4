package app

import (
	"io"

	"github.com/spf13/cobra"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker はワーカーモードで起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandSync は1つの連携の同期を実行して結果を出力する。
	CommandSync Command = "sync"
)

// syncOptions は sync サブコマンドのフラグ。
type syncOptions struct {
	userID   string
	provider string
}

// newRootCommand はcobraのコマンドツリーを構築する。
// サブコマンドを省略した場合は serve として動作する。
// wはログとsyncコマンドの結果の出力先。
func newRootCommand(w io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "fitsync",
		Short:         "Fitness platform integration and activity sync service",
		Long:          "fitsync connects user accounts on Strava, Polar and Garmin via OAuth and imports their activities.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithConfig(cmd, w, CommandServe, runServe)
		},
	}
	root.SetOut(w)
	root.SetErr(w)

	root.AddCommand(
		&cobra.Command{
			Use:   string(CommandServe),
			Short: "Start the HTTP API server",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runWithConfig(cmd, w, CommandServe, runServe)
			},
		},
		&cobra.Command{
			Use:   string(CommandWorker),
			Short: "Start background jobs (token refresh, auto sync, cleanup)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runWithConfig(cmd, w, CommandWorker, runWorker)
			},
		},
		&cobra.Command{
			Use:   string(CommandMigrate),
			Short: "Apply database migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runWithConfig(cmd, w, CommandMigrate, runMigrate)
			},
		},
		newHealthcheckCommand(),
		newSyncCommand(w),
	)

	return root
}

// newHealthcheckCommand は設定の読み込みを行わない軽量なヘルスチェックコマンドを返す。
func newHealthcheckCommand() *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   string(CommandHealthcheck),
		Short: "Probe the local /health endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealthcheck(port)
		},
	}
	cmd.Flags().StringVar(&port, "port", envOr("SERVER_PORT", "8080"), "server port to probe")
	return cmd
}

func newSyncCommand(w io.Writer) *cobra.Command {
	opts := &syncOptions{}
	cmd := &cobra.Command{
		Use:   string(CommandSync),
		Short: "Run a sync for one connection and print the resulting sync log as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithConfig(cmd, w, CommandSync, func(rc *runContext) error {
				return runSync(rc, opts)
			})
		},
	}
	cmd.Flags().StringVar(&opts.userID, "user", "", "user ID that owns the connection")
	cmd.Flags().StringVar(&opts.provider, "provider", "", "provider name (strava, polar, garmin)")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("provider")
	return cmd
}
