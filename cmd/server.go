package cmd

import (
	"syncstream/server"

	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "启动 SyncStream 服务器",
	Long:    `启动 HTTP API 与 WebSocket 同步服务，收到 SIGINT/SIGTERM 后优雅关闭`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return server.Start(cfg)
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
