package cmd

import (
	"fmt"
	"os"

	"syncstream/config"
	"syncstream/logger"
	"syncstream/server"

	"github.com/spf13/cobra"
)

// cfg 由 PersistentPreRun 加载，所有子命令共用
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "syncstream",
	Short: "SyncStream 多人同步听歌房间服务",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg = config.Load()
		logger.InitLogger(logger.Config{
			Level:      logger.LogLevel(cfg.LogLevel),
			OutputPath: cfg.LogPath,
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
			Compress:   true,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return server.Start(cfg)
	},
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
