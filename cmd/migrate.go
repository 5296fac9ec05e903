package cmd

import (
	"fmt"

	"syncstream/db"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "创建或更新数据表",
	Long:  `按 DB_DRIVER 连接数据库（mysql 或 sqlite），自动迁移 rooms 和 room_users 表`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := db.ConnectGormDB(cfg); err != nil {
			return err
		}
		defer db.CloseGormDB()

		if err := db.AutoMigrate(db.GormDB); err != nil {
			return err
		}
		fmt.Printf("数据表迁移完成 (%s)\n", cfg.DBDriver)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
