package cmd

import (
	"context"
	"fmt"
	"time"

	"syncstream/cache"

	"github.com/spf13/cobra"
)

var redisCmd = &cobra.Command{
	Use:   "redis",
	Short: "Redis连接测试",
	Long:  `测试 Redis 连接与基本读写，并列出当前在线的房间。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cfg.RedisEnabled() {
			return fmt.Errorf("REDIS_HOST 未设置")
		}
		fmt.Printf("Redis配置: %s:%s, DB: %d\n", cfg.RedisHost, cfg.RedisPort, cfg.RedisDB)

		if err := cache.ConnectRedis(cfg); err != nil {
			return fmt.Errorf("无法连接到Redis: %w", err)
		}
		defer cache.CloseRedis()
		fmt.Println("Redis连接成功！")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cache.CheckRedis(ctx); err != nil {
			return fmt.Errorf("Redis操作测试失败: %w", err)
		}
		fmt.Println("Redis基本操作测试成功！")

		occ, err := cache.NewRoomCache(nil).Occupancy(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("在线房间: %d\n", len(occ))
		for _, o := range occ {
			fmt.Printf("  %s  %d 人\n", o.RoomID, o.Members)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(redisCmd)
}
