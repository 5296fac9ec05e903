package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"syncstream/storage"

	"github.com/spf13/cobra"
)

var (
	archiveRoomID string
	archiveShow   string
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "查看 MinIO 中的房间归档",
	Long:  `列出被删除或回收的房间快照；--show 输出单个归档内容。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cfg.ArchiveEnabled() {
			return fmt.Errorf("MINIO_ENDPOINT 未设置")
		}
		fmt.Printf("MinIO配置: %s, Bucket: %s\n", cfg.MinioEndpoint, cfg.MinioBucket)

		if err := storage.InitMinio(cfg); err != nil {
			return fmt.Errorf("无法连接到MinIO: %w", err)
		}
		archiver := storage.NewRoomArchiver(nil, cfg.MinioBucket)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if archiveShow != "" {
			rec, err := archiver.Get(ctx, archiveShow)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		}

		list, err := archiver.List(ctx, archiveRoomID)
		if err != nil {
			return err
		}
		var total int64
		for _, a := range list {
			total += a.Size
			fmt.Printf("%s  %10s  %s\n", a.LastModified.Format("2006-01-02 15:04:05"), storage.FormatSize(a.Size), a.Key)
		}
		fmt.Printf("\n共 %d 个归档, %s\n", len(list), storage.FormatSize(total))
		return nil
	},
}

func init() {
	archiveCmd.Flags().StringVar(&archiveRoomID, "room", "", "只列出指定房间的归档")
	archiveCmd.Flags().StringVar(&archiveShow, "show", "", "输出指定 key 的归档内容")
	rootCmd.AddCommand(archiveCmd)
}
