package cmd

import (
	"context"
	"fmt"
	"log"
	"time"

	"SyncFM/config"
	"SyncFM/storage"

	"github.com/spf13/cobra"
)

var minioProbeKey string

var minioCmd = &cobra.Command{
	Use:   "minio",
	Short: "MinIO连接测试",
	Long:  `测试MinIO连接与存储桶可用性，可选探测指定对象是否存在。`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("开始连接MinIO服务器...")

		cfg := config.Load()
		fmt.Printf("MinIO配置: %s, Bucket: %s\n", cfg.MinioEndpoint, cfg.MinioBucket)

		store, err := storage.NewBlobStore(cfg)
		if err != nil {
			log.Fatalf("无法连接到MinIO: %v", err)
		}
		fmt.Println("MinIO连接成功！")

		if minioProbeKey != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			exists, err := store.Exists(ctx, minioProbeKey)
			if err != nil {
				log.Fatalf("探测对象失败: %v", err)
			}
			fmt.Printf("对象 %s 存在: %v\n", minioProbeKey, exists)
		}

		fmt.Println("MinIO操作完成！")
	},
}

func init() {
	rootCmd.AddCommand(minioCmd)

	minioCmd.Flags().StringVarP(&minioProbeKey, "key", "k", "", "探测指定对象是否存在")
}
