package cmd

import (
	"SyncFM/server"

	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动SyncFM服务器",
	Long:  `启动共享收听房间的HTTP服务器，提供房间、队列与播放同步API`,
	Run: func(cmd *cobra.Command, args []string) {
		server.Start()
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
