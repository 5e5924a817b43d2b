// Command server 是多層快取的示範服務。
//
//	server serve    --config config.yaml   啟動 HTTP 服務
//	server migrate  up|down|version        資料庫遷移
//	server policies list|sync              檢視或同步快取策略
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/koopa0/system-design/14-multi-level-cache/internal/config"
	"github.com/koopa0/system-design/14-multi-level-cache/pkg/logger"
)

var (
	configFile string

	rootCmd = &cobra.Command{
		Use:           "server",
		Short:         "Multi-level cache demo service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (YAML); MLC_* environment variables override it")
	rootCmd.AddCommand(serveCmd, migrateCmd, policiesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig 載入配置並建立日誌記錄器
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, cfg.Log.Output, cfg.Log.AddSource)
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}
	slog.SetDefault(log)
	return cfg, log, nil
}
