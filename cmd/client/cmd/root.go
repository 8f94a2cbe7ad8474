package cmd

import (
	"fmt"
	"os"

	"possync/cmd/client/cmd/cli"
	"possync/internal/app/client"
	"possync/internal/app/client/config"
	"possync/internal/utils/logger"

	"github.com/spf13/cobra"
)

var (
	cfgFile    string
	app        *client.App
	debug      bool
	jsonOutput bool
	serverURL  string
)

var rootCmd = &cobra.Command{
	Use:   "possync-client",
	Short: "possync - офлайн-клиент синхронизации кассы",
	Long: `possync-client ведет локальный журнал операций кассы (товары, продажи,
клиенты, финансовые записи, кассовые операции, настройки) и синхронизирует
его с сервером, когда сеть доступна.

Изменения записываются локально и отправляются командой sync или в режиме
sync watch. Конфликты с изменениями других касс разбираются командами conflict.`,
	PersistentPreRunE:  setupApp,
	PersistentPostRunE: closeApp,
	SilenceUsage:       true,
	SilenceErrors:      true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, cli.Out().Fail("Ошибка: %v", err))
		os.Exit(1)
	}
}

func setupApp(cmd *cobra.Command, _ []string) error {
	cli.SetOutput(cli.NewPrinter(os.Stdout, jsonOutput))

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}

	level := cfg.LogLevel
	if debug {
		level = "debug"
	}
	log := logger.NewWriter(os.Stderr, cfg.Env, logger.ParseLevel(level))

	app, err = client.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to init client: %w", err)
	}
	cmd.SetContext(cli.WithApp(cmd.Context(), app))
	return nil
}

func closeApp(_ *cobra.Command, _ []string) error {
	if app == nil {
		return nil
	}
	return app.Close()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "конфигурационный файл (по умолчанию ~/.possync/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "включить отладочный лог")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "вывод в формате JSON")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "URL сервера синхронизации")
}
