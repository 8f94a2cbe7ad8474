package sync

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"possync/cmd/client/cmd/cli"
	"possync/internal/app/client"

	"github.com/spf13/cobra"
)

var WatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Синхронизировать в фоне",
	Long: `Синхронизирует журнал по интервалу sync_interval и сразу после
уведомлений сервера об изменениях других касс. Работает до Ctrl+C.
При потере связи операции продолжают копиться локально.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cli.App(cmd.Context())
		if err != nil {
			return err
		}
		out := cli.Out()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if !out.JSON() {
			out.Println(out.Title("Фоновая синхронизация устройства %s, Ctrl+C для выхода", app.DeviceID()))
		}

		err = app.Run(ctx, func(result *client.SyncResult, err error) {
			if out.JSON() {
				v := map[string]any{"timestamp": time.Now().UTC(), "result": result}
				if err != nil {
					v["error"] = err.Error()
				}
				_ = out.Emit(v)
				return
			}
			out.Printf("[%s] ", time.Now().Format("15:04:05"))
			if err != nil {
				out.Println(out.Fail("синхронизация не удалась: %v", err))
				return
			}
			printResult(out, result)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}

		if !out.JSON() {
			stats := app.SyncStats()
			out.Println()
			out.Printf("Синхронизаций: %d, с ошибкой %d, среднее время %.2f сек\n",
				stats.TotalSyncs, stats.TotalErrors, stats.AvgSyncDuration)
			out.Printf("Отправлено %d, получено %d, конфликтов %d\n",
				stats.TotalUploaded, stats.TotalDownloaded, stats.TotalConflicts)
		}
		return nil
	},
}
