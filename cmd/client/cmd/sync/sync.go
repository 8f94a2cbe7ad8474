package sync

import (
	"context"
	"fmt"
	"time"

	"possync/cmd/client/cmd/cli"
	"possync/internal/app/client"

	"github.com/spf13/cobra"
)

var syncStatus bool

var SyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Синхронизировать журнал с сервером",
	Long: `Отправляет накопленные операции на сервер, затем забирает изменения
других касс и применяет их к локальной реплике.

Операции, попавшие в конфликт, откладываются до его разрешения
(см. possync-client conflict).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cli.App(cmd.Context())
		if err != nil {
			return err
		}

		if syncStatus {
			return showSyncStatus(cmd.Context(), app)
		}
		return runSync(cmd.Context(), app)
	},
}

func runSync(ctx context.Context, app *client.App) error {
	out := cli.Out()

	result, err := app.Sync(ctx)
	if out.JSON() {
		if err != nil {
			return err
		}
		return out.Emit(result)
	}
	if err != nil {
		if result != nil && result.Pushed > 0 {
			out.Printf("Отправлено до ошибки: %d\n", result.Pushed)
		}
		return fmt.Errorf("sync failed: %w", err)
	}

	printResult(out, result)
	return nil
}

func printResult(out *cli.Printer, result *client.SyncResult) {
	out.Println(out.OK("✓ Синхронизация завершена за %v", result.Duration.Round(time.Millisecond)))
	out.Printf("Отправлено:  %d (повторов %d)\n", result.Pushed, result.Duplicates)
	out.Printf("Получено:    %d, удалено %d, страниц %d\n", result.Pulled, result.Deleted, result.Pages)

	if result.Conflicts > 0 {
		out.Println(out.Warn("Конфликтов: %d. Посмотреть: possync-client conflict list", result.Conflicts))
	}
	if result.Resolved > 0 {
		out.Printf("Разрешено конфликтов: %d\n", result.Resolved)
	}
	if result.Rejected > 0 || result.Failed > 0 {
		out.Println(out.Fail("Отклонено: %d, с ошибкой: %d", result.Rejected, result.Failed))
		for i, e := range result.Errors {
			if i == 3 {
				out.Printf("  ... и еще %d\n", len(result.Errors)-3)
				break
			}
			out.Printf("  • %s: %s (%s)\n", e.OperationID, e.Message, e.Code)
		}
	}
}

func showSyncStatus(ctx context.Context, app *client.App) error {
	out := cli.Out()

	local, err := app.LocalStats(ctx)
	if err != nil {
		return err
	}
	remote, remoteErr := app.RemoteStatus(ctx)

	if out.JSON() {
		v := map[string]any{"deviceId": app.DeviceID(), "local": local}
		if remoteErr == nil {
			v["remote"] = remote
		} else {
			v["remoteError"] = remoteErr.Error()
		}
		return out.Emit(v)
	}

	out.Println(out.Title("Устройство %s", app.DeviceID()))
	out.Println("Локальный журнал:")
	out.Printf("  Ожидают отправки:  %d\n", local.Pending)
	out.Printf("  С ошибкой:         %d\n", local.Failed)
	out.Printf("  Отложены конфликтом: %d\n", local.Held)
	out.Printf("  Подтверждены:      %d\n", local.Success)
	out.Printf("  Открытых конфликтов: %d\n", local.Conflicts)
	if !local.Cursor.IsZero() {
		out.Printf("  Последний pull до: %s\n", local.Cursor.Local().Format("2006-01-02 15:04:05"))
	}

	out.Print("Сервер: ")
	if remoteErr != nil {
		out.Println(out.Fail("недоступен: %v", remoteErr))
		return nil
	}
	out.Println(out.OK("%s", remote.State))
	if remote.Stats != nil {
		out.Printf("  Операций на сервере: %d, ожидают %d, с ошибкой %d\n",
			remote.Stats.TotalItems, remote.Stats.PendingItems, remote.Stats.FailedItems)
	}
	for c, t := range remote.Checkpoints {
		out.Printf("  %-18s %s\n", c, t.Local().Format("2006-01-02 15:04:05"))
	}
	return nil
}

func init() {
	SyncCmd.Flags().BoolVar(&syncStatus, "status", false, "показать состояние журнала и устройства на сервере")
}
