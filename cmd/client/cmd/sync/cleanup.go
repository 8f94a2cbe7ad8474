package sync

import (
	"possync/cmd/client/cmd/cli"

	"github.com/spf13/cobra"
)

var cleanupDays int

var CleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Удалить старые подтвержденные операции",
	Long: `Удаляет из журнала операции, подтвержденные сервером раньше чем --days дней назад,
и разрешенные конфликты. Неотправленные операции не затрагиваются.
Тот же запрос отправляется серверу для операций этого устройства.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cli.App(cmd.Context())
		if err != nil {
			return err
		}
		out := cli.Out()

		local, remote, err := app.Cleanup(cmd.Context(), cleanupDays)
		if out.JSON() {
			v := map[string]any{"days": cleanupDays, "local": local, "remote": remote}
			if err != nil {
				v["remoteError"] = err.Error()
			}
			return out.Emit(v)
		}
		if err != nil && local == 0 && remote == 0 {
			return err
		}

		out.Println(out.OK("✓ Локально удалено: %d", local))
		if err != nil {
			out.Println(out.Warn("Сервер: %v", err))
			return nil
		}
		out.Printf("На сервере удалено: %d\n", remote)
		return nil
	},
}

func init() {
	CleanupCmd.Flags().IntVar(&cleanupDays, "days", 90, "хранить операции за последние N дней")
}
