package cmd

import (
	"fmt"

	"possync/cmd/client/cmd/cli"
	"possync/cmd/client/cmd/conflict"
	"possync/cmd/client/cmd/record"
	"possync/cmd/client/cmd/sync"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Подготовить кассу к синхронизации",
	Long: `Команда init выполняет первоначальную настройку устройства:
	1. Создает идентификатор и токен устройства в ~/.possync
	2. Создает локальную базу журнала операций
	3. Регистрирует устройство на сервере, если он доступен

Токен закрепляется за устройством при первом обращении к серверу.
Без него сервер не примет операции с этим идентификатором.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cli.App(cmd.Context())
		if err != nil {
			return err
		}
		out := cli.Out()

		if err := app.CheckConnection(cmd.Context()); err != nil {
			if out.JSON() {
				return out.Emit(map[string]any{"deviceId": app.DeviceID(), "registered": false, "error": err.Error()})
			}
			out.Printf("Устройство: %s\n", app.DeviceID())
			out.Println(out.Warn("Сервер недоступен: %v", err))
			out.Println("Операции будут копиться локально и уйдут при следующей синхронизации.")
			return nil
		}

		status, err := app.RemoteStatus(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to register device: %w", err)
		}
		if out.JSON() {
			return out.Emit(map[string]any{"deviceId": app.DeviceID(), "registered": true, "status": status})
		}

		out.Printf("Устройство: %s\n", app.DeviceID())
		out.Println(out.OK("✓ Устройство зарегистрировано, состояние %s", status.State))
		out.Println()
		out.Println("Что дальше:")
		out.Println("1. Записать изменение: possync-client record create products --data '{\"name\":\"Cola\",\"price\":\"1.20\"}'")
		out.Println("2. Синхронизировать:  possync-client sync")
		out.Println("3. Фоновый режим:     possync-client sync watch")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)

	rootCmd.AddCommand(record.RecordCmd)
	record.RecordCmd.AddCommand(record.CreateCmd)
	record.RecordCmd.AddCommand(record.UpdateCmd)
	record.RecordCmd.AddCommand(record.DeleteCmd)
	record.RecordCmd.AddCommand(record.GetCmd)
	record.RecordCmd.AddCommand(record.ListCmd)

	rootCmd.AddCommand(sync.SyncCmd)
	sync.SyncCmd.AddCommand(sync.WatchCmd)
	sync.SyncCmd.AddCommand(sync.StatsCmd)
	sync.SyncCmd.AddCommand(sync.CleanupCmd)

	rootCmd.AddCommand(conflict.ConflictCmd)
	conflict.ConflictCmd.AddCommand(conflict.ListCmd)
	conflict.ConflictCmd.AddCommand(conflict.ResolveCmd)
}
