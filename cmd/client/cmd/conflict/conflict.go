package conflict

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"possync/cmd/client/cmd/cli"
	"possync/internal/domain/sync"

	"github.com/spf13/cobra"
)

var (
	listAll    bool
	listRemote bool

	use     string
	rawData string
	fields  []string
)

// ConflictCmd родительская команда для разбора конфликтов
var ConflictCmd = &cobra.Command{
	Use:   "conflict",
	Short: "Просмотр и разрешение конфликтов",
	Long: `Конфликт возникает, когда операция кассы изменяет сущность, которую
после последней синхронизации уже изменила другая касса. Операция откладывается
до решения: оставить локальную версию, принять серверную или записать слияние.`,
}

var ListCmd = &cobra.Command{
	Use:   "list",
	Short: "Показать конфликты",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cli.App(cmd.Context())
		if err != nil {
			return err
		}
		conflicts, err := app.Conflicts(cmd.Context(), !listAll, listRemote)
		if err != nil {
			return err
		}

		out := cli.Out()
		if out.JSON() {
			return out.Emit(conflicts)
		}
		if len(conflicts) == 0 {
			out.Println(out.OK("Конфликтов нет"))
			return nil
		}
		for _, c := range conflicts {
			printConflict(out, c)
		}
		return nil
	},
}

var ResolveCmd = &cobra.Command{
	Use:   "resolve <conflict-id>",
	Short: "Разрешить конфликт",
	Example: `  possync-client conflict resolve 6f1c... --use server
  possync-client conflict resolve 6f1c... --use local
  possync-client conflict resolve 6f1c... --use merge --data '{"name":"Cola","price":"1.25"}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cli.App(cmd.Context())
		if err != nil {
			return err
		}
		resolution, err := parseResolution(use)
		if err != nil {
			return err
		}

		var merged map[string]any
		if resolution == sync.ResolutionMerge {
			if rawData == "" && len(fields) == 0 {
				return errors.New("--use merge requires --data or --set")
			}
			if merged, err = cli.ParseData(rawData, fields); err != nil {
				return err
			}
		}

		result, err := app.Resolve(cmd.Context(), args[0], resolution, merged)
		if err != nil {
			return err
		}

		out := cli.Out()
		if out.JSON() {
			return out.Emit(result)
		}
		for _, e := range result.Errors {
			out.Println(out.Fail("✗ %s: %s (%s)", e.ConflictID, e.Message, e.Code))
		}
		if result.Resolved > 0 {
			out.Println(out.OK("✓ Конфликт %s разрешен: %s", args[0], resolution))
		}
		if !result.Success {
			return fmt.Errorf("conflict %s was not resolved", args[0])
		}
		return nil
	},
}

func parseResolution(s string) (sync.Resolution, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "local":
		return sync.ResolutionUseLocal, nil
	case "server":
		return sync.ResolutionUseServer, nil
	case "merge":
		return sync.ResolutionMerge, nil
	}
	return "", fmt.Errorf("--use must be one of local, server, merge, got %q", s)
}

func printConflict(out *cli.Printer, c sync.Conflict) {
	state := out.Warn("%s", c.Resolution)
	if !c.Pending() {
		state = out.OK("%s", c.Resolution)
	}
	out.Println(out.Title("%s", c.ID), state)
	out.Printf("  %s/%s, %s, операция %s %s\n", c.Collection, c.ServerItemID, c.Type, c.OperationKind, c.OperationID)
	out.Printf("  локально: %s  %s\n", c.LocalTimestamp.Local().Format("2006-01-02 15:04:05"), compact(c.LocalData))
	out.Printf("  сервер:   %s  v%d %s\n", c.ServerTimestamp.Local().Format("2006-01-02 15:04:05"), c.ServerVersion, compact(c.ServerData))
	if c.ResolvedAt != nil {
		out.Printf("  итог:     %s  %s\n", c.ResolvedAt.Local().Format("2006-01-02 15:04:05"), compact(c.ResolvedData))
	}
}

func compact(data map[string]any) string {
	if data == nil {
		return "(удалено)"
	}
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprint(data)
	}
	return string(b)
}

func init() {
	ListCmd.Flags().BoolVar(&listAll, "all", false, "включая разрешенные")
	ListCmd.Flags().BoolVar(&listRemote, "remote", false, "запросить список у сервера")

	ResolveCmd.Flags().StringVar(&use, "use", "", "решение: local, server или merge")
	ResolveCmd.Flags().StringVar(&rawData, "data", "", "итоговые данные для merge в JSON")
	ResolveCmd.Flags().StringArrayVar(&fields, "set", nil, "поле итоговых данных key=value")
	_ = ResolveCmd.MarkFlagRequired("use")
}
