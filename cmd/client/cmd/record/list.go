package record

import (
	"possync/cmd/client/cmd/cli"

	"github.com/spf13/cobra"
)

var showDeleted bool

var ListCmd = &cobra.Command{
	Use:   "list <collection>",
	Short: "Список сущностей коллекции в локальной реплике",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cli.App(cmd.Context())
		if err != nil {
			return err
		}
		c, err := parseCollection(args[0])
		if err != nil {
			return err
		}

		items, err := app.Items(cmd.Context(), c, showDeleted)
		if err != nil {
			return err
		}

		out := cli.Out()
		if out.JSON() {
			return out.Emit(items)
		}
		if len(items) == 0 {
			out.Println("Нет записей")
			return nil
		}
		for _, item := range items {
			mark := ""
			switch {
			case item.Deleted:
				mark = out.Warn(" [удалена]")
			case item.Dirty:
				mark = out.Warn(" [не отправлена]")
			}
			out.Printf("%-38s v%-4d %s%s\n", item.ID, item.Version,
				item.ModifiedAt.Local().Format("2006-01-02 15:04:05"), mark)
		}
		out.Printf("Всего: %d\n", len(items))
		return nil
	},
}

func init() {
	ListCmd.Flags().BoolVar(&showDeleted, "deleted", false, "показывать удаленные")
}
