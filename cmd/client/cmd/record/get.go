package record

import (
	"encoding/json"

	"possync/cmd/client/cmd/cli"

	"github.com/spf13/cobra"
)

var GetCmd = &cobra.Command{
	Use:   "get <collection> <id>",
	Short: "Показать сущность из локальной реплики",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cli.App(cmd.Context())
		if err != nil {
			return err
		}
		c, err := parseCollection(args[0])
		if err != nil {
			return err
		}

		item, err := app.Item(cmd.Context(), c, args[1])
		if err != nil {
			return err
		}

		out := cli.Out()
		if out.JSON() {
			return out.Emit(item)
		}
		out.Println(out.Title("%s/%s", item.Collection, item.ID))
		out.Printf("Версия:    %d\n", item.Version)
		out.Printf("Изменена:  %s\n", item.ModifiedAt.Local().Format("2006-01-02 15:04:05"))
		if item.Deleted {
			out.Println(out.Warn("Удалена"))
		}
		if item.Dirty {
			out.Println(out.Warn("Есть неотправленные изменения"))
		}
		data, err := json.MarshalIndent(item.Data, "", "  ")
		if err != nil {
			return err
		}
		out.Println(string(data))
		return nil
	},
}
