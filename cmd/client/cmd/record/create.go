package record

import (
	"possync/cmd/client/cmd/cli"
	"possync/internal/domain/sync"

	"github.com/spf13/cobra"
)

var (
	entityID string
	rawData  string
	fields   []string
)

var CreateCmd = &cobra.Command{
	Use:   "create <collection>",
	Short: "Создать сущность",
	Example: `  possync-client record create products --data '{"name":"Cola","price":"1.20"}'
  possync-client record create sales --id s-1001 --set total=12.40 --set payment=cash`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return record(cmd, args[0], sync.OperationCreate)
	},
}

var UpdateCmd = &cobra.Command{
	Use:     "update <collection>",
	Short:   "Изменить поля сущности",
	Example: `  possync-client record update products --id p1 --set price=1.35`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return record(cmd, args[0], sync.OperationUpdate)
	},
}

var DeleteCmd = &cobra.Command{
	Use:     "delete <collection>",
	Short:   "Удалить сущность",
	Example: `  possync-client record delete customers --id c42`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return record(cmd, args[0], sync.OperationDelete)
	},
}

func record(cmd *cobra.Command, collection string, kind sync.OperationKind) error {
	app, err := cli.App(cmd.Context())
	if err != nil {
		return err
	}
	c, err := parseCollection(collection)
	if err != nil {
		return err
	}
	data, err := cli.ParseData(rawData, fields)
	if err != nil {
		return err
	}

	op, err := app.Record(cmd.Context(), c, kind, entityID, data)
	if err != nil {
		return err
	}

	out := cli.Out()
	if out.JSON() {
		return out.Emit(map[string]any{
			"operationId": op.ID,
			"collection":  op.Collection,
			"operation":   op.Kind,
			"id":          op.EntityID,
			"baseVersion": op.BaseVersion,
		})
	}
	out.Println(out.OK("✓ %s %s/%s записано (операция %s)", op.Kind, op.Collection, op.EntityID, op.ID))
	return nil
}

func init() {
	for _, c := range []*cobra.Command{CreateCmd, UpdateCmd, DeleteCmd} {
		c.Flags().StringVar(&entityID, "id", "", "идентификатор сущности (для create генерируется, если не задан)")
	}
	for _, c := range []*cobra.Command{CreateCmd, UpdateCmd} {
		c.Flags().StringVar(&rawData, "data", "", "поля сущности в JSON")
		c.Flags().StringArrayVar(&fields, "set", nil, "поле key=value, можно повторять")
	}
	_ = UpdateCmd.MarkFlagRequired("id")
	_ = DeleteCmd.MarkFlagRequired("id")
}
