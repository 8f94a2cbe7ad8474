package record

import (
	"fmt"
	"strings"

	"possync/internal/domain/sync"

	"github.com/spf13/cobra"
)

// RecordCmd родительская команда для изменений локальных данных кассы
var RecordCmd = &cobra.Command{
	Use:   "record",
	Short: "Записать или просмотреть изменения",
	Long: `Изменения записываются в локальный журнал и сразу видны в локальной реплике.
На сервер они уходят при синхронизации.

Коллекции: products, sales, customers, financial_records, cash_transactions, settings.`,
}

func parseCollection(s string) (sync.Collection, error) {
	c := sync.Collection(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		names := make([]string, len(sync.Collections))
		for i, c := range sync.Collections {
			names[i] = string(c)
		}
		return "", fmt.Errorf("unknown collection %q, expected one of: %s", s, strings.Join(names, ", "))
	}
	return c, nil
}
