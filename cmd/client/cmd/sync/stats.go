package sync

import (
	"fmt"
	"sort"

	"possync/cmd/client/cmd/cli"
	"possync/internal/domain/sync"

	"github.com/spf13/cobra"
)

var (
	statsCollection string
	statsDays       int
)

var StatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Статистика синхронизации устройства на сервере",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cli.App(cmd.Context())
		if err != nil {
			return err
		}
		c := sync.Collection(statsCollection)
		if c != "" && !c.Valid() {
			return fmt.Errorf("unknown collection %q", statsCollection)
		}

		stats, err := app.RemoteStats(cmd.Context(), c, statsDays)
		if err != nil {
			return err
		}

		out := cli.Out()
		if out.JSON() {
			return out.Emit(stats)
		}

		out.Println(out.Title("Статистика за %d дн. (с %s), состояние %s",
			stats.Days, stats.Since.Local().Format("2006-01-02"), stats.State))
		out.Printf("Операций: %d, подтверждено %d, ожидают %d, с ошибкой %d, конфликтов %d\n",
			stats.TotalItems, stats.SuccessItems, stats.PendingItems, stats.FailedItems, stats.ConflictItems)
		if stats.LastSyncTimestamp != nil {
			out.Printf("Последняя синхронизация: %s\n", stats.LastSyncTimestamp.Local().Format("2006-01-02 15:04:05"))
		}

		names := make([]string, 0, len(stats.CollectionsStats))
		for c := range stats.CollectionsStats {
			names = append(names, string(c))
		}
		sort.Strings(names)
		for _, name := range names {
			cs := stats.CollectionsStats[sync.Collection(name)]
			out.Printf("  %-18s всего %d, ok %d, ожидают %d, ошибок %d, конфликтов %d\n",
				name, cs.Total, cs.Success, cs.Pending, cs.Failed, cs.Conflicts)
		}

		if len(stats.Recommendations) > 0 {
			out.Println("Рекомендации:")
			for _, r := range stats.Recommendations {
				out.Println(out.Warn("  • %s", r))
			}
		}
		return nil
	},
}

func init() {
	StatsCmd.Flags().StringVar(&statsCollection, "collection", "", "ограничить одной коллекцией")
	StatsCmd.Flags().IntVar(&statsDays, "days", 7, "период в днях")
}
