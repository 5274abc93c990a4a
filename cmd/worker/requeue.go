package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/im-gateway/internal/config"
	"github.com/jmehdipour/im-gateway/internal/db"
	"github.com/jmehdipour/im-gateway/internal/repository"
	"github.com/spf13/cobra"
)

var (
	requeueIDs   []string
	requeueLimit int
)

var requeueCmd = &cobra.Command{
	Use:   "requeue-dead",
	Short: "Move DEAD outbox records back to PENDING with a fresh retry budget",
	Long: `Resets status to PENDING and attempts to 0 for dead records. Running
servers redeliver them on their next recovery rescan.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		dbx, err := db.OpenMySQL(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer dbx.Close()

		repo := repository.NewOutboxRepository(dbx)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		n, err := repo.RequeueDead(ctx, requeueIDs, requeueLimit)
		if err != nil {
			return err
		}
		fmt.Printf(">> requeued %d dead record(s)\n", n)

		counts, err := repo.CountByStatus(ctx)
		if err != nil {
			return err
		}
		for st, c := range counts {
			fmt.Printf("   %-9s %d\n", st, c)
		}
		return nil
	},
}

func init() {
	requeueCmd.Flags().StringSliceVar(&requeueIDs, "id", nil, "message ids to requeue (default: oldest --limit dead records)")
	requeueCmd.Flags().IntVar(&requeueLimit, "limit", 100, "max records when no --id is given")
}
