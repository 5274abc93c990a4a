package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/im-gateway/internal/config"
	"github.com/jmehdipour/im-gateway/internal/db"
	"github.com/jmehdipour/im-gateway/internal/repository"
	"github.com/spf13/cobra"
)

var seedTTL time.Duration

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed Redis with demo user access tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		rdb, err := db.OpenRedis(cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis connect: %w", err)
		}
		defer func() { _ = rdb.Close() }()

		fmt.Println(">> Seeding demo tokens...")
		tokens := repository.NewTokenRepository(rdb)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for token, uid := range demoTokens {
			if err := tokens.Put(ctx, token, uid, seedTTL); err != nil {
				return fmt.Errorf("put token for %s: %w", uid, err)
			}
			fmt.Printf("   %s -> %s\n", token, uid)
		}

		fmt.Println(">> Seed completed")
		return nil
	},
}

// deterministic demo users, usable as /ws?token=...
var demoTokens = map[string]string{
	"demo-token-alice": "alice",
	"demo-token-bob":   "bob",
	"demo-token-carol": "carol",
	"demo-token-dave":  "dave",
}

func init() {
	seedCmd.Flags().DurationVar(&seedTTL, "ttl", 0, "token lifetime (0 = no expiry)")
}
