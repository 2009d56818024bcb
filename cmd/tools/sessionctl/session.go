package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/noah-isme/lookscan-api/internal/common"
	"github.com/noah-isme/lookscan-api/internal/config"
	"github.com/noah-isme/lookscan-api/internal/credstore"
	"github.com/noah-isme/lookscan-api/internal/session"
)

const redisPrefix = "lookscan:"

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect session credentials",
	}
	cmd.AddCommand(sessionGetCmd())
	return cmd
}

type sessionView struct {
	CheckoutID string          `json:"checkoutId"`
	SessionRef string          `json:"sessionRef"`
	Token      string          `json:"sessionToken,omitempty"`
	Session    *session.Record `json:"session"`
}

func sessionGetCmd() *cobra.Command {
	var showToken bool
	cmd := &cobra.Command{
		Use:   "get <checkoutId>",
		Short: "Show the session bound to a checkout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			store, closeStore, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			svc := &session.Service{Store: store, TTL: cfg.SessionTTL, Logger: zerolog.Nop()}
			token, rec, err := svc.Lookup(ctx, args[0])
			if errors.Is(err, session.ErrPaymentNotFound) {
				return fmt.Errorf("no session for checkout %q", args[0])
			}
			if err != nil {
				return err
			}
			view := sessionView{CheckoutID: args[0], SessionRef: common.ShortDigest(token), Session: rec}
			if showToken {
				view.Token = token
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(view)
		},
	}
	cmd.Flags().BoolVar(&showToken, "show-token", false, "print the raw session token")
	return cmd
}

func openStore(ctx context.Context, cfg *config.Config) (credstore.Store, func(), error) {
	switch cfg.CredentialStore {
	case config.StoreRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		return credstore.NewRedisStore(client, redisPrefix), func() { _ = client.Close() }, nil
	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect database: %w", err)
		}
		return credstore.NewPostgresStore(pool), pool.Close, nil
	default:
		return nil, nil, errors.New("no credential store configured")
	}
}
