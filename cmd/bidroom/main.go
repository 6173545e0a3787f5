package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/auctionhall/bidroom/clients/auctionapi"
	"github.com/auctionhall/bidroom/internal/room"
	"github.com/auctionhall/bidroom/internal/transport"
)

// bidroom <auction-id> watches one auction room and logs the live
// projection until interrupted.
func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if getEnv("LOG_PRETTY", "") != "" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	if len(os.Args) < 2 {
		log.Fatal().Msg("usage: bidroom <auction-id>")
	}
	auctionID := os.Args[1]

	config, err := loadConfig(getEnv("BIDROOM_CONFIG", ""))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := auctionapi.NewClient(config.API.BaseURL)

	snapshot, err := api.GetSnapshot(ctx, auctionID)
	if err != nil {
		log.Fatal().Err(err).Str("auction_id", auctionID).Msg("failed to fetch auction snapshot")
	}
	log.Info().
		Str("auction_id", auctionID).
		Float64("current_price", snapshot.CurrentPrice).
		Str("status", string(snapshot.Status)).
		Time("ends_at", snapshot.EndsAt).
		Msg("auction snapshot loaded")

	transportConfig := transport.DefaultConfig()
	transportConfig.URL = config.Socket.URL
	transportConfig.Credential = config.Session.Token
	if interval := config.pingInterval(); interval > 0 {
		transportConfig.PingInterval = interval
	}

	manager := transport.NewManager(transportConfig)
	defer manager.Close()

	if state := manager.Connect(ctx); !state.Connected {
		log.Fatal().Str("last_error", state.LastError).Msg("event channel unavailable")
	}

	token := config.Session.Token
	reconciler := room.NewReconciler(manager, manager.Events(), room.Options{
		AuctionID:    auctionID,
		UserIdentity: config.Session.UserEmail,
		Snapshot:     snapshot,
		OnBalanceDeduct: func(amount float64) {
			go func() {
				result, err := api.DeductBalance(context.Background(), amount, token)
				if err != nil {
					log.Error().Err(err).Msg("balance deduction request failed")
					return
				}
				if !result.Success {
					log.Error().Str("message", result.Message).Msg("balance deduction rejected")
					return
				}
				ev := log.Info()
				if result.NewBalance != nil {
					ev = ev.Float64("new_balance", *result.NewBalance)
				}
				ev.Msg("balance deducted for won auction")
			}()
		},
		OnUpdate: func(p room.Projection) {
			ev := log.Info().
				Str("auction_id", p.AuctionID).
				Float64("price", p.CurrentPrice).
				Str("status", string(p.Status)).
				Int("viewers", p.ViewerCount).
				Int("bids", len(p.Bids)).
				Int("auto_close_sec", p.AutoCloseRemaining)
			if p.EndingSoonSec != nil {
				ev = ev.Int("ending_in_sec", *p.EndingSoonSec)
			}
			if p.Winner != nil {
				ev = ev.Str("winner", p.Winner.Name)
			}
			ev.Msg("room update")
		},
	})

	if err := reconciler.Run(ctx); err != nil {
		log.Error().Err(err).Msg("room watch ended with error")
	}
	log.Info().Str("auction_id", auctionID).Msg("room watch stopped")
}
