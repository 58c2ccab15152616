package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"venue/domain/match"
	"venue/infra/eventlog"
	"venue/infra/kafka"
	"venue/infra/outbox"
	"venue/jobs/broadcaster"
	"venue/service"
)

func main() {
	var (
		dataDir      = flag.String("data", "./data", "base directory for event log, outbox and snapshots")
		base         = flag.String("base", "BTC", "base asset of the trading pair")
		quote        = flag.String("quote", "USD", "quote asset of the trading pair")
		brokers      = flag.String("brokers", "localhost:9092", "comma separated kafka brokers")
		tradeTopic   = flag.String("trade-topic", "trades", "topic for trade events")
		balanceTopic = flag.String("balance-topic", "balances", "topic for balance updates")
		snapEvery    = flag.Duration("snapshot-interval", 5*time.Minute, "snapshot cadence")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// ---------------- Event log ----------------

	store, err := eventlog.Open(*dataDir + "/events")
	if err != nil {
		slog.Error("event log init failed", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	// ---------------- Trade outbox ----------------

	ob, err := outbox.Open(*dataDir + "/outbox")
	if err != nil {
		slog.Error("outbox init failed", "err", err)
		os.Exit(1)
	}
	defer ob.Close()

	// ---------------- Service + recovery ----------------

	pair := match.Pair{Base: *base, Quote: *quote}
	svc := service.NewTradeService(pair, store, ob)

	snapDir := *dataDir + "/snapshots"
	if err := svc.Recover(snapDir); err != nil {
		slog.Error("recovery failed", "err", err)
		os.Exit(1)
	}

	// ---------------- Background jobs ----------------

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc.StartSnapshotJob(ctx, snapDir, *snapEvery)

	brokerList := strings.Split(*brokers, ",")

	bc, err := broadcaster.New(ob, brokerList, *tradeTopic, 2*time.Second)
	if err != nil {
		slog.Error("broadcaster init failed", "err", err)
		os.Exit(1)
	}
	defer bc.Close()
	go bc.Run(ctx)

	producer := kafka.NewProducer(brokerList, *balanceTopic)
	defer producer.Close()
	svc.StartBalancePump(ctx, producer)

	slog.Info("venue engine running",
		"pair", pair.String(),
		"last_seq", svc.LastSequence(),
		"data_dir", *dataDir)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	slog.Info("shutting down")
}
