package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/cresla/greenhouse-aggregator/aggregator"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatalf("error: config file location not specified")
	}

	f, err := os.ReadFile(os.Args[1])
	if err != nil {
		log.Fatalf("error: %v", err)
	}

	c := aggregator.Config{}
	err = yaml.Unmarshal(f, &c)
	if err != nil {
		log.Fatalf("error: %v", err)
	}
	c.ApplyDefaults()

	// Set up logger
	var logger *zap.Logger
	if c.Env == "dev" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("error: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	// A failed database init disables persistence but not the pipeline.
	db, err := aggregator.NewDbConnection(c.SQLite)
	if err != nil {
		sugar.Errorf("aggregator: %s, running without persistence", err)
	} else {
		defer db.Close()
		sugar.Infow("database ready", "path", c.SQLite.Path)
	}

	// Set up aggregator. No UI shell attached in the standalone binary.
	a := aggregator.NewAggregator(c, db, nil, sugar)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		exit := make(chan os.Signal, 1)
		signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)

		<-exit

		sugar.Info("aggregator: shutting down")
		cancel()
	}()

	a.Run(ctx)
	sugar.Info("aggregator: shutdown OK")
}
