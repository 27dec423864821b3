package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/ulp/living-knowledge/internal/events"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	redisURL := flag.String("redis", os.Getenv("ULP_REDIS_URL"), "Redis URL carrying the evolution stream")
	replay := flag.Bool("replay", false, "print retained events before following new ones")
	verbose := flag.Bool("v", false, "list ids of births and deaths")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	if *redisURL == "" {
		logger.Fatal("no redis url: pass -redis or set ULP_REDIS_URL")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus, err := events.NewBus(ctx, *redisURL, logger)
	if err != nil {
		logger.Fatal("connect event bus", zap.Error(err))
	}
	defer bus.Close()

	var ch <-chan *events.TickEvent
	if *replay {
		ch = bus.Replay(ctx)
	} else {
		ch = bus.Subscribe(ctx)
	}

	fmt.Printf("watching %s (ctrl-c to stop)\n", events.Stream)
	for ev := range ch {
		fmt.Printf("tick %-5d %s  survived=%d died=%d born=%d population=%d value=%.3f\n",
			ev.Tick, ev.WorldTime.Format("2006-01-02 15:04:05"),
			len(ev.SurvivedIDs), len(ev.DiedIDs), len(ev.BornIDs), len(ev.Values), ev.TotalValue)
		if *verbose {
			for _, b := range ev.Births {
				fmt.Printf("  + %s <- %s\n", b.ChildID, b.ParentID)
			}
			if len(ev.DiedIDs) > 0 {
				fmt.Printf("  - %s\n", strings.Join(ev.DiedIDs, ", "))
			}
		}
	}
}
