package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"pacebeats-monitor/common/config"
	"pacebeats-monitor/common/logger"
	mqttcommon "pacebeats-monitor/common/mqtt"
	"pacebeats-monitor/internal/simulator"

	"go.uber.org/zap"
)

func main() {
	var (
		runners  = flag.Int("runners", 10, "Number of simulated runners")
		interval = flag.Duration("interval", time.Second, "Interval between samples per runner")
		duration = flag.Duration("duration", 0, "Stop after this long (0 = until interrupted)")
		mode     = flag.String("mode", "http", "Transport: http or mqtt")
		baseURL  = flag.String("url", "http://localhost:8090", "Monitor base URL (http mode)")
		seed     = flag.Uint64("seed", uint64(time.Now().UnixNano()), "Random seed")
	)
	flag.Parse()

	log, err := logger.NewLogger(getEnv("LOG_LEVEL", "info"), getEnv("LOG_FORMAT", "console"), "runner-simulator")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	var sender simulator.Sender
	switch *mode {
	case "http":
		sender = simulator.NewHTTPSender(*baseURL, 5*time.Second)
	case "mqtt":
		mqttCfg := config.MQTTConfig{Broker: "tcp://localhost:1883", ClientID: "runner-simulator", QoS: 1}
		mqttCfg.LoadFromEnv("MQTT")
		client, err := mqttcommon.NewClient(&mqttCfg, log)
		if err != nil {
			log.Fatal("Failed to connect to MQTT broker", zap.Error(err))
		}
		defer client.Disconnect()
		sender = simulator.NewMQTTSender(client, mqttCfg.QoS)
	default:
		log.Fatal("Unknown mode", zap.String("mode", *mode))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if *duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	log.Info("Simulator started",
		zap.Int("runners", *runners),
		zap.Duration("interval", *interval),
		zap.String("mode", *mode),
	)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 1; i <= *runners; i++ {
		r := simulator.NewRunner(i, *seed, start)
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx, r, sender, *interval, log)
		}()
	}
	wg.Wait()
	log.Info("Simulator stopped")
}

func run(ctx context.Context, r *simulator.Runner, sender simulator.Sender, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s := r.Next(now)
			if err := sender.Send(ctx, s); err != nil && ctx.Err() == nil {
				log.Warn("Failed to send sample", zap.String("session_id", s.SessionID), zap.Error(err))
			}
		}
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
