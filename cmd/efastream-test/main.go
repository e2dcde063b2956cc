package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/yuuki/efastream"
	"github.com/yuuki/efastream/internal/config"
	"github.com/yuuki/efastream/internal/telemetry"
)

func main() {
	flagSet := pflag.NewFlagSet("efastream-test", pflag.ExitOnError)
	configPath := flagSet.String("config", "", "Path to configuration file")
	configOutput := flagSet.String("config-output", "efastream.yaml", "Path for --create-config output")
	createConfig := flagSet.Bool("create-config", false, "Write a default configuration file and exit")
	version := flagSet.Bool("version", false, "Print version and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	if *version {
		fmt.Println("efastream-test v0.1.0")
		os.Exit(0)
	}

	if *createConfig {
		if err := config.CreateDefaultToolConfig(*configOutput); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating default config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created default configuration at %s\n", *configOutput)
		os.Exit(0)
	}

	cfg, err := config.LoadToolConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	initLogging(cfg.LogLevel)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("Test tool failed")
	}
}

// initLogging initializes the logging configuration
func initLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	// Configure pretty logging for development
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func run(cfg *config.ToolConfig) error {
	ctx := context.Background()

	var metrics *telemetry.Metrics
	if cfg.OtelCollector != "" {
		m, err := telemetry.NewMetrics(ctx, cfg.InstanceID, cfg.OtelCollector)
		if err != nil {
			return fmt.Errorf("telemetry setup: %w", err)
		}
		metrics = m
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metrics.Shutdown(shutdownCtx)
		}()
	}

	direction := efastream.DirectionSend
	if cfg.Direction == "receive" {
		direction = efastream.DirectionReceive
	}

	connected := make(chan struct{}, 1)
	var completed, dropped, received atomic.Int64

	connCfg := efastream.Config{
		Direction:      direction,
		StreamName:     cfg.StreamName,
		LocalIP:        cfg.LocalIP,
		RemoteIP:       cfg.RemoteIP,
		DestPort:       cfg.DestPort,
		PollThreadID:   cfg.PollThreadID,
		MaxPayloads:    cfg.MaxPayloads,
		MaxPayloadSize: cfg.PayloadSize,
		TOS:            cfg.ControlTOS,
		Metrics:        metrics,
		Log:            log.Logger,
		StateChange: func(sc efastream.StateChange) {
			log.Info().Stringer("status", sc.Status).Str("cause", sc.Cause).
				Str("remote", fmt.Sprintf("%s:%d", sc.RemoteIP, sc.RemotePort)).
				Str("version", sc.NegotiatedVersion).Msg("Connection state changed")
			if sc.Status == efastream.StatusConnected {
				select {
				case connected <- struct{}{}:
				default:
				}
			}
		},
		PayloadComplete: func(userData uint64, delivered bool) {
			if delivered {
				completed.Add(1)
			} else {
				dropped.Add(1)
			}
		},
		PayloadReceived: func(pl *efastream.ReceivedPayload) {
			n := received.Add(1)
			if n%100 == 1 {
				log.Info().Int("size", pl.TotalSize).Uint64("user_data", pl.UserData).
					Int64("total", n).Msg("Received payload")
			}
		},
	}

	conn, err := efastream.NewConnection(connCfg)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Shutdown() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if direction == efastream.DirectionReceive {
		log.Info().Int("port", cfg.DestPort).Msg("Waiting for payloads, Ctrl-C to stop")
		<-sigCh
		log.Info().Int64("received", received.Load()).Msg("Receive summary")
		return nil
	}

	log.Info().Str("remote", cfg.RemoteIP).Msg("Waiting for connection")
	select {
	case <-connected:
	case <-sigCh:
		return nil
	}

	payload := make([]byte, cfg.PayloadSize)
	for i := range payload {
		payload[i] = byte(i)
	}

	interval := time.Second / time.Duration(cfg.RateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sent := 0
sendLoop:
	for sent < cfg.PayloadCount {
		select {
		case <-ticker.C:
			err := conn.Send([][]byte{payload}, efastream.PayloadOptions{UserData: uint64(sent)})
			switch err {
			case nil:
				sent++
			case efastream.ErrInFlightLimit, efastream.ErrBackpressure:
				// Skip this tick; completions will free a slot.
			case efastream.ErrNotConnected:
				log.Warn().Msg("Connection lost, waiting for reconnect")
				select {
				case <-connected:
				case <-sigCh:
					break sendLoop
				}
			default:
				return fmt.Errorf("send payload %d: %w", sent, err)
			}
		case <-sigCh:
			log.Info().Msg("Interrupted")
			break sendLoop
		}
	}

	// Let in-flight payloads drain before tearing down.
	deadline := time.After(5 * time.Second)
drainLoop:
	for completed.Load()+dropped.Load() < int64(sent) {
		select {
		case <-deadline:
			log.Warn().Msg("Timed out waiting for payload completions")
			break drainLoop
		case <-time.After(10 * time.Millisecond):
		}
	}

	log.Info().Int64("completed", completed.Load()).Int64("dropped", dropped.Load()).
		Msg("Send summary")
	return nil
}
