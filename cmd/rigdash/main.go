package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fnm-team/rigdash/internal/serialport"
	"github.com/fnm-team/rigdash/internal/server"
	"github.com/fnm-team/rigdash/internal/session"
	"github.com/fnm-team/rigdash/internal/timeutil"
	"github.com/fnm-team/rigdash/web"
)

func main() {
	configPath := flag.String("config", server.DefaultConfigPath, "Path to config file")
	demo := flag.Bool("demo", false, "Run against a simulated rig controller")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] rigdash starting")

	cfg := server.LoadConfig(*configPath)

	if *demo {
		cfg.Rig.Type = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if _, err := cfg.DefaultParams(); err != nil {
		log.Printf("[config] start form defaults are invalid: %v", err)
	}

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	var loc *serialport.Locator
	switch cfg.Rig.Type {
	case "demo":
		rate := time.Duration(cfg.Rig.DemoRateMs) * time.Millisecond
		loc = serialport.NewDemoLocator(serialport.NewDemoRig(timeutil.RealClock{}, rate))
		log.Printf("[main] using simulated rig controller")
	default:
		loc = serialport.NewLocator(cfg.LocatorConfig())
	}
	ctrl := session.New(loc, timeutil.RealClock{}, cfg.SessionTuning())

	// Connect in the background; Start retries the port itself if this has not succeeded yet.
	go connectWithRetry(ctx, "rig", ctrl, 10)

	srv := server.New(cfg, ctrl, web.FS)
	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
	}
}

// connectable is satisfied by session.Controller.
type connectable interface {
	Connect() error
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, name string, c connectable, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.Connect(); err != nil {
			attempt++
			if attempt <= maxAttempts {
				log.Printf("[%s] connect attempt %d/%d failed: %v (retry in %v)",
					name, attempt, maxAttempts, err, delay)
			} else {
				log.Printf("[%s] connect attempt %d failed: %v (retry in %v)",
					name, attempt, err, delay)
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		} else {
			log.Printf("[%s] connected successfully (attempt %d)", name, attempt+1)
			return
		}
	}
}
