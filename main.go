package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"satmsg/config"
	"satmsg/gpio"
	"satmsg/mailbox"
	"satmsg/queue"
	"satmsg/server"
)

// Version info - increment based on change magnitude:
// Major (x.0.0): Breaking changes, major rewrites
// Minor (0.y.0): New features, significant enhancements
// Patch (0.0.z): Bug fixes, minor improvements
var Version = "1.0.0"

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logs.Path != "" {
		os.MkdirAll(cfg.Logs.Path, 0755)
		logFile, err := os.OpenFile(cfg.Logs.Path+"/satmsg.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			log.SetOutput(io.MultiWriter(os.Stderr, logFile))
		}
	}

	log.Infof("Starting satellite messenger v%s", Version)
	log.Infof("  Modem device: %q (empty = probe)", cfg.RockBlock.Device)
	log.Infof("  Mailbox root: %s", cfg.Mailboxes.Root)
	log.Infof("  Web port: %d", cfg.Server.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Shutting down...")
		cancel()
	}()

	store := mailbox.NewStore(cfg.Mailboxes.Root)

	pins, err := gpio.New(gpio.Config{
		Chip:       cfg.GPIO.Chip,
		RingPin:    cfg.GPIO.RingPin,
		RedPin:     cfg.GPIO.RedPin,
		GreenPin:   cfg.GPIO.GreenPin,
		BluePin:    cfg.GPIO.BluePin,
		PendingPin: cfg.GPIO.PendingPin,
	})
	if err != nil {
		log.Warnf("GPIO unavailable, running without LEDs and ring line: %v", err)
		pins = gpio.Stub()
	}

	manager := queue.NewManager(store, pins, queue.Config{
		Device:              cfg.RockBlock.Device,
		LocalUser:           cfg.Mailboxes.LocalUser,
		SignalCheckInterval: cfg.RockBlock.SignalCheckInterval,
	})
	go manager.Run(ctx)

	srv := server.New(cfg.Server.Port, cfg.Mailboxes.LocalUser, store, manager, Version)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
