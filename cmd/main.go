package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"helpdesk-mail-engine/internal/config"
	"helpdesk-mail-engine/internal/emailprocessor"
	imapclient "helpdesk-mail-engine/internal/imap"
	"helpdesk-mail-engine/internal/logging"
	"helpdesk-mail-engine/internal/materialize"
	"helpdesk-mail-engine/internal/scheduler"
	"helpdesk-mail-engine/internal/store"
	"helpdesk-mail-engine/internal/threading"
)

func main() {
	cfg, err := config.Load("config.yaml")
	if err != nil {
		logging.Log.Fatalf("Error reading configuration file: %v", err)
	}
	logging.SetLevel(cfg.Logging.Level)

	ctx := context.Background()

	st, err := store.New(ctx, cfg.Database.URL)
	if err != nil {
		logging.Log.Fatalf("Error connecting to ticket store: %v", err)
	}
	defer st.Close()

	desks, err := st.ListEnabledDesks(ctx)
	if err != nil {
		logging.Log.Fatalf("Error listing desks: %v", err)
	}
	if len(desks) == 0 {
		logging.Log.Warn("No desks have polling enabled")
	}

	resolver := threading.NewResolver(st)
	mat := materialize.NewMaterializer(st)
	processor := emailprocessor.NewProcessor(
		func() imapclient.Client { return imapclient.NewStandardClient(cfg.Polling.DialTimeout) },
		resolver,
		mat,
		cfg.Polling.FetchLimit,
	)

	logging.Log.Infof("Starting mail ingestion for %d desks, polling every %s", len(desks), cfg.Polling.Interval)

	sched := scheduler.New(processor.RunCycle, cfg.Polling.Interval, cfg.Polling.WarmupDelay)
	sched.Start(desks)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logging.Log.Info("Shutting down")
	sched.Stop()
}
