package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/confra/confra/backend/archive"
	"github.com/confra/confra/backend/registry"
	"github.com/confra/confra/backend/router"
	httpServer "github.com/confra/confra/backend/server/http"
	websocketServer "github.com/confra/confra/backend/server/websocket"
	"github.com/confra/confra/backend/service"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		apiListenAddr = fs.StringP("api-listen-addr", "a", ":8080", "api listen address")
		wsListenAddr  = fs.StringP("ws-listen-addr", "w", ":8888", "websocket signaling listen address")
		logLevel      = fs.StringP("log-level", "l", "debug", "log level")
		roomGrace     = fs.Duration("room-grace", 30*time.Second, "how long an empty room survives before removal")
		postgresDSN   = fs.String("postgres-dsn", "", "optional postgres dsn for room history")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	var rec service.Recorder = archive.Nop{}
	if *postgresDSN != "" {
		pg, errPG := archive.NewPG(*postgresDSN, &logger)
		if errPG != nil {
			logger.Fatal().Err(errPG).Msg("failed to init room archive")
		}
		defer pg.Close()
		rec = pg
	}

	reg := registry.New(registry.Config{
		Logger:         &logger,
		EmptyRoomGrace: *roomGrace,
	})
	svc := service.NewService(service.Config{
		Registry: reg,
		Router:   router.New(reg, &logger),
		Recorder: rec,
		Logger:   &logger,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:      &logger,
		RoomService: svc,
		ListenAddr:  *apiListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:           &logger,
		SignalingService: svc,
		ListenAddr:       *wsListenAddr,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
