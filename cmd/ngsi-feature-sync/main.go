package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/diwise/ngsi-feature-sync/internal/pkg/application/session"
	"github.com/diwise/ngsi-feature-sync/internal/pkg/infrastructure/router"
	"github.com/diwise/ngsi-feature-sync/internal/pkg/presentation/api"
	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
)

const serviceName string = "ngsi-feature-sync"

func main() {
	serviceVersion := buildinfo.SourceVersion()

	ctx, logger, cleanup := o11y.Init(context.Background(), serviceName, serviceVersion, "json")
	defer cleanup()

	flags := parseExternalConfig(ctx, FlagMap{
		listenAddress: "",
		servicePort:   "8080",
		configPath:    "/opt/diwise/config/layers.yaml",
		opaPath:       "/opt/diwise/config/authz.rego",
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfiguration(flags)
	if err != nil {
		fatal(ctx, "failed to load layer configuration", err)
	}

	s, err := session.New(ctx, *cfg)
	if err != nil {
		fatal(ctx, "failed to create session", err)
	}
	defer s.Close()

	if err := s.Start(ctx); err != nil {
		logger.Warn("not every configured layer could be added", "err", err.Error())
	}

	r := router.New(serviceName, logger)

	policies, err := os.Open(flags[opaPath])
	if err != nil {
		logger.Warn("unable to open authz policies", "path", flags[opaPath], "err", err.Error())
		err = api.RegisterHandlers(ctx, r, nil, s)
	} else {
		err = api.RegisterHandlers(ctx, r, policies, s)
		policies.Close()
	}
	if err != nil {
		fatal(ctx, "failed to register api handlers", err)
	}

	server := &http.Server{
		Addr:              net.JoinHostPort(flags[listenAddress], flags[servicePort]),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()

		server.Shutdown(shutdownCtx)
	}()

	logger.Info("starting to listen for connections", "addr", server.Addr)

	err = server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		fatal(ctx, "failed to listen for connections", err)
	}

	logger.Info("shutting down")
}

func loadConfiguration(flags FlagMap) (*session.Config, error) {
	var cfg *session.Config

	f, err := os.Open(flags[configPath])
	if err != nil {
		if flags[brokerURL] == "" {
			return nil, fmt.Errorf("no layer configuration and no broker url: %w", err)
		}
		cfg = &session.Config{}
	} else {
		defer f.Close()

		cfg, err = session.LoadConfiguration(f)
		if err != nil {
			return nil, err
		}
	}

	if flags[brokerURL] != "" {
		cfg.Broker.URL = flags[brokerURL]
	}

	return cfg, nil
}

func fatal(ctx context.Context, msg string, err error) {
	logging.GetFromContext(ctx).Error(msg, "err", err.Error())
	os.Exit(1)
}
