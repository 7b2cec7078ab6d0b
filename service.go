package ftpbridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ftpbridge/broker"
	"github.com/opd-ai/ftpbridge/config"
	"github.com/opd-ai/ftpbridge/dispatch"
	"github.com/opd-ai/ftpbridge/engine"
	"github.com/opd-ai/ftpbridge/registry"
	"github.com/opd-ai/ftpbridge/session"
)

// Service is one running bridge instance: a registry, a broker connection
// and one sequential command loop per configured peripheral.
type Service struct {
	cfg        config.Config
	store      *registry.Store
	broker     *broker.Broker
	dispatcher *dispatch.Dispatcher
}

// NewService wires a service from its configuration. The returned service
// owns the registry and broker handles until Close.
func NewService(cfg config.Config) (*Service, error) {
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	} else {
		logrus.WithFields(logrus.Fields{
			"function": "NewService",
			"level":    cfg.LogLevel,
		}).Warn("Unknown log level, keeping current")
	}

	store, err := registry.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	br, err := broker.Dial(cfg.BrokerURL)
	if err != nil {
		store.Close()
		return nil, err
	}

	manager := session.NewManager(&session.FTPDialer{
		ConnectTimeout: cfg.ConnectTimeout.Std(),
		IOTimeout:      cfg.IOTimeout.Std(),
	})
	manager.SetRetryBackoff(cfg.RetryBackoff.Std())

	dispatcher := dispatch.New(store, manager, engine.New(cfg.ChunkSize), br, store, dispatch.Options{
		LegacyDownloadAction: cfg.LegacyDownloadAction,
		IncludeHidden:        cfg.IncludeHidden,
	})

	return &Service{
		cfg:        cfg,
		store:      store,
		broker:     br,
		dispatcher: dispatcher,
	}, nil
}

// Run declares the queues of every registered peripheral and consumes
// commands until ctx is cancelled. Each peripheral gets its own loop;
// commands for one peripheral are processed strictly in order while
// different peripherals proceed in parallel.
func (s *Service) Run(ctx context.Context) error {
	indices, err := s.store.Indices()
	if err != nil {
		return fmt.Errorf("list peripherals: %w", err)
	}
	if len(indices) == 0 {
		return fmt.Errorf("no peripherals registered in %s", s.cfg.DatabasePath)
	}

	for _, index := range indices {
		if err := s.broker.DeclareQueue(dispatch.RecvQueue(index)); err != nil {
			return err
		}
		if err := s.broker.DeclareQueue(dispatch.SendQueue(index)); err != nil {
			return err
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Run",
		"peripherals": len(indices),
	}).Info("Bridge service started")

	errs := make(chan error, len(indices))
	var wg sync.WaitGroup
	for _, index := range indices {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			if err := s.broker.Consume(ctx, dispatch.RecvQueue(index), s.dispatcher.Handle); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Run",
					"index":    index,
					"error":    err.Error(),
				}).Error("Peripheral command loop ended")
				errs <- err
			}
		}(index)
	}
	wg.Wait()
	close(errs)

	return <-errs
}

// Close releases the broker connection and the registry.
func (s *Service) Close() error {
	err := s.broker.Close()
	if cerr := s.store.Close(); err == nil {
		err = cerr
	}
	return err
}
