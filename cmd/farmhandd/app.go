package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/acurioustractor/farmhand/agent"
	"github.com/acurioustractor/farmhand/classify"
	"github.com/acurioustractor/farmhand/comms"
	"github.com/acurioustractor/farmhand/config"
	"github.com/acurioustractor/farmhand/dispatch"
	"github.com/acurioustractor/farmhand/executor"
	"github.com/acurioustractor/farmhand/gate"
	"github.com/acurioustractor/farmhand/heartbeat"
	"github.com/acurioustractor/farmhand/internal/version"
	"github.com/acurioustractor/farmhand/metrics"
	"github.com/acurioustractor/farmhand/priority"
	"github.com/acurioustractor/farmhand/server"
	"github.com/acurioustractor/farmhand/server/api"
	"github.com/acurioustractor/farmhand/task"
	"github.com/acurioustractor/farmhand/worker"
)

// app holds the wired daemon components.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *task.SQLiteStore
	bus       *comms.InMemoryBus
	executor  *executor.Executor
	heartbeat *heartbeat.Heartbeat
	server    *server.Server
	watcher   *agent.Watcher
	cleanup   []func()
}

// build opens the store, seeds the registry and wires every component.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := task.NewSQLiteStore("file:" + cfg.Store.Path + "?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, store: store}

	specs := append([]agent.Spec(nil), cfg.Agents...)
	if cfg.AgentsFile != "" {
		fileSpecs, err := agent.LoadSpecs(cfg.AgentsFile)
		if err != nil {
			a.close()
			return nil, err
		}
		specs = append(specs, fileSpecs...)
		if a.watcher, err = agent.NewWatcher(cfg.AgentsFile, store, logger); err != nil {
			a.close()
			return nil, err
		}
	}
	if err := agent.Sync(ctx, store, specs); err != nil {
		a.close()
		return nil, fmt.Errorf("seed agents: %w", err)
	}
	logger.Info("agent registry seeded", slog.Int("agents", len(specs)))

	classifier, err := newClassifier(cfg.Classifier)
	if err != nil {
		a.close()
		return nil, err
	}
	engine, err := priority.NewEngine(cfg.Priority)
	if err != nil {
		a.close()
		return nil, err
	}

	m := metrics.New()
	a.bus = comms.NewInMemoryBus(logger)
	for _, wc := range cfg.Notify.Webhooks {
		a.cleanup = append(a.cleanup, comms.NewWebhook(wc, logger).Attach(a.bus))
	}

	hb := cfg.Heartbeat
	a.executor = executor.New(store, store, localWorkers(specs, logger), a.bus, executor.Config{
		TaskTimeout:   hb.TaskTimeout,
		Policy:        executor.Policy{AllowSelfReportBelowFull: hb.AllowSelfReportBelowFull},
		EndpointToken: cfg.AgentToken,
		HTTPClient:    &http.Client{Timeout: hb.TaskTimeout + 5*time.Second},
	}, logger).WithMetrics(m)

	a.heartbeat = heartbeat.New(store, store, engine, a.executor, a.bus, heartbeat.Config{
		Interval:        hb.Interval,
		EscalationAfter: hb.EscalationAfter,
		TickBudget:      hb.TickBudget,
		MaxParallel:     hb.MaxParallel,
		ProbeEndpoints:  hb.ProbeEndpoints,
	}, logger).WithMetrics(m)

	handlers := &api.Handlers{
		Tasks:      store,
		Agents:     store,
		Dispatcher: dispatch.New(store, store, classifier, a.bus, logger).WithMetrics(m),
		Gate:       gate.New(store, a.executor, a.bus, hb.MaxModifyRounds, logger).WithMetrics(m),
		Heartbeat:  a.heartbeat,
		Version:    version.Version,
	}
	a.server = server.New(*cfg, handlers, logger)
	a.server.SetMetrics(m)
	a.cleanup = append(a.cleanup, a.server.AttachBus(a.bus))
	return a, nil
}

// run serves until ctx is cancelled, then drains in-flight work.
func (a *app) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	n, err := a.heartbeat.Recover(gctx)
	if err != nil {
		return err
	}
	if n > 0 {
		a.logger.Info("resumed interrupted tasks", slog.Int("count", n))
	}
	g.Go(func() error { return a.heartbeat.Run(gctx) })
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	g.Go(a.server.Start)
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return a.server.Stop(sctx)
	})
	err = g.Wait()

	a.heartbeat.Wait()
	a.executor.Wait()
	a.bus.Wait()
	return err
}

func (a *app) close() {
	for _, fn := range a.cleanup {
		fn()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", slog.Any("err", err))
	}
}

// newClassifier prefers a remote classifier when a URL is configured.
func newClassifier(cfg config.ClassifierConfig) (classify.Classifier, error) {
	if cfg.URL != "" {
		return classify.NewHTTPClassifier(cfg.URL, cfg.Token, cfg.Timeout), nil
	}
	rules, err := classify.NewRules(cfg.Rules, cfg.Fallback)
	if err != nil {
		return nil, fmt.Errorf("classifier rules: %w", err)
	}
	return rules, nil
}

// localWorkers registers an acknowledgement worker for every agent that has
// no endpoint, so a fresh install can run the full pipeline. Endpoint agents
// are invoked over HTTP by the executor.
func localWorkers(specs []agent.Spec, logger *slog.Logger) *worker.Registry {
	reg := worker.NewRegistry()
	for _, s := range specs {
		if s.Endpoint != "" {
			continue
		}
		if err := reg.Register(s.ID, worker.NewScript().Func()); err != nil {
			continue
		}
		logger.Debug("local worker registered", slog.String("agent", s.ID))
	}
	return reg
}
