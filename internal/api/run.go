package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/BTreeMap/InnerGuide/internal/flow"
	"github.com/BTreeMap/InnerGuide/internal/genai"
	"github.com/BTreeMap/InnerGuide/internal/messaging"
	"github.com/BTreeMap/InnerGuide/internal/metrics"
	"github.com/BTreeMap/InnerGuide/internal/prompts"
	"github.com/BTreeMap/InnerGuide/internal/scheduler"
	"github.com/BTreeMap/InnerGuide/internal/store"
	"github.com/BTreeMap/InnerGuide/internal/twiliowhatsapp"
	"github.com/BTreeMap/InnerGuide/internal/whatsapp"
)

const (
	// DefaultAddr is the HTTP listen address.
	DefaultAddr = ":8080"
	// TransportWhatsApp connects to WhatsApp directly through whatsmeow.
	TransportWhatsApp = "whatsapp"
	// TransportTwilio sends through the Twilio REST API and receives through its webhook.
	TransportTwilio = "twilio"

	shutdownTimeout     = 10 * time.Second
	scheduledRunTimeout = 30 * time.Minute
)

// Opts holds configuration for Run.
type Opts struct {
	Addr             string
	Token            string
	Transport        string
	ScheduledCron    string
	PromptsFile      string
	StepsFile        string
	ContextGate      bool
	RetryBackoff     time.Duration
	TwilioWebhookURL string // public URL Twilio signs; enables signature checks
}

// Option configures Run.
type Option func(*Opts)

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithAPIToken requires a bearer token on /api routes.
func WithAPIToken(token string) Option {
	return func(o *Opts) {
		o.Token = token
	}
}

// WithTransport selects TransportWhatsApp or TransportTwilio.
func WithTransport(transport string) Option {
	return func(o *Opts) {
		o.Transport = transport
	}
}

// WithScheduledCron overrides the schedule of proactive messages.
func WithScheduledCron(expr string) Option {
	return func(o *Opts) {
		o.ScheduledCron = expr
	}
}

// WithPromptsFile loads prompt templates from a YAML file instead of the embedded set.
func WithPromptsFile(path string) Option {
	return func(o *Opts) {
		o.PromptsFile = path
	}
}

// WithStepsFile loads the conversation steps from a YAML file.
func WithStepsFile(path string) Option {
	return func(o *Opts) {
		o.StepsFile = path
	}
}

// WithContextGate enables the off-topic check before every turn.
func WithContextGate(enabled bool) Option {
	return func(o *Opts) {
		o.ContextGate = enabled
	}
}

// WithRetryBackoff sets the base delay between retried turns.
func WithRetryBackoff(d time.Duration) Option {
	return func(o *Opts) {
		o.RetryBackoff = d
	}
}

// WithTwilioWebhookURL enables X-Twilio-Signature validation for the given public URL.
func WithTwilioWebhookURL(url string) Option {
	return func(o *Opts) {
		o.TwilioWebhookURL = url
	}
}

func applyOpts(opts []Option) Opts {
	cfg := Opts{
		Addr:          DefaultAddr,
		Transport:     TransportWhatsApp,
		ScheduledCron: scheduler.DefaultScheduledMessagesCron,
		RetryBackoff:  messaging.DefaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
	if cfg.Transport == "" {
		cfg.Transport = TransportWhatsApp
	}
	return cfg
}

type transport struct {
	svc     messaging.Service
	webhook http.HandlerFunc
	close   func()
}

func buildTransport(ctx context.Context, cfg Opts, waOpts []whatsapp.Option, twilioOpts []twiliowhatsapp.Option) (*transport, error) {
	switch cfg.Transport {
	case TransportTwilio:
		client, err := twiliowhatsapp.NewClient(twilioOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		var svcOpts []messaging.TwilioOption
		if cfg.TwilioWebhookURL != "" {
			var tw twiliowhatsapp.Opts
			for _, opt := range twilioOpts {
				opt(&tw)
			}
			svcOpts = append(svcOpts, messaging.WithWebhookValidation(twiliowhatsapp.NewSignatureValidator(tw.AuthToken), cfg.TwilioWebhookURL))
		} else {
			slog.Warn("api.Run: Twilio webhook signature validation disabled")
		}
		svc := messaging.NewTwilioService(client, svcOpts...)
		return &transport{svc: svc, webhook: svc.TwilioWebhookHandler, close: func() {}}, nil
	case TransportWhatsApp:
		client, err := whatsapp.NewClient(ctx, waOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return &transport{svc: messaging.NewWhatsAppService(client), close: client.Close}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func buildEngineOptions(cfg Opts, m *metrics.Metrics) ([]flow.Option, error) {
	engineOpts := []flow.Option{flow.WithContextGate(cfg.ContextGate), flow.WithMetrics(m)}
	if cfg.StepsFile != "" {
		steps, err := flow.LoadStepsFile(cfg.StepsFile)
		if err != nil {
			return nil, err
		}
		engineOpts = append(engineOpts, flow.WithSteps(steps))
	}
	return engineOpts, nil
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Run builds every component, serves HTTP and blocks until SIGINT or SIGTERM.
func Run(waOpts []whatsapp.Option, twilioOpts []twiliowhatsapp.Option, storeOpts []store.Option, genaiOpts []genai.Option, apiOpts []Option) error {
	cfg := applyOpts(apiOpts)
	slog.Debug("api.Run: starting", "addr", cfg.Addr, "transport", cfg.Transport, "cron", cfg.ScheduledCron,
		"token_set", cfg.Token != "", "context_gate", cfg.ContextGate)

	if err := scheduler.ValidateExpr(cfg.ScheduledCron); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Connect(ctx, storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to connect store: %w", err)
	}
	defer func() {
		if err := st.Disconnect(); err != nil {
			slog.Error("api.Run: failed to disconnect store", "error", err)
		}
	}()

	reg := newRegistry()
	m := metrics.New(reg)

	llm, err := genai.NewClient(append(genaiOpts, genai.WithMetrics(m))...)
	if err != nil {
		return fmt.Errorf("failed to create LLM client: %w", err)
	}

	var promptOpts []prompts.Option
	if cfg.PromptsFile != "" {
		promptOpts = append(promptOpts, prompts.WithFile(cfg.PromptsFile))
	}
	renderer, err := prompts.NewRenderer(promptOpts...)
	if err != nil {
		return fmt.Errorf("failed to load prompts: %w", err)
	}

	engineOpts, err := buildEngineOptions(cfg, m)
	if err != nil {
		return fmt.Errorf("failed to load steps: %w", err)
	}

	tr, err := buildTransport(ctx, cfg, waOpts, twilioOpts)
	if err != nil {
		return err
	}
	defer tr.close()

	selector := messaging.NewTextSelector(tr.svc)
	engine, err := flow.NewConversationEngine(st, llm, renderer, selector, engineOpts...)
	if err != nil {
		return fmt.Errorf("failed to create conversation engine: %w", err)
	}

	handler := messaging.NewResponseHandler(tr.svc, engine, selector, messaging.WithRetryBackoff(cfg.RetryBackoff))
	if err := tr.svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	handler.Start(ctx)

	broadcaster := scheduler.NewBroadcaster(st, engine, tr.svc, m)
	sched := scheduler.NewScheduler()
	if err := sched.AddJob(cfg.ScheduledCron, broadcaster.Task(ctx, scheduledRunTimeout)); err != nil {
		return err
	}

	serverOpts := []ServerOption{WithToken(cfg.Token), WithGatherer(reg)}
	if tr.webhook != nil {
		serverOpts = append(serverOpts, WithTwilioWebhook(tr.webhook))
	}
	server := NewServer(st, engine, broadcaster, serverOpts...)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("api.Run: HTTP server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("api.Run: shutdown signal received")
	case err := <-serveErr:
		runErr = fmt.Errorf("http server failed: %w", err)
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("api.Run: HTTP server shutdown failed", "error", err)
	}
	select {
	case <-sched.Stop().Done():
	case <-shutdownCtx.Done():
		slog.Warn("api.Run: scheduled job still running at shutdown")
	}
	if err := tr.svc.Stop(); err != nil {
		slog.Error("api.Run: failed to stop messaging service", "error", err)
	}

	drained := make(chan struct{})
	go func() {
		handler.Wait()
		engine.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		slog.Warn("api.Run: turns still in flight at shutdown")
	}

	slog.Info("api.Run: stopped")
	return runErr
}
