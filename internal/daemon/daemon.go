// Package daemon wires the scheduler, the command protocol listener and the
// telemetry publisher into one background-service instance and manages its
// lifecycle: bind, advertise, gracefully die with a last will.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sitetools/opsdaemon/internal/config"
	"github.com/sitetools/opsdaemon/internal/node"
	"github.com/sitetools/opsdaemon/internal/protocol"
	"github.com/sitetools/opsdaemon/internal/registry"
	"github.com/sitetools/opsdaemon/internal/scheduler"
	"github.com/sitetools/opsdaemon/internal/telemetry"
	"github.com/sitetools/opsdaemon/internal/utils"
	"github.com/sitetools/opsdaemon/model"
)

const timeFormat = "2006-01-02 15:04:05"

// Daemon is one background-service instance: a single listening socket, an
// optional messaging connection and a set of scheduled advertisement tasks,
// all driven by one cooperative loop.
type Daemon struct {
	cfg       *config.DaemonConfig
	logger    *zap.SugaredLogger
	publisher *telemetry.Publisher
	sched     *scheduler.Scheduler
	listener  *protocol.Listener
	mqtt      mqtt.Client
	service   map[string]protocol.Handler
	registry  *registry.Registry
	started   time.Time

	// terminating is monotonic: set by the terminate command or SIGINT,
	// never reset.
	terminating atomic.Bool
	errCount    atomic.Int64
}

// New creates a daemon instance from a validated configuration, resolving
// the node context once up front.
func New(cfg *config.DaemonConfig) (*Daemon, error) {
	nctx, err := node.Resolve()
	if err != nil {
		return nil, fmt.Errorf("resolve node context: %w", err)
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   cfg.Logger,
		sched:    scheduler.New(cfg.Logger),
		service:  map[string]protocol.Handler{},
		registry: registry.New(),
		started:  time.Now(),
	}
	d.publisher = telemetry.NewPublisher(nctx, cfg.Dummy, cfg.Logger)
	return d, nil
}

// RegisterCommand adds a daemon-specific protocol command. Service commands
// win over the built-ins.
func (d *Daemon) RegisterCommand(name string, h protocol.Handler) {
	d.service[name] = h
}

// Record stores a metric for the periodic numeric advertisements. Gauges
// overwrite, counters accumulate.
func (d *Daemon) Record(m *model.Metric) error {
	return d.registry.Save(m)
}

// Port returns the bound listening port, valid once Daemonize has started.
func (d *Daemon) Port() int {
	return d.listener.Port()
}

// Terminating reports whether the instance is shutting down.
func (d *Daemon) Terminating() bool {
	return d.terminating.Load()
}

// SetTerminating flips the monotonic terminating flag.
func (d *Daemon) SetTerminating() {
	d.terminating.Store(true)
}

// ErrorCount returns the accumulated operational error count, used as the
// process exit code.
func (d *Daemon) ErrorCount() int {
	return int(d.errCount.Load())
}

func (d *Daemon) countError(err error) {
	if err != nil {
		d.errCount.Add(1)
	}
}

// Daemonize binds the listening socket, opens the messaging connection with
// its last will, installs interrupt handling, registers the scheduled tasks
// and blocks in the scheduler loop until termination, then shuts down.
func (d *Daemon) Daemonize(ctx context.Context, ignoreInterrupt bool) error {
	listener, err := protocol.Bind(d.cfg.ListeningPort, protocol.Options{
		PID:       os.Getpid(),
		Status:    d.statusLines,
		Terminate: d.SetTerminating,
		Refresh:   d.refresh,
	}, d.logger)
	if err != nil {
		// the daemon cannot function without its listener
		d.countError(err)
		return err
	}
	d.listener = listener

	if d.cfg.MessagingInterval > 0 {
		d.connectMessaging(ctx)
	}

	if ignoreInterrupt {
		// the parent owns the Ctrl+C boundary
		signal.Ignore(os.Interrupt)
	} else {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt)
		defer signal.Stop(sigCh)
		go func() {
			<-sigCh
			d.logger.Info("interrupt received")
			d.SetTerminating()
		}()
	}

	if err := d.declareTasks(); err != nil {
		d.countError(err)
		return err
	}
	d.sched.DeclareStopPredicate(func() (bool, error) {
		return d.terminating.Load(), nil
	})

	d.logger.Infof("daemon %s running, pid %d, port %d", d.cfg.Name, os.Getpid(), d.Port())
	runErr := d.sched.Run(ctx)
	if runErr != nil && ctx.Err() == nil {
		d.countError(runErr)
	}

	d.shutdown()
	return runErr
}

func (d *Daemon) declareTasks() error {
	declare := func(name string, interval time.Duration, fn func(context.Context) error) error {
		return d.sched.DeclareTask(name, interval, func(ctx context.Context) error {
			err := fn(ctx)
			d.countError(err)
			return err
		})
	}

	if err := declare("listen", d.cfg.ListeningInterval, d.listenTask); err != nil {
		return err
	}
	if d.cfg.MessagingInterval > 0 {
		if err := declare("messaging-advertise", d.cfg.MessagingInterval, d.advertiseMessaging); err != nil {
			return err
		}
	}
	if d.cfg.HttpingInterval > 0 {
		if err := declare("http-advertise", d.cfg.HttpingInterval, d.advertiseHTTP); err != nil {
			return err
		}
	}
	if d.cfg.TextingInterval > 0 {
		if err := declare("text-advertise", d.cfg.TextingInterval, d.advertiseText); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) listenTask(context.Context) error {
	return d.listener.Listen(d.service)
}

// refresh re-resolves the node context so day-boundary rotations of
// telemetry destinations take effect without a restart.
func (d *Daemon) refresh() {
	nctx, err := node.Resolve()
	if err != nil {
		d.logger.Warnf("node re-resolution failed, keeping previous context: %v", err)
		return
	}
	d.publisher.SetNode(nctx)
}

func (d *Daemon) statusLines() []string {
	return []string{
		fmt.Sprintf("running since %s", d.started.Format(timeFormat)),
		fmt.Sprintf("json: %s", d.cfg.Path),
		fmt.Sprintf("listeningPort: %d", d.cfg.ListeningPort),
	}
}

func (d *Daemon) statusTopic() string {
	return fmt.Sprintf("%s/daemon/%s/status", d.publisher.Node().Name, d.cfg.Name)
}

// connectMessaging opens the broker connection, registering the last will.
// A connect failure is logged and counted but never prevents startup: the
// daemon then runs telemetry-degraded.
func (d *Daemon) connectMessaging(ctx context.Context) {
	if d.cfg.Dummy {
		d.logger.Infof("dummy: would connect to messaging broker with last will on %s", d.statusTopic())
		return
	}
	broker := d.publisher.Node().BrokerURL
	if broker == "" {
		d.logger.Warn("messaging enabled but no broker configured for this node")
		return
	}

	clientID := fmt.Sprintf("%s-%d", d.cfg.Name, os.Getpid())
	will := &telemetry.Will{Topic: d.statusTopic(), Payload: "offline"}

	err := utils.WithRetry(ctx, func() error {
		client, err := telemetry.Connect(broker, clientID, will, d.logger)
		if err != nil {
			return err
		}
		d.mqtt = client
		d.publisher.SetMessaging(client)
		return nil
	})
	if err != nil {
		d.countError(err)
		d.logger.Errorf("messaging connect failed, running degraded: %v", err)
	}
}

// advertiseMessaging publishes the retained liveness message on the status
// topic. The payload mirrors the first status line.
func (d *Daemon) advertiseMessaging(context.Context) error {
	payload := fmt.Sprintf("running since %s", d.started.Format(timeFormat))
	return d.publisher.PublishRetained(d.statusTopic(), payload)
}

func (d *Daemon) advertiseHTTP(context.Context) error {
	return d.advertiseNumeric(telemetry.SinkOptions{HTTP: true}, false)
}

func (d *Daemon) advertiseText(context.Context) error {
	return d.advertiseNumeric(telemetry.SinkOptions{Text: true}, false)
}

// advertiseNumeric refreshes the uptime gauge and pushes every recorded
// metric to the numeric sinks. The final advertisement during shutdown
// carries a termination marker label on the uptime gauge.
func (d *Daemon) advertiseNumeric(opts telemetry.SinkOptions, terminating bool) error {
	m, err := d.uptimeMetric(terminating)
	if err != nil {
		return err
	}
	if err := d.registry.Save(m); err != nil {
		return err
	}

	var errs error
	for _, m := range d.registry.All() {
		res := d.publisher.Publish(m, opts)
		if opts.HTTP && res.HTTP != telemetry.Success {
			errs = multierr.Append(errs, fmt.Errorf("http advertisement %s: %s", m.Name(), res.HTTP))
		}
		if opts.Text && res.Text != telemetry.Success {
			errs = multierr.Append(errs, fmt.Errorf("text advertisement %s: %s", m.Name(), res.Text))
		}
	}
	return errs
}

func (d *Daemon) uptimeMetric(terminating bool) (*model.Metric, error) {
	m, err := model.NewMetric("daemon_uptime_seconds", model.Gauge)
	if err != nil {
		return nil, err
	}
	m.SetHelp("seconds since the daemon started")
	m.SetFloat(time.Since(d.started).Seconds())

	if err := m.AddLabel("daemon", d.cfg.Name); err != nil {
		return nil, err
	}
	for _, l := range d.publisher.Node().Labels {
		if err := m.AddLabel(l.Name, l.Value); err != nil {
			return nil, err
		}
	}
	if terminating {
		if err := m.AddLabel("state", "terminating"); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// shutdown runs the graceful termination sequence: fire the last will
// payload, final numeric advertisements, close the socket.
func (d *Daemon) shutdown() {
	var errs error

	if d.cfg.MessagingInterval > 0 {
		if err := d.publisher.PublishRetained(d.statusTopic(), "offline"); err != nil {
			errs = multierr.Append(errs, err)
		}
		if d.mqtt != nil {
			d.mqtt.Disconnect(250)
		}
	}
	if d.cfg.HttpingInterval > 0 {
		errs = multierr.Append(errs, d.advertiseNumeric(telemetry.SinkOptions{HTTP: true}, true))
	}
	if d.cfg.TextingInterval > 0 {
		errs = multierr.Append(errs, d.advertiseNumeric(telemetry.SinkOptions{Text: true}, true))
	}
	errs = multierr.Append(errs, d.listener.Close())

	for _, err := range multierr.Errors(errs) {
		d.countError(err)
		d.logger.Errorf("shutdown: %v", err)
	}
	d.logger.Infof("terminating, %d accumulated errors", d.ErrorCount())
}
