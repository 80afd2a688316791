// Package pipeline wires the counter together: capture, detection,
// sessions, sync and the service surfaces, each on its own goroutine
// joined by bounded queues.
package pipeline

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/crossing.report/internal/api"
	"github.com/banshee-data/crossing.report/internal/capture"
	"github.com/banshee-data/crossing.report/internal/config"
	"github.com/banshee-data/crossing.report/internal/control"
	"github.com/banshee-data/crossing.report/internal/crossing"
	"github.com/banshee-data/crossing.report/internal/db"
	"github.com/banshee-data/crossing.report/internal/ledger"
	"github.com/banshee-data/crossing.report/internal/monitoring"
	"github.com/banshee-data/crossing.report/internal/notify"
	"github.com/banshee-data/crossing.report/internal/scanner"
	"github.com/banshee-data/crossing.report/internal/session"
	"github.com/banshee-data/crossing.report/internal/status"
	"github.com/banshee-data/crossing.report/internal/syncengine"
	"github.com/banshee-data/crossing.report/internal/timeutil"
)

// ExitRestart is the process exit code asking the service manager for a
// restart after the watchdog fires.
const ExitRestart = 3

const (
	tickInterval     = time.Second
	statusInterval   = time.Second
	pruneInterval    = time.Hour
	syncLogRetention = 30 * 24 * time.Hour
	notifyCapacity   = 64
	controlCapacity  = 32
)

// Deps are the collaborators built by the command before the pipeline
// starts.
type Deps struct {
	Config      *config.Config
	Runtime     config.RuntimeState
	RuntimePath string
	Ledger      ledger.Ledger
	// DB, if set, receives the sync audit log and serves admin routes.
	DB     *db.DB
	Source capture.Source
	// ScanPort, if set, is read as a line-oriented identifier scanner.
	ScanPort scanner.Port
	Sinks    []notify.Sink
	Clock    timeutil.Clock
}

// Pipeline owns every long-running component.
type Pipeline struct {
	cfg   *config.Config
	clock timeutil.Clock
	logf  monitoring.Logger
	db    *db.DB

	frames     *capture.FrameQueue
	supervisor *capture.Supervisor
	watchdog   *capture.Watchdog
	engine     *crossing.Engine
	fps        *status.FPSMeter
	scans      *scanner.Queue
	producer   *scanner.Producer
	mux        *scanner.Mux[scanner.Port]
	sessions   *session.Manager
	sync       *syncengine.Engine
	dispatcher *notify.Dispatcher
	control    *control.Channel
	applier    *control.Applier
	board      *status.Board
	health     *status.GRPCHealth
	api        *api.Server

	captureDegraded bool
}

// New builds the pipeline. Nothing runs until Run.
func New(d Deps) (*Pipeline, error) {
	if d.Config == nil || d.Ledger == nil || d.Source == nil {
		return nil, errors.New("pipeline: config, ledger and source are required")
	}
	cfg := d.Config
	clock := d.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	mode, err := session.ParseMode(cfg.GetSessionMode())
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:   cfg,
		clock: clock,
		logf:  monitoring.Component("pipeline"),
		db:    d.DB,
	}

	p.dispatcher = notify.NewDispatcher(notifyCapacity, append([]notify.Sink{notify.LogSink{}}, d.Sinks...)...)

	p.frames = capture.NewFrameQueue(cfg.GetFrameQueueSize())
	supCfg := capture.SupervisorConfigFromConfig(cfg)
	supCfg.Clock = clock
	supCfg.OnStatus = p.captureStatusChanged
	p.supervisor = capture.NewSupervisor(d.Source, p.frames, supCfg)
	p.watchdog = capture.NewWatchdog(cfg.GetWatchdogTimeout(), p.supervisor.LastFrame, clock)

	p.engine = crossing.NewEngine(crossing.OptionsFromConfig(cfg, d.Runtime))
	p.fps = status.NewFPSMeter(30, 5*time.Second, clock)

	syncOpts := syncengine.OptionsFromConfig(cfg)
	syncOpts.Clock = clock
	syncOpts.OnOutcome = p.recordOutcome
	syncOpts.OnBreakerChange = p.breakerChanged
	p.sync = syncengine.New(d.Ledger, syncOpts)

	sessOpts := session.OptionsFromConfig(cfg)
	sessOpts.Mode = mode
	sessOpts.Clock = clock
	p.sessions = session.NewManager(sessOpts, p.sync, p.dispatcher)
	p.sessions.OnReset(p.engine.Reset)

	p.scans = scanner.NewQueue(cfg.GetScanQueueSize())
	p.producer = scanner.NewProducer(p.scans, cfg.GetScanDebounce(), clock)
	if d.ScanPort != nil {
		p.mux = scanner.NewMux(d.ScanPort)
	}

	p.control = control.NewChannel(controlCapacity)
	p.applier = control.NewApplier(cfg, d.Runtime, d.RuntimePath, p.engine, p.sessions)

	p.board = status.NewBoard(status.Sources{
		Session:     p.sessions.Snapshot,
		Capture:     p.captureState,
		Sync:        p.sync.State,
		Engine:      p.engine.Stats,
		FPS:         p.fps,
		Runtime:     p.applier.State,
		ScanDropped: p.scans.Dropped,
	}, clock)
	p.sessions.OnFinalize(func(session.Summary) { p.board.Publish() })
	p.health = status.NewGRPCHealth()
	p.api = api.NewServer(p.board, p.control).WithScans(p.producer).WithSync(p.sync)
	return p, nil
}

func (p *Pipeline) captureState() capture.ConnState {
	st := p.supervisor.State()
	st.QueueDropped = p.frames.Dropped()
	return st
}

// Handler returns the HTTP surface: the API under /api and the tsweb debug
// routes under /debug.
func (p *Pipeline) Handler() (http.Handler, error) {
	mux := http.NewServeMux()
	if p.db != nil {
		if err := p.db.AttachAdminRoutes(mux); err != nil {
			return nil, err
		}
	}
	if p.mux != nil {
		p.mux.AttachAdminRoutes(mux)
	}
	p.api.Mount(mux)
	return api.LoggingMiddleware(mux), nil
}

// Submit queues a control message, as POST /api/control does.
func (p *Pipeline) Submit(m control.Message) error { return p.control.Submit(m) }

// Status returns a fresh status snapshot.
func (p *Pipeline) Status() status.Status { return p.board.Snapshot() }

// Scans returns the producer feeding the identifier queue.
func (p *Pipeline) Scans() *scanner.Producer { return p.producer }

// Run starts every worker and blocks until ctx is cancelled or a worker
// fails. It returns capture.ErrWatchdogExpired when the feed could not be
// restored; the caller should exit with ExitRestart. A normal shutdown
// returns nil.
func (p *Pipeline) Run(ctx context.Context) error {
	var handler http.Handler
	if p.cfg.GetListen() != "" {
		h, err := p.Handler()
		if err != nil {
			return err
		}
		handler = h
	}

	g, gctx := errgroup.WithContext(ctx)
	syncDone := make(chan struct{})

	g.Go(func() error { return ignoreCancel(p.supervisor.Run(gctx)) })
	g.Go(func() error {
		err := p.watchdog.Run(gctx)
		if errors.Is(err, capture.ErrWatchdogExpired) {
			p.dispatcher.Notify(notify.Event{Kind: notify.Degraded, Text: "no frames within watchdog window, restarting"})
		}
		return ignoreCancel(err)
	})
	g.Go(func() error { return ignoreCancel(p.consumeFrames(gctx)) })
	g.Go(func() error { return ignoreCancel(p.consumeScans(gctx)) })
	g.Go(func() error { return ignoreCancel(p.tick(gctx)) })
	g.Go(func() error {
		defer close(syncDone)
		return ignoreCancel(p.sync.Run(gctx))
	})
	g.Go(func() error { return ignoreCancel(p.dispatcher.Run(gctx)) })
	g.Go(func() error { return ignoreCancel(p.board.Run(gctx, statusInterval, p.health.Update)) })

	if p.mux != nil {
		g.Go(func() error {
			if err := p.mux.Monitor(gctx); err != nil && !errors.Is(err, context.Canceled) {
				p.logf("scanner monitor stopped: %v", err)
			}
			return nil
		})
		g.Go(func() error { return ignoreCancel(p.producer.Run(gctx, p.mux)) })
	}
	if path := p.cfg.GetControlFile(); path != "" {
		fw, err := control.NewFileWatcher(path, p.control)
		if err != nil {
			p.logf("control file disabled: %v", err)
		} else {
			g.Go(func() error { return ignoreCancel(fw.Run(gctx)) })
		}
	}
	if addr := p.cfg.GetListen(); addr != "" {
		g.Go(func() error {
			return ignoreCancel(api.ListenAndServe(gctx, addr, handler, p.cfg.GetShutdownTimeout()))
		})
	}
	if addr := p.cfg.GetGRPCListen(); addr != "" {
		g.Go(func() error { return ignoreCancel(p.health.Serve(gctx, addr)) })
	}
	if p.db != nil {
		g.Go(func() error { return ignoreCancel(p.pruneSyncLog(gctx)) })
	}

	errCh := make(chan error, 1)
	go func() { errCh <- g.Wait() }()

	var runErr error
	select {
	case runErr = <-errCh:
	case <-gctx.Done():
		runErr = p.join(errCh)
	}
	p.shutdown(syncDone)
	return runErr
}

// join waits for the workers to return, up to the shutdown timeout.
func (p *Pipeline) join(errCh <-chan error) error {
	timer := time.NewTimer(p.cfg.GetShutdownTimeout())
	defer timer.Stop()
	select {
	case err := <-errCh:
		return err
	case <-timer.C:
		p.logf("workers did not stop within %s, continuing shutdown", p.cfg.GetShutdownTimeout())
		return nil
	}
}

// shutdown submits live counts without finalizing, drains the sync queue
// and saves the runtime state.
func (p *Pipeline) shutdown(syncDone <-chan struct{}) {
	p.sessions.Flush()

	select {
	case <-syncDone:
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.GetShutdownTimeout())
		written, left := p.sync.Drain(ctx)
		cancel()
		if left > 0 {
			p.logf("shutdown: %d ledger ops written, %d still pending", written, left)
		} else if written > 0 {
			p.logf("shutdown: %d ledger ops written", written)
		}
	default:
		p.logf("shutdown: sync worker still busy, skipping drain")
	}

	if err := p.applier.Save(); err != nil {
		p.logf("failed to save runtime state: %v", err)
	}
	if p.mux != nil {
		if err := p.mux.Close(); err != nil {
			p.logf("failed to close scanner: %v", err)
		}
	}
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// consumeFrames is the detection consumer. Pending control messages are
// applied before each frame so settings never change mid-frame.
func (p *Pipeline) consumeFrames(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-p.control.C():
			p.applyControl(m)
		case f := <-p.frames.C():
			p.control.Drain(p.applyControl)
			p.processFrame(f)
		}
	}
}

func (p *Pipeline) applyControl(m control.Message) {
	if err := p.applier.Apply(m); err != nil {
		p.logf("control %s: %v", m, err)
	}
}

func (p *Pipeline) processFrame(f crossing.Frame) {
	p.fps.Observe(f.Timestamp)
	for _, ev := range p.engine.ProcessFrame(f) {
		if !p.sessions.HandleCrossing(ev) {
			p.logf("crossing %s dropped: no session", ev)
		}
	}
}

func (p *Pipeline) consumeScans(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-p.scans.C():
			p.sessions.HandleScan(s.Value, s.At)
		}
	}
}

// tick drives the inactivity timeout and purges expired guard state when
// no frames arrive to do it.
func (p *Pipeline) tick(ctx context.Context) error {
	t := p.clock.NewTicker(tickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C():
			p.sessions.Tick(now)
			p.engine.Sweep(now)
		}
	}
}

func (p *Pipeline) pruneSyncLog(ctx context.Context) error {
	t := p.clock.NewTicker(pruneInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C():
			n, err := p.db.PruneSyncLog(ctx, now.Add(-syncLogRetention))
			if err != nil {
				p.logf("failed to prune sync log: %v", err)
			} else if n > 0 {
				p.logf("pruned %d sync log entries", n)
			}
		}
	}
}

func (p *Pipeline) recordOutcome(o syncengine.Outcome) {
	if p.db == nil {
		return
	}
	var errText string
	if o.Err != nil {
		errText = o.Err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.db.RecordSyncOutcome(ctx, db.SyncOutcome{
		OpID:       o.Op.ID,
		Kind:       string(o.Op.Kind),
		Identifier: o.Op.Identifier,
		Outcome:    o.Result,
		Attempts:   o.Op.Attempts,
		Err:        errText,
		At:         o.At,
	}); err != nil {
		p.logf("%v", err)
	}
}

func (p *Pipeline) breakerChanged(s syncengine.BreakerState) {
	switch s {
	case syncengine.BreakerOpen:
		p.dispatcher.Notify(notify.Event{Kind: notify.Degraded, Text: "ledger unreachable, counts are being queued"})
	case syncengine.BreakerClosed:
		p.dispatcher.Notify(notify.Event{Kind: notify.Recovered, Text: "ledger reachable again"})
	}
}

func (p *Pipeline) captureStatusChanged(s capture.ConnStatus) {
	switch s {
	case capture.Reconnecting:
		if !p.captureDegraded {
			p.captureDegraded = true
			p.dispatcher.Notify(notify.Event{Kind: notify.Degraded, Text: "capture feed lost, reconnecting"})
		}
	case capture.Connected:
		if p.captureDegraded {
			p.captureDegraded = false
			p.dispatcher.Notify(notify.Event{Kind: notify.Recovered, Text: "capture feed restored"})
		}
	}
}
