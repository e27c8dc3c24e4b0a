// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package anvilq

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/anvilq/anvilq/internal/base"
	"github.com/anvilq/anvilq/internal/log"
	"github.com/anvilq/anvilq/internal/rdb"
	"github.com/anvilq/anvilq/internal/timeutil"
	"github.com/redis/go-redis/v9"
)

// Server is responsible for job processing and job lifecycle management.
//
// Server pulls jobs off queues and executes them on a pool of processors.
// If the execution of a job is unsuccessful, server will schedule it for a
// retry with exponential backoff.
//
// A job will be retried until either it gets processed successfully or its
// attempts are exhausted, at which point it is moved to the dead set where
// it is kept for manual inspection.
type Server struct {
	logger *log.Logger

	broker base.Broker
	// When a Server has been created with an existing Redis connection, we do
	// not want to close it.
	sharedConnection bool

	state *serverState

	// wait group to wait for all goroutines to finish.
	wg            sync.WaitGroup
	manager       *manager
	poller        *poller
	heartbeater   *heartbeater
	recoverer     *recoverer
	janitor       *janitor
	healthchecker *healthchecker
}

type serverState struct {
	mu    sync.Mutex
	value serverStateValue
}

type serverStateValue int

const (
	// StateNew represents a new server.
	srvStateNew serverStateValue = iota

	// StateActive indicates the server is up and active.
	srvStateActive

	// StateStopped indicates the server is up but no longer processing new jobs.
	srvStateStopped

	// StateClosed indicates the server has been shutdown.
	srvStateClosed
)

var serverStates = []string{
	"new",
	"active",
	"stopped",
	"closed",
}

func (s serverStateValue) String() string {
	if srvStateNew <= s && s <= srvStateClosed {
		return serverStates[s]
	}
	return "unknown status"
}

// Reloader is an application-provided scope wrapped around each job
// execution, typically used to refresh application state. The default is
// the identity scope.
type Reloader func(fn func() error) error

// Config specifies the server's background-job processing behavior.
type Config struct {
	// Maximum number of concurrent processors.
	//
	// If set to a zero or negative value, NewServer will overwrite the value
	// to the number of CPUs usable by the current process.
	Concurrency int

	// Ordered list of queue names to process.
	//
	// Under the weighted-random policy, listing a queue multiple times
	// raises its chance of being probed first. If empty, the server
	// processes only the "default" queue.
	Queues []string

	// Strict indicates whether queue order should be treated strictly:
	// earlier queues drain entirely before later ones are considered.
	// When false, the probe order is shuffled per fetch.
	Strict bool

	// Default cap on retry attempts for jobs whose envelope carries no
	// retry policy.
	//
	// If unset or zero, 25 is used.
	MaxRetries int

	// ShutdownTimeout specifies the duration to wait to let processors
	// finish their jobs before forcing them to abort when stopping the server.
	//
	// If unset or zero, default timeout of 25 seconds is used.
	ShutdownTimeout time.Duration

	// Fetcher optionally injects a custom fetch implementation.
	// The default fetches over redis with a per-process in-flight list.
	Fetcher Fetcher

	// Reloader optionally wraps each job execution.
	Reloader Reloader

	// Middleware optionally provides the chain invoked around each job.
	// The server uses its own snapshot; mutate before Start.
	Middleware *MiddlewareChain

	// ErrorHandlers is the ordered list of callables invoked with errors
	// that escape job execution. Errors raised by a handler are caught and
	// logged; they never propagate.
	ErrorHandlers []ErrorHandler

	// DeathHandlers is the ordered list of callables invoked after a job
	// lands in the dead set. Errors raised by a handler are caught and
	// logged; they never propagate.
	DeathHandlers []DeathHandler

	// AverageScheduledPollInterval is the base interval between checks of
	// the retry and scheduled sets, before fleet scaling and jitter.
	//
	// If unset or zero, the interval is set to 15 seconds.
	AverageScheduledPollInterval time.Duration

	// Namespace optionally prefixes every redis key.
	Namespace string

	// DeadMaxJobs caps the dead set by entry count (default 10,000).
	DeadMaxJobs int

	// DeadTimeToLive caps the dead set by entry age (default 180 days).
	DeadTimeToLive time.Duration

	// BaseContext optionally specifies a function that returns the base
	// context for job executions on this server.
	//
	// If BaseContext is nil, the default is context.Background().
	BaseContext func() context.Context

	// RecovererInterval specifies the interval between sweeps for in-flight
	// work orphaned by crashed processes.
	//
	// If unset or zero, the interval is set to 1 minute.
	RecovererInterval time.Duration

	// JanitorInterval specifies the interval between dead set trims.
	//
	// If unset or zero, default interval of 8 seconds is used.
	JanitorInterval time.Duration

	// HealthCheckFunc is called periodically with any errors encountered
	// during ping to the connected redis server.
	HealthCheckFunc func(error)

	// HealthCheckInterval specifies the interval between healthchecks.
	//
	// If unset or zero, the interval is set to 15 seconds.
	HealthCheckInterval time.Duration

	// Logger specifies the logger used by the server instance.
	//
	// If unset, default logger is used.
	Logger Logger

	// LogLevel specifies the minimum log level to enable.
	//
	// If unset, InfoLevel is used by default.
	LogLevel LogLevel
}

// An ErrorHandler handles an error that escaped a job execution.
// The job may be nil when the failure happened outside any job.
type ErrorHandler interface {
	HandleError(ctx context.Context, job *Job, err error)
}

// The ErrorHandlerFunc type is an adapter to allow the use of ordinary functions as a ErrorHandler.
type ErrorHandlerFunc func(ctx context.Context, job *Job, err error)

// HandleError calls fn(ctx, job, err)
func (fn ErrorHandlerFunc) HandleError(ctx context.Context, job *Job, err error) {
	fn(ctx, job, err)
}

// A DeathHandler is invoked after a job exhausts its retries.
type DeathHandler interface {
	HandleDeath(ctx context.Context, job *Job, err error)
}

// The DeathHandlerFunc type is an adapter to allow the use of ordinary functions as a DeathHandler.
type DeathHandlerFunc func(ctx context.Context, job *Job, err error)

// HandleDeath calls fn(ctx, job, err)
func (fn DeathHandlerFunc) HandleDeath(ctx context.Context, job *Job, err error) {
	fn(ctx, job, err)
}

// Logger supports logging at various log levels.
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
	Fatal(args ...interface{})
}

// LogLevel represents logging level.
type LogLevel int32

const (
	// Note: reserving value zero to differentiate unspecified case.
	level_unspecified LogLevel = iota
	DebugLevel
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

// String is part of the flag.Value interface.
func (l *LogLevel) String() string {
	switch *l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	case FatalLevel:
		return "fatal"
	}
	panic(fmt.Sprintf("anvilq: unexpected log level: %v", *l))
}

// Set is part of the flag.Value interface.
func (l *LogLevel) Set(val string) error {
	switch strings.ToLower(val) {
	case "debug":
		*l = DebugLevel
	case "info":
		*l = InfoLevel
	case "warn", "warning":
		*l = WarnLevel
	case "error":
		*l = ErrorLevel
	case "fatal":
		*l = FatalLevel
	default:
		return fmt.Errorf("anvilq: unsupported log level %q", val)
	}
	return nil
}

func toInternalLogLevel(l LogLevel) log.Level {
	switch l {
	case DebugLevel:
		return log.DebugLevel
	case InfoLevel:
		return log.InfoLevel
	case WarnLevel:
		return log.WarnLevel
	case ErrorLevel:
		return log.ErrorLevel
	case FatalLevel:
		return log.FatalLevel
	}
	panic(fmt.Sprintf("anvilq: unexpected log level: %v", l))
}

const (
	defaultShutdownTimeout     = 25 * time.Second
	defaultHealthCheckInterval = 15 * time.Second
)

// NewServer returns a new Server given a redis connection option
// and server configuration.
func NewServer(r RedisConnOpt, cfg Config) *Server {
	redisClient, ok := r.MakeRedisClient().(redis.UniversalClient)
	if !ok {
		panic(fmt.Sprintf("anvilq: unsupported RedisConnOpt type %T", r))
	}
	server := NewServerFromRedisClient(redisClient, cfg)
	server.sharedConnection = false
	return server
}

// NewServerFromRedisClient returns a new instance of Server given a
// redis.UniversalClient and server configuration.
func NewServerFromRedisClient(c redis.UniversalClient, cfg Config) *Server {
	n := cfg.Concurrency
	if n < 1 {
		n = runtime.NumCPU()
	}
	var queues []string
	for _, qname := range cfg.Queues {
		if err := base.ValidateQueueName(qname); err != nil {
			continue // ignore invalid queue names
		}
		queues = append(queues, qname)
	}
	if len(queues) == 0 {
		queues = []string{base.DefaultQueueName}
	}
	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	healthcheckInterval := cfg.HealthCheckInterval
	if healthcheckInterval == 0 {
		healthcheckInterval = defaultHealthCheckInterval
	}
	logger := log.NewLogger(cfg.Logger)
	loglevel := cfg.LogLevel
	if loglevel == level_unspecified {
		loglevel = InfoLevel
	}
	logger.SetLevel(toInternalLogLevel(loglevel))

	clock := timeutil.NewRealClock()
	broker := rdb.NewRDB(c, cfg.Namespace)
	broker.SetDeadLimits(cfg.DeadTimeToLive, int64(cfg.DeadMaxJobs))
	id := identity()
	srvState := &serverState{value: srvStateNew}

	fetcher := cfg.Fetcher
	if fetcher == nil {
		fetcher = newFetcher(fetcherParams{
			broker:   broker,
			identity: id,
			queues:   queues,
			strict:   cfg.Strict,
		})
	}
	chain := cfg.Middleware
	if chain == nil {
		chain = NewMiddlewareChain()
	}
	retry := newRetryEngine(retryEngineParams{
		logger:        logger,
		broker:        broker,
		clock:         clock,
		maxRetries:    cfg.MaxRetries,
		deathHandlers: cfg.DeathHandlers,
	})
	manager := newManager(managerParams{
		logger:      logger,
		fetcher:     fetcher,
		concurrency: n,
		hardTimeout: shutdownTimeout,
		errHandlers: cfg.ErrorHandlers,
		retry:       retry,
		chain:       chain,
		reloader:    cfg.Reloader,
		baseCtxFn:   cfg.BaseContext,
	})
	poller := newPoller(pollerParams{
		logger:      logger,
		broker:      broker,
		clock:       clock,
		avgInterval: cfg.AverageScheduledPollInterval,
	})
	heartbeater := newHeartbeater(heartbeaterParams{
		logger:      logger,
		broker:      broker,
		clock:       clock,
		identity:    id,
		concurrency: n,
		queues:      queues,
		strict:      cfg.Strict,
		busy:        manager.activeCount,
		quiet: func() bool {
			srvState.mu.Lock()
			defer srvState.mu.Unlock()
			return srvState.value == srvStateStopped
		},
	})
	recoverer := newRecoverer(recovererParams{
		logger:   logger,
		broker:   broker,
		interval: cfg.RecovererInterval,
	})
	janitor := newJanitor(janitorParams{
		logger:   logger,
		broker:   broker,
		clock:    clock,
		interval: cfg.JanitorInterval,
	})
	healthchecker := newHealthChecker(healthcheckerParams{
		logger:          logger,
		broker:          broker,
		interval:        healthcheckInterval,
		healthcheckFunc: cfg.HealthCheckFunc,
	})
	return &Server{
		logger:           logger,
		broker:           broker,
		sharedConnection: true,
		state:            srvState,
		manager:          manager,
		poller:           poller,
		heartbeater:      heartbeater,
		recoverer:        recoverer,
		janitor:          janitor,
		healthchecker:    healthchecker,
	}
}

// ErrServerClosed indicates that the operation is now illegal because of the server has been shutdown.
var ErrServerClosed = errors.New("anvilq: Server closed")

// Run starts the job processing and blocks until
// an os signal to exit the program is received. Once it receives
// a signal, it gracefully shuts down all active processors and other
// goroutines to process the jobs.
func (srv *Server) Run(registry *Registry) error {
	if err := srv.Start(registry); err != nil {
		return err
	}
	srv.waitForSignals()
	srv.Shutdown()
	return nil
}

// Start starts the worker server. Once the server has started,
// it pulls jobs off queues and executes each on a processor,
// constructing the worker registered for the job's class.
func (srv *Server) Start(registry *Registry) error {
	if registry == nil {
		return fmt.Errorf("anvilq: server cannot run with nil registry")
	}
	srv.manager.registry = registry

	if err := srv.start(); err != nil {
		return err
	}
	srv.logger.Info("Starting processing")

	srv.heartbeater.start(&srv.wg)
	srv.healthchecker.start(&srv.wg)
	srv.recoverer.start(&srv.wg)
	srv.janitor.start(&srv.wg)
	srv.poller.start(&srv.wg)
	srv.manager.start()
	return nil
}

// Checks server state and returns an error if pre-condition is not met.
// Otherwise it sets the server state to active.
func (srv *Server) start() error {
	srv.state.mu.Lock()
	defer srv.state.mu.Unlock()
	switch srv.state.value {
	case srvStateActive:
		return fmt.Errorf("anvilq: the server is already running")
	case srvStateStopped:
		return fmt.Errorf("anvilq: the server is in the stopped state. Waiting for shutdown.")
	case srvStateClosed:
		return ErrServerClosed
	}
	srv.state.value = srvStateActive
	return nil
}

// Shutdown gracefully shuts down the server.
func (srv *Server) Shutdown() {
	srv.state.mu.Lock()
	if srv.state.value == srvStateNew || srv.state.value == srvStateClosed {
		srv.state.mu.Unlock()
		return
	}
	srv.state.value = srvStateClosed
	srv.state.mu.Unlock()

	srv.logger.Info("Starting graceful shutdown")
	srv.manager.shutdown()
	srv.poller.shutdown()
	srv.recoverer.shutdown()
	srv.janitor.shutdown()
	srv.healthchecker.shutdown()
	// The heartbeater goes last so the process identity stays registered,
	// keeping this process's in-flight lists out of recovery sweeps until
	// the manager has drained them.
	srv.heartbeater.shutdown()
	srv.wg.Wait()

	if !srv.sharedConnection {
		srv.broker.Close()
	}
	srv.logger.Info("Exiting")
}

// Stop signals the server to stop pulling new jobs off queues.
func (srv *Server) Stop() {
	srv.state.mu.Lock()
	if srv.state.value != srvStateActive {
		srv.state.mu.Unlock()
		return
	}
	srv.state.value = srvStateStopped
	srv.state.mu.Unlock()

	srv.logger.Info("Stopping fetch of new jobs")
	srv.manager.fetcher.Shutdown()
}

// Ping performs a ping against the redis connection.
func (srv *Server) Ping() error {
	srv.state.mu.Lock()
	defer srv.state.mu.Unlock()
	if srv.state.value == srvStateClosed {
		return nil
	}

	return srv.broker.Ping()
}
