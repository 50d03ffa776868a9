package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"options-core/internal/events"
	"options-core/pkg/broker"
	"options-core/pkg/crypto"
	"options-core/pkg/db"
	"options-core/pkg/i18n"
)

// ErrNoAccounts is returned when supervision starts with nothing to run.
// Callers treat it as a fatal configuration error.
var ErrNoAccounts = errors.New("no enabled accounts")

// Worker lifecycle states as reported by Status and worker.state events.
const (
	StateRunning    = "running"
	StateRestarting = "restarting"
	StateStopped    = "stopped"
)

type entry struct {
	worker    *Worker
	channel   *Channel
	state     string
	failures  int
	restarts  int
	healthyAt time.Time
	probedAt  time.Time
	retryAt   time.Time
}

// Status is a point-in-time view of one worker for the ops surface.
type Status struct {
	Account   string    `json:"account"`
	State     string    `json:"state"`
	Failures  int       `json:"failures"`
	Restarts  int       `json:"restarts"`
	QueueLen  int       `json:"queue_len"`
	HealthyAt time.Time `json:"healthy_at"`
}

// Supervisor keeps one worker alive per enabled account. Dead or unhealthy
// workers are torn down and redialed with backoff; commands for an account
// without a live worker fail fast with ErrUnavailable instead of queueing
// into the void.
type Supervisor struct {
	mu      sync.RWMutex
	workers map[string]*entry

	cfg     Config
	dialer  broker.Dialer
	keyring *crypto.Keyring
	db      *db.Database
	bus     *events.Bus

	runCtx context.Context // lifetime for worker loops, set by Start
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewSupervisor(database *db.Database, keyring *crypto.Keyring, dialer broker.Dialer, bus *events.Bus, cfg Config) *Supervisor {
	return &Supervisor{
		workers: make(map[string]*entry),
		cfg:     cfg,
		dialer:  dialer,
		keyring: keyring,
		db:      database,
		bus:     bus,
		stopCh:  make(chan struct{}),
	}
}

// Start dials every enabled account and begins supervision. Accounts that
// fail to connect are retried in the background; having zero enabled
// accounts at all is an ErrNoAccounts the caller should refuse to run with.
func (s *Supervisor) Start(ctx context.Context) error {
	s.runCtx = ctx

	accounts, err := s.db.ListEnabledAccounts(ctx)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		return ErrNoAccounts
	}

	for _, acc := range accounts {
		if err := s.startWorker(ctx, acc); err != nil {
			log.Printf(i18n.Get("WorkerUnavailable"), acc.Name, err)
			s.parkForRetry(acc.Name, err.Error())
		}
	}

	s.wg.Add(1)
	go s.supervise(ctx)
	log.Printf(i18n.Get("SupervisorStarted"), len(accounts))
	return nil
}

// Stop tears down every worker and waits for all goroutines to exit.
func (s *Supervisor) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}

	s.mu.Lock()
	live := make([]*entry, 0, len(s.workers))
	for _, e := range s.workers {
		if e.worker != nil && e.state == StateRunning {
			live = append(live, e)
		}
		e.state = StateStopped
	}
	s.mu.Unlock()

	for _, e := range live {
		e.worker.stop()
		<-e.worker.done
		e.worker.session.Close()
	}
	s.wg.Wait()
}

// Send routes a command to an account's worker. The liveness check is
// first: an account with no running worker answers immediately instead of
// burning the caller's timeout.
func (s *Supervisor) Send(ctx context.Context, account string, action Action, params Params, timeout time.Duration) (Response, error) {
	s.mu.RLock()
	e, ok := s.workers[account]
	var (
		running bool
		ch      *Channel
	)
	if ok {
		running = e.state == StateRunning
		ch = e.channel
	}
	s.mu.RUnlock()

	if !ok || !running {
		return Response{}, fmt.Errorf("%w: %s", ErrUnavailable, account)
	}

	resp, err := ch.Send(ctx, action, params, timeout)
	switch {
	case err == nil:
		s.recordSuccess(account)
	case errors.Is(err, ErrTimeout):
		s.recordFailure(account, "command timeout")
	}
	return resp, err
}

// Has reports whether the account currently has a running worker.
func (s *Supervisor) Has(account string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.workers[account]
	return ok && e.state == StateRunning
}

// Running lists accounts with a live worker.
func (s *Supervisor) Running() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.workers))
	for name, e := range s.workers {
		if e.state == StateRunning {
			out = append(out, name)
		}
	}
	return out
}

// Statuses reports every known worker for the status endpoint.
func (s *Supervisor) Statuses() []Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Status, 0, len(s.workers))
	for name, e := range s.workers {
		st := Status{
			Account:   name,
			State:     e.state,
			Failures:  e.failures,
			Restarts:  e.restarts,
			HealthyAt: e.healthyAt,
		}
		if e.channel != nil {
			st.QueueLen = e.channel.Len()
		}
		out = append(out, st)
	}
	return out
}

// StartAccount brings up a worker for an account enabled at runtime.
func (s *Supervisor) StartAccount(ctx context.Context, account string) error {
	acc, err := s.db.GetAccount(ctx, account)
	if err != nil {
		return err
	}
	if acc == nil {
		return fmt.Errorf("account %s not found", account)
	}
	if !acc.Enabled {
		return fmt.Errorf("account %s is disabled", account)
	}
	if s.Has(account) {
		return nil
	}
	if err := s.startWorker(ctx, *acc); err != nil {
		s.parkForRetry(account, err.Error())
		return err
	}
	return nil
}

// StopAccount tears an account's worker down and keeps it down until
// StartAccount is called again.
func (s *Supervisor) StopAccount(account string) {
	s.mu.Lock()
	e, ok := s.workers[account]
	if !ok || e.state == StateStopped {
		s.mu.Unlock()
		return
	}
	prev := e.state
	e.state = StateStopped
	s.mu.Unlock()

	if prev == StateRunning && e.worker != nil {
		e.worker.stop()
		<-e.worker.done
		e.worker.session.Close()
	}
	_ = s.db.UpdateAccountStatus(context.Background(), account, "disconnected")
	log.Printf(i18n.Get("WorkerStopped"), account)
	s.publish(account, StateStopped, "stopped by operator")
}

func (s *Supervisor) startWorker(ctx context.Context, acc db.Account) error {
	ssid := acc.SSID
	if s.keyring != nil {
		plain, err := s.keyring.DecryptCredential(acc.SSID)
		if err != nil {
			return fmt.Errorf("decrypt credentials for %s: %w", acc.Name, err)
		}
		ssid = plain
	}

	session, err := s.dialer(broker.Credentials{Account: acc.Name, SSID: ssid, Demo: acc.IsDemo})
	if err != nil {
		return fmt.Errorf("dial %s: %w", acc.Name, err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	err = session.Connect(cctx)
	cancel()
	if err != nil {
		session.Close()
		return fmt.Errorf("connect %s: %w", acc.Name, err)
	}

	ch := newChannel(acc.Name, s.cfg.CommandBuffer)
	w := newWorker(acc.Name, session, ch, s.cfg)

	s.mu.Lock()
	prev := s.workers[acc.Name]
	restarts := 0
	if prev != nil {
		restarts = prev.restarts
	}
	s.workers[acc.Name] = &entry{
		worker:    w,
		channel:   ch,
		state:     StateRunning,
		restarts:  restarts,
		healthyAt: time.Now(),
		probedAt:  time.Now(),
	}
	s.mu.Unlock()

	// Worker loops live as long as the supervisor, not the caller: a worker
	// started from an API request must outlive that request.
	rctx := s.runCtx
	if rctx == nil {
		rctx = ctx
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("worker %s crashed: %v", acc.Name, r)
				session.Close()
				s.parkForRetry(acc.Name, fmt.Sprintf("panic: %v", r))
			}
		}()
		w.run(rctx)
	}()

	_ = s.db.UpdateAccountStatus(ctx, acc.Name, "connected")
	log.Printf(i18n.Get("WorkerStarted"), acc.Name)
	s.publish(acc.Name, StateRunning, "")
	return nil
}

// parkForRetry marks an account for a background reconnect attempt.
func (s *Supervisor) parkForRetry(account, detail string) {
	s.mu.Lock()
	e, ok := s.workers[account]
	if !ok {
		e = &entry{}
		s.workers[account] = e
	}
	e.worker = nil
	e.channel = nil
	e.state = StateRestarting
	e.failures = 0
	e.retryAt = time.Now().Add(s.cfg.RestartBackoff)
	s.mu.Unlock()

	_ = s.db.UpdateAccountStatus(context.Background(), account, "disconnected")
	s.publish(account, StateRestarting, detail)
}

func (s *Supervisor) recordSuccess(account string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.workers[account]; ok && e.state == StateRunning {
		e.failures = 0
		e.healthyAt = time.Now()
	}
}

// recordFailure counts strikes against a running worker and tears it down
// once the threshold is crossed. Teardown happens off the caller's path.
func (s *Supervisor) recordFailure(account, detail string) {
	s.mu.Lock()
	e, ok := s.workers[account]
	if !ok || e.state != StateRunning {
		s.mu.Unlock()
		return
	}
	e.failures++
	tripped := e.failures >= s.cfg.FailureThreshold
	var w *Worker
	if tripped {
		w = e.worker
		e.worker = nil
		e.channel = nil
		e.state = StateRestarting
		e.retryAt = time.Now().Add(s.cfg.RestartBackoff)
	}
	s.mu.Unlock()

	if !tripped {
		return
	}
	s.publish(account, StateRestarting, detail)
	_ = s.db.UpdateAccountStatus(context.Background(), account, "disconnected")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		w.stop()
		<-w.done
		w.session.Close()
	}()
}

// supervise probes running workers and redials parked ones.
func (s *Supervisor) supervise(ctx context.Context) {
	defer s.wg.Done()

	tick := s.cfg.RestartBackoff
	if tick <= 0 {
		tick = 5 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.superviseOnce(ctx)
		}
	}
}

func (s *Supervisor) superviseOnce(ctx context.Context) {
	type task struct {
		account string
		state   string
	}

	now := time.Now()
	s.mu.RLock()
	var tasks []task
	for name, e := range s.workers {
		switch e.state {
		case StateRunning:
			if s.cfg.ProbeInterval > 0 && now.Sub(e.probedAt) >= s.cfg.ProbeInterval {
				tasks = append(tasks, task{name, StateRunning})
			}
		case StateRestarting:
			if now.After(e.retryAt) {
				tasks = append(tasks, task{name, StateRestarting})
			}
		}
	}
	s.mu.RUnlock()

	for _, t := range tasks {
		select {
		case <-s.stopCh:
			return
		default:
		}
		switch t.state {
		case StateRunning:
			s.probe(ctx, t.account)
		case StateRestarting:
			s.redial(ctx, t.account)
		}
	}
}

// probe asks the worker for its balance as a liveness check. The budget
// covers the worker's own retries so a slow-but-alive worker is not marked
// down by an impatient probe.
func (s *Supervisor) probe(ctx context.Context, account string) {
	s.mu.Lock()
	if e, ok := s.workers[account]; ok {
		e.probedAt = time.Now()
	}
	s.mu.Unlock()

	_, err := s.Send(ctx, account, ActionBalance, Params{}, s.callBudget())
	if err != nil && !errors.Is(err, ErrTimeout) && !errors.Is(err, ErrUnavailable) {
		s.recordFailure(account, fmt.Sprintf("probe: %v", err))
	}
}

func (s *Supervisor) redial(ctx context.Context, account string) {
	acc, err := s.db.GetAccount(ctx, account)
	if err != nil || acc == nil || !acc.Enabled {
		s.mu.Lock()
		if e, ok := s.workers[account]; ok {
			e.state = StateStopped
		}
		s.mu.Unlock()
		s.publish(account, StateStopped, "account removed or disabled")
		return
	}

	s.mu.Lock()
	if e, ok := s.workers[account]; ok {
		e.restarts++
		log.Printf(i18n.Get("WorkerRestarting"), account, e.restarts)
	}
	s.mu.Unlock()

	if err := s.startWorker(ctx, *acc); err != nil {
		log.Printf(i18n.Get("WorkerUnavailable"), account, err)
		s.parkForRetry(account, err.Error())
	}
}

// callBudget is the end-to-end budget for one command including the
// worker's internal retries.
func (s *Supervisor) callBudget() time.Duration {
	attempts := time.Duration(s.cfg.CallRetries+1) * s.cfg.CallTimeout
	delays := time.Duration(s.cfg.CallRetries) * s.cfg.CallRetryDelay
	return attempts + delays + time.Second
}

func (s *Supervisor) publish(account, state, detail string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.EventWorkerState, events.WorkerEvent{
		Account: account,
		State:   state,
		Detail:  detail,
		At:      time.Now().UTC(),
	})
}
