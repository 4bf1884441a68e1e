// Package poller implements the inbox poller: for every Number in
// {active, received}, bring its upstream state and new SMS into the
// system, serialized per number by a Redis lock, rate-limited per number
// and per provider, with an adaptive next-poll schedule.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/R3E-Network/numhub/applications/fanout"
	"github.com/R3E-Network/numhub/domain/activation"
	"github.com/R3E-Network/numhub/domain/events"
	"github.com/R3E-Network/numhub/domain/provider"
	"github.com/R3E-Network/numhub/infrastructure/lock"
	"github.com/R3E-Network/numhub/infrastructure/logging"
)

// EngineResolver looks up the configured provider.Engine for a provider id.
type EngineResolver func(ctx context.Context, providerID string) (*provider.Engine, error)

// Config tunes the poller's selection batch, concurrency, and timeouts.
type Config struct {
	BatchLimit    int
	Concurrency   int
	TickInterval  time.Duration
	LockTTL       time.Duration
	StatusTimeout time.Duration
	MaxPollCount  int
	DrainTimeout  time.Duration
}

// DefaultConfig matches the values named in the inbox poller's per-number
// procedure: 60s lock TTL, 15s status timeout, 30s drain on shutdown.
func DefaultConfig() Config {
	return Config{
		BatchLimit:    200,
		Concurrency:   20,
		TickInterval:  time.Second,
		LockTTL:       60 * time.Second,
		StatusTimeout: 15 * time.Second,
		MaxPollCount:  2000,
		DrainTimeout:  30 * time.Second,
	}
}

// Poller drives the per-number polling procedure across bounded-concurrency
// worker tasks.
type Poller struct {
	repo      activation.Repository
	svc       *activation.Service
	engines   EngineResolver
	publisher *fanout.Publisher
	locker    *lock.Locker
	logger    *logging.Logger
	cfg       Config

	mu               sync.Mutex
	numberLimiters   map[string]*rate.Limiter
	providerLimiters map[string]*rate.Limiter
	recentHashes     map[string]map[string]time.Time
	receivedSince    map[string]time.Time

	wg  sync.WaitGroup
	sem chan struct{}
}

// New builds a Poller. svc is used for the state-machine-checked
// transitions (ReceiveSms/Complete/Reconcile); repo is used directly for
// the read/selection and Number bookkeeping paths Service doesn't expose.
// publisher may be nil, in which case no realtime event is fanned out.
func New(repo activation.Repository, svc *activation.Service, engines EngineResolver, publisher *fanout.Publisher, locker *lock.Locker, logger *logging.Logger, cfg Config) *Poller {
	return &Poller{
		repo:             repo,
		svc:              svc,
		engines:          engines,
		publisher:        publisher,
		locker:           locker,
		logger:           logger,
		cfg:              cfg,
		numberLimiters:   make(map[string]*rate.Limiter),
		providerLimiters: make(map[string]*rate.Limiter),
		recentHashes:     make(map[string]map[string]time.Time),
		receivedSince:    make(map[string]time.Time),
		sem:              make(chan struct{}, cfg.Concurrency),
	}
}

// publish fans an event out to the owning user's room. Failures are logged
// and swallowed: a dropped realtime notification never rolls back a state
// transition that already committed.
func (p *Poller) publish(ctx context.Context, eventType events.Type, userID string, payload interface{}) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.Publish(ctx, eventType, events.UserRoom(userID), payload, events.Meta{Source: "poller"}); err != nil {
		p.logger.Error(ctx, "poller: publish failed", err, map[string]interface{}{"eventType": string(eventType)})
	}
}

// Run ticks until ctx is cancelled, then waits up to cfg.DrainTimeout for
// in-flight tasks to finish.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.drain()
			return
		case <-ticker.C:
			if _, err := p.Tick(ctx); err != nil {
				p.logger.Error(ctx, "poller: tick failed", err, nil)
			}
		}
	}
}

func (p *Poller) drain() {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.cfg.DrainTimeout):
	}
}

// Tick selects one batch of pollable numbers and processes them with
// bounded concurrency, blocking until the whole batch finishes. It returns
// the number of numbers selected, which the master worker uses to decide
// whether to run its next tick immediately or after an idle delay.
func (p *Poller) Tick(ctx context.Context) (int, error) {
	numbers, err := p.repo.ListPollable(ctx, time.Now(), p.cfg.BatchLimit)
	if err != nil {
		return 0, err
	}
	var batch sync.WaitGroup
	for _, n := range numbers {
		n := n
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			batch.Wait()
			return len(numbers), ctx.Err()
		}
		p.wg.Add(1)
		batch.Add(1)
		go func() {
			defer p.wg.Done()
			defer batch.Done()
			defer func() { <-p.sem }()
			p.processNumber(ctx, n)
		}()
	}
	batch.Wait()
	return len(numbers), nil
}

func (p *Poller) processNumber(ctx context.Context, n activation.Number) {
	handle, err := lock.Acquire(ctx, p.locker, lock.PollLockKey(n.ID), p.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return
		}
		p.logger.Error(ctx, "poller: lock acquire failed", err, map[string]interface{}{"numberId": n.ID})
		return
	}
	defer func() { _ = lock.Release(context.Background(), p.locker, handle) }()

	act, err := p.repo.GetActivation(ctx, n.ActivationID)
	if err != nil || act == nil {
		p.logger.Error(ctx, "poller: get activation failed", err, map[string]interface{}{"numberId": n.ID})
		return
	}

	if !p.allow(p.numberLimiter(n.ID)) || !p.allow(p.providerLimiter(act.ProviderID)) {
		return
	}

	if n.PollCount > p.cfg.MaxPollCount {
		p.logger.Warn(ctx, "poller: anomalous poll count, skipping tick", map[string]interface{}{"numberId": n.ID, "pollCount": n.PollCount})
		return
	}

	engine, err := p.engines(ctx, act.ProviderID)
	if err != nil {
		p.handlePollError(ctx, n, err)
		return
	}

	statusCtx, cancel := context.WithTimeout(ctx, p.cfg.StatusTimeout)
	status, err := engine.GetStatus(statusCtx, act.ProviderActivationID)
	cancel()
	if err != nil {
		p.handlePollError(ctx, n, err)
		return
	}

	receivedAny := p.ingestMessages(ctx, &n, act, status.Messages)
	if receivedAny {
		if refreshed, err := p.repo.GetActivation(ctx, act.ID); err == nil && refreshed != nil {
			act = refreshed
		}
	}
	p.reconcile(ctx, &n, act, status, receivedAny)
	p.scheduleNext(&n, receivedAny)

	now := time.Now()
	n.LastPolledAt = &now
	n.PollCount++
	n.ErrorCount = 0
	if err := p.repo.UpdateNumber(ctx, &n); err != nil {
		p.logger.Error(ctx, "poller: update number failed", err, map[string]interface{}{"numberId": n.ID})
		return
	}
	p.logger.LogAudit(ctx, "poll", "number", n.ID, "completed")
}

func (p *Poller) handlePollError(ctx context.Context, n activation.Number, err error) {
	n.ErrorCount++
	n.NextPollAt = time.Now().Add(errorBackoff)
	if updateErr := p.repo.UpdateNumber(ctx, &n); updateErr != nil {
		p.logger.Error(ctx, "poller: update number after error failed", updateErr, map[string]interface{}{"numberId": n.ID})
	}
	if n.ErrorCount >= maxConsecutiveErrors {
		p.logger.LogAudit(ctx, "poll", "number", n.ID, "stalled")
	}
	p.logger.Error(ctx, "poller: status call failed", err, map[string]interface{}{"numberId": n.ID})
}

func (p *Poller) ingestMessages(ctx context.Context, n *activation.Number, act *activation.Activation, messages []provider.UpstreamMessage) bool {
	receivedAny := false
	for _, msg := range messages {
		content := activation.Sanitize(msg.Text)
		hash := activation.ContentHash(content)
		if p.isDuplicateHash(n.ID, hash) {
			continue
		}
		code, confidence := activation.ExtractCode(act.ServiceName, content)
		var extracted *string
		if code != "" {
			extracted = &code
		}
		smsMsg := &activation.SmsMessage{
			ID:                   n.ID + "_" + msg.ID,
			NumberID:             n.ID,
			UpstreamMessageID:    msg.ID,
			Sender:               msg.Sender,
			Content:              content,
			ExtractedCode:        extracted,
			ExtractionConfidence: confidence,
			ReceivedAt:           time.Now(),
			ContentHash:          hash,
			Fingerprint:          n.ID + ":" + msg.ID,
		}
		_, inserted, err := p.svc.ReceiveSms(ctx, act.ID, smsMsg)
		if err != nil {
			p.logger.Error(ctx, "poller: receive sms failed", err, map[string]interface{}{"numberId": n.ID})
			continue
		}
		if inserted {
			receivedAny = true
			p.publish(ctx, events.TypeSMSReceived, act.UserID, map[string]interface{}{
				"numberId":  n.ID,
				"userId":    act.UserID,
				"messageId": smsMsg.ID,
				"code":      code,
			})
		}
	}
	return receivedAny
}

func (p *Poller) reconcile(ctx context.Context, n *activation.Number, act *activation.Activation, status *provider.StatusResult, receivedAny bool) {
	if status.Status == provider.UpstreamReceived && n.Status == activation.NumberActive {
		n.Status = activation.NumberReceived
		p.mu.Lock()
		if _, ok := p.receivedSince[n.ID]; !ok {
			p.receivedSince[n.ID] = time.Now()
		}
		p.mu.Unlock()
		p.publish(ctx, events.TypeNumberReceived, act.UserID, map[string]interface{}{
			"numberId": n.ID,
			"userId":   act.UserID,
		})
	}

	if status.Status != provider.UpstreamCompleted && status.Status != provider.UpstreamCancelled {
		return
	}

	if len(status.Messages) == 0 {
		if _, err := p.svc.Reconcile(ctx, act.ID, activation.StateExpired); err != nil {
			p.logger.Error(ctx, "poller: reconcile expired failed", err, map[string]interface{}{"numberId": n.ID})
			return
		}
		n.Status = activation.NumberExpired
		p.publish(ctx, events.TypeNumberExpired, act.UserID, map[string]interface{}{
			"numberId": n.ID,
			"userId":   act.UserID,
		})
		return
	}

	if !activation.CanTransition(act.State, activation.StateCompleted) {
		// Upstream reports completed with messages present, but no code was
		// ever extracted to move the activation to RECEIVED: the inbox holds
		// unusable content, so the reservation is refunded rather than
		// captured for an activation that was never actually fulfilled.
		if _, err := p.svc.Reconcile(ctx, act.ID, activation.StateExpired); err != nil {
			p.logger.Error(ctx, "poller: reconcile expired failed", err, map[string]interface{}{"numberId": n.ID})
			return
		}
		n.Status = activation.NumberExpired
		p.publish(ctx, events.TypeNumberExpired, act.UserID, map[string]interface{}{
			"numberId": n.ID,
			"userId":   act.UserID,
		})
		return
	}

	if _, err := p.svc.Complete(ctx, act.ID, act.ID+":poller-complete"); err != nil {
		p.logger.Error(ctx, "poller: complete failed", err, map[string]interface{}{"numberId": n.ID})
		return
	}
	n.Status = activation.NumberCompleted
	p.publish(ctx, events.TypeNumberCompleted, act.UserID, map[string]interface{}{
		"numberId": n.ID,
		"userId":   act.UserID,
	})
}

func (p *Poller) scheduleNext(n *activation.Number, receivedAny bool) {
	if activation.IsNumberTerminal(n.Status) {
		return
	}

	p.mu.Lock()
	if _, seen := p.receivedSince[n.ID]; receivedAny && !seen {
		p.receivedSince[n.ID] = time.Now()
	}
	since, everReceived := p.receivedSince[n.ID]
	p.mu.Unlock()

	var receivedSinceDur time.Duration
	if everReceived {
		receivedSinceDur = time.Since(since)
	}

	age := time.Since(n.CreatedAt)
	n.NextPollAt = time.Now().Add(nextPollInterval(age, receivedSinceDur, everReceived))
}

func (p *Poller) numberLimiter(numberID string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.numberLimiters[numberID]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Second), 1)
		p.numberLimiters[numberID] = l
	}
	return l
}

func (p *Poller) providerLimiter(providerID string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.providerLimiters[providerID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(20), 20)
		p.providerLimiters[providerID] = l
	}
	return l
}

func (p *Poller) allow(l *rate.Limiter) bool {
	return l.Allow()
}

func (p *Poller) isDuplicateHash(numberID, hash string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen, ok := p.recentHashes[numberID]
	if !ok {
		seen = make(map[string]time.Time)
		p.recentHashes[numberID] = seen
	}
	now := time.Now()
	for h, seenAt := range seen {
		if now.Sub(seenAt) > 10*time.Second {
			delete(seen, h)
		}
	}
	if _, dup := seen[hash]; dup {
		return true
	}
	seen[hash] = now
	return false
}
