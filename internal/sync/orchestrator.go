package sync

import (
	"context"
	"math/rand"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/Martian-dev/mailsync/internal/store"
)

// OrchestratorConfig holds the scan cadence.
type OrchestratorConfig struct {
	HealthPassSchedule  string
	RenewalPassSchedule string
	// Accounts are processed with a randomized delay in [Min, Max] between
	// them so provider traffic spreads out.
	AccountDelayMin time.Duration
	AccountDelayMax time.Duration
}

// Orchestrator runs the periodic passes: a frequent health pass that keeps
// every account synced and retries failed push setups, and an infrequent
// renewal pass that extends registrations before they lapse.
type Orchestrator struct {
	store   store.MailStore
	manager *SubscriptionManager
	engine  *Engine
	logger  *zap.Logger
	cfg     OrchestratorConfig

	cron *cron.Cron

	// healthRunning and renewalRunning guard against pass overlap when a
	// pass outlives its interval.
	healthRunning  chan struct{}
	renewalRunning chan struct{}
}

func NewOrchestrator(s store.MailStore, manager *SubscriptionManager, engine *Engine, cfg OrchestratorConfig, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		store:          s,
		manager:        manager,
		engine:         engine,
		logger:         logger,
		cfg:            cfg,
		healthRunning:  make(chan struct{}, 1),
		renewalRunning: make(chan struct{}, 1),
	}
}

// Start schedules the passes and runs an immediate health pass in the
// background so accounts do not wait a full interval after boot.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.cron = cron.New()

	if _, err := o.cron.AddFunc(o.cfg.HealthPassSchedule, func() { o.HealthPass(ctx) }); err != nil {
		return err
	}
	if _, err := o.cron.AddFunc(o.cfg.RenewalPassSchedule, func() { o.RenewalPass(ctx) }); err != nil {
		return err
	}

	o.cron.Start()
	go o.HealthPass(ctx)
	return nil
}

// Stop halts scheduling and waits for a running pass invocation to return.
func (o *Orchestrator) Stop() {
	if o.cron != nil {
		<-o.cron.Stop().Done()
	}
}

// HealthPass walks every active account once: initializes new accounts,
// retries due push registrations, repairs lapsed ones, and polls accounts
// without push. Skips entirely if the previous pass is still running.
func (o *Orchestrator) HealthPass(ctx context.Context) {
	select {
	case o.healthRunning <- struct{}{}:
		defer func() { <-o.healthRunning }()
	default:
		o.logger.Warn("health pass still running, skipping")
		return
	}

	accounts, err := o.store.ListAccounts(ctx)
	if err != nil {
		o.logger.Error("health pass: list accounts failed", zap.Error(err))
		return
	}

	start := time.Now()
	for i, account := range accounts {
		if ctx.Err() != nil {
			return
		}
		if i > 0 {
			o.pause(ctx)
		}
		o.checkAccount(ctx, account)
	}

	o.logger.Info("health pass complete",
		zap.Int("accounts", len(accounts)),
		zap.Duration("took", time.Since(start)))
}

func (o *Orchestrator) checkAccount(ctx context.Context, account *store.Account) {
	log := o.logger.With(zap.String("account_id", account.ID))
	now := time.Now()

	switch {
	case account.SyncStatus == store.StatusError:
		// Credentials are known dead; polling the provider with them just
		// burns quota. The account stays parked until re-authorization.
		log.Debug("account in error state, skipping")

	case account.SyncStatus == store.StatusUninitialized:
		if err := o.manager.Ensure(ctx, account); err != nil {
			log.Error("initial setup failed", zap.Error(err))
			return
		}
		o.syncFresh(ctx, account, TriggerPoll)

	case account.RetryScheduled && now.After(account.RetryAt):
		log.Info("retrying push registration", zap.String("reason", account.RetryReason))
		if err := o.manager.Ensure(ctx, account); err != nil {
			log.Error("push retry failed", zap.Error(err))
		}
		o.syncFresh(ctx, account, TriggerPoll)

	case account.PushActive() && now.After(account.SubscriptionExpiry):
		// The registration lapsed before renewal caught it; notifications
		// have possibly been missed since expiry.
		log.Warn("push registration lapsed, re-registering")
		if err := o.manager.Ensure(ctx, account); err != nil {
			log.Error("re-registration failed", zap.Error(err))
		}
		o.syncFresh(ctx, account, TriggerPoll)

	case !account.PushActive():
		if _, err := o.engine.SyncAccount(ctx, account, TriggerPoll); err != nil {
			log.Error("poll sync failed", zap.Error(err))
		}
	}
}

// syncFresh re-reads the account so the pass sees state written by the
// preceding setup call, then syncs.
func (o *Orchestrator) syncFresh(ctx context.Context, account *store.Account, trigger Trigger) {
	fresh, err := o.store.AccountByID(ctx, account.ID)
	if err != nil || fresh == nil {
		o.logger.Error("account reload failed",
			zap.String("account_id", account.ID),
			zap.Error(err))
		return
	}
	if _, err := o.engine.SyncAccount(ctx, fresh, trigger); err != nil {
		o.logger.Error("sync failed",
			zap.String("account_id", account.ID),
			zap.Error(err))
	}
}

// RenewalPass extends every push registration that expires inside its
// provider's renewal buffer.
func (o *Orchestrator) RenewalPass(ctx context.Context) {
	select {
	case o.renewalRunning <- struct{}{}:
		defer func() { <-o.renewalRunning }()
	default:
		o.logger.Warn("renewal pass still running, skipping")
		return
	}

	accounts, err := o.store.ListAccounts(ctx)
	if err != nil {
		o.logger.Error("renewal pass: list accounts failed", zap.Error(err))
		return
	}

	now := time.Now()
	renewed := 0
	for _, account := range accounts {
		if ctx.Err() != nil {
			return
		}
		if !o.manager.NeedsRenewal(account, now) {
			continue
		}
		if renewed > 0 {
			o.pause(ctx)
		}
		if err := o.manager.Renew(ctx, account); err != nil {
			o.logger.Error("renewal failed",
				zap.String("account_id", account.ID),
				zap.Error(err))
			continue
		}
		renewed++
	}

	o.logger.Info("renewal pass complete",
		zap.Int("accounts", len(accounts)),
		zap.Int("renewed", renewed))
}

// pause sleeps a randomized inter-account delay, or returns early on
// context cancellation.
func (o *Orchestrator) pause(ctx context.Context) {
	min, max := o.cfg.AccountDelayMin, o.cfg.AccountDelayMax
	if max <= 0 {
		return
	}
	d := min
	if max > min {
		d += time.Duration(rand.Int63n(int64(max - min)))
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
