// Package dispatcher executes side effect intents outside the ingestion path.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/agencyworks/billing-reconciler/internal/notifications"
	"github.com/agencyworks/billing-reconciler/pkg/config"
	"github.com/agencyworks/billing-reconciler/pkg/db/models"
	"github.com/agencyworks/billing-reconciler/pkg/enums"
	"github.com/agencyworks/billing-reconciler/pkg/logger"
	"github.com/agencyworks/billing-reconciler/pkg/metrics"
	"github.com/agencyworks/billing-reconciler/pkg/outbox"
	"github.com/agencyworks/billing-reconciler/pkg/outbox/payloads"
)

const (
	defaultBatchSize     = 25
	defaultPollMs        = 1000
	defaultMaxRetries    = 3
	defaultBaseBackoff   = 30 * time.Second
	defaultEffectTimeout = 10 * time.Second
	maxPollBackoff       = 30 * time.Second
	maxRetryDelay        = time.Hour
	emailDailyScope      = "email:daily"
)

type dbClient interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type intentRepository interface {
	FetchDueForDispatch(tx *gorm.DB, limit int, now time.Time) ([]models.SideEffectIntent, error)
	LeaseTx(tx *gorm.DB, ids []uuid.UUID, until time.Time) error
	MarkSucceededTx(tx *gorm.DB, id uuid.UUID, now time.Time) error
	MarkRetryTx(tx *gorm.DB, id uuid.UUID, err error, next time.Time) error
	MarkDeadTx(tx *gorm.DB, id uuid.UUID, err error, now time.Time) error
	DeferTx(tx *gorm.DB, id uuid.UUID, until time.Time) error
}

type dlqRepository interface {
	InsertTx(tx *gorm.DB, entry models.SideEffectDLQ) error
}

type accessStore interface {
	Grant(ctx context.Context, customerID, subscriptionID string, at time.Time) (bool, error)
	Revoke(ctx context.Context, customerID, subscriptionID string, at time.Time) (bool, error)
}

// emailBudget counts sends against a shared daily allowance.
type emailBudget interface {
	DailyWindowAllow(ctx context.Context, scope string, limit int64, now time.Time) (bool, int64, error)
}

type ServiceParams struct {
	Config        *config.Config
	Logger        *logger.Logger
	DB            dbClient
	Repository    intentRepository
	DLQRepository dlqRepository
	Renderer      *notifications.Renderer
	Email         notifications.EmailSender
	SMS           notifications.SMSSender
	Access        accessStore
	Budget        emailBudget
	Alerter       Alerter
	Metrics       *metrics.DispatchMetrics
	Now           func() time.Time
}

type Service struct {
	logg          *logger.Logger
	db            dbClient
	repo          intentRepository
	dlq           dlqRepository
	renderer      *notifications.Renderer
	email         notifications.EmailSender
	sms           notifications.SMSSender
	access        accessStore
	budget        emailBudget
	alerter       Alerter
	metrics       *metrics.DispatchMetrics
	now           func() time.Time
	jitter        func(time.Duration) time.Duration
	limiters      map[enums.SideEffectChannel]*rate.Limiter
	wake          chan struct{}
	batchSize     int
	maxRetries    int
	baseBackoff   time.Duration
	effectTimeout time.Duration
	dailyLimit    int64
	pollInterval  time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Repository == nil {
		return nil, errors.New("intent repository is required")
	}
	if params.DLQRepository == nil {
		return nil, errors.New("dlq repository is required")
	}
	if params.Email == nil {
		return nil, errors.New("email sender is required")
	}
	if params.Access == nil {
		return nil, errors.New("access store is required")
	}

	cfg := params.Config
	batch := cfg.Dispatcher.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	pollMs := cfg.Dispatcher.PollIntervalMS
	if pollMs <= 0 {
		pollMs = defaultPollMs
	}
	maxRetries := cfg.Dispatcher.MaxRetries
	if maxRetries < 0 {
		maxRetries = defaultMaxRetries
	}
	base := cfg.Dispatcher.BaseBackoff
	if base <= 0 {
		base = defaultBaseBackoff
	}
	timeout := cfg.Dispatcher.EffectTimeout
	if timeout <= 0 {
		timeout = defaultEffectTimeout
	}

	renderer := params.Renderer
	if renderer == nil {
		renderer = notifications.NewRenderer()
	}
	alerter := params.Alerter
	if alerter == nil {
		alerter = LogAlerter{Logger: params.Logger}
	}
	sms := params.SMS
	if !cfg.FeatureFlags.SMSAlerts {
		sms = nil
	}
	now := params.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Service{
		logg:          params.Logger,
		db:            params.DB,
		repo:          params.Repository,
		dlq:           params.DLQRepository,
		renderer:      renderer,
		email:         params.Email,
		sms:           sms,
		access:        params.Access,
		budget:        params.Budget,
		alerter:       alerter,
		metrics:       params.Metrics,
		now:           now,
		jitter:        withJitter,
		wake:          make(chan struct{}, 1),
		batchSize:     batch,
		maxRetries:    maxRetries,
		baseBackoff:   base,
		effectTimeout: timeout,
		dailyLimit:    cfg.Email.DailyLimit,
		pollInterval:  time.Duration(pollMs) * time.Millisecond,
		limiters: map[enums.SideEffectChannel]*rate.Limiter{
			enums.ChannelEmail: newLimiter(cfg.Email.PerSecondBudget),
			enums.ChannelSMS:   newLimiter(cfg.Email.SMSPerSecond),
		},
	}, nil
}

func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Wake asks a sleeping Run loop to poll immediately. It never blocks.
func (s *Service) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.db.Ping(ctx); err != nil {
		s.logg.Error(ctx, "database ping failed", err)
		return fmt.Errorf("database ping failed: %w", err)
	}

	interval := s.pollInterval
	backoff := interval

	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "dispatcher context canceled")
			return ctx.Err()
		default:
		}

		processed, err := s.RunOnce(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			s.logg.Error(ctx, "dispatcher batch error", err)
			backoff = nextBackoff(backoff, interval, maxPollBackoff)
			if err := s.sleep(ctx, backoff); err != nil {
				return err
			}
			continue
		}

		backoff = interval
		if processed > 0 {
			continue
		}
		if err := s.sleep(ctx, interval); err != nil {
			return err
		}
	}
}

// RunOnce claims one batch of due intents and executes each of them. It returns the
// number of intents claimed. Failures of individual intents are recorded on the
// intent and never returned.
func (s *Service) RunOnce(ctx context.Context) (int, error) {
	intents, err := s.claim(ctx)
	if err != nil {
		return 0, err
	}
	for _, intent := range intents {
		if err := s.dispatch(ctx, intent); err != nil {
			// the lease expires and the intent is picked up again
			s.logg.Error(s.logg.WithFields(ctx, intentFields(intent)), "recording side effect result failed", err)
		}
	}
	return len(intents), nil
}

// claim locks due intents and leases them in a short transaction so execution runs
// without holding row locks. The lease covers the worst case for the whole batch.
func (s *Service) claim(ctx context.Context) ([]models.SideEffectIntent, error) {
	now := s.now()
	var intents []models.SideEffectIntent
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		rows, err := s.repo.FetchDueForDispatch(tx, s.batchSize, now)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		ids := make([]uuid.UUID, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row.ID)
		}
		lease := s.effectTimeout*time.Duration(len(rows)+1) + time.Minute
		if err := s.repo.LeaseTx(tx, ids, now.Add(lease)); err != nil {
			return fmt.Errorf("lease intents: %w", err)
		}
		intents = rows
		return nil
	})
	return intents, err
}

func (s *Service) dispatch(ctx context.Context, intent models.SideEffectIntent) error {
	fields := intentFields(intent)
	env, data, err := outbox.DecodeSideEffect(intent.Payload)
	if err != nil {
		return s.handleTerminal(ctx, intent, enums.SideEffectDLQReasonNonRetryable, err, fields)
	}
	fields["event_id"] = env.EventID
	fields["external_subscription_id"] = data.ExternalSubscriptionID

	channel := intent.Kind.Channel()
	if channel == enums.ChannelEmail {
		deferred, err := s.deferForBudget(ctx, intent, fields)
		if err != nil || deferred {
			return err
		}
	}

	start := s.now()
	execErr := s.execute(ctx, intent.Kind, env, data)
	elapsed := s.now().Sub(start)

	if execErr == nil {
		s.metrics.ObserveAttempt(intent.Kind.String(), "succeeded", elapsed)
		if err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
			return s.repo.MarkSucceededTx(tx, intent.ID, s.now())
		}); err != nil {
			return fmt.Errorf("mark succeeded %s: %w", intent.ID, err)
		}
		s.logg.Info(s.logg.WithFields(ctx, fields), "side effect executed")
		return nil
	}

	if isPermanent(execErr) {
		s.metrics.ObserveAttempt(intent.Kind.String(), "dead", elapsed)
		return s.handleTerminal(ctx, intent, enums.SideEffectDLQReasonNonRetryable, execErr, fields)
	}

	attempt := intent.AttemptCount + 1
	fields["attempt_count"] = attempt
	if attempt > s.maxRetries {
		s.metrics.ObserveAttempt(intent.Kind.String(), "dead", elapsed)
		fields["terminal_reason"] = "max_attempts"
		return s.handleTerminal(ctx, intent, enums.SideEffectDLQReasonMaxAttempts, fmt.Errorf("retries exhausted: %w", execErr), fields)
	}

	s.metrics.ObserveAttempt(intent.Kind.String(), "retry", elapsed)
	next := s.now().Add(s.retryDelay(attempt))
	fields["next_attempt_at"] = next.Format(time.RFC3339)
	logCtx := s.logg.WithField(s.logg.WithFields(ctx, fields), "error", execErr.Error())
	s.logg.Warn(logCtx, "side effect failed, will retry")
	if err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		return s.repo.MarkRetryTx(tx, intent.ID, execErr, next)
	}); err != nil {
		return fmt.Errorf("mark retry %s: %w", intent.ID, err)
	}
	return nil
}

// deferForBudget pushes an email to the next UTC day once the daily allowance is
// spent. A budget store outage lets the send through.
func (s *Service) deferForBudget(ctx context.Context, intent models.SideEffectIntent, fields map[string]any) (bool, error) {
	if s.budget == nil || s.dailyLimit <= 0 {
		return false, nil
	}
	now := s.now()
	allowed, count, err := s.budget.DailyWindowAllow(ctx, emailDailyScope, s.dailyLimit, now)
	if err != nil {
		s.logg.Warn(s.logg.WithField(s.logg.WithFields(ctx, fields), "error", err.Error()), "email budget unavailable")
		return false, nil
	}
	if allowed {
		return false, nil
	}
	until := nextUTCDay(now)
	s.metrics.IncDeferred(intent.Kind.String())
	fields["daily_count"] = count
	fields["deferred_until"] = until.Format(time.RFC3339)
	s.logg.Warn(s.logg.WithFields(ctx, fields), "email daily limit reached, deferring")
	if err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		return s.repo.DeferTx(tx, intent.ID, until)
	}); err != nil {
		return true, fmt.Errorf("defer %s: %w", intent.ID, err)
	}
	return true, nil
}

// execute runs the executor for kind under the effect timeout. A panic is reported
// as an ordinary failure of this intent.
func (s *Service) execute(ctx context.Context, kind enums.SideEffectKind, env outbox.PayloadEnvelope, data payloads.SideEffect) (err error) {
	execCtx, cancel := context.WithTimeout(ctx, s.effectTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()

	switch kind.Channel() {
	case enums.ChannelAccess:
		return s.applyAccess(execCtx, kind, env, data)
	case enums.ChannelSMS:
		return s.sendSMS(execCtx, kind, data)
	default:
		return s.sendEmail(execCtx, kind, data)
	}
}

func (s *Service) sendEmail(ctx context.Context, kind enums.SideEffectKind, data payloads.SideEffect) error {
	msg, err := s.renderer.Email(kind, data)
	if err != nil {
		return permanent(err)
	}
	if err := s.limiters[enums.ChannelEmail].Wait(ctx); err != nil {
		return err
	}
	return s.email.SendEmail(ctx, msg)
}

func (s *Service) sendSMS(ctx context.Context, kind enums.SideEffectKind, data payloads.SideEffect) error {
	if s.sms == nil {
		s.logg.Info(s.logg.WithField(ctx, "kind", kind), "sms disabled, skipping")
		return nil
	}
	msg, err := s.renderer.SMS(kind, data)
	if err != nil {
		return permanent(err)
	}
	if err := s.limiters[enums.ChannelSMS].Wait(ctx); err != nil {
		return err
	}
	return s.sms.SendSMS(ctx, msg)
}

func (s *Service) applyAccess(ctx context.Context, kind enums.SideEffectKind, env outbox.PayloadEnvelope, data payloads.SideEffect) error {
	var err error
	switch kind {
	case enums.SideEffectAccessGrant:
		_, err = s.access.Grant(ctx, data.ExternalCustomerID, data.ExternalSubscriptionID, env.OccurredAt)
	case enums.SideEffectAccessRevoke:
		_, err = s.access.Revoke(ctx, data.ExternalCustomerID, data.ExternalSubscriptionID, env.OccurredAt)
	default:
		err = permanent(fmt.Errorf("unsupported access kind %s", kind))
	}
	return err
}

func (s *Service) handleTerminal(ctx context.Context, intent models.SideEffectIntent, reason enums.SideEffectDLQReason, err error, fields map[string]any) error {
	fields["error_reason"] = reason
	logCtx := s.logg.WithField(s.logg.WithFields(ctx, fields), "error", err.Error())
	s.logg.Warn(logCtx, "side effect will not be retried")

	now := s.now()
	attempts := intent.AttemptCount + 1
	msg := err.Error()
	txErr := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		if dlqErr := s.dlq.InsertTx(tx, models.SideEffectDLQ{
			IntentID:     intent.ID,
			EventID:      intent.EventID,
			Kind:         intent.Kind,
			Payload:      intent.Payload,
			ErrorReason:  reason,
			ErrorMessage: &msg,
			AttemptCount: attempts,
			FailedAt:     now,
		}); dlqErr != nil {
			return fmt.Errorf("insert dlq %s: %w", intent.ID, dlqErr)
		}
		if markErr := s.repo.MarkDeadTx(tx, intent.ID, err, now); markErr != nil {
			return fmt.Errorf("mark dead %s: %w", intent.ID, markErr)
		}
		return nil
	})
	if txErr != nil {
		return txErr
	}

	alert := newAlert(intent, reason, err, attempts, now)
	if alertErr := s.alerter.Alert(ctx, alert); alertErr != nil {
		s.logg.Error(s.logg.WithFields(ctx, fields), "publishing side effect alert failed", alertErr)
	}
	return nil
}

// retryDelay grows the base backoff exponentially with the attempt number.
func (s *Service) retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := s.baseBackoff
	for i := 1; i < attempt && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return s.jitter(delay)
}

func (s *Service) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.wake:
		return nil
	case <-timer.C:
		return nil
	}
}

func intentFields(intent models.SideEffectIntent) map[string]any {
	fields := map[string]any{
		"intent_id":     intent.ID.String(),
		"kind":          intent.Kind,
		"event_id":      intent.EventID,
		"attempt_count": intent.AttemptCount,
	}
	if intent.SubscriptionID != nil {
		fields["subscription_id"] = intent.SubscriptionID.String()
	}
	if intent.LastError != nil {
		fields["last_error"] = *intent.LastError
	}
	return fields
}

func nextUTCDay(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}
