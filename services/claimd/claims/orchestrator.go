package claims

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"questrewards/observability"
	"questrewards/services/claimd/gate"
	"questrewards/services/claimd/ledger"
	"questrewards/services/claimd/minter"
	"questrewards/services/claimd/models"
	"questrewards/services/claimd/scopekey"
)

var (
	// ErrInvalidRequest rejects claims missing a required field.
	ErrInvalidRequest = errors.New("claims: invalid request")
	// ErrTransient marks outcomes that are safe to retry unchanged.
	ErrTransient = errors.New("claims: transient failure")
	// ErrMintFailed marks outcomes where the chain refused the reward.
	ErrMintFailed = errors.New("claims: mint failed")
)

// Status enumerates claim outcomes.
type Status string

// Claim outcomes.
const (
	StatusIssued           Status = "issued"
	StatusAlreadyClaimed   Status = "already_claimed"
	StatusConditionNotMet  Status = "condition_not_met"
	StatusPending          Status = "pending"
	StatusMintFailed       Status = "mint_failed"
	StatusTransientFailure Status = "transient_failure"
)

// Request is a claim for one quest window.
type Request struct {
	UserAddress string
	QuestID     string
	ScopeWindow string
	Points      int64
}

// Outcome is the result of a claim. Issued, AlreadyClaimed and ConditionNotMet are
// answers; the remaining statuses are failures the caller may retry when Retryable.
type Outcome struct {
	Status    Status
	Key       string
	TxHash    string
	ClaimedAt time.Time
	Retryable bool
	Reason    string
}

// Err maps failure outcomes onto the package sentinels.
func (o Outcome) Err() error {
	switch o.Status {
	case StatusMintFailed:
		return fmt.Errorf("%w: %s", ErrMintFailed, o.Reason)
	case StatusTransientFailure:
		return fmt.Errorf("%w: %s", ErrTransient, o.Reason)
	default:
		return nil
	}
}

// GateResolver selects the condition gate guarding a quest.
type GateResolver interface {
	GateFor(questID string) (gate.Gate, error)
}

// Minter issues points on-chain.
type Minter interface {
	Mint(ctx context.Context, userAddress string, points int64) (minter.Receipt, error)
}

// Config bounds the orchestrator's external calls.
type Config struct {
	GateTimeout time.Duration
	MintTimeout time.Duration
	MaxAttempts int
}

// Orchestrator sequences condition check, reservation, mint and finalisation.
type Orchestrator struct {
	gates   GateResolver
	ledger  *ledger.ClaimLedger
	minter  Minter
	cfg     Config
	logger  *slog.Logger
	metrics *observability.ClaimMetrics
	tracer  trace.Tracer
	now     func() time.Time
}

// Option customises the orchestrator instance.
type Option func(*Orchestrator)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithMetrics attaches the metrics registry.
func WithMetrics(metrics *observability.ClaimMetrics) Option {
	return func(o *Orchestrator) { o.metrics = metrics }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.now = clock }
}

// New constructs an orchestrator.
func New(gates GateResolver, claims *ledger.ClaimLedger, mint Minter, cfg Config, opts ...Option) (*Orchestrator, error) {
	if gates == nil {
		return nil, fmt.Errorf("claims: gate resolver required")
	}
	if claims == nil {
		return nil, fmt.Errorf("claims: ledger required")
	}
	if mint == nil {
		return nil, fmt.Errorf("claims: minter required")
	}
	if cfg.GateTimeout <= 0 {
		cfg.GateTimeout = 5 * time.Second
	}
	if cfg.MintTimeout <= 0 {
		cfg.MintTimeout = 2 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	o := &Orchestrator{
		gates:  gates,
		ledger: claims,
		minter: mint,
		cfg:    cfg,
		logger: slog.Default(),
		tracer: otel.Tracer("claimd/claims"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// Claim issues the reward for req at most once per (user, quest, window).
func (o *Orchestrator) Claim(ctx context.Context, req Request) (Outcome, error) {
	req.UserAddress = scopekey.Normalize(req.UserAddress)
	req.QuestID = strings.TrimSpace(req.QuestID)
	req.ScopeWindow = strings.TrimSpace(req.ScopeWindow)
	switch {
	case req.UserAddress == "":
		return Outcome{}, fmt.Errorf("%w: user address required", ErrInvalidRequest)
	case req.QuestID == "":
		return Outcome{}, fmt.Errorf("%w: quest id required", ErrInvalidRequest)
	case req.ScopeWindow == "":
		return Outcome{}, fmt.Errorf("%w: scope window required", ErrInvalidRequest)
	case req.Points <= 0:
		return Outcome{}, fmt.Errorf("%w: points must be positive", ErrInvalidRequest)
	}

	start := o.now()
	ctx, span := o.tracer.Start(ctx, "claims.claim", trace.WithAttributes(
		attribute.String("quest.id", req.QuestID),
		attribute.String("scope.window", req.ScopeWindow),
	))
	defer span.End()

	g, err := o.gates.GateFor(req.QuestID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Outcome{}, fmt.Errorf("claims: gate for %s: %w", req.QuestID, err)
	}

	outcome := o.claim(ctx, g, req)
	span.SetAttributes(attribute.String("claim.outcome", string(outcome.Status)))
	if outcome.TxHash != "" {
		span.SetAttributes(attribute.String("claim.tx_hash", outcome.TxHash))
	}
	if err := outcome.Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, string(outcome.Status))
	}
	o.metrics.ObserveClaim(req.QuestID, string(outcome.Status), o.now().Sub(start))
	return outcome, nil
}

func (o *Orchestrator) claim(ctx context.Context, g gate.Gate, req Request) Outcome {
	key := scopekey.Build(req.UserAddress, req.QuestID, req.ScopeWindow)
	log := o.logger.With(
		slog.String("claim_key", key),
		slog.String("quest", req.QuestID),
		slog.String("window", req.ScopeWindow),
	)

	gateCtx, cancel := context.WithTimeout(ctx, o.cfg.GateTimeout)
	ok, err := g.Satisfied(gateCtx, req.UserAddress, req.ScopeWindow)
	cancel()
	if err != nil {
		log.WarnContext(ctx, "condition check inconclusive", slog.Any("error", err))
		return Outcome{Status: StatusTransientFailure, Key: key, Retryable: true, Reason: "condition check: " + err.Error()}
	}
	if !ok {
		return Outcome{Status: StatusConditionNotMet, Key: key}
	}

	record, err := o.ledger.Reserve(ctx, key, req.UserAddress, req.QuestID, req.ScopeWindow, req.Points)
	if errors.Is(err, ledger.ErrAlreadyClaimed) {
		return o.alreadyClaimed(ctx, key)
	}
	if err != nil {
		log.WarnContext(ctx, "reservation failed", slog.Any("error", err))
		return Outcome{Status: StatusTransientFailure, Key: key, Retryable: true, Reason: "reserve: " + err.Error()}
	}

	// The mint may have happened; ledger writes must outlive the caller's context.
	store := context.WithoutCancel(ctx)
	attempt := record.Attempts

	// The hash is on the record before the transaction leaves the process, so a crash
	// while waiting for the receipt leaves the reconciler something to settle from.
	mintCtx, cancel := context.WithTimeout(minter.WithBroadcastHook(ctx, func(_ context.Context, txHash string) error {
		return o.ledger.AttachPending(store, key, txHash, "awaiting confirmation")
	}), o.cfg.MintTimeout)
	receipt, mintErr := o.minter.Mint(mintCtx, req.UserAddress, req.Points)
	cancel()
	if mintErr == nil {
		if err := o.ledger.Settle(store, key, attempt, models.ClaimIssued, receipt.TxHash, ""); err != nil {
			log.ErrorContext(ctx, "mint confirmed but not recorded",
				slog.String("tx_hash", receipt.TxHash), slog.Any("error", err))
			return Outcome{Status: StatusPending, Key: key, TxHash: receipt.TxHash, Reason: "record issuance: " + err.Error()}
		}
		log.InfoContext(ctx, "reward issued", slog.String("tx_hash", receipt.TxHash), slog.Int64("points", req.Points))
		return Outcome{Status: StatusIssued, Key: key, TxHash: receipt.TxHash, ClaimedAt: o.now().UTC()}
	}

	classified, _ := minter.AsMintError(mintErr)
	if classified != nil && classified.Broadcast() {
		if err := o.ledger.AttachPending(store, key, classified.TxHash, mintErr.Error()); err != nil {
			log.ErrorContext(ctx, "pending transaction not recorded",
				slog.String("tx_hash", classified.TxHash), slog.Any("error", err))
		}
		log.WarnContext(ctx, "mint outcome unknown", slog.String("tx_hash", classified.TxHash), slog.Any("error", mintErr))
		return Outcome{Status: StatusPending, Key: key, TxHash: classified.TxHash, Reason: mintErr.Error()}
	}

	if ctx.Err() != nil {
		// Abandoned by the caller; the reservation ages out through the reconciler.
		log.WarnContext(ctx, "claim abandoned before mint completed", slog.Any("error", mintErr))
		return Outcome{Status: StatusTransientFailure, Key: key, Retryable: true, Reason: "cancelled: " + ctx.Err().Error()}
	}

	if err := o.ledger.Settle(store, key, attempt, models.ClaimFailed, "", mintErr.Error()); err != nil {
		log.ErrorContext(ctx, "mint failure not recorded", slog.Any("error", err))
	}
	if classified != nil && classified.Class == minter.ClassRejected {
		retryable := attempt < o.cfg.MaxAttempts
		log.WarnContext(ctx, "mint rejected", slog.Int("attempt", attempt), slog.Bool("retryable", retryable), slog.Any("error", mintErr))
		return Outcome{Status: StatusMintFailed, Key: key, Retryable: retryable, Reason: mintErr.Error()}
	}
	log.WarnContext(ctx, "relayer unreachable", slog.Any("error", mintErr))
	return Outcome{Status: StatusTransientFailure, Key: key, Retryable: true, Reason: "mint: " + mintErr.Error()}
}

func (o *Orchestrator) alreadyClaimed(ctx context.Context, key string) Outcome {
	out := Outcome{Status: StatusAlreadyClaimed, Key: key}
	record, err := o.ledger.Lookup(ctx, key)
	if err != nil {
		return out
	}
	if record.Status == models.ClaimIssued {
		if record.TxHash != nil {
			out.TxHash = *record.TxHash
		}
		if record.FinalizedAt != nil {
			out.ClaimedAt = record.FinalizedAt.UTC()
		}
	}
	return out
}

// Lookup returns the ledger record for key.
func (o *Orchestrator) Lookup(ctx context.Context, key string) (*models.ClaimRecord, error) {
	return o.ledger.Lookup(ctx, key)
}
