// Package calcservice is the entry point for fee calculation: it
// validates inputs, resolves broker config and signal bundle, invokes
// the formula kernel, and enqueues an audit record for every outcome
// (spec §6.7).
package calcservice

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cryptofunk/locatefees/internal/apierr"
	"github.com/cryptofunk/locatefees/internal/audit"
	"github.com/cryptofunk/locatefees/internal/cache"
	"github.com/cryptofunk/locatefees/internal/configstore"
	"github.com/cryptofunk/locatefees/internal/dataclients"
	"github.com/cryptofunk/locatefees/internal/dataservice"
	"github.com/cryptofunk/locatefees/internal/decimalkernel"
	"github.com/cryptofunk/locatefees/internal/resilience"
)

// BrokerLookup resolves a client's fee configuration. Satisfied by
// *configstore.Store.
type BrokerLookup interface {
	GetBroker(ctx context.Context, clientID string) (configstore.BrokerConfig, error)
}

// SignalProvider resolves the pricing signal bundle for a ticker.
// Satisfied by *dataservice.Service.
type SignalProvider interface {
	GetSignalBundle(ctx context.Context, ticker string, loanDays int) (*dataservice.SignalBundle, error)
}

// Service is the Calculation Service (spec §6.7).
type Service struct {
	cache     *cache.Cache
	brokers   BrokerLookup
	signals   SignalProvider
	minRates  dataservice.MinimumRateLookup
	auditQ    *audit.Queue
	breakers  *resilience.BreakerManager
	constants decimalkernel.Constants
	log       zerolog.Logger
}

// New builds a Calculation Service over its dependencies.
func New(
	c *cache.Cache,
	brokers BrokerLookup,
	signals SignalProvider,
	minRates dataservice.MinimumRateLookup,
	auditQ *audit.Queue,
	breakers *resilience.BreakerManager,
	constants decimalkernel.Constants,
	log zerolog.Logger,
) *Service {
	return &Service{
		cache:     c,
		brokers:   brokers,
		signals:   signals,
		minRates:  minRates,
		auditQ:    auditQ,
		breakers:  breakers,
		constants: constants,
		log:       log,
	}
}

// CalculateFee validates inputs, serves a calc:{fingerprint}
// short-circuit on hit, and otherwise resolves broker config and
// signal bundle, invokes the formula kernel, persists the result via
// the audit queue, and returns the breakdown (spec §6.7).
func (s *Service) CalculateFee(ctx context.Context, ticker, positionValueStr string, loanDays int, clientID string) (*decimalkernel.FeeBreakdown, error) {
	if ticker == "" {
		return nil, s.fail(ctx, ticker, positionValueStr, loanDays, clientID, apierr.DomainError("ticker must not be empty"))
	}
	if clientID == "" {
		return nil, s.fail(ctx, ticker, positionValueStr, loanDays, clientID, apierr.DomainError("client_id must not be empty"))
	}
	if loanDays <= 0 {
		return nil, s.fail(ctx, ticker, positionValueStr, loanDays, clientID, apierr.DomainError("loan_days must be positive, got %d", loanDays))
	}
	positionValue, err := decimalkernel.NewFromString(positionValueStr)
	if err != nil || positionValue.IsNegative() || positionValue.IsZero() {
		return nil, s.fail(ctx, ticker, positionValueStr, loanDays, clientID, apierr.DomainError("position_value must be a positive decimal, got %q", positionValueStr))
	}

	fingerprint := s.fingerprint(ticker, positionValueStr, loanDays, clientID)
	calcKey := cache.KeyspaceCalc + ":" + fingerprint
	if raw, ok := s.cache.Peek(ctx, calcKey); ok {
		var cached decimalkernel.FeeBreakdown
		if err := unmarshalBreakdown(raw, &cached); err == nil {
			return &cached, nil
		}
	}

	broker, err := s.brokers.GetBroker(ctx, clientID)
	if err != nil {
		return nil, s.fail(ctx, ticker, positionValueStr, loanDays, clientID, err)
	}

	bundle, err := s.signals.GetSignalBundle(ctx, ticker, loanDays)
	if err != nil {
		return nil, s.fail(ctx, ticker, positionValueStr, loanDays, clientID, err)
	}

	// A ticker may have no configured minimum rate at all; that is not
	// a failure, just the absence of this particular floor (spec §4.2
	// "borrow_rate_used ≥ max(global, broker.override?, ticker.min_rate?)").
	var tickerMinRate *decimalkernel.Decimal
	if rate, err := s.minRates.GetMinimumRate(ctx, ticker); err == nil {
		tickerMinRate = &rate
	} else if _, ok := apierr.KindOf(err); !ok {
		return nil, s.fail(ctx, ticker, positionValueStr, loanDays, clientID, err)
	}

	breakdown, err := s.compute(ctx, ticker, positionValue, loanDays, broker, bundle, tickerMinRate)
	if err != nil {
		return nil, s.fail(ctx, ticker, positionValueStr, loanDays, clientID, err)
	}

	if encoded, err := marshalBreakdown(breakdown); err == nil {
		s.cache.WriteThrough(ctx, calcKey, encoded)
	}

	if err := s.enqueueAudit(ctx, ticker, positionValueStr, loanDays, clientID, breakdown, bundle, ""); err != nil {
		return nil, err
	}
	return breakdown, nil
}

func (s *Service) compute(ctx context.Context, ticker string, positionValue decimalkernel.Decimal, loanDays int, broker configstore.BrokerConfig, bundle *dataservice.SignalBundle, tickerMinRate *decimalkernel.Decimal) (*decimalkernel.FeeBreakdown, error) {
	eventRisk := decimalkernel.NewFromInt(int64(bundle.EventRiskFactor))
	effectiveMin := decimalkernel.EffectiveMinimumRate(s.constants.GlobalMinimumRate, broker.MinRateOverride, tickerMinRate)

	adjustedRate, err := decimalkernel.AdjustBorrowRate(s.constants, bundle.BaseBorrowRate, bundle.VolatilityIndex, eventRisk, effectiveMin)
	if err != nil {
		return nil, err
	}

	borrowCost, timeFactor, err := decimalkernel.ComputeBorrowCost(s.constants, positionValue, adjustedRate, loanDays)
	if err != nil {
		return nil, err
	}

	markup, err := decimalkernel.ComputeMarkup(s.constants, borrowCost, broker.MarkupPercent)
	if err != nil {
		return nil, err
	}

	txFeeType := decimalkernel.TransactionFeeType(broker.TransactionFeeType)
	txFee, err := decimalkernel.ComputeTransactionFee(s.constants, positionValue, txFeeType, broker.TransactionFeeValue)
	if err != nil {
		return nil, err
	}

	dataSources := make(map[string]string, len(bundle.SourceFlags))
	for k, v := range bundle.SourceFlags {
		dataSources[k] = string(v)
	}

	breakdown := decimalkernel.AssembleBreakdown(adjustedRate, timeFactor, borrowCost, markup, txFee, "USD", dataSources, time.Now().UTC())
	return &breakdown, nil
}

// GetBorrowRate is a thin read path returning the current signal-layer
// borrow rate for ticker, without performing a fee calculation
// (spec §6's inbound surface).
func (s *Service) GetBorrowRate(ctx context.Context, ticker string) (decimalkernel.Decimal, dataclients.BorrowStatus, error) {
	bundle, err := s.signals.GetSignalBundle(ctx, ticker, 1)
	if err != nil {
		return decimalkernel.Zero, "", err
	}
	return bundle.BaseBorrowRate, bundle.BorrowStatus, nil
}

// HealthReport aggregates the reachability of every subsystem the
// calculation path depends on (spec §7 "Health aggregation").
type HealthReport struct {
	SharedCacheHealthy bool
	AuditQueueDepth    int64
	BreakerStates      map[string]string
}

// Health reports the combined status of the cache, audit queue, and
// circuit breakers in one call.
func (s *Service) Health(ctx context.Context) HealthReport {
	report := HealthReport{
		SharedCacheHealthy: s.cache.SharedHealthy(ctx),
	}
	if s.auditQ != nil {
		report.AuditQueueDepth = s.auditQ.Depth()
	}
	if s.breakers != nil {
		report.BreakerStates = s.breakers.States()
	}
	return report
}

// fingerprint computes the stable hash of the inputs that determine a
// calc:{fingerprint} short-circuit result: the request itself plus the
// current config/signal generations, so a cached result is never
// served across an intervening invalidation (spec §6.7).
func (s *Service) fingerprint(ticker, positionValue string, loanDays int, clientID string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%s|%d|%d|%d|%d",
		ticker, positionValue, loanDays, clientID,
		s.cache.Generation(cache.KeyspaceBroker+":"+clientID),
		s.cache.Generation(cache.KeyspaceBorrow+":"+ticker),
		s.cache.Generation(cache.KeyspaceVol+":"+ticker),
		s.cache.Generation(cache.KeyspaceEvent+":"+ticker),
	)
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Service) enqueueAudit(ctx context.Context, ticker, positionValue string, loanDays int, clientID string, breakdown *decimalkernel.FeeBreakdown, bundle *dataservice.SignalBundle, failureReason string) error {
	rec := &audit.Record{
		ID:       uuid.New(),
		ClientID: clientID,
		Ticker:   ticker,
		Inputs: audit.CalculationInputs{
			Ticker:        ticker,
			PositionValue: positionValue,
			LoanDays:      loanDays,
			ClientID:      clientID,
		},
		Breakdown:     breakdown,
		FailureReason: failureReason,
		EmittedAt:     time.Now().UTC(),
	}
	if bundle != nil {
		snapshot := make(map[string]string, len(bundle.SourceFlags))
		for k, v := range bundle.SourceFlags {
			snapshot[k] = string(v)
		}
		rec.SignalBundleSnapshot = snapshot
	}

	if s.auditQ == nil {
		return nil
	}
	if err := s.auditQ.Enqueue(ctx, rec); err != nil {
		s.log.Warn().Err(err).Str("client_id", clientID).Str("ticker", ticker).Msg("audit enqueue failed")
		return err
	}
	return nil
}

func marshalBreakdown(b *decimalkernel.FeeBreakdown) (string, error) {
	encoded, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("encode fee breakdown: %w", err)
	}
	return string(encoded), nil
}

func unmarshalBreakdown(raw string, b *decimalkernel.FeeBreakdown) error {
	return json.Unmarshal([]byte(raw), b)
}

// fail enqueues a failed-calculation audit record carrying the
// offending inputs and returns a CalculationError wrapping cause,
// unless cause already carries its own apierr.Kind (e.g.
// ConfigUnavailable), in which case it is returned unchanged
// (spec §6.7: "return CalculationError(reason) and emit a
// failed-calculation audit record").
func (s *Service) fail(ctx context.Context, ticker, positionValue string, loanDays int, clientID string, cause error) error {
	// Best effort: the failure already has a cause to surface, and a
	// failed enqueue here is logged by enqueueAudit itself.
	_ = s.enqueueAudit(ctx, ticker, positionValue, loanDays, clientID, nil, nil, cause.Error())

	if _, ok := apierr.KindOf(cause); ok {
		return cause
	}
	return apierr.CalculationError(cause.Error())
}
