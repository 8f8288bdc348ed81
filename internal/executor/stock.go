package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/edgard/signalbot/internal/marketdata"
	"github.com/edgard/signalbot/internal/message"
	"github.com/edgard/signalbot/internal/resilience"
)

// tickerPattern accepts 1-5 alphanumeric characters.
var tickerPattern = regexp.MustCompile(`^[A-Za-z0-9]{1,5}$`)

const (
	invalidTickerDetail  = "invalid ticker"
	rateLimitedBody      = "rate limited by data provider, try again later"
	providerFailureBody  = "could not fetch quote, try again later"
	defaultQuoteTimeout  = 10 * time.Second
	quoteRetryBaseDelay  = 500 * time.Millisecond
	quoteAttemptsPerCall = 2
)

// StockExecutor handles /stock commands by querying the market data
// provider through a circuit breaker with one bounded retry.
type StockExecutor struct {
	provider marketdata.Client
	breaker  *resilience.Breaker
	timeout  time.Duration
	logger   *slog.Logger
}

// NewStockExecutor creates a stock quote executor. timeout bounds the whole
// provider interaction including the retry; zero means the 10s default.
func NewStockExecutor(provider marketdata.Client, breaker *resilience.Breaker, timeout time.Duration, logger *slog.Logger) *StockExecutor {
	if timeout <= 0 {
		timeout = defaultQuoteTimeout
	}
	return &StockExecutor{
		provider: provider,
		breaker:  breaker,
		timeout:  timeout,
		logger:   logger.With("component", "stock_executor"),
	}
}

// Execute validates the ticker, fetches a quote, and renders the reply.
// Any failure is converted into a Failed or RateLimited Result; nothing
// propagates as an error.
func (e *StockExecutor) Execute(ctx context.Context, cmd message.Command) message.Result {
	res := message.Result{
		Origin:    message.OriginOf(cmd.Origin),
		MessageID: cmd.Origin.MessageID,
	}

	if len(cmd.Args) == 0 || !tickerPattern.MatchString(cmd.Args[0]) {
		res.Status = message.StatusFailed
		res.ErrorDetail = invalidTickerDetail
		res.Body = "Invalid ticker symbol. Please use 1-5 letters or digits."
		return res
	}
	ticker := strings.ToUpper(cmd.Args[0])

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var quote marketdata.Quote
	retryCfg := resilience.RetryConfig{
		MaxAttempts:     quoteAttemptsPerCall,
		InitialInterval: quoteRetryBaseDelay,
		MaxInterval:     e.timeout,
		Multiplier:      2.0,
		RandomFactor:    0.1,
	}

	err := resilience.WithRetry(ctx, func(ctx context.Context) error {
		return e.breaker.Execute(ctx, func(ctx context.Context) error {
			q, err := e.provider.Quote(ctx, ticker)
			if err != nil {
				return err
			}
			quote = q
			return nil
		})
	}, retryCfg)

	if err != nil {
		return e.failureResult(ctx, res, ticker, err)
	}

	res.Status = message.StatusOk
	res.Body = fmt.Sprintf("%s: $%.2f (%.1f%%)", ticker, quote.Price, quote.ChangePercent)
	return res
}

func (e *StockExecutor) failureResult(ctx context.Context, res message.Result, ticker string, err error) message.Result {
	switch {
	case errors.Is(err, marketdata.ErrRateLimited):
		e.logger.WarnContext(ctx, "Provider rate limited quote request", "ticker", ticker)
		res.Status = message.StatusRateLimited
		res.ErrorDetail = err.Error()
		res.Body = rateLimitedBody
	case errors.Is(err, marketdata.ErrUnknownTicker):
		res.Status = message.StatusFailed
		res.ErrorDetail = err.Error()
		res.Body = fmt.Sprintf("No data found for %s.", ticker)
	default:
		e.logger.WarnContext(ctx, "Quote fetch failed", "ticker", ticker, "error", err)
		res.Status = message.StatusFailed
		res.ErrorDetail = err.Error()
		res.Body = providerFailureBody
	}
	return res
}
