package marketdata_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/edgard/signalbot/internal/config"
	"github.com/edgard/signalbot/internal/marketdata"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) marketdata.Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return marketdata.NewClient(config.MarketDataConfig{
		BaseURL: srv.URL,
		Timeout: 5 * time.Second,
	}, log)
}

func TestQuoteSuccess(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if want := "/v1/quote/AAPL"; r.URL.Path != want {
			t.Errorf("request path = %q, want %q", r.URL.Path, want)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"symbol":"AAPL","price":190.12,"change_percent":1.2}`))
	})

	quote, err := client.Quote(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("Quote() unexpected error: %v", err)
	}
	if quote.Symbol != "AAPL" {
		t.Errorf("symbol = %q, want %q", quote.Symbol, "AAPL")
	}
	if quote.Price != 190.12 {
		t.Errorf("price = %v, want 190.12", quote.Price)
	}
	if quote.ChangePercent != 1.2 {
		t.Errorf("change percent = %v, want 1.2", quote.ChangePercent)
	}
}

func TestQuoteUnknownTicker(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.Quote(context.Background(), "ZZZZZ")
	if !errors.Is(err, marketdata.ErrUnknownTicker) {
		t.Errorf("Quote() error = %v, want ErrUnknownTicker", err)
	}
}

func TestQuoteRateLimited(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.Quote(context.Background(), "AAPL")
	if !errors.Is(err, marketdata.ErrRateLimited) {
		t.Errorf("Quote() error = %v, want ErrRateLimited", err)
	}
}

func TestQuoteServerError(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := client.Quote(context.Background(), "AAPL")
	if err == nil {
		t.Fatal("Quote() accepted a 500 response, want error")
	}
	if errors.Is(err, marketdata.ErrUnknownTicker) || errors.Is(err, marketdata.ErrRateLimited) {
		t.Errorf("Quote() error = %v, want a generic failure", err)
	}
}

func TestQuoteFillsMissingSymbol(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"price":42.5,"change_percent":0}`))
	})

	quote, err := client.Quote(context.Background(), "MSFT")
	if err != nil {
		t.Fatalf("Quote() unexpected error: %v", err)
	}
	if quote.Symbol != "MSFT" {
		t.Errorf("symbol = %q, want the requested ticker as fallback", quote.Symbol)
	}
}
