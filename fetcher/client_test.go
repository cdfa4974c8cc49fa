package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viktsys/optionscan/models"
)

func TestRetryDelay(t *testing.T) {
	linear := RetryPolicy{BaseDelay: time.Second, MaxDelay: 5 * time.Second, Linear: true}
	assert.Equal(t, time.Second, linear.Delay(1))
	assert.Equal(t, 3*time.Second, linear.Delay(3))
	assert.Equal(t, 5*time.Second, linear.Delay(9))

	fixed := RetryPolicy{BaseDelay: 2 * time.Second}
	assert.Equal(t, 2*time.Second, fixed.Delay(1))
	assert.Equal(t, 2*time.Second, fixed.Delay(4))
}

func TestRetryDoStopsOnSuccess(t *testing.T) {
	calls := 0
	attempts, err := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 2, calls)
}

func TestRetryDoCountsTimeoutsAsFailures(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, AttemptTimeout: 5 * time.Millisecond}
	attempts, err := policy.Do(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.Equal(t, 2, attempts)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetryDoHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour}
	attempts, err := policy.Do(ctx, func(context.Context) error {
		cancel()
		return errors.New("down")
	})
	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPolygonClientPaginates(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/snapshot/options/AAPL", r.URL.Path)
		assert.Equal(t, "secret", r.URL.Query().Get("apiKey"))
		w.Header().Set("Content-Type", "application/json")

		if r.URL.Query().Get("cursor") == "" {
			fmt.Fprintf(w, `{"status":"OK","results":[
				{"details":{"contract_type":"call","expiration_date":"2024-04-19","strike_price":175,"ticker":"O:AAPL240419C00175000"},
				 "open_interest":1200,"day":{"volume":340},"underlying_asset":{"price":172.5,"ticker":"AAPL"}}
			],"next_url":"%s/v3/snapshot/options/AAPL?cursor=p2"}`, srv.URL)
			return
		}
		fmt.Fprint(w, `{"status":"OK","results":[
			{"details":{"contract_type":"put","expiration_date":"2024-04-19","strike_price":170.5,"ticker":"O:AAPL240419P00170500"},
			 "day":{"volume":12}}
		]}`)
	}))
	defer srv.Close()

	client := NewPolygonClient(PolygonConfig{BaseURL: srv.URL, APIKey: "secret", Timeout: time.Second})
	records, err := client.ChainSnapshot(context.Background(), "AAPL")
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, models.RawContractRecord{
		Ticker:          "O:AAPL240419C00175000",
		Underlying:      "AAPL",
		Type:            "call",
		Strike:          "175",
		Expiry:          "2024-04-19",
		Volume:          "340",
		OpenInterest:    "1200",
		UnderlyingPrice: "172.5",
	}, records[0])
	assert.Equal(t, "170.5", records[1].Strike)
	assert.Empty(t, records[1].OpenInterest)
}

func TestPolygonClientPageCap(t *testing.T) {
	var srv *httptest.Server
	calls := 0
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprintf(w, `{"status":"OK","results":[],"next_url":"%s/v3/snapshot/options/X?cursor=again"}`, srv.URL)
	}))
	defer srv.Close()

	client := NewPolygonClient(PolygonConfig{BaseURL: srv.URL, MaxPages: 3})
	_, err := client.ChainSnapshot(context.Background(), "X")
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPolygonClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v3/snapshot/options/BAD" {
			fmt.Fprint(w, `{"status":"ERROR","error":"Unknown API Key"}`)
			return
		}
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewPolygonClient(PolygonConfig{BaseURL: srv.URL})
	_, err := client.ChainSnapshot(context.Background(), "SPY")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")

	_, err = client.ChainSnapshot(context.Background(), "BAD")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unknown API Key")
}

func TestS3BulkSourceDownload(t *testing.T) {
	payload := []byte("not really gzip but bytes are bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/flatfiles/us_options_opra/day_aggs_v1/2024/03/2024-03-15.csv.gz" {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
		w.Write(payload)
	}))
	defer srv.Close()

	cfg := DefaultFlatFilesConfig()
	cfg.Endpoint = srv.URL
	cfg.AccessKey = "access"
	cfg.SecretKey = "secret"
	src, err := NewS3BulkSource(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "us_options_opra/day_aggs_v1/2024/03/2024-03-15.csv.gz", src.Key(day(t, "2024-03-15")))

	var buf bytes.Buffer
	n, err := src.Download(context.Background(), day(t, "2024-03-15"), &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, payload, buf.Bytes())

	_, err = src.Download(context.Background(), day(t, "2024-03-14"), io.Discard)
	assert.Error(t, err)
}

func TestFreshnessPolicy(t *testing.T) {
	date := day(t, "2024-03-15")
	at := func(ts time.Time) FreshnessPolicy {
		return FreshnessPolicy{Calendar: nyse, Now: func() time.Time { return ts }}
	}

	// 10:00 New York on the live date
	assert.False(t, at(time.Date(2024, 3, 15, 14, 0, 0, 0, time.UTC)).Fresh(date))
	// 17:00 New York, after the close
	assert.True(t, at(time.Date(2024, 3, 15, 21, 0, 0, 0, time.UTC)).Fresh(date))
	// a past date during the next session
	assert.True(t, at(time.Date(2024, 3, 18, 14, 0, 0, 0, time.UTC)).Fresh(date))
}

func TestCacheLookupIgnoresEmptyFiles(t *testing.T) {
	c := NewCache(t.TempDir())
	date := day(t, "2024-03-15")

	_, _, ok := c.Lookup(date)
	assert.False(t, ok)

	_, err := c.Store(date, func(w io.Writer) error { return nil })
	require.NoError(t, err)
	_, _, ok = c.Lookup(date)
	assert.False(t, ok)

	path, err := c.Store(date, func(w io.Writer) error {
		_, err := w.Write([]byte("data"))
		return err
	})
	require.NoError(t, err)
	got, size, ok := c.Lookup(date)
	assert.True(t, ok)
	assert.Equal(t, path, got)
	assert.Equal(t, int64(4), size)
}
