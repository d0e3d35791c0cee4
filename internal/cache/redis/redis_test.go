package redis

import (
	"crypto/tls"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pairarb/internal/domain"
)

func TestOptions(t *testing.T) {
	opts := options(ClientConfig{Addr: "cache:6379", DB: 2, PoolSize: 4, DialTimeout: time.Second})
	assert.Equal(t, "cache:6379", opts.Addr)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, "pairarb", opts.ClientName)
	assert.Equal(t, time.Second, opts.DialTimeout)
	assert.Nil(t, opts.TLSConfig)

	opts = options(ClientConfig{Addr: "cache:6380", TLSEnabled: true, ClientName: "pairarb-2"})
	require.NotNil(t, opts.TLSConfig)
	assert.Equal(t, uint16(tls.VersionTLS12), opts.TLSConfig.MinVersion)
	assert.Equal(t, "pairarb-2", opts.ClientName)
}

func TestIsPattern(t *testing.T) {
	assert.False(t, isPattern("pairarb:events"))
	assert.True(t, isPattern("pairarb:*"))
	assert.True(t, isPattern("pairarb:event?"))
}

func TestPayloadBytes(t *testing.T) {
	b, ok := payloadBytes("abc")
	assert.True(t, ok)
	assert.Equal(t, []byte("abc"), b)

	b, ok = payloadBytes([]byte("xyz"))
	assert.True(t, ok)
	assert.Equal(t, []byte("xyz"), b)

	_, ok = payloadBytes(42)
	assert.False(t, ok)
}

func TestTopFieldsRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	top := domain.TopOfBook{
		InstrumentID: "A",
		BestBid:      domain.PriceLevel{Price: decimal.RequireFromString("0.54"), Size: decimal.RequireFromString("120")},
		HasBid:       true,
		BestAsk:      domain.PriceLevel{Price: decimal.RequireFromString("0.55"), Size: decimal.RequireFromString("80.5")},
		HasAsk:       true,
		Seq:          42,
		UpdatedAt:    at,
	}

	vals := make(map[string]string)
	for k, v := range topFields(top, true) {
		vals[k] = v.(string)
	}
	got, degraded, err := parseTopFields("A", vals)
	require.NoError(t, err)
	assert.True(t, degraded)
	assert.True(t, got.HasBid)
	assert.True(t, got.BestBid.Price.Equal(top.BestBid.Price))
	assert.True(t, got.BestAsk.Size.Equal(top.BestAsk.Size))
	assert.Equal(t, uint64(42), got.Seq)
	assert.Equal(t, at, got.UpdatedAt)
}

func TestTopFieldsEmptySide(t *testing.T) {
	vals := make(map[string]string)
	for k, v := range topFields(domain.TopOfBook{InstrumentID: "B", Seq: 1}, false) {
		vals[k] = v.(string)
	}
	got, degraded, err := parseTopFields("B", vals)
	require.NoError(t, err)
	assert.False(t, degraded)
	assert.False(t, got.HasBid)
	assert.False(t, got.HasAsk)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "book:A:top", bookTopKey("A"))
	assert.Equal(t, "lock:market:m1", lockKey("market:m1"))
}

func TestParseWindowResult(t *testing.T) {
	res, err := parseWindowResult([]int64{0, 10, 2500})
	require.NoError(t, err)
	assert.False(t, res.allowed)
	assert.Equal(t, int64(10), res.count)
	assert.Equal(t, 2500*time.Microsecond, res.retryAfter)

	_, err = parseWindowResult([]int64{1, 1})
	assert.Error(t, err)
}

func TestWaitStep(t *testing.T) {
	assert.Equal(t, minWaitStep, waitStep(0))
	assert.Equal(t, 300*time.Millisecond, waitStep(300*time.Millisecond))
	assert.Equal(t, maxWaitStep, waitStep(time.Minute))
}
