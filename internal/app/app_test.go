package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pairarb/internal/config"
	"github.com/alanyoungcy/pairarb/internal/domain"
	"github.com/alanyoungcy/pairarb/internal/platform/polymarket"
)

func testConfig(mode string) *config.Config {
	cfg := config.Defaults()
	cfg.Mode = mode
	cfg.Server.Enabled = false
	cfg.Markets = []config.MarketConfig{{
		ID: "m1",
		Legs: []config.LegConfig{
			{ID: "A", Role: "UP", TickSize: decimal.RequireFromString("0.01")},
			{ID: "B", Role: "DOWN", TickSize: decimal.RequireFromString("0.01")},
		},
	}}
	return &cfg
}

func runnerNames(e *engine) []string {
	names := make([]string, len(e.runners))
	for i, r := range e.runners {
		names[i] = r.name
	}
	return names
}

func newTestApp(t *testing.T, mode string) (*App, *Dependencies) {
	t.Helper()
	cfg := testConfig(mode)
	require.NoError(t, cfg.Validate())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	deps, cleanup, err := Wire(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(cleanup)
	return New(cfg, logger), deps
}

func TestWireWithoutBackends(t *testing.T) {
	_, deps := newTestApp(t, "paper")
	assert.Nil(t, deps.PositionStore)
	assert.Nil(t, deps.SignalBus)
	assert.Nil(t, deps.Archiver)
	assert.Nil(t, deps.Publisher)
	assert.False(t, deps.Notifier.Enabled())
	require.NotNil(t, deps.Recorder)
}

func TestBuildEngineMonitorHasNoExecution(t *testing.T) {
	a, deps := newTestApp(t, "monitor")
	eng, err := a.buildEngine(deps, executeNone)
	require.NoError(t, err)

	names := runnerNames(eng)
	assert.Contains(t, names, "synchronizer")
	assert.Contains(t, names, "strategy_loop")
	assert.NotContains(t, names, "coordinator")
	assert.NotContains(t, names, "arbiter")
	assert.NotContains(t, names, "http_server")
}

func TestBuildEnginePaper(t *testing.T) {
	a, deps := newTestApp(t, "paper")
	a.cfg.Server.Enabled = true
	eng, err := a.buildEngine(deps, executePaper)
	require.NoError(t, err)

	names := runnerNames(eng)
	for _, want := range []string{"recorder", "feed_transport", "synchronizer", "arbiter", "paper_gateway", "coordinator", "strategy_loop", "http_server"} {
		assert.Contains(t, names, want)
	}
	assert.NotContains(t, names, "order_gateway")
	assert.NotContains(t, names, "ws_hub", "hub needs the redis bus")
}

type stubLookup map[string]polymarket.MarketInfo

func (s stubLookup) MarketByCondition(_ context.Context, id string) (polymarket.MarketInfo, error) {
	info, ok := s[id]
	if !ok {
		return polymarket.MarketInfo{}, domain.ErrNotFound
	}
	return info, nil
}

func TestVerifyMarkets(t *testing.T) {
	good := stubLookup{"m1": {
		ConditionID: "m1",
		Active:      true,
		EndsAt:      time.Now().Add(time.Hour),
		Tokens:      map[string]string{"A": "Up", "B": "Down"},
	}}

	t.Run("match", func(t *testing.T) {
		a, _ := newTestApp(t, "paper")
		assert.NoError(t, a.verifyMarkets(context.Background(), good))
		assert.Equal(t, good["m1"].EndsAt, a.endsAt["m1"])
	})

	ended := stubLookup{"m1": {
		ConditionID: "m1",
		Active:      true,
		EndsAt:      time.Now().Add(-time.Minute),
		Tokens:      map[string]string{"A": "Up", "B": "Down"},
	}}

	t.Run("ended market warns outside trade mode", func(t *testing.T) {
		a, _ := newTestApp(t, "paper")
		assert.NoError(t, a.verifyMarkets(context.Background(), ended))
		assert.Contains(t, a.endsAt, "m1")
	})

	t.Run("ended market fails trade mode", func(t *testing.T) {
		a, _ := newTestApp(t, "paper")
		a.cfg.Mode = "trade"
		assert.ErrorContains(t, a.verifyMarkets(context.Background(), ended), "market m1 ended")
	})

	t.Run("missing market warns outside trade mode", func(t *testing.T) {
		a, _ := newTestApp(t, "paper")
		assert.NoError(t, a.verifyMarkets(context.Background(), stubLookup{}))
	})

	t.Run("missing market fails trade mode", func(t *testing.T) {
		a, _ := newTestApp(t, "paper")
		a.cfg.Mode = "trade"
		err := a.verifyMarkets(context.Background(), stubLookup{})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestRunRejectsUnknownMode(t *testing.T) {
	cfg := testConfig("paper")
	cfg.Mode = "replay"
	a := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := a.Run(context.Background())
	assert.ErrorContains(t, err, `unsupported mode "replay"`)
	a.Close()
}
