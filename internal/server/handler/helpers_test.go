package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseListOpts(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/positions/closed?limit=900&offset=20&since=2026-10-01T00:00:00Z&until=bad", nil)
	opts := parseListOpts(r)
	assert.Equal(t, 500, opts.Limit)
	assert.Equal(t, 20, opts.Offset)
	require.NotNil(t, opts.Since)
	assert.Equal(t, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), opts.Since.UTC())
	assert.Nil(t, opts.Until)

	opts = parseListOpts(httptest.NewRequest(http.MethodGet, "/api/positions/closed?limit=-3", nil))
	assert.Equal(t, 50, opts.Limit)
	assert.Zero(t, opts.Offset)
}
