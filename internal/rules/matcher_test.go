package rules

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3xpluto/mockproxy/internal/config"
	"github.com/3xpluto/mockproxy/internal/logging"
)

func seconds(f float64) *float64 { return &f }

func TestMatchOverride(t *testing.T) {
	m := Compile([]config.RouteRule{
		{Expression: "_count-orders", Status: 500, Body: "This is a custom response body!"},
	}, logging.Nop())

	res := m.Match(http.MethodGet, "/api/_count-orders?x=1")
	require.NotNil(t, res.Override)
	assert.Equal(t, 500, res.Override.Status)
	assert.Equal(t, "This is a custom response body!", res.Override.Body)
	assert.Zero(t, res.Delay)

	assert.Nil(t, m.Match(http.MethodGet, "/api/orders").Override)
}

func TestMatchSuccessStatusesNeverOverride(t *testing.T) {
	m := Compile([]config.RouteRule{
		{Expression: "ok", Status: 200, Body: "x", Delay: seconds(1)},
		{Expression: "empty", Status: 204},
	}, logging.Nop())

	res := m.Match(http.MethodGet, "/ok")
	assert.Nil(t, res.Override)
	assert.Equal(t, time.Second, res.Delay, "delay still applies")

	assert.Nil(t, m.Match(http.MethodGet, "/empty").Override)
}

func TestMatchLastMatchWins(t *testing.T) {
	m := Compile([]config.RouteRule{
		{Expression: "payment", Delay: seconds(8), Status: 503, Body: "first"},
		{Expression: "payment/card", Delay: seconds(0.5)},
		{Expression: "payment/card", Status: 402, Body: "last"},
	}, logging.Nop())

	res := m.Match(http.MethodPost, "/payment/card")
	assert.Equal(t, 3, res.Matched)
	assert.Equal(t, 500*time.Millisecond, res.Delay)
	require.NotNil(t, res.Override)
	assert.Equal(t, 402, res.Override.Status)
	assert.Equal(t, "last", res.Override.Body)
}

func TestMatchRuleWithoutDelayKeepsEarlierDelay(t *testing.T) {
	m := Compile([]config.RouteRule{
		{Expression: "slow", Delay: seconds(2)},
		{Expression: "slow", Status: 500},
	}, logging.Nop())

	res := m.Match(http.MethodGet, "/slow")
	assert.Equal(t, 2*time.Second, res.Delay)
	require.NotNil(t, res.Override)
}

func TestMatchOptionsBypasses(t *testing.T) {
	m := Compile([]config.RouteRule{
		{Expression: ".*", Delay: seconds(5), Status: 500},
	}, logging.Nop())

	res := m.Match(http.MethodOptions, "/anything")
	assert.Zero(t, res.Delay)
	assert.Nil(t, res.Override)
	assert.Zero(t, res.Matched)
}

func TestCompileSkipsInvalidPatterns(t *testing.T) {
	m := Compile([]config.RouteRule{
		{Expression: "(unclosed", Status: 500},
		{Expression: "(?i)PAYMENT", Delay: seconds(1)},
	}, logging.Nop())

	assert.Equal(t, 1, m.Len())
	assert.Equal(t, time.Second, m.Match(http.MethodGet, "/payment").Delay)
}

func TestNilMatcher(t *testing.T) {
	var m *Matcher
	assert.Equal(t, Result{}, m.Match(http.MethodGet, "/"))
}
