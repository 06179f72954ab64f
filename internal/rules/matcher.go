// Package rules evaluates the configured route rules against request URIs.
package rules

import (
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/3xpluto/mockproxy/internal/config"
)

// Override is an artificial response that replaces the upstream one.
type Override struct {
	Status int
	Body   string
}

// Result is the combined effect of every rule that matched a request.
type Result struct {
	Delay    time.Duration
	Override *Override
	Matched  int
}

type compiled struct {
	re    *regexp.Regexp
	delay *time.Duration
	ovr   *Override
}

// Matcher holds the rules of one configuration, compiled once.
type Matcher struct {
	rules []compiled
}

// Compile builds a Matcher. Rules with an invalid pattern are logged and
// left out; they can never match.
func Compile(rules []config.RouteRule, log *slog.Logger) *Matcher {
	m := &Matcher{rules: make([]compiled, 0, len(rules))}
	for i, r := range rules {
		re, err := regexp.Compile(r.Expression)
		if err != nil {
			log.Warn("skipping route rule with invalid expression",
				slog.Int("index", i),
				slog.String("expression", r.Expression),
				slog.String("error", err.Error()),
			)
			continue
		}

		c := compiled{re: re}
		if r.Delay != nil {
			d := time.Duration(*r.Delay * float64(time.Second))
			c.delay = &d
		}
		if overrides(r.Status) {
			c.ovr = &Override{Status: r.Status, Body: r.Body}
		}
		m.rules = append(m.rules, c)
	}
	return m
}

// overrides reports whether a configured status replaces the response.
// 200 and 204 are treated as "let the request through".
func overrides(status int) bool {
	return status != 0 && status != http.StatusOK && status != http.StatusNoContent
}

// Len is the number of usable rules.
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.rules)
}

// Match evaluates every rule in declaration order against uri (path plus
// query). Each matching rule overwrites the delay and the override it
// defines, so the last match wins. OPTIONS requests never match, keeping
// CORS preflights fast and untouched.
func (m *Matcher) Match(method, uri string) Result {
	var res Result
	if method == http.MethodOptions || m == nil {
		return res
	}
	for _, r := range m.rules {
		if !r.re.MatchString(uri) {
			continue
		}
		res.Matched++
		if r.delay != nil {
			res.Delay = *r.delay
		}
		if r.ovr != nil {
			res.Override = r.ovr
		}
	}
	return res
}
