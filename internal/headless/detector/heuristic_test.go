package detector

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeuristic_Evaluate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
		want   Verdict
	}{
		{name: "empty body", status: http.StatusOK, body: "  \n", want: Verdict{true, ReasonEmpty}},
		{name: "listing page", status: http.StatusOK, body: `<div class="s-post-summary"><script>x()</script></div>`},
		{name: "challenge page", status: http.StatusOK, body: `<title>Just a moment...</title><div id="cf-challenge"></div>`, want: Verdict{true, ReasonChallenge}},
		{name: "rate limited challenge", status: http.StatusTooManyRequests, body: `<script src="/cdn-cgi/challenge-platform/x.js"></script>`, want: Verdict{true, ReasonChallenge}},
		{name: "plain forbidden", status: http.StatusForbidden, body: `<h1>Forbidden</h1>`},
		{name: "not found", status: http.StatusNotFound},
		{name: "app shell", status: http.StatusOK, body: `<html><body><div id="__next"></div><p>` + strings.Repeat("x", 4096) + `</p></body></html>`, want: Verdict{true, ReasonAppShell}},
		{name: "script heavy", status: http.StatusOK, body: `<html><script>var a=1;</script><p>t</p></html>`, want: Verdict{true, ReasonScriptHeavy}},
		{name: "unclosed script", status: http.StatusOK, body: `<p>a</p><script>never closed`, want: Verdict{true, ReasonScriptHeavy}},
		{name: "text outweighs script", status: http.StatusOK, body: `<p>a longer paragraph of text</p><script>f()</script>`},
		{name: "static text", status: http.StatusOK, body: `<html><body><p>` + strings.Repeat("x", 4096) + `</p></body></html>`},
	}

	h := NewHeuristic(1000)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := h.Evaluate(tt.status, []byte(tt.body))
			require.Equal(t, tt.want, got)
			require.Equal(t, tt.want.Promote, h.ShouldPromote(tt.status, []byte(tt.body)))
		})
	}
}

func TestNewHeuristicDefaultThreshold(t *testing.T) {
	t.Parallel()

	require.Equal(t, 2048, NewHeuristic(0).BodyLengthThreshold)
}
