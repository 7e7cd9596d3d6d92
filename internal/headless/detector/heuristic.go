// Package detector decides when an HTTP scrape should be retried in a browser.
package detector

import (
	"bytes"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

// Reasons reported by Evaluate.
const (
	ReasonEmpty       = "empty body"
	ReasonChallenge   = "challenge page"
	ReasonScriptHeavy = "script heavy"
	ReasonAppShell    = "app shell"
)

// Verdict is the outcome of inspecting one response.
type Verdict struct {
	Promote bool
	Reason  string
}

// Heuristic flags challenge pages and script-only shells. Small bodies are
// checked for script density; larger ones only for app-shell markers.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a detector; threshold 0 selects 2048 bytes.
func NewHeuristic(threshold int) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

// contentMarkers appear on rendered listing and question pages.
var contentMarkers = [][]byte{
	[]byte("s-post-summary"),
	[]byte("question-summary"),
	[]byte("id=\"question-header\""),
	[]byte("data-questionid"),
}

// challengeMarkers are matched against the lowercased body.
var challengeMarkers = [][]byte{
	[]byte("challenge-platform"),
	[]byte("cf-challenge"),
	[]byte("cf-chl"),
	[]byte("just a moment"),
	[]byte("human verification"),
	[]byte("captcha"),
}

var appShellMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
}

// Evaluate inspects a response. Blocked statuses are promoted only when they
// carry a challenge; other non-200 statuses never are.
func (h *Heuristic) Evaluate(statusCode int, body []byte) Verdict {
	switch statusCode {
	case http.StatusOK:
	case http.StatusForbidden, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		if containsAny(bytes.ToLower(body), challengeMarkers) {
			return Verdict{Promote: true, Reason: ReasonChallenge}
		}
		return Verdict{}
	default:
		return Verdict{}
	}

	switch {
	case len(bytes.TrimSpace(body)) == 0:
		return Verdict{Promote: true, Reason: ReasonEmpty}
	case containsAny(body, contentMarkers):
		return Verdict{}
	case containsAny(bytes.ToLower(body), challengeMarkers):
		return Verdict{Promote: true, Reason: ReasonChallenge}
	case len(body) < h.BodyLengthThreshold && scriptHeavy(body):
		return Verdict{Promote: true, Reason: ReasonScriptHeavy}
	case containsAny(body, appShellMarkers):
		return Verdict{Promote: true, Reason: ReasonAppShell}
	}
	return Verdict{}
}

// ShouldPromote reports whether Evaluate would promote the response.
func (h *Heuristic) ShouldPromote(statusCode int, body []byte) bool {
	return h.Evaluate(statusCode, body).Promote
}

func containsAny(body []byte, markers [][]byte) bool {
	for _, marker := range markers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// scriptHeavy reports whether inline script outweighs the visible text.
func scriptHeavy(body []byte) bool {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	scripts := doc.Find("script")
	if scripts.Length() == 0 {
		return false
	}
	scriptLen := 0
	scripts.Each(func(_ int, s *goquery.Selection) {
		scriptLen += utf8.RuneCountInString(strings.TrimSpace(s.Text()))
	})
	doc.Find("script, style, noscript, template").Remove()
	visible := utf8.RuneCountInString(strings.Join(strings.Fields(doc.Text()), " "))
	return visible < scriptLen
}
