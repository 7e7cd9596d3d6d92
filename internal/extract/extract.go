// Package extract parses Stack Overflow listing and question pages with goquery.
package extract

import (
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/stackharvest/internal/crawler"
)

const (
	maxTags       = 5
	maxCodeBlocks = 3
	maxBodyRunes  = 1000
)

// SummarySelectors match one question summary on a listing page, newest layout first.
var SummarySelectors = []string{
	"div.s-post-summary",
	"div.question-summary",
	"[data-post-id]",
}

var (
	titleSelectors = []string{
		"h3.s-post-summary--content-title a",
		".s-post-summary--content h3 a",
		"a.question-hyperlink",
		"a.s-link",
	}
	questionPath = regexp.MustCompile(`/questions/(\d+)`)
)

// ParseListing extracts question summaries from a listing page. Summaries
// without a resolvable question id are skipped.
func ParseListing(r io.Reader, pageURL string) ([]crawler.Question, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse listing html: %w", err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}

	var summaries *goquery.Selection
	for _, sel := range SummarySelectors {
		if found := doc.Find(sel); found.Length() > 0 {
			summaries = found
			break
		}
	}
	if summaries == nil {
		return nil, nil
	}

	out := make([]crawler.Question, 0, summaries.Length())
	seen := make(map[string]struct{}, summaries.Length())
	summaries.Each(func(_ int, s *goquery.Selection) {
		q, ok := parseSummary(s, base)
		if !ok {
			return
		}
		if _, dup := seen[q.QuestionID]; dup {
			return
		}
		seen[q.QuestionID] = struct{}{}
		out = append(out, q)
	})
	return out, nil
}

func parseSummary(s *goquery.Selection, base *url.URL) (crawler.Question, bool) {
	var title, href string
	for _, sel := range titleSelectors {
		a := s.Find(sel).First()
		if a.Length() == 0 {
			continue
		}
		href, _ = a.Attr("href")
		title = strings.TrimSpace(a.Text())
		if t, ok := a.Attr("title"); ok && strings.TrimSpace(t) != "" && title == "" {
			title = strings.TrimSpace(t)
		}
		break
	}

	link := resolve(base, href)
	id := strings.TrimPrefix(attr(s, "data-post-id"), "question-summary-")
	if id == "" {
		id = strings.TrimPrefix(attr(s, "id"), "question-summary-")
	}
	if !isDigits(id) {
		id = QuestionID(link)
	}
	if id == "" {
		return crawler.Question{}, false
	}

	q := crawler.Question{
		QuestionID: id,
		Title:      title,
		Link:       link,
		Author:     strings.TrimSpace(s.Find(".s-user-card--link, .user-details a").First().Text()),
	}

	stats := s.Find(".s-post-summary--stats-item")
	if stats.Length() > 0 {
		stats.Each(func(_ int, item *goquery.Selection) {
			n := ParseCount(item.Find(".s-post-summary--stats-item-number").Text())
			label := strings.ToLower(item.Find(".s-post-summary--stats-item-unit").Text() + " " + attr(item, "title"))
			switch {
			case strings.Contains(label, "vote"):
				q.Votes = n
			case strings.Contains(label, "answer"):
				q.Answers = n
			case strings.Contains(label, "view"):
				q.Views = n
			}
		})
	} else {
		q.Votes = ParseCount(s.Find(".vote-count-post, .votes .mini-counts").First().Text())
		q.Answers = ParseCount(s.Find(".status strong, .status .mini-counts").First().Text())
		q.Views = ParseCount(strings.TrimSuffix(strings.TrimSpace(s.Find(".views").First().Text()), "views"))
	}

	s.Find(".s-tag, a.post-tag").EachWithBreak(func(_ int, tag *goquery.Selection) bool {
		if t := strings.TrimSpace(tag.Text()); t != "" {
			q.Tags = append(q.Tags, t)
		}
		return len(q.Tags) < maxTags
	})
	return q, true
}

// Detail holds the full-content fields of a question page.
type Detail struct {
	Content           string
	Code              []string
	TopAnswer         string
	TopAnswerVotes    int
	TopAnswerAccepted bool
}

// ParseDetail extracts the question body, code blocks and the top answer.
func ParseDetail(r io.Reader) (Detail, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return Detail{}, fmt.Errorf("parse question html: %w", err)
	}
	var d Detail

	body := doc.Find("#question .s-prose.js-post-body, .question .s-prose.js-post-body").First()
	if body.Length() == 0 {
		body = doc.Find(".s-prose.js-post-body").First()
	}
	d.Content = truncate(strings.TrimSpace(body.Text()), maxBodyRunes)
	body.Find("pre code").EachWithBreak(func(_ int, code *goquery.Selection) bool {
		if text := strings.TrimSpace(code.Text()); text != "" {
			d.Code = append(d.Code, text)
		}
		return len(d.Code) < maxCodeBlocks
	})

	answer := doc.Find(".answer").First()
	if answer.Length() > 0 {
		votes := answer.Find(".js-vote-count").First()
		if v, ok := votes.Attr("data-value"); ok {
			d.TopAnswerVotes = ParseCount(v)
		} else {
			d.TopAnswerVotes = ParseCount(votes.Text())
		}
		indicator := answer.Find(".js-accepted-answer-indicator").First()
		d.TopAnswerAccepted = answer.HasClass("accepted-answer") ||
			(indicator.Length() > 0 && !indicator.HasClass("d-none"))
		d.TopAnswer = truncate(strings.TrimSpace(answer.Find(".s-prose.js-post-body").First().Text()), maxBodyRunes)
	}
	return d, nil
}

// Apply copies detail fields onto q.
func (d Detail) Apply(q crawler.Question) crawler.Question {
	q.Content = d.Content
	q.Code = d.Code
	q.TopAnswer = d.TopAnswer
	q.TopAnswerVotes = d.TopAnswerVotes
	q.TopAnswerAccepted = d.TopAnswerAccepted
	return q
}

// QuestionID extracts the numeric id from a /questions/<id>/ link.
func QuestionID(link string) string {
	m := questionPath.FindStringSubmatch(link)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// ParseCount reads counters such as "12", "-3", "1,204", "3.4k" or "2m".
// Unparseable input yields zero.
func ParseCount(raw string) int {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, ",", "")
	if fields := strings.Fields(s); len(fields) > 0 {
		s = fields[0]
	}
	mult := 1.0
	switch {
	case strings.HasSuffix(s, "k"):
		mult, s = 1e3, strings.TrimSuffix(s, "k")
	case strings.HasSuffix(s, "m"):
		mult, s = 1e6, strings.TrimSuffix(s, "m")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int(f*mult + 0.5*sign(f))
}

func sign(f float64) float64 {
	if f < 0 {
		return -1
	}
	return 1
}

func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

func attr(s *goquery.Selection, name string) string {
	v, _ := s.Attr(name)
	return strings.TrimSpace(v)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
