package darksim

import (
	"fmt"
	"math/rand"
	"strings"
)

const onionAlphabet = "abcdefghijklmnopqrstuvwxyz234567"

// Site is one discovered hidden service.
type Site struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// ExploreResult is the payload returned by the explore endpoint.
type ExploreResult struct {
	Topic      string `json:"topic"`
	Depth      int    `json:"depth"`
	Discovered int    `json:"discovered"`
	Sites      []Site `json:"sites"`
}

// Page is one crawled page inside a job result.
type Page struct {
	URL    string `json:"url"`
	Title  string `json:"title"`
	Chunks int    `json:"chunks"`
}

// CrawlResults is the terminal payload of a finished job.
type CrawlResults struct {
	URLsTotal      int      `json:"urlsTotal"`
	URLsProcessed  int      `json:"urlsProcessed"`
	URLsSkipped    int      `json:"urlsSkipped"`
	ChunksIngested int      `json:"chunksIngested"`
	Pages          []Page   `json:"pages"`
	Errors         []string `json:"errors"`
}

var siteAdjectives = []string{
	"hidden", "silent", "midnight", "obsidian", "farside", "umbra", "nocturne", "drowned",
}

var siteNouns = []string{
	"market", "forum", "archive", "exchange", "library", "registry", "index", "relay",
}

var queryTemplates = []string{
	"Indexed %d pages mentioning %q during the last crawl cycle.",
	"Found %d forum threads discussing %q across three hidden services.",
	"%d mirrors currently serve content matching %q.",
	"Crawler surfaced %d documents referencing %q, newest from this week.",
}

// onionHost returns a random v3 hidden service hostname, 56 base32 chars.
func onionHost(rng *rand.Rand) string {
	b := make([]byte, 56)
	for i := range b {
		b[i] = onionAlphabet[rng.Intn(len(onionAlphabet))]
	}
	return string(b)
}

// generateSites fabricates discovered sites for a topic. Deeper sweeps
// surface more of them.
func generateSites(rng *rand.Rand, topic string, depth int) []Site {
	count := depth*3 + rng.Intn(3)
	sites := make([]Site, 0, count)
	for i := 0; i < count; i++ {
		adjective := siteAdjectives[rng.Intn(len(siteAdjectives))]
		noun := siteNouns[rng.Intn(len(siteNouns))]
		sites = append(sites, Site{
			URL:   fmt.Sprintf("http://%s.onion", onionHost(rng)),
			Title: fmt.Sprintf("The %s %s: %s", adjective, noun, topic),
		})
	}
	return sites
}

// answerQuery fabricates a search answer for a query string.
func answerQuery(rng *rand.Rand, query string) string {
	template := queryTemplates[rng.Intn(len(queryTemplates))]
	return fmt.Sprintf(template, 3+rng.Intn(40), query)
}

// buildCrawlResults fabricates ingestion stats for a finished job. A few
// urls are skipped at deeper crawls to keep the numbers honest.
func buildCrawlResults(rng *rand.Rand, job *Job) CrawlResults {
	results := CrawlResults{
		URLsTotal: len(job.URLs),
		Pages:     make([]Page, 0, len(job.URLs)),
		Errors:    []string{},
	}
	for _, url := range job.URLs {
		if len(job.URLs) > 1 && rng.Float64() < 0.1 {
			results.URLsSkipped++
			results.Errors = append(results.Errors, fmt.Sprintf("skipped %s: connection reset", url))
			continue
		}
		chunks := job.Depth * (2 + rng.Intn(5))
		results.URLsProcessed++
		results.ChunksIngested += chunks
		results.Pages = append(results.Pages, Page{
			URL:    url,
			Title:  pageTitle(url),
			Chunks: chunks,
		})
	}
	return results
}

func pageTitle(url string) string {
	host := strings.TrimPrefix(url, "http://")
	host = strings.TrimPrefix(host, "https://")
	if len(host) > 12 {
		host = host[:12]
	}
	return fmt.Sprintf("Hidden service %s", host)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
