package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// DefaultDirectoryURL is a public radio-browser mirror.
const DefaultDirectoryURL = "https://de1.api.radio-browser.info"

// Candidate is one station entry returned by a directory.
type Candidate struct {
	UUID        string `json:"stationuuid"`
	Name        string `json:"name"`
	URL         string `json:"url"`
	URLResolved string `json:"url_resolved"`
	Homepage    string `json:"homepage"`
	Tags        string `json:"tags"`
	Codec       string `json:"codec"`
	Bitrate     int    `json:"bitrate"`
	LastCheckOK int    `json:"lastcheckok"`
	CountryCode string `json:"countrycode"`
}

// StreamURL prefers the resolved URL.
func (c Candidate) StreamURL() string {
	if u := strings.TrimSpace(c.URLResolved); u != "" {
		return u
	}
	return strings.TrimSpace(c.URL)
}

// Query is a directory lookup.
type Query struct {
	Name     string
	CallSign string
}

// Directory finds candidate streams for a station.
type Directory interface {
	Search(ctx context.Context, q Query) ([]Candidate, error)
}

// DirectoryConfig configures RadioBrowser.
type DirectoryConfig struct {
	BaseURL    string
	UserAgent  string
	Timeout    time.Duration
	RatePerSec float64
	Limit      int
}

// RadioBrowser queries a radio-browser compatible JSON API.
type RadioBrowser struct {
	base    string
	ua      string
	limit   int
	client  *http.Client
	limiter *rate.Limiter
}

func NewRadioBrowser(cfg DirectoryConfig) *RadioBrowser {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultDirectoryURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "radiorec/1.0"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 20
	}
	burst := int(cfg.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	return &RadioBrowser{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		ua:      cfg.UserAgent,
		limit:   cfg.Limit,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst),
	}
}

// Search looks the station up by name and, when given, by call sign. Results
// are merged by station uuid.
func (c *RadioBrowser) Search(ctx context.Context, q Query) ([]Candidate, error) {
	terms := []string{strings.TrimSpace(q.Name)}
	if cs := strings.TrimSpace(q.CallSign); cs != "" && !strings.EqualFold(cs, terms[0]) {
		terms = append(terms, cs)
	}
	seen := map[string]bool{}
	var out []Candidate
	var firstErr error
	for _, term := range terms {
		if term == "" {
			continue
		}
		got, err := c.search(ctx, term)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, cand := range got {
			key := cand.UUID
			if key == "" {
				key = cand.StreamURL()
			}
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, cand)
		}
	}
	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func (c *RadioBrowser) search(ctx context.Context, name string) ([]Candidate, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	v := url.Values{}
	v.Set("name", name)
	v.Set("limit", fmt.Sprint(c.limit))
	v.Set("hidebroken", "true")
	v.Set("order", "clickcount")
	v.Set("reverse", "true")
	endpoint := c.base + "/json/stations/search?" + v.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.ua)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("directory status %d", resp.StatusCode)
	}
	var out []Candidate
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode directory response: %w", err)
	}
	return out, nil
}
