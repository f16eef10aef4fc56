package capture

import (
	"net/url"
	"strings"
)

// Tool names one capture executor. The set is closed.
type Tool string

const (
	ToolStreamripper Tool = "streamripper"
	ToolFFmpeg       Tool = "ffmpeg"
	ToolFetch        Tool = "fetch"
)

// DefaultOrder is the fixed priority used when nothing better is known.
var DefaultOrder = []Tool{ToolStreamripper, ToolFFmpeg, ToolFetch}

// DefaultSlowCDNDomains are hosts whose streams start slowly or redirect
// through playlists that streamripper handles poorly.
var DefaultSlowCDNDomains = []string{
	"streamtheworld.com",
	"akamaized.net",
	"akamaihd.net",
	"streamguys1.com",
}

// ParseTool returns the tool named s, or false.
func ParseTool(s string) (Tool, bool) {
	switch t := Tool(strings.ToLower(strings.TrimSpace(s))); t {
	case ToolStreamripper, ToolFFmpeg, ToolFetch:
		return t, true
	}
	return "", false
}

// SelectTools orders the tools for one capture.
//
// HLS playlists and slow CDN hosts put ffmpeg first. Otherwise a valid
// recommended tool goes first. The rest keep DefaultOrder. When slowCDN is
// empty, DefaultSlowCDNDomains is used.
func SelectTools(streamURL, recommended string, slowCDN ...string) []Tool {
	if len(slowCDN) == 0 {
		slowCDN = DefaultSlowCDNDomains
	}
	first, ok := ParseTool(recommended)
	if isHLS(streamURL) || onHost(streamURL, slowCDN) {
		first, ok = ToolFFmpeg, true
	}
	if !ok {
		out := make([]Tool, len(DefaultOrder))
		copy(out, DefaultOrder)
		return out
	}
	out := make([]Tool, 0, len(DefaultOrder))
	out = append(out, first)
	for _, t := range DefaultOrder {
		if t != first {
			out = append(out, t)
		}
	}
	return out
}

func isHLS(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return strings.Contains(strings.ToLower(raw), ".m3u8")
	}
	return strings.HasSuffix(strings.ToLower(u.Path), ".m3u8")
}

func onHost(raw string, domains []string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range domains {
		d = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(d), "."))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
