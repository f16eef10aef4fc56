package capture

// DefaultUserAgent is sent when a station has no saved identity.
const DefaultUserAgent = "radiorec/1.0"

// BuiltinUserAgents is the rotation list used after an access refusal.
var BuiltinUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"VLC/3.0.20 LibVLC/3.0.20",
	"iTunes/12.13 (Macintosh; OS X 14.4)",
	"Winamp/5.9",
	"foobar2000/2.1",
}
