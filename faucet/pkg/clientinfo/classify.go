package clientinfo

import (
	"regexp"
	"strings"
)

// Classification is a best-effort reading of the user agent.
type Classification struct {
	Browser        string `json:"browser"`
	BrowserVersion string `json:"browserVersion"`
	OS             string `json:"os"`
	Device         string `json:"device"`
	IsBot          bool   `json:"isBot"`
}

var botPattern = regexp.MustCompile(`(?i)bot|crawler|spider|scraper|curl|wget|python|node|postman|insomnia|thunder client`)

// Order matters: Edge and Opera carry a Chrome token, Chrome carries Safari.
var browserPatterns = []struct {
	name    string
	pattern *regexp.Regexp
}{
	{"Edge", regexp.MustCompile(`Edg(?:e|A|iOS)?/([\d.]+)`)},
	{"Opera", regexp.MustCompile(`(?:OPR|Opera)/([\d.]+)`)},
	{"Firefox", regexp.MustCompile(`(?:Firefox|FxiOS)/([\d.]+)`)},
	{"Chrome", regexp.MustCompile(`(?:Chrome|CriOS)/([\d.]+)`)},
	{"Safari", regexp.MustCompile(`Version/([\d.]+).*Safari/`)},
	{"curl", regexp.MustCompile(`curl/([\d.]+)`)},
}

var osPatterns = []struct {
	name   string
	needle string
}{
	{"Windows", "Windows"},
	{"Android", "Android"},
	{"iOS", "iPhone"},
	{"iOS", "iPad"},
	{"Mac OS", "Mac OS X"},
	{"Chrome OS", "CrOS"},
	{"Linux", "Linux"},
}

// Classify parses a user agent string. Fields it cannot determine are Unknown;
// the device defaults to desktop.
func Classify(userAgent string) Classification {
	c := Classification{
		Browser:        Unknown,
		BrowserVersion: Unknown,
		OS:             Unknown,
		Device:         "desktop",
		IsBot:          botPattern.MatchString(userAgent),
	}

	for _, b := range browserPatterns {
		if m := b.pattern.FindStringSubmatch(userAgent); m != nil {
			c.Browser = b.name
			c.BrowserVersion = m[1]
			break
		}
	}
	for _, o := range osPatterns {
		if strings.Contains(userAgent, o.needle) {
			c.OS = o.name
			break
		}
	}

	switch {
	case strings.Contains(userAgent, "iPad") || strings.Contains(userAgent, "Tablet"):
		c.Device = "tablet"
	case strings.Contains(userAgent, "Mobi") || strings.Contains(userAgent, "iPhone"):
		c.Device = "mobile"
	}
	return c
}
