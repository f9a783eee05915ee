package identity

import (
	"fmt"
	"strconv"
)

// Profile is one coherent browser identity, every header derived from it
// agrees with every other (the Chrome major version in the user agent is the
// one advertised in sec-ch-ua, the platform token matches sec-ch-ua-platform).
type Profile struct {
	Name string
	// ChromeMajor is the major version of Chrome being emulated.
	ChromeMajor int
	// Platform is the sec-ch-ua-platform value without quotes, ex. "Windows".
	Platform string
	// OSToken is the parenthesized platform section of the user agent.
	OSToken string
	// GreaseBrand is the placeholder brand Chrome rotates between releases.
	GreaseBrand   string
	GreaseVersion string
	// AcceptLanguage defaults to "en-US,en;q=0.9" when empty.
	AcceptLanguage string
}

func (p Profile) UserAgent() string {
	return fmt.Sprintf(
		"Mozilla/5.0 (%s) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%d.0.0.0 Safari/537.36",
		p.OSToken, p.ChromeMajor,
	)
}

func (p Profile) SecChUa() string {
	major := strconv.Itoa(p.ChromeMajor)
	return fmt.Sprintf(
		`"Google Chrome";v="%s", "Chromium";v="%s", "%s";v="%s"`,
		major, major, p.GreaseBrand, p.GreaseVersion,
	)
}

func (p Profile) SecChUaPlatform() string {
	return strconv.Quote(p.Platform)
}

func (p Profile) acceptLanguage() string {
	if p.AcceptLanguage == "" {
		return "en-US,en;q=0.9"
	}
	return p.AcceptLanguage
}

var (
	ChromeWindows = Profile{
		Name:          "chrome-windows",
		ChromeMajor:   131,
		Platform:      "Windows",
		OSToken:       "Windows NT 10.0; Win64; x64",
		GreaseBrand:   "Not_A Brand",
		GreaseVersion: "24",
	}
	ChromeMacOS = Profile{
		Name:          "chrome-macos",
		ChromeMajor:   130,
		Platform:      "macOS",
		OSToken:       "Macintosh; Intel Mac OS X 10_15_7",
		GreaseBrand:   "Not?A_Brand",
		GreaseVersion: "99",
	}
	ChromeLinux = Profile{
		Name:          "chrome-linux",
		ChromeMajor:   129,
		Platform:      "Linux",
		OSToken:       "X11; Linux x86_64",
		GreaseBrand:   "Not=A?Brand",
		GreaseVersion: "8",
	}
)

// DefaultProfiles is the pool a Provider rotates through when it is not
// given one.
func DefaultProfiles() []Profile {
	return []Profile{ChromeWindows, ChromeMacOS, ChromeLinux}
}
