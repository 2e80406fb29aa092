package hardware

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const unknown = "Unknown"

type pattern struct {
	re   *regexp.Regexp
	name string
}

// Order matters: the first match wins, so more specific patterns come first.
var (
	osPatterns = []pattern{
		{regexp.MustCompile(`(?i)windows`), "Windows"},
		{regexp.MustCompile(`(?i)iphone|ipad|ipod`), "iOS"},
		{regexp.MustCompile(`(?i)mac os x|macintosh`), "macOS"},
		{regexp.MustCompile(`(?i)android`), "Android"},
		{regexp.MustCompile(`(?i)cros`), "ChromeOS"},
		{regexp.MustCompile(`(?i)linux|x11`), "Linux"},
	}
	browserPatterns = []pattern{
		{regexp.MustCompile(`Edg/`), "Edge"},
		{regexp.MustCompile(`OPR/|Opera`), "Opera"},
		{regexp.MustCompile(`Firefox/`), "Firefox"},
		{regexp.MustCompile(`Chrome/|CriOS/`), "Chrome"},
		{regexp.MustCompile(`Safari/`), "Safari"},
	}
	archPatterns = []pattern{
		{regexp.MustCompile(`(?i)arm64|aarch64`), "arm64"},
		{regexp.MustCompile(`(?i)x86_64|x64|win64|amd64|wow64`), "x86_64"},
		{regexp.MustCompile(`(?i)armv\d|\barm\b`), "arm"},
		{regexp.MustCompile(`(?i)i[3-6]86`), "x86"},
	}
	tabletPattern = regexp.MustCompile(`(?i)ipad|tablet|playbook|silk`)
	mobilePattern = regexp.MustCompile(`(?i)mobi|iphone|ipod|android`)
)

var goosFamilies = map[string]string{
	"linux":   "Linux",
	"darwin":  "macOS",
	"windows": "Windows",
	"android": "Android",
	"ios":     "iOS",
	"freebsd": "FreeBSD",
	"openbsd": "OpenBSD",
	"netbsd":  "NetBSD",
}

var goarchNames = map[string]string{
	"amd64":   "x86_64",
	"arm64":   "arm64",
	"386":     "x86",
	"arm":     "arm",
	"riscv64": "riscv64",
	"ppc64le": "ppc64le",
	"s390x":   "s390x",
}

// DMI chassis types for tablets, convertibles and detachables.
var tabletChassis = map[string]bool{"30": true, "31": true, "32": true}

// environment is the classified view of the host the probe runs on.
type environment struct {
	OSFamily      string
	BrowserFamily string
	Architecture  string
	DeviceClass   DeviceClass
}

func matchFirst(patterns []pattern, s string) string {
	if s == "" {
		return ""
	}
	for _, p := range patterns {
		if p.re.MatchString(s) {
			return p.name
		}
	}
	return ""
}

// classifyEnvironment maps a user-agent string, when the host forwards one,
// and the Go runtime target onto OS, browser, architecture and device class.
func classifyEnvironment(userAgent, goos, goarch, chassisType string) environment {
	env := environment{
		OSFamily:      matchFirst(osPatterns, userAgent),
		BrowserFamily: matchFirst(browserPatterns, userAgent),
		Architecture:  matchFirst(archPatterns, userAgent),
	}

	if env.OSFamily == "" && userAgent == "" {
		env.OSFamily = goosFamilies[goos]
	}
	if env.Architecture == "" && userAgent == "" {
		env.Architecture = goarchNames[goarch]
	}

	switch {
	case userAgent != "" && tabletPattern.MatchString(userAgent):
		env.DeviceClass = ClassTablet
	case userAgent != "" && strings.Contains(strings.ToLower(userAgent), "android") && !strings.Contains(strings.ToLower(userAgent), "mobi"):
		env.DeviceClass = ClassTablet
	case userAgent != "" && mobilePattern.MatchString(userAgent):
		env.DeviceClass = ClassMobile
	case userAgent == "" && tabletChassis[chassisType]:
		env.DeviceClass = ClassTablet
	case userAgent == "" && (goos == "android" || goos == "ios"):
		env.DeviceClass = ClassMobile
	default:
		env.DeviceClass = ClassDesktop
	}

	if env.OSFamily == "" {
		env.OSFamily = unknown
	}
	if env.BrowserFamily == "" {
		env.BrowserFamily = unknown
	}
	if env.Architecture == "" {
		env.Architecture = unknown
	}
	return env
}

func readChassisType(sysRoot string) string {
	data, err := os.ReadFile(filepath.Join(sysRoot, "class/dmi/id/chassis_type"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
