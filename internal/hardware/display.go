package hardware

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const defaultColorDepth = 24

// detectDisplay reads the preferred mode of the first connected DRM
// connector. Without one, the resolution stays zero.
func detectDisplay(sysRoot string, getenv func(string) string) Display {
	d := Display{PixelRatio: 1, ColorDepth: defaultColorDepth}
	if scale, err := strconv.ParseFloat(strings.TrimSpace(getenv("GDK_SCALE")), 64); err == nil && scale > 0 {
		d.PixelRatio = scale
	}

	base := filepath.Join(sysRoot, "class/drm")
	entries, err := os.ReadDir(base)
	if err != nil {
		return d
	}

	var connectors []string
	for _, e := range entries {
		card, _, ok := strings.Cut(e.Name(), "-")
		if ok && isCardDevice(card) {
			connectors = append(connectors, e.Name())
		}
	}
	sort.Strings(connectors)

	for _, name := range connectors {
		status, err := os.ReadFile(filepath.Join(base, name, "status"))
		if err != nil || strings.TrimSpace(string(status)) != "connected" {
			continue
		}
		modes, err := os.ReadFile(filepath.Join(base, name, "modes"))
		if err != nil {
			continue
		}
		first, _, _ := strings.Cut(strings.TrimSpace(string(modes)), "\n")
		if w, h, ok := parseMode(first); ok {
			d.Width, d.Height = w, h
			return d
		}
	}
	return d
}

// parseMode parses a DRM mode line such as "1920x1080" or "2560x1440i".
func parseMode(mode string) (int, int, bool) {
	ws, hs, ok := strings.Cut(mode, "x")
	if !ok {
		return 0, 0, false
	}
	hs = strings.TrimRightFunc(hs, func(r rune) bool { return r < '0' || r > '9' })
	w, err := strconv.Atoi(ws)
	if err != nil || w <= 0 {
		return 0, 0, false
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h <= 0 {
		return 0, 0, false
	}
	return w, h, true
}
