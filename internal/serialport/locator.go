package serialport

import (
	"strings"

	"go.bug.st/serial/enumerator"
)

// EnumerateFunc lists the serial interfaces currently present.
type EnumerateFunc func() ([]*enumerator.PortDetails, error)

// LocatorConfig holds device discovery settings.
type LocatorConfig struct {
	// FixedPort skips discovery and is always returned when set.
	FixedPort string

	// DescriptionPatterns are case-insensitive substrings matched against
	// the USB product string.
	DescriptionPatterns []string

	// PathPatterns are case-insensitive substrings matched against the
	// device path.
	PathPatterns []string

	// VendorIDs are USB vendor IDs in hex, compared case-insensitively.
	VendorIDs []string

	// Enumerate overrides port enumeration. Default: enumerator.GetDetailedPortsList.
	Enumerate EnumerateFunc

	// Logger receives debug output about skipped and matched ports.
	Logger Logger
}

// Locator finds the display among the host's serial interfaces.
//
// Locate has no side effects and may be called as often as needed; the
// relay calls it on every tick while the link is down.
type Locator struct {
	cfg       LocatorConfig
	enumerate EnumerateFunc
	logger    Logger
}

// NewLocator creates a Locator from configuration.
func NewLocator(cfg LocatorConfig) *Locator {
	enumerate := cfg.Enumerate
	if enumerate == nil {
		enumerate = enumerator.GetDetailedPortsList
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Locator{
		cfg:       cfg,
		enumerate: enumerate,
		logger:    logger,
	}
}

// Locate returns the first serial interface that looks like the display.
//
// Enumeration failures are logged at debug and reported as absence.
//
// Returns:
//   - string: Device path (e.g. "/dev/ttyACM0", "COM3")
//   - bool: false when no candidate was found
func (l *Locator) Locate() (string, bool) {
	if l.cfg.FixedPort != "" {
		return l.cfg.FixedPort, true
	}

	ports, err := l.enumerate()
	if err != nil {
		l.logger.Debug("serial enumeration failed", "error", err)
		return "", false
	}

	for _, p := range ports {
		if p == nil {
			continue
		}
		if reason, ok := l.match(p); ok {
			l.logger.Debug("serial device matched",
				"port", p.Name,
				"product", p.Product,
				"vid", p.VID,
				"matched_by", reason,
			)
			return p.Name, true
		}
	}

	return "", false
}

// match reports whether a port looks like the display, and why.
func (l *Locator) match(p *enumerator.PortDetails) (string, bool) {
	if p.Product != "" && containsFold(p.Product, l.cfg.DescriptionPatterns) {
		return "description", true
	}
	if p.IsUSB && p.VID != "" {
		for _, vid := range l.cfg.VendorIDs {
			if strings.EqualFold(p.VID, vid) {
				return "vendor_id", true
			}
		}
	}
	if containsFold(p.Name, l.cfg.PathPatterns) {
		return "path", true
	}
	return "", false
}

// containsFold reports whether s contains any pattern, ignoring case.
func containsFold(s string, patterns []string) bool {
	lower := strings.ToLower(s)
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}
