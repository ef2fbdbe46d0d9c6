package models

import (
	"fmt"
	"strconv"
	"strings"
)

// Resolution is one of the fixed output heights a source is transcoded to.
type Resolution int

const (
	Resolution480p  Resolution = 480
	Resolution720p  Resolution = 720
	Resolution1080p Resolution = 1080
)

// Tiers lists every supported resolution in ascending order.
var Tiers = []Resolution{Resolution480p, Resolution720p, Resolution1080p}

// Height returns the target frame height in pixels.
func (r Resolution) Height() int {
	return int(r)
}

// Label formats the resolution the way it appears in paths, e.g. "720p".
func (r Resolution) Label() string {
	return strconv.Itoa(int(r)) + "p"
}

func (r Resolution) String() string {
	return r.Label()
}

// Valid reports whether r is one of the supported tiers.
func (r Resolution) Valid() bool {
	for _, tier := range Tiers {
		if tier == r {
			return true
		}
	}
	return false
}

// ParseResolution accepts "720p" or "720" and rejects anything outside Tiers.
func ParseResolution(raw string) (Resolution, error) {
	trimmed := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(raw)), "p")
	if trimmed == "" {
		return 0, fmt.Errorf("resolution is required")
	}
	value, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid resolution %q", raw)
	}
	res := Resolution(value)
	if !res.Valid() {
		return 0, fmt.Errorf("unsupported resolution %q", raw)
	}
	return res, nil
}

// MarshalText encodes the resolution as its label.
func (r Resolution) MarshalText() ([]byte, error) {
	return []byte(r.Label()), nil
}

// UnmarshalText accepts the same forms as ParseResolution.
func (r *Resolution) UnmarshalText(text []byte) error {
	parsed, err := ParseResolution(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
