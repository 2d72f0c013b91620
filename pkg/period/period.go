// Package period maps wall-clock time onto day-ahead market pricing periods.
package period

import (
	"fmt"
	"strconv"
	"time"
	_ "time/tzdata"

	"github.com/levenlabs/go-lflag"
)

// Length is the width of one pricing period.
const Length = 15 * time.Minute

// PerDay is the number of pricing periods in a regular (non-DST) day.
const PerDay = int(24 * time.Hour / Length)

// The price feed labels periods in a different civil-time convention than the
// control clock. Each pass has its own correction and they differ by one unit.
const (
	ShutdownLabelOffset = -3
	StartLabelOffset    = -2
)

// Control is only meaningful between these local hours, inclusive.
const (
	WindowStartHour = 6
	WindowEndHour   = 21
)

// DefaultTimezone is the market's civil time zone.
const DefaultTimezone = "Europe/Sofia"

// Pass identifies which of the two opposing control passes is running.
type Pass int

const (
	PassShutdown Pass = iota
	PassStart
)

func (p Pass) String() string {
	switch p {
	case PassShutdown:
		return "shutdown"
	case PassStart:
		return "start"
	default:
		return fmt.Sprintf("pass(%d)", int(p))
	}
}

// Resolver converts instants into market-local period labels.
type Resolver struct {
	loc            *time.Location
	shutdownOffset int
	startOffset    int
}

// NewResolver returns a Resolver for loc using the default label offsets.
func NewResolver(loc *time.Location) *Resolver {
	return &Resolver{
		loc:            loc,
		shutdownOffset: ShutdownLabelOffset,
		startOffset:    StartLabelOffset,
	}
}

// Configured registers the market clock flags.
func Configured() *Resolver {
	tz := lflag.String("market-timezone", DefaultTimezone, "IANA time zone of the price market and control clock")
	shutdownOffset := lflag.String("shutdown-label-offset", strconv.Itoa(ShutdownLabelOffset), "Correction applied to the period index by the shutdown pass")
	startOffset := lflag.String("start-label-offset", strconv.Itoa(StartLabelOffset), "Correction applied to the period index by the start pass")

	r := &Resolver{}
	lflag.Do(func() {
		loc, err := time.LoadLocation(*tz)
		if err != nil {
			panic(fmt.Sprintf("invalid market-timezone %q: %v", *tz, err))
		}
		r.loc = loc
		if r.shutdownOffset, err = strconv.Atoi(*shutdownOffset); err != nil {
			panic(fmt.Sprintf("invalid shutdown-label-offset %q: %v", *shutdownOffset, err))
		}
		if r.startOffset, err = strconv.Atoi(*startOffset); err != nil {
			panic(fmt.Sprintf("invalid start-label-offset %q: %v", *startOffset, err))
		}
	})
	return r
}

// Location returns the market time zone.
func (r *Resolver) Location() *time.Location {
	return r.loc
}

// Local converts now into market-local time.
func (r *Resolver) Local(now time.Time) time.Time {
	return now.In(r.loc)
}

// Index returns the corrected 1-based period index for now. At day boundaries
// the result may fall outside 1..PerDay; such labels simply have no price.
func (r *Resolver) Index(now time.Time, pass Pass) int {
	local := r.Local(now)
	minutes := local.Hour()*60 + local.Minute()
	idx := minutes/int(Length/time.Minute) + 1
	switch pass {
	case PassShutdown:
		idx += r.shutdownOffset
	case PassStart:
		idx += r.startOffset
	}
	return idx
}

// Label returns the price-feed label for now, e.g. "QH 38".
func (r *Resolver) Label(now time.Time, pass Pass) string {
	return FormatLabel(r.Index(now, pass))
}

// Date returns the market-local calendar date of now as 2006-01-02.
func (r *Resolver) Date(now time.Time) string {
	return r.Local(now).Format(time.DateOnly)
}

// InControlWindow returns true when the local hour of now is within the
// control window.
func (r *Resolver) InControlWindow(now time.Time) bool {
	h := r.Local(now).Hour()
	return h >= WindowStartHour && h <= WindowEndHour
}

// FormatLabel formats a period index the way the price feed labels it.
func FormatLabel(idx int) string {
	return fmt.Sprintf("QH %d", idx)
}
