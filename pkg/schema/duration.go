package schema

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Duration is an xs:duration value. Calendar components are kept separate
// so that AddTo honours month and year lengths.
type Duration struct {
	Negative bool
	Years    int
	Months   int
	Days     int
	Hours    int
	Minutes  int
	Seconds  float64
}

// ParseDuration parses an ISO 8601 duration ("P1DT2H30M", "PT0.5S") or, as a
// convenience, a Go duration string ("90s").
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Duration{}, fmt.Errorf("empty duration")
	}

	var d Duration
	rest := s
	if strings.HasPrefix(rest, "-") {
		d.Negative = true
		rest = rest[1:]
	}
	if !strings.HasPrefix(rest, "P") {
		gd, err := time.ParseDuration(s)
		if err != nil {
			return Duration{}, fmt.Errorf("invalid duration %q", s)
		}
		return FromTimeDuration(gd), nil
	}
	rest = rest[1:]
	if rest == "" {
		return Duration{}, fmt.Errorf("invalid duration %q: no components", s)
	}

	inTime := false
	num := ""
	seen := false
	for _, r := range rest {
		switch {
		case r == 'T':
			if inTime || num != "" {
				return Duration{}, fmt.Errorf("invalid duration %q", s)
			}
			inTime = true
		case (r >= '0' && r <= '9') || r == '.':
			num += string(r)
		default:
			if num == "" {
				return Duration{}, fmt.Errorf("invalid duration %q", s)
			}
			if r == 'S' {
				v, err := strconv.ParseFloat(num, 64)
				if err != nil || !inTime {
					return Duration{}, fmt.Errorf("invalid duration %q", s)
				}
				d.Seconds = v
			} else {
				v, err := strconv.Atoi(num)
				if err != nil {
					return Duration{}, fmt.Errorf("invalid duration %q", s)
				}
				switch {
				case r == 'Y' && !inTime:
					d.Years = v
				case r == 'M' && !inTime:
					d.Months = v
				case r == 'D' && !inTime:
					d.Days = v
				case r == 'H' && inTime:
					d.Hours = v
				case r == 'M' && inTime:
					d.Minutes = v
				default:
					return Duration{}, fmt.Errorf("invalid duration %q: unexpected %q", s, r)
				}
			}
			num = ""
			seen = true
		}
	}
	if num != "" || !seen {
		return Duration{}, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

// FromTimeDuration converts a fixed-length duration.
func FromTimeDuration(td time.Duration) Duration {
	var d Duration
	if td < 0 {
		d.Negative = true
		td = -td
	}
	d.Hours = int(td / time.Hour)
	td -= time.Duration(d.Hours) * time.Hour
	d.Minutes = int(td / time.Minute)
	td -= time.Duration(d.Minutes) * time.Minute
	d.Seconds = td.Seconds()
	return d
}

// AddTo returns t shifted by the duration.
func (d Duration) AddTo(t time.Time) time.Time {
	sign := 1
	if d.Negative {
		sign = -1
	}
	t = t.AddDate(sign*d.Years, sign*d.Months, sign*d.Days)
	fixed := time.Duration(d.Hours)*time.Hour +
		time.Duration(d.Minutes)*time.Minute +
		time.Duration(math.Round(d.Seconds*float64(time.Second)))
	if d.Negative {
		fixed = -fixed
	}
	return t.Add(fixed)
}

func (d Duration) String() string {
	var b strings.Builder
	if d.Negative {
		b.WriteByte('-')
	}
	b.WriteByte('P')
	if d.Years != 0 {
		fmt.Fprintf(&b, "%dY", d.Years)
	}
	if d.Months != 0 {
		fmt.Fprintf(&b, "%dM", d.Months)
	}
	if d.Days != 0 {
		fmt.Fprintf(&b, "%dD", d.Days)
	}
	if d.Hours != 0 || d.Minutes != 0 || d.Seconds != 0 {
		b.WriteByte('T')
		if d.Hours != 0 {
			fmt.Fprintf(&b, "%dH", d.Hours)
		}
		if d.Minutes != 0 {
			fmt.Fprintf(&b, "%dM", d.Minutes)
		}
		if d.Seconds != 0 {
			b.WriteString(strconv.FormatFloat(d.Seconds, 'f', -1, 64))
			b.WriteByte('S')
		}
	}
	if b.Len() == 1 || (d.Negative && b.Len() == 2) {
		b.WriteString("T0S")
	}
	return b.String()
}
