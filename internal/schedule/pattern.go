// Package schedule parses the 5-field recording patterns stored on shows.
//
// Weekdays are kept in ISO order internally (0=Monday .. 6=Sunday). Cron
// numbering (0=Sunday) only appears in Spec, the string handed to robfig/cron.
package schedule

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"radiorec/internal/model"
)

// Parser accepts exactly the five standard fields.
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Pattern is a validated recording pattern.
type Pattern struct {
	Minute string
	Hour   string
	Dom    string
	Month  string

	// Weekdays holds ISO weekdays (0=Monday). Nil means any day.
	Weekdays []int

	sched cron.Schedule
}

var dayNames = map[string]int{
	"SUN": 0, "MON": 1, "TUE": 2, "WED": 3, "THU": 4, "FRI": 5, "SAT": 6,
}

// Parse validates raw and returns its normalized form.
// Anything other than five whitespace separated fields is rejected.
func Parse(raw string) (Pattern, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Pattern{}, model.Invalid("schedule_pattern", "empty")
	}
	if strings.HasPrefix(s, "@") {
		return Pattern{}, model.Invalid("schedule_pattern", "descriptor %q not allowed, use 5 fields", s)
	}
	fields := strings.Fields(s)
	if len(fields) != 5 {
		return Pattern{}, model.Invalid("schedule_pattern", "%q has %d fields, want 5", s, len(fields))
	}

	days, err := parseWeekdays(fields[4])
	if err != nil {
		return Pattern{}, model.Invalid("schedule_pattern", "weekday field %q: %v", fields[4], err)
	}
	p := Pattern{
		Minute:   fields[0],
		Hour:     fields[1],
		Dom:      fields[2],
		Month:    fields[3],
		Weekdays: days,
	}
	sched, err := Parser.Parse(p.Spec())
	if err != nil {
		return Pattern{}, model.Invalid("schedule_pattern", "%q: %v", s, err)
	}
	p.sched = sched
	return p, nil
}

// Validate reports whether raw is an acceptable pattern.
func Validate(raw string) error {
	_, err := Parse(raw)
	return err
}

// Spec renders the pattern in cron numbering for robfig/cron.
func (p Pattern) Spec() string {
	return strings.Join([]string{p.Minute, p.Hour, p.Dom, p.Month, renderWeekdays(p.Weekdays)}, " ")
}

func (p Pattern) String() string { return p.Spec() }

// Next returns the first fire time strictly after t, in t's location.
func (p Pattern) Next(t time.Time) time.Time {
	if p.sched == nil {
		s, err := Parser.Parse(p.Spec())
		if err != nil {
			return time.Time{}
		}
		p.sched = s
	}
	return p.sched.Next(t)
}

// ISOWeekday converts a time.Weekday to ISO numbering.
func ISOWeekday(d time.Weekday) int {
	return (int(d) + 6) % 7
}

// CronWeekday converts an ISO weekday to cron numbering.
func CronWeekday(iso int) int {
	return (iso + 1) % 7
}

func parseWeekdays(field string) ([]int, error) {
	if field == "*" || field == "?" {
		return nil, nil
	}
	set := map[int]struct{}{}
	for _, item := range strings.Split(field, ",") {
		if item == "" {
			return nil, fmt.Errorf("empty list item")
		}
		rangePart, step := item, 1
		if i := strings.IndexByte(item, '/'); i >= 0 {
			n, err := strconv.Atoi(item[i+1:])
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("bad step in %q", item)
			}
			rangePart, step = item[:i], n
		}

		var lo, hi int
		switch {
		case rangePart == "*":
			lo, hi = 0, 6
		case strings.Contains(rangePart, "-"):
			a, b, _ := strings.Cut(rangePart, "-")
			var err error
			if lo, err = weekdayValue(a); err != nil {
				return nil, err
			}
			if hi, err = weekdayValue(b); err != nil {
				return nil, err
			}
			// 7 is Sunday at the end of the week: "5-7" spans Fri..Sun and "7-7" is Sunday.
			if hi == 0 && strings.TrimSpace(b) == "7" {
				hi = 7
			}
			if lo == 0 && strings.TrimSpace(a) == "7" {
				lo = 7
			}
			if lo > hi {
				return nil, fmt.Errorf("range %q runs backwards", rangePart)
			}
		default:
			v, err := weekdayValue(rangePart)
			if err != nil {
				return nil, err
			}
			lo, hi = v, v
			if step > 1 {
				hi = 6
			}
		}
		for d := lo; d <= hi; d += step {
			set[(d+6)%7] = struct{}{} // cron -> ISO
		}
	}
	out := make([]int, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Ints(out)
	return out, nil
}

// weekdayValue parses a number (0-7) or a three-letter name into cron numbering.
func weekdayValue(s string) (int, error) {
	s = strings.TrimSpace(s)
	if v, ok := dayNames[strings.ToUpper(s)]; ok {
		return v, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("unknown weekday %q", s)
	}
	if n < 0 || n > 7 {
		return 0, fmt.Errorf("weekday %d out of range 0-7", n)
	}
	return n % 7, nil
}

func renderWeekdays(iso []int) string {
	if len(iso) == 0 {
		return "*"
	}
	cronDays := make([]int, 0, len(iso))
	for _, d := range iso {
		cronDays = append(cronDays, CronWeekday(d))
	}
	sort.Ints(cronDays)

	var parts []string
	for i := 0; i < len(cronDays); {
		j := i
		for j+1 < len(cronDays) && cronDays[j+1] == cronDays[j]+1 {
			j++
		}
		switch {
		case j-i >= 2:
			parts = append(parts, fmt.Sprintf("%d-%d", cronDays[i], cronDays[j]))
		default:
			for k := i; k <= j; k++ {
				parts = append(parts, strconv.Itoa(cronDays[k]))
			}
		}
		i = j + 1
	}
	return strings.Join(parts, ",")
}
