package keys

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PeriodType is the granularity of a statistics or ranking period.
type PeriodType string

const (
	PeriodDaily   PeriodType = "DAILY"
	PeriodWeekly  PeriodType = "WEEKLY"
	PeriodMonthly PeriodType = "MONTHLY"
	PeriodTotal   PeriodType = "TOTAL"
)

const (
	dateLayout  = "2006-01-02"
	monthLayout = "2006-01"
	totalValue  = "ALL"
)

// Period is one period context, e.g. DAILY#2026-01-16 or TOTAL.
type Period struct {
	Type  PeriodType
	Value string
}

func DailyPeriod(t time.Time) Period {
	return Period{Type: PeriodDaily, Value: t.Format(dateLayout)}
}

// WeeklyPeriod uses ISO-8601 week numbering, e.g. 2026-W03.
func WeeklyPeriod(t time.Time) Period {
	y, w := t.ISOWeek()
	return Period{Type: PeriodWeekly, Value: fmt.Sprintf("%04d-W%02d", y, w)}
}

func MonthlyPeriod(t time.Time) Period {
	return Period{Type: PeriodMonthly, Value: t.Format(monthLayout)}
}

func TotalPeriod() Period {
	return Period{Type: PeriodTotal}
}

// PeriodsAt returns the four period contexts containing t, in the time zone of t.
func PeriodsAt(t time.Time) []Period {
	return []Period{DailyPeriod(t), WeeklyPeriod(t), MonthlyPeriod(t), TotalPeriod()}
}

// String renders the stats sort key form of the period.
func (p Period) String() string {
	if p.Type == PeriodTotal {
		return string(PeriodTotal)
	}
	return string(p.Type) + Delimiter + p.Value
}

func (p Period) value() string {
	if p.Type == PeriodTotal {
		return totalValue
	}
	return p.Value
}

func (p Period) Validate() error {
	_, err := parsePeriodParts(p.Type, p.Value, false)
	return err
}

// NewPeriod builds a period from its type and value as they appear in API input.
// For TOTAL the value is ignored.
func NewPeriod(periodType PeriodType, value string) (Period, error) {
	if periodType == PeriodTotal {
		return TotalPeriod(), nil
	}
	return parsePeriodParts(periodType, value, false)
}

// ParsePeriod is the inverse of Period.String.
func ParsePeriod(s string) (Period, error) {
	if s == string(PeriodTotal) {
		return TotalPeriod(), nil
	}
	typ, value, ok := strings.Cut(s, Delimiter)
	if !ok {
		return Period{}, fmt.Errorf("%w: period %q", ErrMalformedKey, s)
	}
	return parsePeriodParts(PeriodType(typ), value, false)
}

func parsePeriodParts(typ PeriodType, value string, rankingForm bool) (Period, error) {
	bad := func() (Period, error) {
		return Period{}, fmt.Errorf("%w: period %s %q", ErrMalformedKey, typ, value)
	}
	switch typ {
	case PeriodDaily:
		if _, err := time.Parse(dateLayout, value); err != nil {
			return bad()
		}
	case PeriodMonthly:
		if _, err := time.Parse(monthLayout, value); err != nil {
			return bad()
		}
	case PeriodWeekly:
		if !validWeek(value) {
			return bad()
		}
	case PeriodTotal:
		if (rankingForm && value != totalValue) || (!rankingForm && value != "") {
			return bad()
		}
		return TotalPeriod(), nil
	default:
		return bad()
	}
	return Period{Type: typ, Value: value}, nil
}

func validWeek(v string) bool {
	if len(v) != 8 || v[4:6] != "-W" {
		return false
	}
	if _, err := strconv.Atoi(v[:4]); err != nil {
		return false
	}
	w, err := strconv.Atoi(v[6:])
	return err == nil && w >= 1 && w <= 53
}
