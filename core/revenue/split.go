// Package revenue computes the fixed 50/20/30 distribution of a batch's gross revenue
// between the student pool, the teacher and the platform.
package revenue

import (
	"math"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// ErrInvalidAmount is returned for negative, NaN or infinite totals.
var ErrInvalidAmount = errors.New("invalid amount")

var (
	StudentRate  = decimal.RequireFromString("0.5")
	TeacherRate  = decimal.RequireFromString("0.2")
	PlatformRate = decimal.RequireFromString("0.3")
)

// Tolerance is the max absolute difference between the sum of the shares and the total in ModeIndependent.
const Tolerance = 2

// Mode is the rounding policy applied to the shares.
type Mode int

const (
	// ModeIndependent rounds each share to the nearest whole unit on its own.
	// The shares may not add up to the total.
	ModeIndependent Mode = iota
	// ModeStrict rounds the student and teacher shares and gives the remainder to the platform.
	ModeStrict
)

func (m Mode) String() string {
	switch m {
	case ModeIndependent:
		return "independent"
	case ModeStrict:
		return "strict"
	}
	return "unknown"
}

// ParseMode accepts "independent" (or "") and "strict".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "independent":
		return ModeIndependent, nil
	case "strict":
		return ModeStrict, nil
	}
	return 0, errors.Errorf("unknown revenue split mode %q", s)
}

// Split is the distribution of Total between the student pool, the teacher and the platform.
type Split struct {
	Total         float64 `json:"total"`
	StudentShare  float64 `json:"student_share"`
	TeacherShare  float64 `json:"teacher_share"`
	PlatformShare float64 `json:"platform_share"`
}

func (s Split) Sum() float64 {
	return toFloat(decimal.NewFromFloat(s.StudentShare).
		Add(decimal.NewFromFloat(s.TeacherShare)).
		Add(decimal.NewFromFloat(s.PlatformShare)))
}

// Discrepancy is Sum() - Total; always 0 in ModeStrict.
func (s Split) Discrepancy() float64 {
	return toFloat(decimal.NewFromFloat(s.Sum()).Sub(decimal.NewFromFloat(s.Total)))
}

// Add sums two splits share by share, as done for earnings rollups.
func (s Split) Add(o Split) Split {
	add := func(a, b float64) float64 {
		return toFloat(decimal.NewFromFloat(a).Add(decimal.NewFromFloat(b)))
	}
	return Split{
		Total:         add(s.Total, o.Total),
		StudentShare:  add(s.StudentShare, o.StudentShare),
		TeacherShare:  add(s.TeacherShare, o.TeacherShare),
		PlatformShare: add(s.PlatformShare, o.PlatformShare),
	}
}

// Calculator is the one place shares are derived from a total.
type Calculator struct {
	mode Mode
}

func NewCalculator(mode Mode) Calculator {
	return Calculator{mode: mode}
}

func (c Calculator) Mode() Mode { return c.mode }

func (c Calculator) Compute(total float64) (Split, error) {
	if math.IsNaN(total) || math.IsInf(total, 0) {
		return Split{}, errors.Wrapf(ErrInvalidAmount, "%v is not a number", total)
	}
	if total < 0 {
		return Split{}, errors.Wrapf(ErrInvalidAmount, "%v is negative", total)
	}

	t := decimal.NewFromFloat(total)
	student := t.Mul(StudentRate).Round(0)
	teacher := t.Mul(TeacherRate).Round(0)

	var platform decimal.Decimal
	switch c.mode {
	case ModeStrict:
		platform = t.Sub(student).Sub(teacher)
	default:
		platform = t.Mul(PlatformRate).Round(0)
	}

	return Split{
		Total:         total,
		StudentShare:  toFloat(student),
		TeacherShare:  toFloat(teacher),
		PlatformShare: toFloat(platform),
	}, nil
}

// MustCompute panics on invalid totals. Only use it with amounts read from the store, which are never negative.
func (c Calculator) MustCompute(total float64) Split {
	s, err := c.Compute(total)
	if err != nil {
		panic(err)
	}
	return s
}

// Compute splits total with ModeIndependent.
func Compute(total float64) (Split, error) {
	return NewCalculator(ModeIndependent).Compute(total)
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
