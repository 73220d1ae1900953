package matching

import (
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"ledgermatch/internal/domain/invoice"
	"ledgermatch/internal/domain/transaction"
)

// Factor ceilings.
const (
	exactAmountScore   = 0.7
	feeAmountScore     = 0.6
	quarterScore       = 0.4
	halfScore          = 0.5
	threeQuarterScore  = 0.5
	otherPartialScore  = 0.3
	referenceScore     = 0.8
	descriptionBase    = 0.3
	descriptionPerWord = 0.1
	descriptionMax     = 0.6
)

const (
	// feeTolerance allows processor fees on top of the balance.
	feeTolerance = 1.05
	// partialBand is how close a ratio must be to 25/50/75% to count as that
	// fraction.
	partialBand     = 0.01
	minPartialRatio = 0.24
	minNameWordLen  = 3
)

var dateSteps = []struct {
	days   int
	score  float64
	reason string
}{
	{1, 0.2, "Date within 1 day"},
	{3, 0.15, "Date within 3 days"},
	{7, 0.1, "Date within 7 days"},
	{14, 0.05, "Date within 14 days"},
}

// Score is the outcome of comparing one transaction to one invoice.
type Score struct {
	Confidence  float64
	Amount      float64
	Reference   float64
	Description float64
	Date        float64
	Reasons     []string
}

// Reason joins the non-zero factor descriptions in evaluation order.
func (s Score) Reason() string {
	return strings.Join(s.Reasons, "; ")
}

// Compute scores a transaction against an invoice. The confidence is the sum
// of the amount, reference, description and date factors, capped at 1.
func Compute(tx *transaction.Transaction, inv *invoice.Invoice) Score {
	var s Score

	add := func(score float64, reason string) float64 {
		if score > 0 {
			s.Reasons = append(s.Reasons, reason)
		}
		return score
	}

	s.Amount = add(amountFactor(tx.Amount, tx.Currency, inv))
	s.Reference = add(referenceFactor(tx.Reference, inv))
	s.Description = add(descriptionFactor(tx.Description, inv.CustomerName))
	s.Date = add(dateFactor(tx.OccurredAt, inv.IssueDate))

	total := math.Min(s.Amount+s.Reference+s.Description+s.Date, 1)
	s.Confidence = round4(total)
	return s
}

func amountFactor(amount decimal.Decimal, currency string, inv *invoice.Invoice) (float64, string) {
	if currency != "" && inv.Currency != "" && !strings.EqualFold(currency, inv.Currency) {
		return 0, ""
	}
	balance := inv.Balance
	if !amount.IsPositive() || !balance.IsPositive() {
		return 0, ""
	}
	if amount.Equal(balance) {
		return exactAmountScore, "Exact amount match"
	}

	ratio, _ := amount.Div(balance).Float64()
	switch {
	case ratio > 1 && ratio <= feeTolerance:
		return feeAmountScore, "Amount within 5% above balance"
	case ratio > feeTolerance:
		return 0, ""
	case near(ratio, 0.25):
		return quarterScore, "Partial payment (25%)"
	case near(ratio, 0.5):
		return halfScore, "Partial payment (50%)"
	case near(ratio, 0.75):
		return threeQuarterScore, "Partial payment (75%)"
	case ratio >= minPartialRatio:
		return otherPartialScore, "Partial payment"
	default:
		return 0, ""
	}
}

func near(ratio, target float64) bool {
	return math.Abs(ratio-target) <= partialBand
}

func referenceFactor(reference string, inv *invoice.Invoice) (float64, string) {
	ref := normalize(reference)
	if ref == "" {
		return 0, ""
	}
	if inv.ID > 0 && strings.Contains(ref, strconv.FormatInt(inv.ID, 10)) {
		return referenceScore, "Invoice ID in reference"
	}
	if num := normalize(inv.Number); num != "" && strings.Contains(ref, num) {
		return referenceScore, "Invoice number in reference"
	}
	return 0, ""
}

func descriptionFactor(description, customerName string) (float64, string) {
	desc := strings.ToLower(description)
	if desc == "" || customerName == "" {
		return 0, ""
	}

	seen := make(map[string]struct{})
	matched := 0
	for _, word := range strings.FieldsFunc(strings.ToLower(customerName), isSeparator) {
		if len([]rune(word)) < minNameWordLen {
			continue
		}
		if _, dup := seen[word]; dup {
			continue
		}
		seen[word] = struct{}{}
		if strings.Contains(desc, word) {
			matched++
		}
	}
	if matched == 0 {
		return 0, ""
	}
	return math.Min(descriptionBase+descriptionPerWord*float64(matched), descriptionMax), "Customer name in description"
}

func dateFactor(occurred, issued time.Time) (float64, string) {
	if occurred.IsZero() || issued.IsZero() {
		return 0, ""
	}
	diff := day(occurred).Sub(day(issued))
	if diff < 0 {
		diff = -diff
	}
	days := int(diff.Hours() / 24)
	for _, step := range dateSteps {
		if days <= step.days {
			return step.score, step.reason
		}
	}
	return 0, ""
}

func day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// normalize lower-cases s and drops everything but letters and digits.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isSeparator(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
