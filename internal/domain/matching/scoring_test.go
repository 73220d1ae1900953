package matching

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ledgermatch/internal/domain/invoice"
	"ledgermatch/internal/domain/transaction"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestCompute_ExampleScenario(t *testing.T) {
	tx := &transaction.Transaction{
		Amount:     decimal.RequireFromString("150.00"),
		Currency:   "GBP",
		Reference:  "INV-2044",
		OccurredAt: date(2025, 1, 10),
	}
	inv := &invoice.Invoice{
		ID:        2044,
		Balance:   decimal.RequireFromString("150.00"),
		Currency:  "GBP",
		IssueDate: date(2025, 1, 9),
	}

	s := Compute(tx, inv)

	if s.Confidence != 1.0 {
		t.Errorf("Confidence = %v, want 1.0", s.Confidence)
	}
	if s.Amount != 0.7 || s.Reference != 0.8 || s.Date != 0.2 {
		t.Errorf("factors amount=%v reference=%v date=%v, want 0.7/0.8/0.2", s.Amount, s.Reference, s.Date)
	}
	reason := s.Reason()
	if !strings.Contains(reason, "Exact amount match") || !strings.Contains(reason, "Invoice ID in reference") {
		t.Errorf("Reason() = %q", reason)
	}
	if !strings.HasPrefix(reason, "Exact amount match; Invoice ID in reference") {
		t.Errorf("Reason() = %q, want factors in evaluation order", reason)
	}
}

func TestAmountFactor(t *testing.T) {
	balance := "100.00"

	tests := []struct {
		name   string
		amount string
		cur    string
		want   float64
	}{
		{"exact", "100.00", "GBP", 0.7},
		{"exact different scale", "100", "GBP", 0.7},
		{"fees within 5%", "103.50", "GBP", 0.6},
		{"exactly 105%", "105.00", "GBP", 0.6},
		{"above 105%", "105.01", "GBP", 0},
		{"quarter", "25.00", "GBP", 0.4},
		{"near quarter", "25.90", "GBP", 0.4},
		{"half", "50.00", "GBP", 0.5},
		{"three quarters", "75.00", "GBP", 0.5},
		{"other partial", "60.00", "GBP", 0.3},
		{"too small", "10.00", "GBP", 0},
		{"negative", "-100.00", "GBP", 0},
		{"zero", "0", "GBP", 0},
		{"currency mismatch", "100.00", "EUR", 0},
		{"currency case ignored", "100.00", "gbp", 0.7},
		{"missing currency", "100.00", "", 0.7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := &invoice.Invoice{Balance: decimal.RequireFromString(balance), Currency: "GBP"}
			got, _ := amountFactor(decimal.RequireFromString(tt.amount), tt.cur, inv)
			if !almostEqual(got, tt.want) {
				t.Errorf("amountFactor(%s) = %v, want %v", tt.amount, got, tt.want)
			}
		})
	}
}

func TestAmountFactor_ZeroBalance(t *testing.T) {
	inv := &invoice.Invoice{Balance: decimal.Zero}
	if got, _ := amountFactor(decimal.NewFromInt(10), "", inv); got != 0 {
		t.Errorf("amountFactor() = %v, want 0 for a paid invoice", got)
	}
}

func TestReferenceFactor(t *testing.T) {
	inv := &invoice.Invoice{ID: 2044, Number: "WH-2025/0017"}

	tests := []struct {
		name       string
		reference  string
		want       float64
		wantReason string
	}{
		{"id with prefix", "INV-2044", 0.8, "Invoice ID in reference"},
		{"id with spaces", "payment for 20 44", 0.8, "Invoice ID in reference"},
		{"invoice number", "wh 2025 0017", 0.8, "Invoice number in reference"},
		{"unrelated", "INV-3001", 0, ""},
		{"empty", "", 0, ""},
		{"only punctuation", "---", 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := referenceFactor(tt.reference, inv)
			if got != tt.want || reason != tt.wantReason {
				t.Errorf("referenceFactor(%q) = %v, %q; want %v, %q", tt.reference, got, reason, tt.want, tt.wantReason)
			}
		})
	}
}

func TestDescriptionFactor(t *testing.T) {
	tests := []struct {
		name        string
		description string
		customer    string
		want        float64
	}{
		{"one word", "Payment from ACME", "Acme Ltd", 0.4},
		{"two words", "acme hosting renewal", "ACME Hosting Ltd", 0.5},
		{"capped", "alpha bravo charlie delta echo", "Alpha Bravo Charlie Delta Echo", 0.6},
		{"short words ignored", "ab co", "AB Co", 0},
		{"no overlap", "card payment", "Globex Corporation", 0},
		{"repeated name word counted once", "smith", "Smith Smith", 0.4},
		{"empty description", "", "Acme", 0},
		{"empty customer", "acme", "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := descriptionFactor(tt.description, tt.customer)
			if !almostEqual(got, tt.want) {
				t.Errorf("descriptionFactor(%q, %q) = %v, want %v", tt.description, tt.customer, got, tt.want)
			}
		})
	}
}

func TestDateFactor(t *testing.T) {
	issued := date(2025, 1, 10)

	tests := []struct {
		name     string
		occurred time.Time
		want     float64
	}{
		{"same day", issued, 0.2},
		{"same day later hour", issued.Add(23 * time.Hour), 0.2},
		{"one day before", date(2025, 1, 9), 0.2},
		{"three days after", date(2025, 1, 13), 0.15},
		{"seven days", date(2025, 1, 17), 0.1},
		{"fourteen days", date(2025, 1, 24), 0.05},
		{"fifteen days", date(2025, 1, 25), 0},
		{"zero date", time.Time{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := dateFactor(tt.occurred, issued)
			if !almostEqual(got, tt.want) {
				t.Errorf("dateFactor() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCompute_Bounded(t *testing.T) {
	amounts := []string{"-5", "0", "1", "24.99", "25", "50", "60", "75", "99.99", "100", "104", "106", "100000"}
	refs := []string{"", "INV-1", "INV-77", "77", "random"}
	descs := []string{"", "acme", "acme widgets international"}
	days := []int{0, 1, 2, 5, 10, 20}

	inv := &invoice.Invoice{
		ID:           77,
		Number:       "INV-77",
		Balance:      decimal.NewFromInt(100),
		CustomerName: "Acme Widgets International",
		IssueDate:    date(2025, 3, 1),
	}

	for _, a := range amounts {
		for _, r := range refs {
			for _, d := range descs {
				for _, n := range days {
					tx := &transaction.Transaction{
						Amount:      decimal.RequireFromString(a),
						Reference:   r,
						Description: d,
						OccurredAt:  inv.IssueDate.AddDate(0, 0, n),
					}
					s := Compute(tx, inv)
					if s.Confidence < 0 || s.Confidence > 1 {
						t.Fatalf("Compute(%s,%q,%q,%d) = %v, out of [0,1]", a, r, d, n, s.Confidence)
					}
				}
			}
		}
	}
}

func TestCompute_MonotonicInDateProximity(t *testing.T) {
	inv := &invoice.Invoice{ID: 9, Balance: decimal.NewFromInt(80), IssueDate: date(2025, 6, 1)}

	prev := -1.0
	for _, gap := range []int{30, 14, 10, 7, 3, 1, 0} {
		tx := &transaction.Transaction{
			Amount:     decimal.NewFromInt(40),
			OccurredAt: inv.IssueDate.AddDate(0, 0, gap),
		}
		got := Compute(tx, inv).Confidence
		if got < prev {
			t.Errorf("confidence dropped from %v to %v when gap tightened to %d days", prev, got, gap)
		}
		prev = got
	}
}

func TestCompute_MonotonicPerFactor(t *testing.T) {
	inv := &invoice.Invoice{
		ID:           501,
		Balance:      decimal.NewFromInt(200),
		CustomerName: "Initech Software",
		IssueDate:    date(2025, 2, 1),
	}
	base := transaction.Transaction{
		Amount:      decimal.NewFromInt(120),
		Description: "transfer",
		Reference:   "misc",
		OccurredAt:  date(2025, 2, 20),
	}
	baseScore := Compute(&base, inv).Confidence

	improved := []struct {
		name   string
		mutate func(tx *transaction.Transaction)
	}{
		{"exact amount", func(tx *transaction.Transaction) { tx.Amount = decimal.NewFromInt(200) }},
		{"reference", func(tx *transaction.Transaction) { tx.Reference = "INV 501" }},
		{"description", func(tx *transaction.Transaction) { tx.Description = "initech transfer" }},
		{"date", func(tx *transaction.Transaction) { tx.OccurredAt = date(2025, 2, 2) }},
	}
	for _, tt := range improved {
		t.Run(tt.name, func(t *testing.T) {
			tx := base
			tt.mutate(&tx)
			if got := Compute(&tx, inv).Confidence; got < baseScore {
				t.Errorf("confidence %v < base %v after improving %s", got, baseScore, tt.name)
			}
		})
	}
}

func TestCompute_NoReasonWhenNothingMatches(t *testing.T) {
	tx := &transaction.Transaction{Amount: decimal.NewFromInt(1), OccurredAt: date(2024, 1, 1)}
	inv := &invoice.Invoice{ID: 5, Balance: decimal.NewFromInt(1000), IssueDate: date(2025, 1, 1)}

	s := Compute(tx, inv)
	if s.Confidence != 0 || s.Reason() != "" {
		t.Errorf("Compute() = %v %q, want 0 and empty reason", s.Confidence, s.Reason())
	}
}
