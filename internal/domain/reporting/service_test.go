package reporting

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehr/billing-engine/internal/domain/claims"
	"github.com/ehr/billing-engine/internal/domain/invoice"
	"github.com/ehr/billing-engine/internal/domain/payment"
	"github.com/ehr/billing-engine/internal/domain/pricing"
	"github.com/ehr/billing-engine/internal/platform/clock"
	"github.com/ehr/billing-engine/internal/platform/numbering"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

type fixture struct {
	svc      *Service
	ledger   *invoice.Service
	payments *payment.Service
	claims   *claims.Service
	clock    *clock.Fixed
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFixed(time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC))
	numbers := numbering.NewGenerator(numbering.NewMemorySequence())
	ps := pricing.NewService(pricing.NewCatalogRepoMemory(), pricing.NewOverrideRepoMemory(), pricing.NewDiscountRepoMemory(), clk)
	ledger := invoice.NewService(invoice.NewRepoMemory(), ps, numbers, clk)
	pays := payment.NewService(payment.NewRepoMemory(), payment.NewMobileMoneyRepoMemory(), ledger, nil, numbers, clk)
	cl := claims.NewService(claims.NewRepoMemory(), claims.NewTariffRepoMemory(), ledger, numbers, clk)
	for _, tr := range []*claims.Tariff{
		{Code: "OPDC01", Description: "General OPD consultation", Price: d("35"), IsActive: true},
		{Code: "SURG01", Description: "Minor surgery", Price: d("250"), IsActive: true},
		{Code: "LAB-FBC", Description: "Full blood count", Price: d("20"), IsActive: true},
	} {
		if err := cl.UpsertTariff(context.Background(), tr); err != nil {
			t.Fatalf("seed tariff: %v", err)
		}
	}
	return &fixture{
		svc:      NewService(ledger, pays, cl, clk),
		ledger:   ledger,
		payments: pays,
		claims:   cl,
		clock:    clk,
	}
}

func (f *fixture) invoice(t *testing.T, amount string) *invoice.Invoice {
	t.Helper()
	inv, err := f.ledger.CreateInvoice(context.Background(), invoice.CreateRequest{
		PatientID: uuid.New(),
		Items:     []invoice.ItemInput{{Description: "Consultation", Quantity: d("1"), UnitPrice: dp(amount)}},
	})
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	return inv
}

func (f *fixture) pay(t *testing.T, invoiceID uuid.UUID, amount string, m payment.Method) *payment.Receipt {
	t.Helper()
	r, err := f.payments.RecordPayment(context.Background(), payment.RecordRequest{InvoiceID: invoiceID, Amount: d(amount), Method: m})
	if err != nil {
		t.Fatalf("pay %s: %v", amount, err)
	}
	return r
}

func TestDailySummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	day1 := f.clock.Now()

	a := f.invoice(t, "100")
	b := f.invoice(t, "50")
	c := f.invoice(t, "30")
	if _, err := f.ledger.CancelInvoice(ctx, c.ID, "duplicate"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	ra := f.pay(t, a.ID, "60", payment.MethodCash)
	f.pay(t, b.ID, "50", payment.MethodCard)
	if _, err := f.payments.Refund(ctx, ra.Payment.ID, d("10"), "overcharge", "fm-1"); err != nil {
		t.Fatalf("refund: %v", err)
	}

	f.clock.Advance(24 * time.Hour)
	f.pay(t, a.ID, "20", payment.MethodMTNMoMo)

	got, err := f.svc.DailySummary(ctx, day1)
	if err != nil {
		t.Fatalf("DailySummary: %v", err)
	}
	if got.Date != "2024-07-01" || got.InvoiceCount != 3 || got.CancelledCount != 1 {
		t.Errorf("unexpected counts: %+v", got)
	}
	for name, pair := range map[string][2]decimal.Decimal{
		"invoiced":    {got.TotalInvoiced, d("150")},
		"collected":   {got.TotalCollected, d("110")},
		"refunded":    {got.TotalRefunded, d("10")},
		"net":         {got.NetCollected, d("100")},
		"outstanding": {got.TotalOutstanding, d("30")},
		"cash":        {got.ByPaymentMethod[payment.MethodCash], d("60")},
		"card":        {got.ByPaymentMethod[payment.MethodCard], d("50")},
	} {
		if !pair[0].Equal(pair[1]) {
			t.Errorf("%s: got %s, want %s", name, pair[0], pair[1])
		}
	}
	if _, ok := got.ByPaymentMethod[payment.MethodMTNMoMo]; ok {
		t.Error("next-day payment counted on day one")
	}

	next, err := f.svc.DailySummary(ctx, f.clock.Now())
	if err != nil {
		t.Fatalf("DailySummary: %v", err)
	}
	if next.InvoiceCount != 0 || !next.TotalCollected.Equal(d("20")) || !next.ByPaymentMethod[payment.MethodMTNMoMo].Equal(d("20")) {
		t.Errorf("unexpected day two summary: %+v", next)
	}
}

func TestOutstandingInvoices_OldestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old := f.invoice(t, "80")
	f.clock.Advance(48 * time.Hour)
	paid := f.invoice(t, "40")
	f.pay(t, paid.ID, "40", payment.MethodCash)
	cancelled := f.invoice(t, "25")
	if _, err := f.ledger.CancelInvoice(ctx, cancelled.ID, "entered in error"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	f.clock.Advance(time.Hour)
	newer := f.invoice(t, "60")
	f.pay(t, newer.ID, "15", payment.MethodCash)

	got, err := f.svc.OutstandingInvoices(ctx)
	if err != nil {
		t.Fatalf("OutstandingInvoices: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 outstanding invoices, got %d", len(got))
	}
	if got[0].InvoiceID != old.ID || got[1].InvoiceID != newer.ID {
		t.Errorf("expected oldest first, got %s then %s", got[0].InvoiceNumber, got[1].InvoiceNumber)
	}
	if got[0].DaysOutstanding != 2 || !got[1].Balance.Equal(d("45")) {
		t.Errorf("unexpected views: %+v", got)
	}
}

func TestAgingReport_Buckets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start := f.clock.Now()

	// Ages at report time: 95, 61, 60, 31, 30 and 0 days.
	ages := []struct {
		days   int
		amount string
	}{{95, "200"}, {61, "10"}, {60, "20"}, {31, "30"}, {30, "40"}, {0, "50"}}
	report := start.AddDate(0, 0, 95)
	for _, a := range ages {
		f.clock.Set(report.AddDate(0, 0, -a.days))
		f.invoice(t, a.amount)
	}
	f.clock.Set(report)

	rep, err := f.svc.AgingReport(ctx)
	if err != nil {
		t.Fatalf("AgingReport: %v", err)
	}
	want := map[Bucket]struct {
		count   int
		balance string
	}{
		BucketCurrent: {2, "90"},
		Bucket31To60:  {2, "50"},
		Bucket61To90:  {1, "10"},
		BucketOver90:  {1, "200"},
	}
	for b, w := range want {
		got := rep.Bucket(b)
		if got.Count != w.count || !got.Balance.Equal(d(w.balance)) {
			t.Errorf("bucket %s: got %d/%s, want %d/%s", b, got.Count, got.Balance, w.count, w.balance)
		}
	}
	if !rep.TotalOutstanding.Equal(d("350")) || !rep.AsOf.Equal(report) {
		t.Errorf("unexpected totals: %s as of %s", rep.TotalOutstanding, rep.AsOf)
	}
}

func TestAgingReport_MovesWithClock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.invoice(t, "200")

	rep, err := f.svc.AgingReport(ctx)
	if err != nil {
		t.Fatalf("AgingReport: %v", err)
	}
	if rep.Bucket(BucketCurrent).Count != 1 {
		t.Fatalf("new invoice should be current: %+v", rep.Buckets)
	}

	f.clock.Advance(95 * 24 * time.Hour)
	rep, err = f.svc.AgingReport(ctx)
	if err != nil {
		t.Fatalf("AgingReport: %v", err)
	}
	over := rep.Bucket(BucketOver90)
	if over.Count != 1 || !over.Balance.Equal(d("200")) || over.Invoices[0].InvoiceID != inv.ID {
		t.Errorf("expected the invoice in 90+, got %+v", rep.Buckets)
	}
	if rep.Bucket(BucketCurrent).Count != 0 {
		t.Error("invoice still reported as current")
	}
}

func TestClaimsSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	create := func(code, qty string) *claims.Claim {
		t.Helper()
		c, err := f.claims.CreateClaim(ctx, claims.CreateRequest{
			PatientID:  uuid.New(),
			NHISNumber: "55443322",
			Items:      []claims.ItemInput{{TariffCode: code, Quantity: d(qty)}},
		})
		if err != nil {
			t.Fatalf("create claim: %v", err)
		}
		return c
	}

	create("OPDC01", "1")
	approved := create("SURG01", "2")
	rejected := create("LAB-FBC", "1")
	for _, c := range []*claims.Claim{approved, rejected} {
		if _, err := f.claims.SubmitClaim(ctx, c.ID); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if _, err := f.claims.ApproveClaim(ctx, approved.ID, d("450"), nil); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := f.claims.RejectClaim(ctx, rejected.ID, "not covered"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	got, err := f.svc.ClaimsSummary(ctx)
	if err != nil {
		t.Fatalf("ClaimsSummary: %v", err)
	}
	if len(got.ByStatus) != 5 {
		t.Fatalf("expected every status, got %d rows", len(got.ByStatus))
	}
	want := map[claims.Status]struct {
		count           int
		total, approved string
	}{
		claims.StatusDraft:     {1, "35", "0"},
		claims.StatusSubmitted: {0, "0", "0"},
		claims.StatusApproved:  {1, "500", "450"},
		claims.StatusRejected:  {1, "20", "0"},
		claims.StatusPaid:      {0, "0", "0"},
	}
	for _, row := range got.ByStatus {
		w := want[row.Status]
		if row.Count != w.count || !row.TotalAmount.Equal(d(w.total)) || !row.ApprovedAmount.Equal(d(w.approved)) {
			t.Errorf("%s: got %d/%s/%s, want %+v", row.Status, row.Count, row.TotalAmount, row.ApprovedAmount, w)
		}
	}
	if got.Count != 3 || !got.TotalAmount.Equal(d("555")) || !got.ApprovedAmount.Equal(d("450")) {
		t.Errorf("unexpected totals: %+v", got)
	}
}
