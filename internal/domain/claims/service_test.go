package claims

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehr/billing-engine/internal/domain/invoice"
	"github.com/ehr/billing-engine/internal/domain/pricing"
	"github.com/ehr/billing-engine/internal/platform/apperr"
	"github.com/ehr/billing-engine/internal/platform/clock"
	"github.com/ehr/billing-engine/internal/platform/numbering"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

func sp(s string) *string { return &s }

type patientsFake map[uuid.UUID]string

func (p patientsFake) NHISNumber(_ context.Context, id uuid.UUID) (string, error) {
	return p[id], nil
}

type fixture struct {
	svc      *Service
	repo     Repository
	ledger   *invoice.Service
	patients patientsFake
	clock    *clock.Fixed
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewFixed(time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC))
	numbers := numbering.NewGenerator(numbering.NewMemorySequence())
	ps := pricing.NewService(pricing.NewCatalogRepoMemory(), pricing.NewOverrideRepoMemory(), pricing.NewDiscountRepoMemory(), clk)
	ledger := invoice.NewService(invoice.NewRepoMemory(), ps, numbers, clk)

	repo := NewRepoMemory()
	svc := NewService(repo, NewTariffRepoMemory(), ledger, numbers, clk)
	patients := patientsFake{}
	svc.SetPatientDirectory(patients)
	svc.SetFacilityCode("KBTH-01")

	for _, tr := range []*Tariff{
		{Code: "OPDC01", Description: "General OPD consultation", Category: "OPD", Price: d("35"), IsActive: true},
		{Code: "LAB-FBC", Description: "Full blood count & film", Category: "LAB", Price: d("20"), IsActive: true},
		{Code: "SURG01", Description: "Minor surgery", Category: "SURGERY", Price: d("250"), IsActive: true},
		{Code: "OLD-01", Description: "Withdrawn tariff", Category: "OPD", Price: d("5"), IsActive: false},
	} {
		if err := svc.UpsertTariff(ctx, tr); err != nil {
			t.Fatalf("seed tariff %s: %v", tr.Code, err)
		}
	}
	return &fixture{svc: svc, repo: repo, ledger: ledger, patients: patients, clock: clk}
}

func (f *fixture) claim(t *testing.T, items ...ItemInput) *Claim {
	t.Helper()
	c, err := f.svc.CreateClaim(context.Background(), CreateRequest{PatientID: uuid.New(), NHISNumber: "12345678", Items: items})
	if err != nil {
		t.Fatalf("create claim: %v", err)
	}
	return c
}

func (f *fixture) submitted(t *testing.T, items ...ItemInput) *Claim {
	t.Helper()
	c, err := f.svc.SubmitClaim(context.Background(), f.claim(t, items...).ID)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return c
}

func line(code, qty string) ItemInput { return ItemInput{TariffCode: code, Quantity: d(qty)} }

func assertApprovedSum(t *testing.T, c *Claim) {
	t.Helper()
	if c.ApprovedAmount == nil {
		for _, it := range c.Items {
			if it.ApprovedAmount != nil {
				t.Errorf("line %d approved while claim is not", it.Sequence)
			}
		}
		return
	}
	sum := decimal.Zero
	for _, it := range c.Items {
		if it.ApprovedAmount == nil {
			t.Fatalf("line %d not adjudicated on an approved claim", it.Sequence)
		}
		if it.ApprovedAmount.GreaterThan(it.Amount) {
			t.Errorf("line %d approved %s above amount %s", it.Sequence, it.ApprovedAmount, it.Amount)
		}
		sum = sum.Add(*it.ApprovedAmount)
	}
	if !sum.Equal(*c.ApprovedAmount) {
		t.Errorf("line approvals %s != claim approved %s", sum, c.ApprovedAmount)
	}
	if c.ApprovedAmount.GreaterThan(c.TotalAmount) {
		t.Errorf("approved %s above total %s", c.ApprovedAmount, c.TotalAmount)
	}
}

func TestScenarioC_ClaimLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.claim(t, line("SURG01", "2"))
	if c.Status != StatusDraft || !c.TotalAmount.Equal(d("500")) || c.ClaimNumber != "NHIS-202406-00001" {
		t.Fatalf("unexpected new claim: %s %s %s", c.Status, c.TotalAmount, c.ClaimNumber)
	}

	c, err := f.svc.SubmitClaim(ctx, c.ID)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	submittedAt := *c.SubmittedAt

	f.clock.Advance(48 * time.Hour)
	c, err = f.svc.ApproveClaim(ctx, c.ID, d("450"), nil)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if c.Status != StatusApproved || !c.ApprovedAmount.Equal(d("450")) || c.Items[0].Status != StatusApproved {
		t.Errorf("unexpected approved claim: %s %v", c.Status, c.ApprovedAmount)
	}
	assertApprovedSum(t, c)

	f.clock.Advance(24 * time.Hour)
	c, err = f.svc.MarkPaid(ctx, c.ID)
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if c.Status != StatusPaid || c.PaidAt == nil || !c.SubmittedAt.Equal(submittedAt) || c.RejectedAt != nil {
		t.Errorf("unexpected paid claim: %+v", c)
	}

	if _, err := f.svc.RejectClaim(ctx, c.ID, "late objection"); !apperr.IsInvalidTransition(err) {
		t.Errorf("expected invalid transition rejecting a PAID claim, got %v", err)
	}
}

func TestTransitions_StateMachine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	draft := f.claim(t, line("OPDC01", "1"))
	if _, err := f.svc.ApproveClaim(ctx, draft.ID, d("35"), nil); !apperr.IsInvalidTransition(err) {
		t.Errorf("approve DRAFT: expected invalid transition, got %v", err)
	}
	if _, err := f.svc.MarkPaid(ctx, draft.ID); !apperr.IsInvalidTransition(err) {
		t.Errorf("pay DRAFT: expected invalid transition, got %v", err)
	}

	sub := f.submitted(t, line("OPDC01", "1"))
	if _, err := f.svc.SubmitClaim(ctx, sub.ID); !apperr.IsInvalidTransition(err) {
		t.Errorf("resubmit: expected invalid transition, got %v", err)
	}
	if _, err := f.svc.MarkPaid(ctx, sub.ID); !apperr.IsInvalidTransition(err) {
		t.Errorf("pay SUBMITTED: expected invalid transition, got %v", err)
	}
	if _, err := f.svc.RejectClaim(ctx, sub.ID, " "); !apperr.IsValidation(err) {
		t.Errorf("reject without reason: expected validation, got %v", err)
	}
	if _, err := f.svc.ApproveClaim(ctx, sub.ID, d("35.01"), nil); !apperr.IsValidation(err) {
		t.Errorf("approve above total: expected validation, got %v", err)
	}

	rej, err := f.svc.RejectClaim(ctx, sub.ID, "member not eligible")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rej.ApprovedAmount != nil || rej.RejectionReason == nil || rej.Items[0].Status != StatusRejected {
		t.Errorf("unexpected rejected claim: %+v", rej)
	}
	if _, err := f.svc.ApproveClaim(ctx, rej.ID, d("10"), nil); !apperr.IsInvalidTransition(err) {
		t.Errorf("approve REJECTED: expected invalid transition, got %v", err)
	}
}

func TestCreateClaim_Rejects(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		req  CreateRequest
		kind apperr.Kind
	}{
		{"no patient", CreateRequest{NHISNumber: "1", Items: []ItemInput{line("OPDC01", "1")}}, apperr.KindValidation},
		{"no nhis number", CreateRequest{PatientID: uuid.New(), Items: []ItemInput{line("OPDC01", "1")}}, apperr.KindValidation},
		{"no items", CreateRequest{PatientID: uuid.New(), NHISNumber: "1"}, apperr.KindValidation},
		{"zero quantity", CreateRequest{PatientID: uuid.New(), NHISNumber: "1", Items: []ItemInput{line("OPDC01", "0")}}, apperr.KindValidation},
		{"unknown tariff", CreateRequest{PatientID: uuid.New(), NHISNumber: "1", Items: []ItemInput{line("NOPE", "1")}}, apperr.KindNotFound},
		{"inactive tariff", CreateRequest{PatientID: uuid.New(), NHISNumber: "1", Items: []ItemInput{line("OLD-01", "1")}}, apperr.KindInactive},
		{"negative amount", CreateRequest{PatientID: uuid.New(), NHISNumber: "1", Items: []ItemInput{{TariffCode: "OPDC01", Quantity: d("1"), Amount: dp("-1")}}}, apperr.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateClaim(context.Background(), tt.req)
			if apperr.KindOf(err) != tt.kind {
				t.Errorf("expected %s, got %v", tt.kind, err)
			}
		})
	}
}

func TestApprove_ProRataAllocation(t *testing.T) {
	f := newFixture(t)
	c := f.submitted(t,
		line("OPDC01", "1"),
		line("LAB-FBC", "3"),
		ItemInput{TariffCode: "SURG01", Quantity: d("1"), Amount: dp("33.33")},
	)
	if !c.TotalAmount.Equal(d("128.33")) {
		t.Fatalf("expected total 128.33, got %s", c.TotalAmount)
	}

	for _, amount := range []string{"100", "0", "128.33", "0.01"} {
		t.Run(amount, func(t *testing.T) {
			f := newFixture(t)
			c := f.submitted(t,
				line("OPDC01", "1"),
				line("LAB-FBC", "3"),
				ItemInput{TariffCode: "SURG01", Quantity: d("1"), Amount: dp("33.33")},
			)
			got, err := f.svc.ApproveClaim(context.Background(), c.ID, d(amount), nil)
			if err != nil {
				t.Fatalf("approve: %v", err)
			}
			assertApprovedSum(t, got)
		})
	}
}

func TestApprove_PerItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.submitted(t, line("OPDC01", "1"), line("LAB-FBC", "1"))
	a, b := c.Items[0].ID, c.Items[1].ID

	bad := []struct {
		name     string
		approved string
		items    []ItemApproval
	}{
		{"sum mismatch", "50", []ItemApproval{{a, d("35")}, {b, d("10")}}},
		{"missing line", "35", []ItemApproval{{a, d("35")}}},
		{"above line", "40", []ItemApproval{{a, d("20")}, {b, d("20.01")}}},
		{"foreign line", "35", []ItemApproval{{a, d("35")}, {uuid.New(), d("0")}}},
		{"duplicate line", "35", []ItemApproval{{a, d("20")}, {a, d("15")}}},
	}
	for _, tt := range bad {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.ApproveClaim(ctx, c.ID, d(tt.approved), tt.items); !apperr.IsValidation(err) {
				t.Errorf("expected validation, got %v", err)
			}
		})
	}

	got, err := f.svc.ApproveClaim(ctx, c.ID, d("45"), []ItemApproval{{a, d("35")}, {b, d("10")}})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	assertApprovedSum(t, got)
	if !got.Items[1].ApprovedAmount.Equal(d("10")) {
		t.Errorf("expected line 2 approved 10, got %s", got.Items[1].ApprovedAmount)
	}
}

func TestUpdate_StaleVersionConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.claim(t, line("OPDC01", "1"))

	stale, _ := f.repo.GetByID(ctx, c.ID)
	if _, err := f.svc.SubmitClaim(ctx, c.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	stale.Status = StatusSubmitted
	if err := f.repo.Update(ctx, stale); !apperr.IsConflict(err) {
		t.Errorf("expected conflict on stale write, got %v", err)
	}
}

func TestApprove_ConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t)
	c := f.submitted(t, line("SURG01", "1"))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.ApproveClaim(context.Background(), c.ID, d("200"), nil)
			switch {
			case err == nil:
				mu.Lock()
				wins++
				mu.Unlock()
			case apperr.IsConflict(err), apperr.IsInvalidTransition(err):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("expected exactly one approval, got %d", wins)
	}
	got, _ := f.svc.GetClaim(context.Background(), c.ID)
	if got.Version != 3 {
		t.Errorf("expected version 3 after submit and approve, got %d", got.Version)
	}
}

func TestReplaceItems_OnlyInDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.claim(t, line("OPDC01", "1"))

	c, err := f.svc.ReplaceItems(ctx, c.ID, []ItemInput{line("OPDC01", "1"), line("LAB-FBC", "2")})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if !c.TotalAmount.Equal(d("75")) || len(c.Items) != 2 {
		t.Errorf("expected 2 lines totalling 75, got %d / %s", len(c.Items), c.TotalAmount)
	}
	if _, err := f.svc.SubmitClaim(ctx, c.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.svc.ReplaceItems(ctx, c.ID, []ItemInput{line("OPDC01", "1")}); !apperr.IsInvalidTransition(err) {
		t.Errorf("expected submitted items to be locked, got %v", err)
	}
}

func TestCreateFromInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	member, nonMember := uuid.New(), uuid.New()
	f.patients[member] = "NHIS-778812"

	newInvoice := func(patient uuid.UUID, items ...invoice.ItemInput) *invoice.Invoice {
		inv, err := f.ledger.CreateInvoice(ctx, invoice.CreateRequest{PatientID: patient, Items: items})
		if err != nil {
			t.Fatalf("create invoice: %v", err)
		}
		return inv
	}
	tagged := invoice.ItemInput{Description: "Consultation", Quantity: d("1"), UnitPrice: dp("50"), NHISTariffCode: sp("OPDC01")}
	labs := invoice.ItemInput{Description: "FBC", Quantity: d("2"), UnitPrice: dp("30"), NHISTariffCode: sp("LAB-FBC")}
	cash := invoice.ItemInput{Description: "Private room", Quantity: d("1"), UnitPrice: dp("200")}

	inv := newInvoice(member, tagged, cash, labs)
	c, err := f.svc.CreateFromInvoice(ctx, inv.ID, "officer-1")
	if err != nil {
		t.Fatalf("CreateFromInvoice: %v", err)
	}
	if len(c.Items) != 2 || !c.TotalAmount.Equal(d("75")) || c.NHISNumber != "NHIS-778812" {
		t.Errorf("unexpected claim: %d items total %s nhis %s", len(c.Items), c.TotalAmount, c.NHISNumber)
	}
	if c.InvoiceID == nil || *c.InvoiceID != inv.ID {
		t.Errorf("claim must reference the invoice")
	}
	if _, err := f.svc.CreateFromInvoice(ctx, inv.ID, ""); !apperr.IsConflict(err) {
		t.Errorf("second claim: expected conflict, got %v", err)
	}

	if _, err := f.svc.CreateFromInvoice(ctx, newInvoice(nonMember, tagged).ID, ""); !apperr.IsValidation(err) {
		t.Errorf("non-member: expected validation, got %v", err)
	}
	if _, err := f.svc.CreateFromInvoice(ctx, newInvoice(member, cash).ID, ""); !apperr.IsValidation(err) {
		t.Errorf("no eligible items: expected validation, got %v", err)
	}
	if _, err := f.svc.CreateFromInvoice(ctx, uuid.New(), ""); !apperr.IsNotFound(err) {
		t.Errorf("unknown invoice: expected not found, got %v", err)
	}
}

func TestExportXML_Deterministic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.claim(t, line("OPDC01", "1"), line("LAB-FBC", "2"))
	f.clock.Advance(24 * time.Hour)
	b := f.claim(t, line("SURG01", "1"))

	first, err := f.svc.ExportXML(ctx, []uuid.UUID{b.ID, a.ID})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	f.clock.Advance(72 * time.Hour)
	second, err := f.svc.ExportXML(ctx, []uuid.UUID{a.ID, b.ID, a.ID})
	if err != nil {
		t.Fatalf("export again: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("exports differ:\n%s\n---\n%s", first, second)
	}

	doc := string(first)
	for _, want := range []string{
		`<?xml version="1.0" encoding="UTF-8"?>`,
		"<FacilityCode>KBTH-01</FacilityCode>",
		"<PeriodStart>2024-06-03</PeriodStart>",
		"<PeriodEnd>2024-06-04</PeriodEnd>",
		"<TotalClaims>2</TotalClaims>",
		"<GrandTotal>325.00</GrandTotal>",
		"<TariffDescription>Full blood count &amp; film</TariffDescription>",
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("export missing %q", want)
		}
	}
	if strings.Index(doc, a.ClaimNumber) > strings.Index(doc, b.ClaimNumber) {
		t.Errorf("claims must be ordered by claim number")
	}

	if _, err := f.svc.ExportXML(ctx, []uuid.UUID{uuid.New()}); !apperr.IsNotFound(err) {
		t.Errorf("unknown claim: expected not found, got %v", err)
	}
	if _, err := f.svc.ExportXML(ctx, nil); !apperr.IsValidation(err) {
		t.Errorf("empty export: expected validation, got %v", err)
	}
}

func TestClaimXML_SingleDocument(t *testing.T) {
	f := newFixture(t)
	c := f.claim(t, line("OPDC01", "2"))
	doc, err := f.svc.ClaimXML(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("ClaimXML: %v", err)
	}
	s := string(doc)
	if !strings.Contains(s, "<NHISClaim>") || !strings.Contains(s, "<Amount>70.00</Amount>") || !strings.Contains(s, "<LineNo>1</LineNo>") {
		t.Errorf("unexpected document:\n%s", s)
	}
}

func TestReconcile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	approve := f.submitted(t, line("SURG01", "1"))
	reject := f.submitted(t, line("OPDC01", "1"))
	draft := f.claim(t, line("OPDC01", "1"))

	entries := []ReconcileEntry{
		{ClaimNumber: approve.ClaimNumber, Status: StatusApproved, ApprovedAmount: dp("220")},
		{ClaimNumber: reject.ClaimNumber, Status: StatusRejected},
		{ClaimNumber: "NHIS-209901-99999", Status: StatusApproved},
		{ClaimNumber: draft.ClaimNumber, Status: StatusPaid},
	}
	results := f.svc.Reconcile(ctx, entries)
	want := []struct {
		outcome Outcome
		kind    string
	}{
		{OutcomeApplied, ""},
		{OutcomeApplied, ""},
		{OutcomeError, string(apperr.KindNotFound)},
		{OutcomeError, string(apperr.KindInvalidTransition)},
	}
	for i, w := range want {
		if results[i].Outcome != w.outcome || results[i].ErrorKind != w.kind {
			t.Errorf("entry %d: expected %s/%q, got %s/%q (%s)", i, w.outcome, w.kind, results[i].Outcome, results[i].ErrorKind, results[i].Error)
		}
	}

	got, _ := f.svc.GetClaim(ctx, approve.ID)
	if got.Status != StatusApproved || !got.ApprovedAmount.Equal(d("220")) {
		t.Errorf("expected approved 220, got %s %v", got.Status, got.ApprovedAmount)
	}
	assertApprovedSum(t, got)
	got, _ = f.svc.GetClaim(ctx, reject.ID)
	if got.RejectionReason == nil || *got.RejectionReason == "" {
		t.Errorf("reconciled rejection needs a reason")
	}

	again := f.svc.Reconcile(ctx, entries[:2])
	for i, r := range again {
		if r.Outcome != OutcomeSkipped || r.ErrorKind != string(apperr.KindInvalidTransition) {
			t.Errorf("replayed entry %d: expected skipped, got %s/%s", i, r.Outcome, r.ErrorKind)
		}
	}
	got, _ = f.svc.GetClaim(ctx, approve.ID)
	if got.Version != 3 {
		t.Errorf("replay must not write, version %d", got.Version)
	}
}
