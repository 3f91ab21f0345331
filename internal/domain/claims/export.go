package claims

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehr/billing-engine/internal/platform/apperr"
)

// Element order below is the order of the NHIS submission format. Nothing
// time-of-export dependent is written, so the same claims always export to
// the same bytes.

type xmlBatch struct {
	XMLName xml.Name       `xml:"NHISBatchClaim"`
	Header  xmlBatchHeader `xml:"BatchHeader"`
	Claims  []xmlClaim     `xml:"Claims>NHISClaim"`
}

type xmlBatchHeader struct {
	FacilityCode string `xml:"FacilityCode,omitempty"`
	PeriodStart  string `xml:"PeriodStart"`
	PeriodEnd    string `xml:"PeriodEnd"`
	TotalClaims  int    `xml:"TotalClaims"`
	GrandTotal   string `xml:"GrandTotal"`
}

type xmlClaim struct {
	XMLName xml.Name       `xml:"NHISClaim"`
	Header  xmlClaimHeader `xml:"Header"`
	Lines   []xmlClaimLine `xml:"ClaimLines>ClaimLine"`
}

type xmlClaimHeader struct {
	ClaimNumber string `xml:"ClaimNumber"`
	NHISNumber  string `xml:"NHISNumber"`
	PatientID   string `xml:"PatientId"`
	ClaimDate   string `xml:"ClaimDate"`
	TotalAmount string `xml:"TotalAmount"`
	Status      string `xml:"Status"`
}

type xmlClaimLine struct {
	LineNo            int    `xml:"LineNo"`
	TariffCode        string `xml:"TariffCode"`
	TariffDescription string `xml:"TariffDescription"`
	Quantity          string `xml:"Quantity"`
	UnitPrice         string `xml:"UnitPrice"`
	Amount            string `xml:"Amount"`
}

func toXML(c *Claim) xmlClaim {
	out := xmlClaim{
		Header: xmlClaimHeader{
			ClaimNumber: c.ClaimNumber,
			NHISNumber:  c.NHISNumber,
			PatientID:   c.PatientID.String(),
			ClaimDate:   c.ClaimDate.Format("2006-01-02"),
			TotalAmount: c.TotalAmount.StringFixed(2),
			Status:      string(c.Status),
		},
		Lines: make([]xmlClaimLine, len(c.Items)),
	}
	items := make([]*Item, len(c.Items))
	copy(items, c.Items)
	sort.SliceStable(items, func(i, j int) bool { return items[i].Sequence < items[j].Sequence })
	for i, it := range items {
		out.Lines[i] = xmlClaimLine{
			LineNo:            i + 1,
			TariffCode:        it.TariffCode,
			TariffDescription: it.Description,
			Quantity:          it.Quantity.String(),
			UnitPrice:         it.UnitPrice.StringFixed(2),
			Amount:            it.Amount.StringFixed(2),
		}
	}
	return out
}

func render(v interface{}) ([]byte, error) {
	body, err := xml.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal claim xml: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.Write(body)
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// ClaimXML renders one claim as a standalone NHIS claim document.
func (s *Service) ClaimXML(ctx context.Context, id uuid.UUID) ([]byte, error) {
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return render(toXML(c))
}

// ExportXML renders a batch document for the given claims, ordered by claim
// number whatever the order of ids. Duplicate ids are exported once.
func (s *Service) ExportXML(ctx context.Context, ids []uuid.UUID) ([]byte, error) {
	if len(ids) == 0 {
		return nil, apperr.Validation("claim_ids", "at least one claim is required")
	}
	seen := make(map[uuid.UUID]bool, len(ids))
	claims := make([]*Claim, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		c, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		claims = append(claims, c)
	}
	return s.renderBatch(claims)
}

// ExportByNumbers is ExportXML keyed by claim number.
func (s *Service) ExportByNumbers(ctx context.Context, numbers []string) ([]byte, error) {
	ids := make([]uuid.UUID, 0, len(numbers))
	for _, n := range numbers {
		c, err := s.repo.GetByNumber(ctx, n)
		if err != nil {
			return nil, err
		}
		ids = append(ids, c.ID)
	}
	return s.ExportXML(ctx, ids)
}

func (s *Service) renderBatch(claims []*Claim) ([]byte, error) {
	sort.Slice(claims, func(i, j int) bool { return claims[i].ClaimNumber < claims[j].ClaimNumber })

	batch := xmlBatch{Claims: make([]xmlClaim, len(claims))}
	total := decimal.Zero
	first, last := claims[0].ClaimDate, claims[0].ClaimDate
	for i, c := range claims {
		batch.Claims[i] = toXML(c)
		total = total.Add(c.TotalAmount)
		if c.ClaimDate.Before(first) {
			first = c.ClaimDate
		}
		if c.ClaimDate.After(last) {
			last = c.ClaimDate
		}
	}
	batch.Header = xmlBatchHeader{
		FacilityCode: s.facility,
		PeriodStart:  first.Format("2006-01-02"),
		PeriodEnd:    last.Format("2006-01-02"),
		TotalClaims:  len(claims),
		GrandTotal:   total.StringFixed(2),
	}
	s.logger.Info().Int("claims", len(claims)).Str("grand_total", batch.Header.GrandTotal).Msg("claims batch exported")
	return render(batch)
}
