/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
	Provides pre-built invoices that walk a line through the typical payer
	cascades, so the billing UI and API consumers have realistic ledgers to
	look at without an upstream order system.

AVAILABLE SCENARIOS:
	medicare-crossover:  Medicare pays on allowed basis, AARP is auto-submitted
	denied-primary:      primary denies, staff hands the line to the secondary
	patient-hardship:    primary pays part, hardship writes off the patient share
	payee-override:      billing staff forces the patient to be current payer

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create the document via the document factory
 3. Recalculate every line
 4. Drive payments/submissions through the engine, never the store

USAGE VIA API:
	POST /api/scenarios/load
	{"scenario_id": "medicare-crossover"}

NOTE:
	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: document intake shared with POST /api/documents
  - factory/document.go: document JSON schema
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenario struct {
	ScenarioDTO
	document string
	load     func(ctx context.Context, h *Handler) error
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "medicare-crossover",
			Name:        "Medicare Crossover",
			Description: "Medicare pays 80% of allowed, contractual write-off, AARP auto-submitted",
		},
		document: `{
			"customer_id": "demo-cust-1", "invoice_id": "demo-inv-1",
			"insurances": [
				{"slot": 1, "customer_insurance_id": "ci-medicare", "insurance_company_id": "medicare", "basis": "allowed"},
				{"slot": 2, "customer_insurance_id": "ci-aarp", "insurance_company_id": "aarp", "auto_submit": true}
			],
			"lines": [
				{"line_id": "1", "billable_amount": "120.00", "allowable_amount": "100.00", "bill_ins": [1, 2]},
				{"line_id": "2", "billable_amount": "45.00", "allowable_amount": "40.00", "bill_ins": [1, 2]}
			]
		}`,
		load: func(ctx context.Context, h *Handler) error {
			inv := billing.InvoiceKey{CustomerID: "demo-cust-1", InvoiceID: "demo-inv-1"}
			if err := h.submitFirst(ctx, inv, "1", "2"); err != nil {
				return err
			}
			for _, p := range []struct {
				line, paid, token string
			}{
				{"1", "80.00", "demo-era-1001-1"},
				{"2", "32.00", "demo-era-1001-2"},
			} {
				if err := h.post(ctx, lineOf(inv, p.line), billing.PaymentInstruction{
					Payer:            billing.PayerInsurance1,
					Paid:             billing.AmountPtr(p.paid),
					CheckNumber:      "EFT-1001",
					IdempotencyToken: p.token,
				}); err != nil {
					return err
				}
			}
			return h.advance(ctx, lineOf(inv, "1"), lineOf(inv, "2"))
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "denied-primary",
			Name:        "Denied by Primary",
			Description: "Primary posts a denial, billing staff moves the line to the secondary",
		},
		document: `{
			"customer_id": "demo-cust-2", "invoice_id": "demo-inv-2",
			"insurances": [
				{"slot": 1, "customer_insurance_id": "ci-bcbs", "insurance_company_id": "bcbs"},
				{"slot": 2, "customer_insurance_id": "ci-medicaid", "insurance_company_id": "medicaid"}
			],
			"lines": [
				{"line_id": "1", "billable_amount": "250.00", "allowable_amount": "250.00", "bill_ins": [1, 2]}
			]
		}`,
		load: func(ctx context.Context, h *Handler) error {
			line := lineOf(billing.InvoiceKey{CustomerID: "demo-cust-2", InvoiceID: "demo-inv-2"}, "1")
			if err := h.submitFirst(ctx, line.Invoice(), "1"); err != nil {
				return err
			}
			if err := h.post(ctx, line, billing.PaymentInstruction{
				Payer:            billing.PayerInsurance1,
				Paid:             billing.AmountPtr("0"),
				CheckNumber:      "DEN-77",
				IdempotencyToken: "demo-den-77",
				Comment:          "CO-50 not medically necessary",
				Options:          []billing.PaymentOption{billing.OptionPostDenied},
			}); err != nil {
				return err
			}
			if _, err := h.Engine.ChangePayee(ctx, line, billing.PayerInsurance2, "appeal to secondary"); err != nil {
				return err
			}
			return h.advance(ctx, line)
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "patient-hardship",
			Name:        "Patient Hardship",
			Description: "Primary pays with a deductible, the remaining patient share is written off",
		},
		document: `{
			"customer_id": "demo-cust-3", "invoice_id": "demo-inv-3",
			"insurances": [
				{"slot": 1, "customer_insurance_id": "ci-aetna", "insurance_company_id": "aetna"}
			],
			"lines": [
				{"line_id": "1", "billable_amount": "300.00", "allowable_amount": "300.00", "bill_ins": [1], "hardship": true}
			]
		}`,
		load: func(ctx context.Context, h *Handler) error {
			line := lineOf(billing.InvoiceKey{CustomerID: "demo-cust-3", InvoiceID: "demo-inv-3"}, "1")
			if err := h.submitFirst(ctx, line.Invoice(), "1"); err != nil {
				return err
			}
			return h.post(ctx, line, billing.PaymentInstruction{
				Payer:            billing.PayerInsurance1,
				Paid:             billing.AmountPtr("200.00"),
				Deductible:       billing.AmountPtr("100.00"),
				CheckNumber:      "AET-5521",
				IdempotencyToken: "demo-aet-5521",
			})
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "payee-override",
			Name:        "Payee Override",
			Description: "Billing staff sends the line to the patient ahead of the secondary",
		},
		document: `{
			"customer_id": "demo-cust-4", "invoice_id": "demo-inv-4",
			"insurances": [
				{"slot": 1, "customer_insurance_id": "ci-uhc", "insurance_company_id": "uhc"},
				{"slot": 2, "customer_insurance_id": "ci-cigna", "insurance_company_id": "cigna"}
			],
			"lines": [
				{"line_id": "1", "billable_amount": "90.00", "allowable_amount": "90.00", "bill_ins": [1, 2]}
			]
		}`,
		load: func(ctx context.Context, h *Handler) error {
			line := lineOf(billing.InvoiceKey{CustomerID: "demo-cust-4", InvoiceID: "demo-inv-4"}, "1")
			if err := h.post(ctx, line, billing.PaymentInstruction{
				Payer:            billing.PayerInsurance1,
				Paid:             billing.AmountPtr("60.00"),
				CheckNumber:      "UHC-300",
				IdempotencyToken: "demo-uhc-300",
			}); err != nil {
				return err
			}
			if _, err := h.Engine.ChangePayee(ctx, line, billing.PayerPatient, "secondary coverage terminated"); err != nil {
				return err
			}
			return h.advance(ctx, line)
		},
	},
}

func findScenario(id string) (scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenario{}, false
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, 0, len(scenarios))
	for _, s := range scenarios {
		dtos = append(dtos, s.ScenarioDTO)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	s, ok := findScenario(current)
	if !ok {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, s.ScenarioDTO)
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}
	s, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()

	if err := h.loadScenario(ctx, s); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.mu.Lock()
	h.currentScenario = s.ID
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": s.ID})
}

// =============================================================================
// SCENARIO HELPERS
// =============================================================================

func (h *Handler) loadScenario(ctx context.Context, s scenario) error {
	doc, lines, err := h.Documents.ParseDocument([]byte(s.document))
	if err != nil {
		return fmt.Errorf("scenario %s document: %w", s.ID, err)
	}
	if _, err := h.saveDocument(ctx, doc, lines); err != nil {
		return err
	}
	return s.load(ctx, h)
}

func lineOf(inv billing.InvoiceKey, lineID string) billing.LineKey {
	return billing.LineKey{CustomerID: inv.CustomerID, InvoiceID: inv.InvoiceID, LineID: lineID}
}

// submitFirst queues the first claim of each line and records it as sent.
func (h *Handler) submitFirst(ctx context.Context, inv billing.InvoiceKey, lineIDs ...string) error {
	for _, id := range lineIDs {
		key := lineOf(inv, id)
		out, err := h.Engine.AdvanceSubmission(ctx, key)
		if err != nil {
			return err
		}
		if out.Submission == nil {
			continue
		}
		if _, err := h.Engine.RecordSubmission(ctx, key, out.Submission.Owner, out.Submission.Date); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) post(ctx context.Context, key billing.LineKey, in billing.PaymentInstruction) error {
	_, err := h.Engine.PostPayment(ctx, key, in)
	return err
}

func (h *Handler) advance(ctx context.Context, keys ...billing.LineKey) error {
	res := h.Engine.SweepLines(ctx, keys)
	for key, err := range res.Failed {
		return fmt.Errorf("advance %s: %w", key, err)
	}
	return nil
}
