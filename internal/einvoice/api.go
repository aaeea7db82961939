package einvoice

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ledgerline/einvoicing/internal/csr"
	"github.com/ledgerline/einvoicing/internal/invoice"
	"github.com/ledgerline/einvoicing/internal/shared/auth"
	"github.com/ledgerline/einvoicing/internal/shared/errors"
	"github.com/ledgerline/einvoicing/internal/shared/types"
)

// Handler provides HTTP handlers for the invoicing module
type Handler struct {
	svc             *Service
	defaultCurrency string
}

// NewHandler creates a new invoicing handler
func NewHandler(svc *Service, defaultCurrency string) *Handler {
	return &Handler{svc: svc, defaultCurrency: defaultCurrency}
}

// Routes registers the invoicing routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/branches/{branchID}", func(r chi.Router) {
		// Onboarding
		r.Get("/csid", h.GetCertificateState)
		r.With(auth.RequireRoles(auth.RoleOnboard)).Post("/csid/compliance", h.IssueComplianceCertificate)
		r.With(auth.RequireRoles(auth.RoleOnboard)).Post("/csid/production", h.IssueProductionCertificate)
		r.Get("/compliance", h.GetComplianceProgress)
		r.With(auth.RequireRoles(auth.RoleOnboard)).Post("/compliance/checks", h.RunComplianceChecks)

		// Invoices
		r.Get("/invoices", h.ListInvoices)
		r.With(auth.RequireRoles(auth.RoleIssuer)).Post("/invoices", h.IssueInvoice)

		// Chain
		r.Get("/chain/verify", h.VerifyChain)
		r.With(auth.RequireRoles(auth.RoleOperator)).Post("/chain/reconcile", h.ReconcileChain)
	})

	r.Route("/invoices/{invoiceID}", func(r chi.Router) {
		r.Get("/", h.GetInvoice)
		r.Get("/qr", h.GetInvoiceQR)
		r.Get("/document", h.GetInvoiceDocument)
	})

	return r
}

// IssueCertificateRequest is the body of a compliance certificate request.
type IssueCertificateRequest struct {
	CommonName       string              `json:"common_name"`
	OrganizationUnit string              `json:"organization_unit"`
	Organization     string              `json:"organization"`
	Country          string              `json:"country"`
	TaxID            types.TaxID         `json:"tax_id"`
	InvoicingType    types.InvoicingType `json:"invoicing_type"`
	Location         string              `json:"location"`
	Industry         string              `json:"industry"`
	SerialNumber     string              `json:"serial_number,omitempty"`
	OTP              string              `json:"otp"`
}

// IssueInvoiceRequest is the body of an invoice issuance request.
type IssueInvoiceRequest struct {
	Stage    types.Stage    `json:"stage,omitempty"`
	Draft    *invoice.Draft `json:"draft"`
	Supplier invoice.Party  `json:"supplier"`
	Customer *invoice.Party `json:"customer,omitempty"`
}

// ComplianceChecksRequest is the body of a compliance check run.
type ComplianceChecksRequest struct {
	Supplier invoice.Party    `json:"supplier"`
	Customer *invoice.Party   `json:"customer,omitempty"`
	Samples  []*invoice.Draft `json:"samples,omitempty"`
}

// GetCertificateState reports the branch's onboarding state
func (h *Handler) GetCertificateState(w http.ResponseWriter, r *http.Request) {
	branch, ok := h.branch(w, r)
	if !ok {
		return
	}

	state, err := h.svc.certs.State(r.Context(), branch)
	if err != nil {
		writeError(w, err)
		return
	}

	body := map[string]any{"branch": branch, "state": state}
	for _, stage := range []types.Stage{types.StageCompliance, types.StageProduction} {
		rec, err := h.svc.certs.Record(r.Context(), branch, stage)
		if err == nil {
			body[strings.ToLower(string(stage))] = rec
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// IssueComplianceCertificate onboards a branch
func (h *Handler) IssueComplianceCertificate(w http.ResponseWriter, r *http.Request) {
	branch, ok := h.branch(w, r)
	if !ok {
		return
	}

	var req IssueCertificateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	identity := csr.Identity{
		Branch:           branch,
		CommonName:       req.CommonName,
		OrganizationUnit: req.OrganizationUnit,
		Organization:     req.Organization,
		Country:          req.Country,
		TaxID:            req.TaxID,
		InvoicingType:    req.InvoicingType,
		Location:         req.Location,
		Industry:         req.Industry,
		SerialNumber:     req.SerialNumber,
	}
	rec, err := h.svc.Onboard(r.Context(), identity, req.OTP)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, rec)
}

// IssueProductionCertificate promotes a branch to production
func (h *Handler) IssueProductionCertificate(w http.ResponseWriter, r *http.Request) {
	branch, ok := h.branch(w, r)
	if !ok {
		return
	}

	rec, err := h.svc.Promote(r.Context(), branch)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, rec)
}

// GetComplianceProgress reports the compliance combinations passed so far
func (h *Handler) GetComplianceProgress(w http.ResponseWriter, r *http.Request) {
	branch, ok := h.branch(w, r)
	if !ok {
		return
	}

	progress, err := h.svc.ComplianceProgress(r.Context(), branch)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"progress": progress,
		"eligible": progress.Eligible(),
	})
}

// RunComplianceChecks submits the compliance sample set
func (h *Handler) RunComplianceChecks(w http.ResponseWriter, r *http.Request) {
	branch, ok := h.branch(w, r)
	if !ok {
		return
	}

	var req ComplianceChecksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	report, err := h.svc.RunComplianceChecks(r.Context(), ComplianceCheckRequest{
		Branch:   branch,
		Supplier: req.Supplier,
		Customer: req.Customer,
		Samples:  req.Samples,
		Currency: h.defaultCurrency,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// IssueInvoice signs, chains and submits an invoice
func (h *Handler) IssueInvoice(w http.ResponseWriter, r *http.Request) {
	branch, ok := h.branch(w, r)
	if !ok {
		return
	}

	var req IssueInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}
	if req.Draft == nil {
		writeError(w, errors.BadRequest("draft is required"))
		return
	}
	if req.Stage != "" && !req.Stage.IsValid() {
		writeError(w, errors.BadRequest("invalid stage"))
		return
	}
	if req.Draft.ID.IsZero() {
		req.Draft.ID = types.NewID()
	}
	if req.Draft.Currency == "" {
		req.Draft.Currency = h.defaultCurrency
	}

	signed, err := h.svc.Issue(r.Context(), IssueRequest{
		Branch:   branch,
		Stage:    req.Stage,
		Draft:    req.Draft,
		Supplier: req.Supplier,
		Customer: req.Customer,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, signed)
}

// ListInvoices lists a branch's signed invoices
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	branch, ok := h.branch(w, r)
	if !ok {
		return
	}

	filter := invoice.ListFilter{Branch: &branch, Limit: 50}
	if s := r.URL.Query().Get("stage"); s != "" {
		stage := types.Stage(strings.ToUpper(s))
		if !stage.IsValid() {
			writeError(w, errors.BadRequest("invalid stage"))
			return
		}
		filter.Stage = &stage
	}
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 500 {
		filter.Limit = l
	}
	if o, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && o >= 0 {
		filter.Offset = o
	}

	list, err := h.svc.Invoices(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  list,
		"total": len(list),
	})
}

// VerifyChain recomputes a branch's chain
func (h *Handler) VerifyChain(w http.ResponseWriter, r *http.Request) {
	key, ok := h.chainKey(w, r)
	if !ok {
		return
	}

	report, err := h.svc.VerifyChain(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// ReconcileChain restores a halted chain
func (h *Handler) ReconcileChain(w http.ResponseWriter, r *http.Request) {
	key, ok := h.chainKey(w, r)
	if !ok {
		return
	}

	report, err := h.svc.ReconcileChain(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// GetInvoice gets a signed invoice by ID
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	signed, ok := h.invoice(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, signed)
}

// GetInvoiceQR returns the invoice's QR payload
func (h *Handler) GetInvoiceQR(w http.ResponseWriter, r *http.Request) {
	signed, ok := h.invoice(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"invoice_id": signed.ID.String(),
		"qr":         signed.QR,
	})
}

// GetInvoiceDocument returns the document of record
func (h *Handler) GetInvoiceDocument(w http.ResponseWriter, r *http.Request) {
	signed, ok := h.invoice(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	w.Write(signed.Document)
}

func (h *Handler) branch(w http.ResponseWriter, r *http.Request) (types.BranchKey, bool) {
	p := auth.GetPrincipal(r.Context())
	if p == nil {
		writeError(w, errors.Unauthorized("authentication required"))
		return types.BranchKey{}, false
	}
	id, err := types.ParseID(chi.URLParam(r, "branchID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid branch ID"))
		return types.BranchKey{}, false
	}
	branch, ok := p.Branch(id)
	if !ok {
		writeError(w, errors.Forbidden("no access to this branch"))
		return types.BranchKey{}, false
	}
	return branch, true
}

// chainKey resolves the branch and the ?stage= parameter, defaulting to the
// branch's active stage.
func (h *Handler) chainKey(w http.ResponseWriter, r *http.Request) (types.ChainKey, bool) {
	branch, ok := h.branch(w, r)
	if !ok {
		return types.ChainKey{}, false
	}
	stage := types.Stage(strings.ToUpper(r.URL.Query().Get("stage")))
	if stage == "" {
		var err error
		if stage, err = h.svc.certs.ActiveStage(r.Context(), branch); err != nil {
			writeError(w, err)
			return types.ChainKey{}, false
		}
	}
	if !stage.IsValid() {
		writeError(w, errors.BadRequest("invalid stage"))
		return types.ChainKey{}, false
	}
	return types.NewChainKey(branch, stage), true
}

func (h *Handler) invoice(w http.ResponseWriter, r *http.Request) (*invoice.SignedInvoice, bool) {
	p := auth.GetPrincipal(r.Context())
	if p == nil {
		writeError(w, errors.Unauthorized("authentication required"))
		return nil, false
	}
	id, err := types.ParseID(chi.URLParam(r, "invoiceID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid invoice ID"))
		return nil, false
	}

	signed, err := h.svc.Invoice(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	if _, ok := p.Branch(signed.Branch.BranchID); !ok || signed.Branch.OrganizationID != p.OrganizationID {
		// Indistinguishable from a missing invoice.
		writeError(w, errors.NotFound("signed invoice", id.String()))
		return nil, false
	}
	return signed, true
}

type detailer interface {
	Details() map[string]string
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	appErr := errors.FromDomain(err)

	body := map[string]any{
		"error": appErr.Message,
		"code":  appErr.Code,
	}
	var d detailer
	if appErr.Details != nil {
		body["details"] = appErr.Details
	} else if errors.As(err, &d) {
		body["details"] = d.Details()
	}
	if len(appErr.Payload) > 0 && json.Valid(appErr.Payload) {
		body["authority_response"] = json.RawMessage(appErr.Payload)
	}
	if appErr.HTTPStatus >= http.StatusInternalServerError && appErr.Code == "INTERNAL_ERROR" {
		body["error"] = "internal server error"
	}
	writeJSON(w, appErr.HTTPStatus, body)
}
