package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"campusone.org/internal/auth"
	"campusone.org/internal/ledger"
	"campusone.org/internal/tenant"
)

type createStructureRequest struct {
	Name       string             `json:"name"`
	ClassID    string             `json:"class_id"`
	Currency   string             `json:"currency"`
	DueDate    string             `json:"due_date"`
	Components []componentRequest `json:"components"`
}

type componentRequest struct {
	Name     string `json:"name"`
	Amount   int64  `json:"amount"`
	Optional bool   `json:"optional"`
}

type assignStructureRequest struct {
	StudentIDs []string `json:"student_ids"`
}

type recordPaymentRequest struct {
	StudentFeeID string `json:"student_fee_id"`
	Amount       int64  `json:"amount"`
	Method       string `json:"method"`
}

const dueDateLayout = "2006-01-02"

func (a *API) handleStructures(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !a.ensurePermission(w, r, auth.PermFinanceRead) {
			return
		}
		if !a.ensureFeature(w, r, tenant.FeatureFees) {
			return
		}
		structures, err := a.ledger.ListStructures(r.Context())
		if err != nil {
			handleLedgerError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": structures})
	case http.MethodPost:
		if !a.ensurePermission(w, r, auth.PermFinanceManage) {
			return
		}
		if !a.ensureFeature(w, r, tenant.FeatureFees) {
			return
		}
		var req createStructureRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		due, err := time.Parse(dueDateLayout, strings.TrimSpace(req.DueDate))
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "due_date must be formatted as YYYY-MM-DD")
			return
		}
		in := ledger.CreateStructureInput{
			Name:     req.Name,
			ClassID:  req.ClassID,
			Currency: req.Currency,
			DueDate:  due,
		}
		for _, c := range req.Components {
			in.Components = append(in.Components, ledger.ComponentInput{Name: c.Name, Amount: c.Amount, Optional: c.Optional})
		}
		structure, err := a.ledger.CreateStructure(r.Context(), in)
		if err != nil {
			handleLedgerError(w, r, err)
			return
		}
		a.audit(r.Context(), "finance.structure.create", "fee_structure", structure.ID, map[string]string{
			"name": structure.Name,
		})
		w.Header().Set("Location", "/v1/finance/structures/"+structure.ID)
		writeJSON(w, http.StatusCreated, structure)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleStructureResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/finance/structures/"), "/")
	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		if !a.ensurePermission(w, r, auth.PermFinanceRead) {
			return
		}
		if !a.ensureFeature(w, r, tenant.FeatureFees) {
			return
		}
		structure, err := a.ledger.GetStructure(r.Context(), parts[0])
		if err != nil {
			handleLedgerError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, structure)
	case len(parts) == 2 && parts[1] == "assign":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		if !a.ensurePermission(w, r, auth.PermFinanceManage) {
			return
		}
		if !a.ensureFeature(w, r, tenant.FeatureFees) {
			return
		}
		var req assignStructureRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		created, err := a.ledger.AssignStructure(r.Context(), parts[0], req.StudentIDs)
		if err != nil {
			handleLedgerError(w, r, err)
			return
		}
		a.audit(r.Context(), "finance.structure.assign", "fee_structure", parts[0], map[string]string{
			"requested": strconv.Itoa(len(req.StudentIDs)),
			"created":   strconv.Itoa(created),
		})
		writeJSON(w, http.StatusOK, map[string]any{"created": created})
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleFees(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensurePermission(w, r, auth.PermFinanceRead) {
		return
	}
	if !a.ensureFeature(w, r, tenant.FeatureFees) {
		return
	}
	q := r.URL.Query()
	filter := ledger.FeeFilter{
		StudentID:   strings.TrimSpace(q.Get("student_id")),
		StructureID: strings.TrimSpace(q.Get("structure_id")),
		Status:      strings.TrimSpace(q.Get("status")),
	}
	fees, err := a.ledger.ListFees(r.Context(), filter)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": fees})
}

func (a *API) handleFeeResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensurePermission(w, r, auth.PermFinanceRead) {
		return
	}
	if !a.ensureFeature(w, r, tenant.FeatureFees) {
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/finance/fees/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	fee, err := a.ledger.GetFee(r.Context(), id)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fee)
}

func (a *API) handlePayments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.ensurePermission(w, r, auth.PermFinanceManage) {
		return
	}
	if !a.ensureFeature(w, r, tenant.FeatureFees) {
		return
	}
	var req recordPaymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	// The trail entry commits inside the ledger transaction; no audit call
	// is needed here.
	fee, payment, err := a.ledger.RecordPayment(r.Context(), ledger.PaymentInput{
		StudentFeeID: req.StudentFeeID,
		Amount:       req.Amount,
		Method:       req.Method,
	})
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"payment": payment,
		"fee":     fee,
	})
}

func (a *API) handlePaymentResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/finance/payments/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "refund" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.ensurePermission(w, r, auth.PermFinanceRefund) {
		return
	}
	if !a.ensureFeature(w, r, tenant.FeatureFees) {
		return
	}
	fee, payment, err := a.ledger.Refund(r.Context(), parts[0])
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"payment": payment,
		"fee":     fee,
	})
}

func handleLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidInput), errors.Is(err, ledger.ErrInvalidAmount):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrExceedsOutstanding), errors.Is(err, ledger.ErrAlreadyRefunded),
		errors.Is(err, ledger.ErrNotRefundable):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
