package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"agencyflow/apperr"
	"agencyflow/civil"
	"agencyflow/contract"
	"agencyflow/money"
	"agencyflow/ratio"
)

type ratioRequest struct {
	Type    string      `json:"type" validate:"required"`
	UserID  *string     `json:"userId"`
	Percent json.Number `json:"percent" validate:"required"`
}

type createContractRequest struct {
	Category     string         `json:"category" validate:"required,oneof=INTERNAL EXTERNAL"`
	Type         string         `json:"type" validate:"required,oneof=PAPER ELECTRONIC"`
	Title        string         `json:"title" validate:"required,max=200"`
	StartDate    string         `json:"startDate" validate:"required"`
	EndDate      string         `json:"endDate" validate:"required"`
	Amount       int64          `json:"amount" validate:"gte=0"`
	UserID       string         `json:"userId" validate:"required"`
	TeamID       *string        `json:"teamId"`
	CompanyName  *string        `json:"companyName"`
	Ratios       []ratioRequest `json:"ratios" validate:"omitempty,dive"`
	RatioUserIDs []string       `json:"ratioUserIds" validate:"omitempty,dive,required"`
}

type ratioResponse struct {
	Type    ratio.Type    `json:"type"`
	UserID  *string       `json:"userId"`
	Percent money.Percent `json:"percent"`
}

type contractResponse struct {
	ID                string          `json:"id"`
	Category          string          `json:"category"`
	Type              string          `json:"type"`
	Title             string          `json:"title"`
	StartDate         string          `json:"startDate"`
	EndDate           string          `json:"endDate"`
	Status            string          `json:"status"`
	EffectiveStatus   string          `json:"effectiveStatus"`
	Amount            int64           `json:"amount"`
	UserID            string          `json:"userId"`
	TeamID            *string         `json:"teamId,omitempty"`
	CompanyName       *string         `json:"companyName,omitempty"`
	SignerName        *string         `json:"signerName,omitempty"`
	SignMemo          *string         `json:"signMemo,omitempty"`
	SignatureRef      *string         `json:"signatureRef,omitempty"`
	SignedAt          *string         `json:"signedAt,omitempty"`
	Ratios            []ratioResponse `json:"ratios"`
	AllowedOperations []string        `json:"allowedOperations"`
	CreatedBy         *string         `json:"createdBy,omitempty"`
	CreatedAt         string          `json:"createdAt"`
	UpdatedAt         string          `json:"updatedAt"`
}

func toContractResponse(c contract.Contract, today time.Time) contractResponse {
	ratios := make([]ratioResponse, 0, len(c.Ratios))
	for _, e := range c.Ratios {
		ratios = append(ratios, ratioResponse{Type: e.Type, UserID: e.UserID, Percent: e.Percent})
	}
	ops := []string{}
	for _, op := range contract.Allowed(c.Status) {
		ops = append(ops, string(op))
	}
	resp := contractResponse{
		ID:                c.ID,
		Category:          string(c.Category),
		Type:              string(c.Type),
		Title:             c.Title,
		StartDate:         civil.Format(c.StartDate),
		EndDate:           civil.Format(c.EndDate),
		Status:            string(c.Status),
		EffectiveStatus:   string(c.EffectiveStatus(today)),
		Amount:            int64(c.Amount),
		UserID:            c.UserID,
		TeamID:            c.TeamID,
		CompanyName:       c.CompanyName,
		SignerName:        c.SignerName,
		SignMemo:          c.SignMemo,
		SignatureRef:      c.SignatureRef,
		Ratios:            ratios,
		AllowedOperations: ops,
		CreatedBy:         c.CreatedBy,
		CreatedAt:         c.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:         c.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if c.SignedAt != nil {
		signed := c.SignedAt.UTC().Format(time.RFC3339)
		resp.SignedAt = &signed
	}
	return resp
}

func (s *Server) contractResponses(items []contract.Contract) []contractResponse {
	today := s.contractService.Today()
	out := make([]contractResponse, 0, len(items))
	for _, c := range items {
		out = append(out, toContractResponse(c, today))
	}
	return out
}

func (s *Server) writeContract(w http.ResponseWriter, status int, c contract.Contract) {
	writeJSON(w, status, toContractResponse(c, s.contractService.Today()))
}

func badRequest(w http.ResponseWriter, r *http.Request, message string) {
	writeError(w, r, http.StatusBadRequest, apperr.KindValidation, message, nil)
}

func (s *Server) handleCreateContract(w http.ResponseWriter, r *http.Request) {
	var req createContractRequest
	if !readJSON(w, r, &req) {
		return
	}
	start, err := civil.Parse(req.StartDate)
	if err != nil {
		badRequest(w, r, "startDate: "+err.Error())
		return
	}
	end, err := civil.Parse(req.EndDate)
	if err != nil {
		badRequest(w, r, "endDate: "+err.Error())
		return
	}

	if len(req.Ratios) > 0 && len(req.RatioUserIDs) > 0 {
		badRequest(w, r, "ratios and ratioUserIds are mutually exclusive")
		return
	}

	var source ratio.Source
	if len(req.RatioUserIDs) > 0 {
		source = ratio.Derived{UserIDs: req.RatioUserIDs}
	} else {
		entries := make(ratio.Set, 0, len(req.Ratios))
		for i, rr := range req.Ratios {
			e, err := ratio.ParseEntry(i, rr.Type, rr.UserID, rr.Percent.String())
			if err != nil {
				s.writeServiceError(w, r, err)
				return
			}
			entries = append(entries, e)
		}
		source = ratio.Manual{Entries: entries}
	}

	c, err := s.contractService.Create(r.Context(), contract.CreateParams{
		Category:    contract.Category(req.Category),
		Type:        contract.Type(req.Type),
		Title:       req.Title,
		StartDate:   start,
		EndDate:     end,
		Amount:      money.Amount(req.Amount),
		UserID:      req.UserID,
		TeamID:      req.TeamID,
		CompanyName: req.CompanyName,
		Ratios:      source,
		ActorID:     actorFrom(r.Context()).ID,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeContract(w, http.StatusCreated, c)
}

func pageParams(r *http.Request) (page, size int, ok bool) {
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *int
	}{{"page", &page}, {"pageSize", &size}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return 0, 0, false
		}
		*p.dst = n
	}
	return page, size, true
}

func dateParam(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	d, err := civil.Parse(raw)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Server) handleListContracts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, size, ok := pageParams(r)
	if !ok {
		badRequest(w, r, "page and pageSize must be non-negative integers")
		return
	}
	filters := contract.ListFilters{
		TeamID:      q.Get("teamId"),
		Participant: q.Get("participant"),
		Page:        page,
		PageSize:    size,
	}
	if raw := q.Get("status"); raw != "" {
		st, ok := contract.ParseStatus(raw)
		if !ok {
			badRequest(w, r, "unknown status "+strconv.Quote(raw))
			return
		}
		filters.Status = st
	}
	if raw := q.Get("type"); raw != "" {
		filters.Type = contract.Type(strings.ToUpper(raw))
		if !filters.Type.Valid() {
			badRequest(w, r, "type must be PAPER or ELECTRONIC")
			return
		}
	}
	if raw := q.Get("category"); raw != "" {
		filters.Category = contract.Category(strings.ToUpper(raw))
		if !filters.Category.Valid() {
			badRequest(w, r, "category must be INTERNAL or EXTERNAL")
			return
		}
	}
	var err error
	if filters.From, err = dateParam(r, "from"); err != nil {
		badRequest(w, r, "from: "+err.Error())
		return
	}
	if filters.To, err = dateParam(r, "to"); err != nil {
		badRequest(w, r, "to: "+err.Error())
		return
	}

	res, err := s.contractService.List(r.Context(), filters)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": s.contractResponses(res.Items),
		"total": res.Total,
	})
}

func (s *Server) handleExpiringContracts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	category := contract.Category(strings.ToUpper(q.Get("category")))
	days := s.lookaheadDays
	if raw := q.Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(w, r, "days must be an integer")
			return
		}
		days = n
	}

	items, err := s.contractService.ListExpiring(r.Context(), category, days)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": s.contractResponses(items),
		"total": len(items),
		"days":  days,
	})
}

func (s *Server) handleGetContract(w http.ResponseWriter, r *http.Request) {
	c, err := s.contractService.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeContract(w, http.StatusOK, c)
}

type eventResponse struct {
	ID             int64           `json:"id"`
	Type           string          `json:"type"`
	PreviousStatus *string         `json:"previousStatus,omitempty"`
	NextStatus     *string         `json:"nextStatus,omitempty"`
	ActorID        *string         `json:"actorId,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedAt      string          `json:"createdAt"`
}

func statusString(s *contract.Status) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}

func (s *Server) handleContractEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.contractService.Events(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]eventResponse, 0, len(events))
	for _, e := range events {
		items = append(items, eventResponse{
			ID:             e.ID,
			Type:           e.Type,
			PreviousStatus: statusString(e.PreviousStatus),
			NextStatus:     statusString(e.NextStatus),
			ActorID:        e.ActorID,
			Payload:        json.RawMessage(e.Payload),
			CreatedAt:      e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type lifecycleFunc func(r *http.Request, id, actorID string) (contract.Contract, error)

func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, fn lifecycleFunc) {
	c, err := fn(r, chi.URLParam(r, "id"), actorFrom(r.Context()).ID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeContract(w, http.StatusOK, c)
}

func (s *Server) handleSubmitReview(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, func(r *http.Request, id, actorID string) (contract.Contract, error) {
		return s.contractService.SubmitForReview(r.Context(), id, actorID)
	})
}

func (s *Server) handleResumeReview(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, func(r *http.Request, id, actorID string) (contract.Contract, error) {
		return s.contractService.ResumeReview(r.Context(), id, actorID)
	})
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, func(r *http.Request, id, actorID string) (contract.Contract, error) {
		return s.contractService.Activate(r.Context(), id, actorID)
	})
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, func(r *http.Request, id, actorID string) (contract.Contract, error) {
		return s.contractService.Terminate(r.Context(), id, actorID)
	})
}

type changeStatusRequest struct {
	Status string `json:"status" validate:"required"`
}

func (s *Server) handleChangeContractStatus(w http.ResponseWriter, r *http.Request) {
	var req changeStatusRequest
	if !readJSON(w, r, &req) {
		return
	}
	next, ok := contract.ParseStatus(req.Status)
	if !ok {
		badRequest(w, r, "unknown status "+strconv.Quote(req.Status))
		return
	}
	s.lifecycle(w, r, func(r *http.Request, id, actorID string) (contract.Contract, error) {
		return s.contractService.ChangeStatus(r.Context(), id, actorID, next)
	})
}

type signOfflineRequest struct {
	SignerName string `json:"signerName" validate:"required,max=200"`
	Memo       string `json:"memo" validate:"required,max=2000"`
}

func (s *Server) handleSignOffline(w http.ResponseWriter, r *http.Request) {
	var req signOfflineRequest
	if !readJSON(w, r, &req) {
		return
	}
	s.lifecycle(w, r, func(r *http.Request, id, actorID string) (contract.Contract, error) {
		return s.contractService.SignOffline(r.Context(), id, actorID, req.SignerName, req.Memo)
	})
}

type signElectronicRequest struct {
	UserID string `json:"userId" validate:"required,uuid"`
}

func (s *Server) handleSignElectronic(w http.ResponseWriter, r *http.Request) {
	var req signElectronicRequest
	if !readJSON(w, r, &req) {
		return
	}
	s.lifecycle(w, r, func(r *http.Request, id, actorID string) (contract.Contract, error) {
		return s.contractService.SignElectronic(r.Context(), id, actorID, req.UserID)
	})
}

type confirmRequest struct {
	AutoActivate bool `json:"autoActivate"`
}

// handleConfirm accepts an empty body as {"autoActivate": false}.
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if !readOptionalJSON(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	c, err := s.contractService.Confirm(r.Context(), id, actorFrom(r.Context()).ID, req.AutoActivate)
	if err != nil {
		if req.AutoActivate && c.ID != "" {
			// Confirmed but activation failed: report both.
			writeJSON(w, http.StatusOK, map[string]any{
				"contract":         toContractResponse(c, s.contractService.Today()),
				"activationFailed": true,
				"error": errorDetail{
					Kind:    apperr.Kind(err),
					Message: err.Error(),
				},
			})
			return
		}
		s.writeServiceError(w, r, err)
		return
	}
	s.writeContract(w, http.StatusOK, c)
}

func (s *Server) handleDeleteContract(w http.ResponseWriter, r *http.Request) {
	if err := s.contractService.Delete(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context()).ID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
