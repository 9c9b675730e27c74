package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"agencyflow/civil"
	"agencyflow/money"
	"agencyflow/ratio"
	"agencyflow/settlement"
)

const dashboardTopStakeholders = 5

type detailResponse struct {
	RatioType ratio.Type    `json:"ratioType"`
	UserID    *string       `json:"userId"`
	Percent   money.Percent `json:"percent"`
	Amount    int64         `json:"amount"`
}

type settlementResponse struct {
	ID          string           `json:"id"`
	ContractID  string           `json:"contractId"`
	TotalAmount int64            `json:"totalAmount"`
	IncomeDate  string           `json:"incomeDate"`
	Memo        string           `json:"memo"`
	Source      string           `json:"source"`
	IsSettled   bool             `json:"isSettled"`
	CreatedBy   *string          `json:"createdBy,omitempty"`
	Details     []detailResponse `json:"details"`
	CreatedAt   string           `json:"createdAt"`
	UpdatedAt   string           `json:"updatedAt"`
}

func toSettlementResponse(s settlement.Settlement) settlementResponse {
	details := make([]detailResponse, 0, len(s.Details))
	for _, d := range s.Details {
		details = append(details, detailResponse{
			RatioType: d.RatioType,
			UserID:    d.UserID,
			Percent:   d.Percent,
			Amount:    int64(d.Amount),
		})
	}
	return settlementResponse{
		ID:          s.ID,
		ContractID:  s.ContractID,
		TotalAmount: int64(s.TotalAmount),
		IncomeDate:  civil.Format(s.IncomeDate),
		Memo:        s.Memo,
		Source:      s.Source,
		IsSettled:   s.IsSettled,
		CreatedBy:   s.CreatedBy,
		Details:     details,
		CreatedAt:   s.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   s.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func writeSettlementList(w http.ResponseWriter, res settlement.ListResult) {
	items := make([]settlementResponse, 0, len(res.Items))
	for _, s := range res.Items {
		items = append(items, toSettlementResponse(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": res.Total})
}

type createSettlementRequest struct {
	TotalAmount int64   `json:"totalAmount" validate:"gt=0"`
	IncomeDate  *string `json:"incomeDate"`
	Memo        string  `json:"memo" validate:"max=2000"`
	Source      string  `json:"source" validate:"max=200"`
}

func (s *Server) handleCreateSettlement(w http.ResponseWriter, r *http.Request) {
	var req createSettlementRequest
	if !readJSON(w, r, &req) {
		return
	}
	params := settlement.CreateParams{
		ContractID:  chi.URLParam(r, "id"),
		TotalAmount: money.Amount(req.TotalAmount),
		Memo:        req.Memo,
		Source:      req.Source,
		ActorID:     actorFrom(r.Context()).ID,
	}
	if req.IncomeDate != nil {
		d, err := civil.Parse(*req.IncomeDate)
		if err != nil {
			badRequest(w, r, "incomeDate: "+err.Error())
			return
		}
		params.IncomeDate = &d
	}

	created, err := s.settlementService.Create(r.Context(), params)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSettlementResponse(created))
}

func (s *Server) handleContractSettlements(w http.ResponseWriter, r *http.Request) {
	page, size, ok := pageParams(r)
	if !ok {
		badRequest(w, r, "page and pageSize must be non-negative integers")
		return
	}
	res, err := s.settlementService.ListByContract(r.Context(), chi.URLParam(r, "id"), page, size)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeSettlementList(w, res)
}

func (s *Server) handleListSettlements(w http.ResponseWriter, r *http.Request) {
	page, size, ok := pageParams(r)
	if !ok {
		badRequest(w, r, "page and pageSize must be non-negative integers")
		return
	}
	q := r.URL.Query()
	filters := settlement.ListFilters{ContractID: q.Get("contractId"), Page: page, PageSize: size}
	if raw := q.Get("settled"); raw != "" {
		settled, err := strconv.ParseBool(raw)
		if err != nil {
			badRequest(w, r, "settled must be true or false")
			return
		}
		filters.Settled = &settled
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

	res, err := s.settlementService.List(r.Context(), filters)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeSettlementList(w, res)
}

func (s *Server) handleGetSettlement(w http.ResponseWriter, r *http.Request) {
	got, err := s.settlementService.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementResponse(got))
}

type updateSettlementRequest struct {
	TotalAmount *int64  `json:"totalAmount" validate:"omitempty,gt=0"`
	IncomeDate  *string `json:"incomeDate"`
	Memo        *string `json:"memo" validate:"omitempty,max=2000"`
	Source      *string `json:"source" validate:"omitempty,max=200"`
	IsSettled   *bool   `json:"isSettled"`
}

func (s *Server) handleUpdateSettlement(w http.ResponseWriter, r *http.Request) {
	var req updateSettlementRequest
	if !readJSON(w, r, &req) {
		return
	}
	params := settlement.UpdateParams{
		ID:        chi.URLParam(r, "id"),
		Memo:      req.Memo,
		Source:    req.Source,
		IsSettled: req.IsSettled,
		ActorID:   actorFrom(r.Context()).ID,
	}
	if req.TotalAmount != nil {
		amount := money.Amount(*req.TotalAmount)
		params.TotalAmount = &amount
	}
	if req.IncomeDate != nil {
		d, err := civil.Parse(*req.IncomeDate)
		if err != nil {
			badRequest(w, r, "incomeDate: "+err.Error())
			return
		}
		params.IncomeDate = &d
	}

	updated, err := s.settlementService.Update(r.Context(), params)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementResponse(updated))
}

func (s *Server) handleDeleteSettlement(w http.ResponseWriter, r *http.Request) {
	if err := s.settlementService.Delete(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context()).ID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type settlementStatusRequest struct {
	IsSettled *bool `json:"isSettled" validate:"required"`
}

func (s *Server) handleSettlementStatus(w http.ResponseWriter, r *http.Request) {
	var req settlementStatusRequest
	if !readJSON(w, r, &req) {
		return
	}
	updated, err := s.settlementService.ChangeStatus(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context()).ID, *req.IsSettled)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementResponse(updated))
}

type summaryResponse struct {
	Count int   `json:"count"`
	Total int64 `json:"total"`
}

type monthlyResponse struct {
	Month string `json:"month"`
	Count int    `json:"count"`
	Total int64  `json:"total"`
}

type stakeholderResponse struct {
	RatioType   ratio.Type `json:"ratioType"`
	UserID      *string    `json:"userId"`
	Settlements int        `json:"settlements"`
	Total       int64      `json:"total"`
}

type ratioTypeResponse struct {
	RatioType ratio.Type `json:"ratioType"`
	Total     int64      `json:"total"`
}

func monthlyResponses(items []settlement.MonthlySummary) []monthlyResponse {
	out := make([]monthlyResponse, 0, len(items))
	for _, m := range items {
		out = append(out, monthlyResponse{Month: civil.MonthOf(m.Month).Format("2006-01"), Count: m.Count, Total: int64(m.Total)})
	}
	return out
}

func stakeholderResponses(items []settlement.StakeholderTotal) []stakeholderResponse {
	out := make([]stakeholderResponse, 0, len(items))
	for _, st := range items {
		out = append(out, stakeholderResponse{RatioType: st.RatioType, UserID: st.UserID, Settlements: st.Settlements, Total: int64(st.Total)})
	}
	return out
}

func ratioTypeResponses(items []settlement.RatioTypeRevenue) []ratioTypeResponse {
	out := make([]ratioTypeResponse, 0, len(items))
	for _, rt := range items {
		out = append(out, ratioTypeResponse{RatioType: rt.RatioType, Total: int64(rt.Total)})
	}
	return out
}

func (s *Server) handleSettlementSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.settlementService.Summary(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summaryResponse{Count: sum.Count, Total: int64(sum.Total)})
}

func (s *Server) handleMonthlySummary(w http.ResponseWriter, r *http.Request) {
	items, err := s.settlementService.Monthly(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": monthlyResponses(items)})
}

func (s *Server) handleTopStakeholders(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(w, r, "limit must be an integer")
			return
		}
		limit = n
	}
	items, err := s.settlementService.TopStakeholders(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": stakeholderResponses(items)})
}

func (s *Server) handleRevenueByRatioType(w http.ResponseWriter, r *http.Request) {
	items, err := s.settlementService.RevenueByRatioType(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": ratioTypeResponses(items)})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	d, err := s.settlementService.Dashboard(r.Context(), dashboardTopStakeholders)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"summary":         summaryResponse{Count: d.Summary.Count, Total: int64(d.Summary.Total)},
		"monthly":         monthlyResponses(d.Monthly),
		"byRatioType":     ratioTypeResponses(d.ByRatioType),
		"topStakeholders": stakeholderResponses(d.TopStakeholders),
	})
}
