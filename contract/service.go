package contract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"agencyflow/apperr"
	"agencyflow/civil"
	"agencyflow/db"
	"agencyflow/metrics"
	"agencyflow/ratio"
)

// Store defines the data access required by the service.
type Store interface {
	Insert(ctx context.Context, q db.Querier, c Contract) (Contract, error)
	Get(ctx context.Context, q db.Querier, id string) (Contract, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Contract, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, params UpdateStatusParams) (Contract, error)
	Delete(ctx context.Context, tx pgx.Tx, id string) error
	AppendEvent(ctx context.Context, tx pgx.Tx, params EventParams) error
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
	ListEvents(ctx context.Context, q db.Querier, contractID string) ([]Event, error)
	List(ctx context.Context, q db.Querier, filters ListFilters) ([]Contract, int, error)
	ListExpiring(ctx context.Context, q db.Querier, category Category, from, to time.Time) ([]Contract, error)
	ListOverdue(ctx context.Context, q db.Querier, today time.Time) ([]string, error)
	InternalShare(ctx context.Context, q db.Querier, userID string) (ratio.Entry, error)
}

// SignatureRequest is handed to the e-signature provider when a contract is
// sent for electronic signing.
type SignatureRequest struct {
	ContractID string
	UserID     string
	Title      string
}

// SignatureRequester opens a signature request and returns its reference.
type SignatureRequester interface {
	RequestSignature(ctx context.Context, req SignatureRequest) (string, error)
}

type Service struct {
	pool        db.Pool
	repo        Store
	signer      SignatureRequester
	idGenerator func() string
	now         func() time.Time
	logger      *slog.Logger
}

func NewService(pool db.Pool, repo Store) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
		logger:      slog.Default(),
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithSignatureRequester(r SignatureRequester) *Service {
	s.signer = r
	return s
}

func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// Today is the service clock's current calendar date.
func (s *Service) Today() time.Time {
	return civil.DateOf(s.now())
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("contract: %s: %w", fmt.Sprintf(format, args...), apperr.ErrValidation)
}

// classify marks lock and serialization failures as retryable conflicts.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if apperr.IsConflict(err) || apperr.IsUniqueViolation(err, "") {
		return fmt.Errorf("contract: %w: %w", apperr.ErrConcurrencyConflict, err)
	}
	return err
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func validateCreate(p CreateParams) error {
	if !p.Category.Valid() {
		return invalid("category must be INTERNAL or EXTERNAL")
	}
	if !p.Type.Valid() {
		return invalid("type must be PAPER or ELECTRONIC")
	}
	if strings.TrimSpace(p.Title) == "" {
		return invalid("title required")
	}
	if strings.TrimSpace(p.UserID) == "" {
		return invalid("user id required")
	}
	if p.StartDate.IsZero() || p.EndDate.IsZero() {
		return invalid("start and end dates required")
	}
	if p.EndDate.Before(p.StartDate) {
		return invalid("end date before start date")
	}
	if p.Amount < 0 {
		return invalid("amount must not be negative")
	}
	if p.CompanyName != nil && p.Category != CategoryExternal {
		return invalid("company name only applies to external contracts")
	}
	if p.Ratios == nil {
		return invalid("ratio source required")
	}
	return nil
}

type shareLookup struct {
	repo Store
	q    db.Querier
}

func (l shareLookup) InternalShare(ctx context.Context, userID string) (ratio.Entry, error) {
	return l.repo.InternalShare(ctx, l.q, userID)
}

// Create drafts a contract with a validated ratio set.
func (s *Service) Create(ctx context.Context, params CreateParams) (Contract, error) {
	if err := validateCreate(params); err != nil {
		return Contract{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Contract{}, fmt.Errorf("contract: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	set, err := ratio.Resolve(ctx, params.Ratios, shareLookup{repo: s.repo, q: tx})
	if err != nil {
		return Contract{}, err
	}

	c := Contract{
		ID:          s.idGenerator(),
		Category:    params.Category,
		Type:        params.Type,
		Title:       strings.TrimSpace(params.Title),
		StartDate:   civil.DateOf(params.StartDate),
		EndDate:     civil.DateOf(params.EndDate),
		Status:      StatusDraft,
		Amount:      params.Amount,
		UserID:      strings.TrimSpace(params.UserID),
		TeamID:      params.TeamID,
		CompanyName: params.CompanyName,
		Ratios:      set,
		CreatedBy:   optional(params.ActorID),
	}

	created, err := s.repo.Insert(ctx, tx, c)
	if err != nil {
		return Contract{}, classify(err)
	}

	next := StatusDraft
	if err := s.repo.AppendEvent(ctx, tx, EventParams{
		ContractID: created.ID,
		Type:       EventCreated,
		NextStatus: &next,
		ActorID:    optional(params.ActorID),
		Payload: map[string]any{
			"category": created.Category,
			"type":     created.Type,
			"ratios":   ratioPayload(created.Ratios),
		},
	}); err != nil {
		return Contract{}, err
	}
	if err := s.repo.Enqueue(ctx, tx, OutboxTopicCreated, map[string]any{
		"contract_id": created.ID,
		"category":    created.Category,
		"user_id":     created.UserID,
	}); err != nil {
		return Contract{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Contract{}, classify(fmt.Errorf("contract: commit create: %w", err))
	}

	s.logger.InfoContext(ctx, "contract created", "contract_id", created.ID, "category", created.Category, "entries", len(created.Ratios))
	return created, nil
}

func ratioPayload(set ratio.Set) []map[string]any {
	out := make([]map[string]any, 0, len(set))
	for _, e := range set {
		out = append(out, map[string]any{
			"type":    e.Type,
			"user_id": e.UserID,
			"percent": e.Percent.String(),
		})
	}
	return out
}

// Get returns a contract with its ratios.
func (s *Service) Get(ctx context.Context, id string) (Contract, error) {
	return s.repo.Get(ctx, s.pool, id)
}

// List returns a filtered page of contracts.
func (s *Service) List(ctx context.Context, filters ListFilters) (ListResult, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}
	if filters.From != nil && filters.To != nil && filters.To.Before(*filters.From) {
		return ListResult{}, invalid("to date before from date")
	}
	items, total, err := s.repo.List(ctx, s.pool, filters)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}

// Events returns the audit trail of a contract.
func (s *Service) Events(ctx context.Context, id string) ([]Event, error) {
	if _, err := s.repo.Get(ctx, s.pool, id); err != nil {
		return nil, err
	}
	return s.repo.ListEvents(ctx, s.pool, id)
}

type transitionRequest struct {
	id      string
	actorID string
	resolve func(current Contract) (Operation, error)
	prepare func(ctx context.Context, current Contract, upd *UpdateStatusParams, payload map[string]any) error
}

func fixed(op Operation) func(Contract) (Operation, error) {
	return func(Contract) (Operation, error) { return op, nil }
}

// transition applies one lifecycle edge in its own transaction. The row is
// locked before the edge is checked so concurrent operations serialise.
func (s *Service) transition(ctx context.Context, req transitionRequest) (Contract, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Contract{}, fmt.Errorf("contract: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, req.id)
	if err != nil {
		return Contract{}, classify(err)
	}

	op, err := req.resolve(current)
	if err != nil {
		metrics.ObserveTransition("change_status", err)
		return Contract{}, err
	}
	next, err := Next(op, current.Status)
	if err != nil {
		metrics.ObserveTransition(string(op), err)
		return Contract{}, err
	}
	if op == OpExpire && !current.EndDate.Before(s.Today()) {
		err := &TransitionError{Op: op, From: current.Status, To: next, Reason: "end date has not passed"}
		metrics.ObserveTransition(string(op), err)
		return Contract{}, err
	}

	upd := UpdateStatusParams{ID: current.ID, Next: next}
	payload := map[string]any{"operation": op}
	if req.prepare != nil {
		if err := req.prepare(ctx, current, &upd, payload); err != nil {
			metrics.ObserveTransition(string(op), err)
			return Contract{}, err
		}
	}

	updated, err := s.repo.UpdateStatus(ctx, tx, upd)
	if err != nil {
		return Contract{}, classify(err)
	}
	updated.Ratios = current.Ratios

	prev := current.Status
	if err := s.repo.AppendEvent(ctx, tx, EventParams{
		ContractID:     current.ID,
		Type:           EventStatusChanged,
		PreviousStatus: &prev,
		NextStatus:     &next,
		ActorID:        optional(req.actorID),
		Payload:        payload,
	}); err != nil {
		return Contract{}, err
	}
	if err := s.repo.Enqueue(ctx, tx, OutboxTopicStatusChanged, map[string]any{
		"contract_id": current.ID,
		"operation":   op,
		"previous":    prev,
		"next":        next,
	}); err != nil {
		return Contract{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		err = classify(fmt.Errorf("contract: commit transition: %w", err))
		metrics.ObserveTransition(string(op), err)
		return Contract{}, err
	}

	metrics.ObserveTransition(string(op), nil)
	s.logger.InfoContext(ctx, "contract transition",
		"contract_id", current.ID, "operation", op, "from", prev, "to", next, "actor_id", req.actorID)
	return updated, nil
}

// SubmitForReview moves a DRAFT contract to REVIEW.
func (s *Service) SubmitForReview(ctx context.Context, id, actorID string) (Contract, error) {
	return s.transition(ctx, transitionRequest{id: id, actorID: actorID, resolve: fixed(OpSubmitReview)})
}

// ResumeReview moves a PENDING contract back to REVIEW.
func (s *Service) ResumeReview(ctx context.Context, id, actorID string) (Contract, error) {
	return s.transition(ctx, transitionRequest{id: id, actorID: actorID, resolve: fixed(OpResumeReview)})
}

// SignOffline records a paper signature.
func (s *Service) SignOffline(ctx context.Context, id, actorID, signerName, memo string) (Contract, error) {
	signerName = strings.TrimSpace(signerName)
	memo = strings.TrimSpace(memo)
	if signerName == "" || memo == "" {
		return Contract{}, invalid("signer name and memo required for offline signing")
	}
	return s.transition(ctx, transitionRequest{
		id:      id,
		actorID: actorID,
		resolve: fixed(OpSignOffline),
		prepare: func(_ context.Context, _ Contract, upd *UpdateStatusParams, payload map[string]any) error {
			signedAt := s.now().UTC()
			upd.SignerName = &signerName
			upd.SignMemo = &memo
			upd.SignedAt = &signedAt
			payload["signer_name"] = signerName
			return nil
		},
	})
}

// SignElectronic opens a signature request for userID. The request is made
// while the row is locked and a failure leaves the contract in REVIEW.
func (s *Service) SignElectronic(ctx context.Context, id, actorID, userID string) (Contract, error) {
	userID = strings.TrimSpace(userID)
	if _, err := uuid.Parse(userID); err != nil {
		return Contract{}, invalid("signer user id %q is not a valid identifier", userID)
	}
	return s.transition(ctx, transitionRequest{
		id:      id,
		actorID: actorID,
		resolve: fixed(OpSignElectronic),
		prepare: func(ctx context.Context, current Contract, upd *UpdateStatusParams, payload map[string]any) error {
			if s.signer == nil {
				return fmt.Errorf("contract: no signature requester configured")
			}
			ref, err := s.signer.RequestSignature(ctx, SignatureRequest{
				ContractID: current.ID,
				UserID:     userID,
				Title:      current.Title,
			})
			if err != nil {
				return fmt.Errorf("contract: request signature: %w", err)
			}
			signedAt := s.now().UTC()
			upd.SignatureRef = &ref
			upd.SignedAt = &signedAt
			payload["signature_ref"] = ref
			payload["signer_user_id"] = userID
			return nil
		},
	})
}

// Confirm moves a signed contract to CONFIRMED. With autoActivate it then
// activates in a second transaction; if that step fails the CONFIRMED contract
// is returned together with the error and can be activated later.
func (s *Service) Confirm(ctx context.Context, id, actorID string, autoActivate bool) (Contract, error) {
	confirmed, err := s.transition(ctx, transitionRequest{id: id, actorID: actorID, resolve: fixed(OpConfirm)})
	if err != nil || !autoActivate {
		return confirmed, err
	}

	active, err := s.Activate(ctx, id, actorID)
	if err != nil {
		s.logger.WarnContext(ctx, "auto activation failed", "contract_id", id, "error", err)
		return confirmed, fmt.Errorf("contract: auto-activate: %w", err)
	}
	return active, nil
}

// Activate moves a CONFIRMED contract to ACTIVE.
func (s *Service) Activate(ctx context.Context, id, actorID string) (Contract, error) {
	return s.transition(ctx, transitionRequest{id: id, actorID: actorID, resolve: fixed(OpActivate)})
}

// Terminate ends an ACTIVE contract.
func (s *Service) Terminate(ctx context.Context, id, actorID string) (Contract, error) {
	return s.transition(ctx, transitionRequest{id: id, actorID: actorID, resolve: fixed(OpTerminate)})
}

// Expire materialises EXPIRED for a contract whose end date has passed.
func (s *Service) Expire(ctx context.Context, id, actorID string) (Contract, error) {
	return s.transition(ctx, transitionRequest{id: id, actorID: actorID, resolve: fixed(OpExpire)})
}

// ChangeStatus applies the payload-free edge from the current status to next.
func (s *Service) ChangeStatus(ctx context.Context, id, actorID string, next Status) (Contract, error) {
	return s.transition(ctx, transitionRequest{
		id:      id,
		actorID: actorID,
		resolve: func(current Contract) (Operation, error) {
			return OperationFor(current.Status, next)
		},
	})
}

// Delete removes a contract that has not been confirmed yet.
func (s *Service) Delete(ctx context.Context, id, actorID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("contract: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return classify(err)
	}
	if _, err := Next(OpDelete, current.Status); err != nil {
		metrics.ObserveTransition(string(OpDelete), err)
		return err
	}

	if err := s.repo.Delete(ctx, tx, current.ID); err != nil {
		return classify(err)
	}
	if err := s.repo.Enqueue(ctx, tx, OutboxTopicDeleted, map[string]any{
		"contract_id": current.ID,
		"status":      current.Status,
		"actor_id":    actorID,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		err = classify(fmt.Errorf("contract: commit delete: %w", err))
		metrics.ObserveTransition(string(OpDelete), err)
		return err
	}

	metrics.ObserveTransition(string(OpDelete), nil)
	s.logger.InfoContext(ctx, "contract deleted", "contract_id", current.ID, "status", current.Status, "actor_id", actorID)
	return nil
}

// ListExpiring returns ACTIVE or CONFIRMED contracts of category ending within
// the next lookaheadDays days, today included.
func (s *Service) ListExpiring(ctx context.Context, category Category, lookaheadDays int) ([]Contract, error) {
	if !category.Valid() {
		return nil, invalid("category must be INTERNAL or EXTERNAL")
	}
	if lookaheadDays < 0 {
		return nil, invalid("lookahead days must not be negative")
	}
	today := s.Today()
	return s.repo.ListExpiring(ctx, s.pool, category, today, civil.AddDays(today, lookaheadDays))
}

// SweepResult summarises an ExpireDue run.
type SweepResult struct {
	Expired []string
	Skipped int
}

// ExpireDue expires every ACTIVE or CONFIRMED contract whose end date has
// passed, one transaction per contract. Contracts that moved concurrently are
// skipped.
func (s *Service) ExpireDue(ctx context.Context, actorID string) (SweepResult, error) {
	ids, err := s.repo.ListOverdue(ctx, s.pool, s.Today())
	if err != nil {
		return SweepResult{}, err
	}

	var (
		res  SweepResult
		errs []error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		_, err := s.Expire(ctx, id, actorID)
		switch {
		case err == nil:
			res.Expired = append(res.Expired, id)
		case errors.Is(err, apperr.ErrInvalidTransition), errors.Is(err, apperr.ErrNotFound):
			res.Skipped++
		default:
			errs = append(errs, fmt.Errorf("contract: expire %s: %w", id, err))
		}
	}

	s.logger.InfoContext(ctx, "expire sweep finished", "expired", len(res.Expired), "skipped", res.Skipped, "failed", len(errs))
	return res, errors.Join(errs...)
}
