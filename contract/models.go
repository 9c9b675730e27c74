package contract

import (
	"time"

	"agencyflow/civil"
	"agencyflow/money"
	"agencyflow/ratio"
)

type Category string

const (
	CategoryInternal Category = "INTERNAL"
	CategoryExternal Category = "EXTERNAL"
)

func (c Category) Valid() bool {
	return c == CategoryInternal || c == CategoryExternal
}

type Type string

const (
	TypePaper      Type = "PAPER"
	TypeElectronic Type = "ELECTRONIC"
)

func (t Type) Valid() bool {
	return t == TypePaper || t == TypeElectronic
}

// Contract mirrors the contracts row plus its owned ratio set.
type Contract struct {
	ID           string
	Category     Category
	Type         Type
	Title        string
	StartDate    time.Time
	EndDate      time.Time
	Status       Status
	Amount       money.Amount
	UserID       string
	TeamID       *string
	CompanyName  *string
	SignerName   *string
	SignMemo     *string
	SignatureRef *string
	SignedAt     *time.Time
	Ratios       ratio.Set
	CreatedBy    *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// EffectiveStatus reports EXPIRED for ACTIVE or CONFIRMED contracts whose end
// date has passed, even before the expire sweep has materialised it.
func (c Contract) EffectiveStatus(today time.Time) Status {
	if (c.Status == StatusActive || c.Status == StatusConfirmed) && c.EndDate.Before(civil.DateOf(today)) {
		return StatusExpired
	}
	return c.Status
}

// Event is an append-only audit row for a contract.
type Event struct {
	ID             int64
	ContractID     string
	Type           string
	PreviousStatus *Status
	NextStatus     *Status
	ActorID        *string
	Payload        []byte
	CreatedAt      time.Time
}

// CreateParams carries the fields accepted when drafting a contract.
type CreateParams struct {
	Category    Category
	Type        Type
	Title       string
	StartDate   time.Time
	EndDate     time.Time
	Amount      money.Amount
	UserID      string
	TeamID      *string
	CompanyName *string
	Ratios      ratio.Source
	ActorID     string
}

// ListFilters narrows List. Zero values are ignored.
type ListFilters struct {
	TeamID      string
	Status      Status
	Type        Type
	Category    Category
	From        *time.Time
	To          *time.Time
	Participant string
	Page        int
	PageSize    int
}

type ListResult struct {
	Items []Contract
	Total int
}

// UpdateStatusParams is the row update applied by a committed transition.
type UpdateStatusParams struct {
	ID           string
	Next         Status
	SignerName   *string
	SignMemo     *string
	SignatureRef *string
	SignedAt     *time.Time
}

// EventParams describes an audit row to append.
type EventParams struct {
	ContractID     string
	Type           string
	PreviousStatus *Status
	NextStatus     *Status
	ActorID        *string
	Payload        map[string]any
}

const (
	EventCreated       = "CONTRACT_CREATED"
	EventStatusChanged = "CONTRACT_STATUS_CHANGED"

	OutboxTopicCreated       = "contract.created"
	OutboxTopicStatusChanged = "contract.status_changed"
	OutboxTopicDeleted       = "contract.deleted"
)
