// README: Order aggregate, actor roles and the status transition table.
package order

import (
	"time"

	"github.com/shopspring/decimal"

	"ifarma/internal/maps"
	"ifarma/internal/types"
)

type Status string

const (
	StatusNone            Status = "none"
	StatusPending         Status = "pendente"
	StatusPreparing       Status = "preparando"
	StatusAwaitingCourier Status = "aguardando_motoboy"
	StatusReadyForPickup  Status = "pronto_entrega"
	StatusOutForDelivery  Status = "em_rota"
	StatusDelivered       Status = "entregue"
	StatusCancelled       Status = "cancelado"
)

func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// Active statuses count towards the admin rush-mode threshold.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusPreparing || s == StatusOutForDelivery
}

// AwaitingCourier reports whether an order in this status can be bound to a courier.
func (s Status) AwaitingCourier() bool {
	return s == StatusAwaitingCourier || s == StatusReadyForPickup
}

func ParseStatus(v string) (Status, bool) {
	s := Status(v)
	switch s {
	case StatusPending, StatusPreparing, StatusAwaitingCourier, StatusReadyForPickup,
		StatusOutForDelivery, StatusDelivered, StatusCancelled:
		return s, true
	}
	return "", false
}

type Role string

const (
	RoleCustomer Role = "customer"
	RolePharmacy Role = "pharmacy"
	RoleCourier  Role = "courier"
	RoleAdmin    Role = "admin"
	RoleSystem   Role = "system"
)

type PaymentMethod string

const (
	PaymentPix    PaymentMethod = "pix"
	PaymentCash   PaymentMethod = "cash"
	PaymentDebit  PaymentMethod = "debit"
	PaymentCredit PaymentMethod = "credit"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentPix, PaymentCash, PaymentDebit, PaymentCredit:
		return true
	}
	return false
}

type Order struct {
	ID                 types.ID
	CustomerID         types.ID
	PharmacyID         types.ID
	CourierID          *types.ID
	Status             Status
	StatusVersion      int
	Subtotal           decimal.Decimal
	DeliveryFee        decimal.Decimal
	TotalPrice         decimal.Decimal
	PaymentMethod      PaymentMethod
	ChangeFor          *decimal.Decimal
	Address            string
	Pickup             types.Point
	Dropoff            *types.Point
	Route              *maps.Route
	CreatedAt          time.Time
	UpdatedAt          time.Time
	DeliveredAt        *time.Time
	CancelledAt        *time.Time
	CancellationReason *string
}

func (o *Order) HasCourier() bool { return o.CourierID != nil && *o.CourierID != "" }

func (o *Order) AssignedTo(courierID types.ID) bool {
	return o.HasCourier() && *o.CourierID == courierID
}

// Clone returns a deep copy so listeners and callers never share pointers with a store.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	cp := *o
	if o.CourierID != nil {
		v := *o.CourierID
		cp.CourierID = &v
	}
	if o.ChangeFor != nil {
		v := *o.ChangeFor
		cp.ChangeFor = &v
	}
	if o.Dropoff != nil {
		v := *o.Dropoff
		cp.Dropoff = &v
	}
	if o.Route != nil {
		v := *o.Route
		cp.Route = &v
	}
	if o.DeliveredAt != nil {
		v := *o.DeliveredAt
		cp.DeliveredAt = &v
	}
	if o.CancelledAt != nil {
		v := *o.CancelledAt
		cp.CancelledAt = &v
	}
	if o.CancellationReason != nil {
		v := *o.CancellationReason
		cp.CancellationReason = &v
	}
	return &cp
}

type LineItem struct {
	ProductID types.ID
	Quantity  int
	UnitPrice decimal.Decimal
}

func (li LineItem) Total() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

type Event struct {
	ID         int64
	OrderID    types.ID
	FromStatus Status
	ToStatus   Status
	ActorType  Role
	ActorID    *types.ID
	CourierID  *types.ID
	Reason     *string
	CreatedAt  time.Time
}

// AllowedTransitions represents the order state flow (diagram) as code.
// Cancellation is handled separately: it is legal from every non-terminal status.
var AllowedTransitions = map[Status][]Status{
	StatusPending:         {StatusPreparing},
	StatusPreparing:       {StatusAwaitingCourier, StatusReadyForPickup},
	StatusAwaitingCourier: {StatusReadyForPickup},
	StatusReadyForPickup:  {StatusOutForDelivery},
	StatusOutForDelivery:  {StatusDelivered},
}

// canonicalNext is the single-step path the system actor walks.
var canonicalNext = map[Status]Status{
	StatusPending:         StatusPreparing,
	StatusPreparing:       StatusAwaitingCourier,
	StatusAwaitingCourier: StatusReadyForPickup,
	StatusReadyForPickup:  StatusOutForDelivery,
	StatusOutForDelivery:  StatusDelivered,
}

func CanTransition(from, to Status) bool {
	if to == StatusCancelled {
		return !from.Terminal() && from != StatusNone && from != ""
	}
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// Next returns the canonical successor of s, or false for terminal statuses.
func Next(s Status) (Status, bool) {
	n, ok := canonicalNext[s]
	return n, ok
}

var rolePermissions = map[Role]map[Status]bool{
	RoleCustomer: {StatusCancelled: true},
	RolePharmacy: {
		StatusPreparing:       true,
		StatusAwaitingCourier: true,
		StatusReadyForPickup:  true,
		StatusOutForDelivery:  true,
		StatusCancelled:       true,
	},
	RoleCourier: {
		StatusOutForDelivery: true,
		StatusDelivered:      true,
	},
}

// Permits reports whether role may request a move into target. Admin and
// system may request any legal single step.
func Permits(role Role, target Status) bool {
	switch role {
	case RoleAdmin, RoleSystem:
		return true
	}
	return rolePermissions[role][target]
}
