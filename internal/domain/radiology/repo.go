package radiology

import (
	"context"

	"github.com/google/uuid"
)

// Repositories return pgx.ErrNoRows when a keyed row does not exist; the
// service turns that into a NotFound error.

type OrderRepository interface {
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*Order, error)
	Update(ctx context.Context, o *Order) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type DetailOrderRepository interface {
	Create(ctx context.Context, d *DetailOrder) error
	GetByID(ctx context.Context, id uuid.UUID) (*DetailOrder, error)
	// GetForUpdate locks the row until the surrounding transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*DetailOrder, error)
	GetByExternalServiceRequestID(ctx context.Context, extID string) (*DetailOrder, error)
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*DetailOrder, error)
	CountByOrder(ctx context.Context, orderID uuid.UUID) (int, error)
	Update(ctx context.Context, d *DetailOrder) error
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteByOrder(ctx context.Context, orderID uuid.UUID) (int64, error)
	Search(ctx context.Context, f ListFilter, limit, offset int) ([]*DetailOrderView, int, error)
}

type CatalogRepository interface {
	ProcedureByID(ctx context.Context, id uuid.UUID) (*Procedure, error)
	ProcedureByLOINC(ctx context.Context, code string) (*Procedure, error)
	ModalityByID(ctx context.Context, id uuid.UUID) (*Modality, error)
	ModalityByCode(ctx context.Context, code string) (*Modality, error)
}

type StatusHistoryRepository interface {
	Create(ctx context.Context, h *StatusChange) error
	ListByDetailOrder(ctx context.Context, detailOrderID uuid.UUID) ([]*StatusChange, error)
}

type OutboxRepository interface {
	Enqueue(ctx context.Context, e *OutboxEntry) error
}

// TxRunner runs fn in one database transaction. *db.TxManager implements it.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Repositories groups the stores the Service depends on.
type Repositories struct {
	Orders      OrderRepository
	Details     DetailOrderRepository
	Catalog     CatalogRepository
	History     StatusHistoryRepository
	Outbox      OutboxRepository
	Identifiers IdentifierStore
}
