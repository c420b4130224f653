package radiology

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ris/ris/internal/platform/db"
)

// memStore implements every repository plus TxRunner in memory. Transactions
// are serialized and roll back to a snapshot on error, which is enough to
// exercise the retry and atomicity paths of the service.
type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	orders     map[uuid.UUID]Order
	details    map[uuid.UUID]DetailOrder
	detailSeq  []uuid.UUID
	procedures map[uuid.UUID]Procedure
	modalities map[uuid.UUID]Modality
	history    []StatusChange
	outbox     []OutboxEntry
	counters   map[string]int

	// practitioners, when set, is the practitioner table order updates are
	// checked against.
	practitioners map[uuid.UUID]bool

	// beforeDetailCreate may fail a detail insert, e.g. to simulate a unique
	// violation raised by a concurrent writer.
	beforeDetailCreate func(d *DetailOrder) error
	commits            int
	rollbacks          int
}

func newMemStore() *memStore {
	return &memStore{
		orders:     make(map[uuid.UUID]Order),
		details:    make(map[uuid.UUID]DetailOrder),
		procedures: make(map[uuid.UUID]Procedure),
		modalities: make(map[uuid.UUID]Modality),
		counters:   make(map[string]int),
	}
}

func (s *memStore) repositories() Repositories {
	return Repositories{
		Orders:      memOrders{s},
		Details:     memDetails{s},
		Catalog:     memCatalog{s},
		History:     memHistory{s},
		Outbox:      memOutbox{s},
		Identifiers: memIdentifiers{s},
	}
}

func (s *memStore) addProcedure(loinc, display, modality string) *Procedure {
	p := Procedure{ID: uuid.New(), LOINCCode: loinc, Display: display}
	if modality != "" {
		p.ModalityCode = strPtr(modality)
	}
	s.procedures[p.ID] = p
	return &p
}

func (s *memStore) addModality(code, aeTitle string) *Modality {
	m := Modality{ID: uuid.New(), Code: code, Name: code + " room"}
	if aeTitle != "" {
		m.AETitle = strPtr(aeTitle)
	}
	s.modalities[m.ID] = m
	return &m
}

type memTxKey struct{}

type memSnapshot struct {
	orders    map[uuid.UUID]Order
	details   map[uuid.UUID]DetailOrder
	detailSeq []uuid.UUID
	history   []StatusChange
	outbox    []OutboxEntry
	counters  map[string]int
}

func (s *memStore) snapshot() memSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := memSnapshot{
		orders:    make(map[uuid.UUID]Order, len(s.orders)),
		details:   make(map[uuid.UUID]DetailOrder, len(s.details)),
		detailSeq: append([]uuid.UUID(nil), s.detailSeq...),
		history:   append([]StatusChange(nil), s.history...),
		outbox:    append([]OutboxEntry(nil), s.outbox...),
		counters:  make(map[string]int, len(s.counters)),
	}
	for k, v := range s.orders {
		snap.orders[k] = v
	}
	for k, v := range s.details {
		snap.details[k] = v
	}
	for k, v := range s.counters {
		snap.counters[k] = v
	}
	return snap
}

func (s *memStore) restore(snap memSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders, s.details, s.detailSeq = snap.orders, snap.details, snap.detailSeq
	s.history, s.outbox, s.counters = snap.history, snap.outbox, snap.counters
}

func (s *memStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		s.restore(snap)
		s.rollbacks++
		return err
	}
	s.commits++
	return nil
}

func uniqueViolation(constraint string) error {
	return &pgconn.PgError{Code: db.CodeUniqueViolation, ConstraintName: constraint, Message: "duplicate key value violates unique constraint"}
}

// -- orders --

type memOrders struct{ s *memStore }

func (r memOrders) Create(_ context.Context, o *Order) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.orders {
		if existing.OrderNumber == o.OrderNumber {
			return uniqueViolation(constraintOrderNumberUnique)
		}
	}
	r.s.orders[o.ID] = *o
	return nil
}

func (r memOrders) GetByID(_ context.Context, id uuid.UUID) (*Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.orders[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &o, nil
}

func (r memOrders) Update(_ context.Context, o *Order) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.orders[o.ID]; !ok {
		return pgx.ErrNoRows
	}
	if r.s.practitioners != nil && o.PractitionerID != nil && !r.s.practitioners[*o.PractitionerID] {
		return &pgconn.PgError{Code: db.CodeForeignKeyViolation, ConstraintName: "radiology_order_practitioner_id_fkey"}
	}
	r.s.orders[o.ID] = *o
	return nil
}

func (r memOrders) Delete(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.orders[id]; !ok {
		return pgx.ErrNoRows
	}
	for _, d := range r.s.details {
		if d.OrderID == id {
			return &pgconn.PgError{Code: db.CodeForeignKeyViolation, ConstraintName: "detail_order_order_id_fkey"}
		}
	}
	delete(r.s.orders, id)
	return nil
}

// -- detail orders --

type memDetails struct{ s *memStore }

func (r memDetails) Create(_ context.Context, d *DetailOrder) error {
	if hook := r.s.beforeDetailCreate; hook != nil {
		if err := hook(d); err != nil {
			return err
		}
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.orders[d.OrderID]; !ok {
		return &pgconn.PgError{Code: db.CodeForeignKeyViolation, ConstraintName: "detail_order_order_id_fkey"}
	}
	for _, existing := range r.s.details {
		if existing.AccessionNumber == d.AccessionNumber {
			return uniqueViolation(constraintAccessionUnique)
		}
		if d.ExtServiceRequestID != nil && existing.ExtServiceRequestID != nil &&
			*existing.ExtServiceRequestID == *d.ExtServiceRequestID {
			return uniqueViolation(constraintExtServiceRequestUnique)
		}
	}
	r.s.details[d.ID] = *d
	r.s.detailSeq = append(r.s.detailSeq, d.ID)
	return nil
}

func (r memDetails) GetByID(_ context.Context, id uuid.UUID) (*DetailOrder, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.details[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &d, nil
}

func (r memDetails) GetForUpdate(ctx context.Context, id uuid.UUID) (*DetailOrder, error) {
	return r.GetByID(ctx, id)
}

func (r memDetails) GetByExternalServiceRequestID(_ context.Context, extID string) (*DetailOrder, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, d := range r.s.details {
		if d.ExtServiceRequestID != nil && *d.ExtServiceRequestID == extID {
			return &d, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (r memDetails) ListByOrder(_ context.Context, orderID uuid.UUID) ([]*DetailOrder, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*DetailOrder
	for _, id := range r.s.detailSeq {
		if d, ok := r.s.details[id]; ok && d.OrderID == orderID {
			out = append(out, &d)
		}
	}
	return out, nil
}

func (r memDetails) CountByOrder(ctx context.Context, orderID uuid.UUID) (int, error) {
	items, err := r.ListByOrder(ctx, orderID)
	return len(items), err
}

func (r memDetails) Update(_ context.Context, d *DetailOrder) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.details[d.ID]; !ok {
		return pgx.ErrNoRows
	}
	if d.ExtServiceRequestID != nil {
		for id, existing := range r.s.details {
			if id != d.ID && existing.ExtServiceRequestID != nil &&
				*existing.ExtServiceRequestID == *d.ExtServiceRequestID {
				return uniqueViolation(constraintExtServiceRequestUnique)
			}
		}
	}
	r.s.details[d.ID] = *d
	return nil
}

// deleteLocked removes a detail order and cascades to its history and
// outbox rows. Callers hold mu.
func (s *memStore) deleteLocked(id uuid.UUID) {
	delete(s.details, id)
	history := s.history[:0]
	for _, h := range s.history {
		if h.DetailOrderID != id {
			history = append(history, h)
		}
	}
	s.history = history
	outbox := s.outbox[:0]
	for _, e := range s.outbox {
		if e.DetailOrderID != id {
			outbox = append(outbox, e)
		}
	}
	s.outbox = outbox
}

func (r memDetails) Delete(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.details[id]; !ok {
		return pgx.ErrNoRows
	}
	r.s.deleteLocked(id)
	return nil
}

func (r memDetails) DeleteByOrder(_ context.Context, orderID uuid.UUID) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, d := range r.s.details {
		if d.OrderID == orderID {
			r.s.deleteLocked(id)
			n++
		}
	}
	return n, nil
}

func (r memDetails) Search(_ context.Context, f ListFilter, limit, offset int) ([]*DetailOrderView, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var matched []*DetailOrderView
	for _, id := range r.s.detailSeq {
		d, ok := r.s.details[id]
		if !ok {
			continue
		}
		o := r.s.orders[d.OrderID]
		switch {
		case f.PatientID != nil && (o.PatientID == nil || *o.PatientID != *f.PatientID),
			f.PractitionerID != nil && (o.PractitionerID == nil || *o.PractitionerID != *f.PractitionerID),
			f.Status != nil && d.Status != *f.Status,
			f.Priority != nil && d.Priority != *f.Priority,
			f.Origin != nil && d.Origin != *f.Origin,
			f.From != nil && d.OrderDate.Before(*f.From),
			f.To != nil && !d.OrderDate.Before(*f.To),
			f.Q != "" && !strings.Contains(strings.ToLower(d.AccessionNumber+" "+strVal(o.Patient.Name)), strings.ToLower(f.Q)):
			continue
		}
		matched = append(matched, &DetailOrderView{
			DetailOrder: d,
			PatientID:   o.PatientID,
			PatientName: o.Patient.Name,
			PatientMRN:  o.Patient.MRN,
		})
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].OrderDate.Equal(matched[j].OrderDate) {
			return matched[i].OrderDate.After(matched[j].OrderDate)
		}
		return matched[i].AccessionNumber < matched[j].AccessionNumber
	})
	total := len(matched)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

// -- catalog --

type memCatalog struct{ s *memStore }

func (r memCatalog) ProcedureByID(_ context.Context, id uuid.UUID) (*Procedure, error) {
	p, ok := r.s.procedures[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &p, nil
}

func (r memCatalog) ProcedureByLOINC(_ context.Context, code string) (*Procedure, error) {
	for _, p := range r.s.procedures {
		if p.LOINCCode == code {
			return &p, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (r memCatalog) ModalityByID(_ context.Context, id uuid.UUID) (*Modality, error) {
	m, ok := r.s.modalities[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &m, nil
}

func (r memCatalog) ModalityByCode(_ context.Context, code string) (*Modality, error) {
	for _, m := range r.s.modalities {
		if strings.EqualFold(m.Code, code) {
			return &m, nil
		}
	}
	return nil, pgx.ErrNoRows
}

// -- history and outbox --

type memHistory struct{ s *memStore }

func (r memHistory) Create(_ context.Context, h *StatusChange) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.history = append(r.s.history, *h)
	return nil
}

func (r memHistory) ListByDetailOrder(_ context.Context, id uuid.UUID) ([]*StatusChange, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*StatusChange
	for _, h := range r.s.history {
		if h.DetailOrderID == id {
			out = append(out, &h)
		}
	}
	return out, nil
}

type memOutbox struct{ s *memStore }

func (r memOutbox) Enqueue(_ context.Context, e *OutboxEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.outbox = append(r.s.outbox, *e)
	return nil
}

// -- identifiers --

type memIdentifiers struct{ s *memStore }

func (r memIdentifiers) Reserve(_ context.Context, scope string, day time.Time, seed, n int) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := scope + "|" + day.Format(dateLayout)
	last := r.s.counters[key]
	if seed > last {
		last = seed
	}
	last += n
	r.s.counters[key] = last
	return last, nil
}

func highestWithPrefix(values []string, prefix string) string {
	best := ""
	for _, v := range values {
		if !strings.HasPrefix(v, prefix) {
			continue
		}
		if len(v) > len(best) || (len(v) == len(best) && v > best) {
			best = v
		}
	}
	return best
}

func (r memIdentifiers) HighestAccession(_ context.Context, prefix string) (string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	values := make([]string, 0, len(r.s.details))
	for _, d := range r.s.details {
		values = append(values, d.AccessionNumber)
	}
	return highestWithPrefix(values, prefix), nil
}

func (r memIdentifiers) HighestOrderNumber(_ context.Context, prefix string) (string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	values := make([]string, 0, len(r.s.orders))
	for _, o := range r.s.orders {
		values = append(values, o.OrderNumber)
	}
	return highestWithPrefix(values, prefix), nil
}
