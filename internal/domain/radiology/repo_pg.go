package radiology

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ris/ris/internal/platform/db"
)

// Unique constraints guarding generated identifiers. A violation of either
// means the creation must be retried with fresh numbers.
const (
	constraintAccessionUnique   = "detail_order_accession_number_key"
	constraintOrderNumberUnique = "radiology_order_order_number_key"

	constraintExtServiceRequestUnique = "detail_order_ext_service_request_id_key"
)

func placeholders(from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(parts, ",")
}

// =========== Order Repository ===========

type orderRepoPG struct{ pool *pgxpool.Pool }

func NewOrderRepoPG(pool *pgxpool.Pool) OrderRepository {
	return &orderRepoPG{pool: pool}
}

func (r *orderRepoPG) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const orderCols = `id, patient_id, practitioner_id, created_by, encounter_ref, service_ref,
	order_number, origin, patient_name, patient_mrn, patient_birth_date, patient_age, patient_gender,
	created_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.PatientID, &o.PractitionerID, &o.CreatedBy, &o.EncounterRef, &o.ServiceRef,
		&o.OrderNumber, &o.Origin, &o.Patient.Name, &o.Patient.MRN, &o.Patient.BirthDate, &o.Patient.Age, &o.Patient.Gender,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *orderRepoPG) Create(ctx context.Context, o *Order) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO radiology_order (`+orderCols+`)
		VALUES (`+placeholders(1, 15)+`)`,
		o.ID, o.PatientID, o.PractitionerID, o.CreatedBy, o.EncounterRef, o.ServiceRef,
		o.OrderNumber, o.Origin, o.Patient.Name, o.Patient.MRN, o.Patient.BirthDate, o.Patient.Age, o.Patient.Gender,
		o.CreatedAt, o.UpdatedAt)
	return err
}

func (r *orderRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	return scanOrder(r.conn(ctx).QueryRow(ctx, `SELECT `+orderCols+` FROM radiology_order WHERE id = $1`, id))
}

func (r *orderRepoPG) Update(ctx context.Context, o *Order) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE radiology_order SET practitioner_id=$2, encounter_ref=$3, service_ref=$4, updated_at=$5
		WHERE id = $1`,
		o.ID, o.PractitionerID, o.EncounterRef, o.ServiceRef, o.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *orderRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM radiology_order WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// =========== DetailOrder Repository ===========

type detailOrderRepoPG struct{ pool *pgxpool.Pool }

func NewDetailOrderRepoPG(pool *pgxpool.Pool) DetailOrderRepository {
	return &detailOrderRepoPG{pool: pool}
}

func (r *detailOrderRepoPG) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const detailCols = `id, order_id, procedure_id,
	ext_service_request_id, ext_observation_id, ext_procedure_id, ext_allergy_id,
	accession_number, order_number, order_date, scheduled_at, occurrence_at,
	priority, status, origin,
	requester_id, requester_ref, requester_display,
	performer_id, performer_ref, performer_display,
	modality_id, modality_code, ae_title,
	contrast_code, contrast_display, contrast_used,
	diagnosis_code, diagnosis_display, notes,
	requires_fasting, requires_pregnancy_check, requires_contrast,
	sr_status, sr_intent, sr_accession,
	loinc_code, loinc_display, kptl_code, kptl_display, code_text,
	raw_payload, observation_notes, diagnostic_conclusion, finalized_at,
	created_at, updated_at`

const detailColCount = 47

// detailColsAs qualifies detailCols with a table alias for joined queries.
func detailColsAs(alias string) string {
	cols := strings.Split(detailCols, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func detailDest(d *DetailOrder) []interface{} {
	return []interface{}{&d.ID, &d.OrderID, &d.ProcedureID,
		&d.ExtServiceRequestID, &d.ExtObservationID, &d.ExtProcedureID, &d.ExtAllergyID,
		&d.AccessionNumber, &d.OrderNumber, &d.OrderDate, &d.ScheduledAt, &d.OccurrenceAt,
		&d.Priority, &d.Status, &d.Origin,
		&d.RequesterID, &d.RequesterRef, &d.RequesterDisplay,
		&d.PerformerID, &d.PerformerRef, &d.PerformerDisplay,
		&d.ModalityID, &d.ModalityCode, &d.AETitle,
		&d.ContrastCode, &d.ContrastDisplay, &d.ContrastUsed,
		&d.DiagnosisCode, &d.DiagnosisDisplay, &d.Notes,
		&d.RequiresFasting, &d.RequiresPregnancyCheck, &d.RequiresContrast,
		&d.SRStatus, &d.SRIntent, &d.SRAccession,
		&d.LOINCCode, &d.LOINCDisplay, &d.KPTLCode, &d.KPTLDisplay, &d.CodeText,
		&d.RawPayload, &d.ObservationNotes, &d.DiagnosticConclusion, &d.FinalizedAt,
		&d.CreatedAt, &d.UpdatedAt}
}

func scanDetail(row pgx.Row) (*DetailOrder, error) {
	var d DetailOrder
	if err := row.Scan(detailDest(&d)...); err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *detailOrderRepoPG) Create(ctx context.Context, d *DetailOrder) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO detail_order (`+detailCols+`)
		VALUES (`+placeholders(1, detailColCount)+`)`,
		d.ID, d.OrderID, d.ProcedureID,
		d.ExtServiceRequestID, d.ExtObservationID, d.ExtProcedureID, d.ExtAllergyID,
		d.AccessionNumber, d.OrderNumber, d.OrderDate, d.ScheduledAt, d.OccurrenceAt,
		d.Priority, d.Status, d.Origin,
		d.RequesterID, d.RequesterRef, d.RequesterDisplay,
		d.PerformerID, d.PerformerRef, d.PerformerDisplay,
		d.ModalityID, d.ModalityCode, d.AETitle,
		d.ContrastCode, d.ContrastDisplay, d.ContrastUsed,
		d.DiagnosisCode, d.DiagnosisDisplay, d.Notes,
		d.RequiresFasting, d.RequiresPregnancyCheck, d.RequiresContrast,
		d.SRStatus, d.SRIntent, d.SRAccession,
		d.LOINCCode, d.LOINCDisplay, d.KPTLCode, d.KPTLDisplay, d.CodeText,
		d.RawPayload, d.ObservationNotes, d.DiagnosticConclusion, d.FinalizedAt,
		d.CreatedAt, d.UpdatedAt)
	return err
}

func (r *detailOrderRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*DetailOrder, error) {
	return scanDetail(r.conn(ctx).QueryRow(ctx, `SELECT `+detailCols+` FROM detail_order WHERE id = $1`, id))
}

func (r *detailOrderRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*DetailOrder, error) {
	return scanDetail(r.conn(ctx).QueryRow(ctx, `SELECT `+detailCols+` FROM detail_order WHERE id = $1 FOR UPDATE`, id))
}

func (r *detailOrderRepoPG) GetByExternalServiceRequestID(ctx context.Context, extID string) (*DetailOrder, error) {
	return scanDetail(r.conn(ctx).QueryRow(ctx,
		`SELECT `+detailCols+` FROM detail_order WHERE ext_service_request_id = $1`, extID))
}

func (r *detailOrderRepoPG) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*DetailOrder, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+detailCols+` FROM detail_order WHERE order_id = $1 ORDER BY created_at, accession_number`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*DetailOrder
	for rows.Next() {
		d, err := scanDetail(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, d)
	}
	return items, rows.Err()
}

func (r *detailOrderRepoPG) CountByOrder(ctx context.Context, orderID uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM detail_order WHERE order_id = $1`, orderID).Scan(&n)
	return n, err
}

func (r *detailOrderRepoPG) Update(ctx context.Context, d *DetailOrder) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE detail_order SET
			ext_service_request_id=$2, ext_observation_id=$3, ext_procedure_id=$4, ext_allergy_id=$5,
			scheduled_at=$6, occurrence_at=$7, priority=$8, status=$9,
			requester_id=$10, requester_ref=$11, requester_display=$12,
			performer_id=$13, performer_ref=$14, performer_display=$15,
			modality_id=$16, modality_code=$17, ae_title=$18,
			contrast_code=$19, contrast_display=$20, contrast_used=$21,
			diagnosis_code=$22, diagnosis_display=$23, notes=$24,
			sr_status=$25, sr_intent=$26, sr_accession=$27,
			loinc_code=$28, loinc_display=$29, kptl_code=$30, kptl_display=$31, code_text=$32,
			raw_payload=$33, observation_notes=$34, diagnostic_conclusion=$35, finalized_at=$36,
			updated_at=$37
		WHERE id = $1`,
		d.ID,
		d.ExtServiceRequestID, d.ExtObservationID, d.ExtProcedureID, d.ExtAllergyID,
		d.ScheduledAt, d.OccurrenceAt, d.Priority, d.Status,
		d.RequesterID, d.RequesterRef, d.RequesterDisplay,
		d.PerformerID, d.PerformerRef, d.PerformerDisplay,
		d.ModalityID, d.ModalityCode, d.AETitle,
		d.ContrastCode, d.ContrastDisplay, d.ContrastUsed,
		d.DiagnosisCode, d.DiagnosisDisplay, d.Notes,
		d.SRStatus, d.SRIntent, d.SRAccession,
		d.LOINCCode, d.LOINCDisplay, d.KPTLCode, d.KPTLDisplay, d.CodeText,
		d.RawPayload, d.ObservationNotes, d.DiagnosticConclusion, d.FinalizedAt,
		d.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *detailOrderRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM detail_order WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *detailOrderRepoPG) DeleteByOrder(ctx context.Context, orderID uuid.UUID) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM detail_order WHERE order_id = $1`, orderID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const searchFrom = `
	FROM detail_order d
	JOIN radiology_order o ON o.id = d.order_id
	LEFT JOIN patient p ON p.id = o.patient_id
	LEFT JOIN practitioner pr ON pr.id = o.practitioner_id
	LEFT JOIN app_user u ON u.id = o.created_by
	LEFT JOIN procedure_catalog pc ON pc.id = d.procedure_id
	LEFT JOIN modality m ON m.id = d.modality_id`

// searchWhere builds the WHERE clause for f.
func searchWhere(f ListFilter) (string, []interface{}) {
	where := []string{"1=1"}
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, strings.ReplaceAll(cond, "?", fmt.Sprintf("$%d", len(args))))
	}

	if f.PatientID != nil {
		add("o.patient_id = ?", *f.PatientID)
	}
	if f.PractitionerID != nil {
		add("o.practitioner_id = ?", *f.PractitionerID)
	}
	if f.Status != nil {
		add("d.status = ?", *f.Status)
	}
	if f.Priority != nil {
		add("d.priority = ?", *f.Priority)
	}
	if f.Origin != nil {
		add("d.origin = ?", *f.Origin)
	}
	if f.From != nil {
		add("d.order_date >= ?", *f.From)
	}
	if f.To != nil {
		add("d.order_date < ?", *f.To)
	}
	if q := strings.TrimSpace(f.Q); q != "" {
		add(`(COALESCE(p.name, o.patient_name) ILIKE ? OR COALESCE(p.mrn, o.patient_mrn) ILIKE ?
			OR pr.name ILIKE ? OR d.accession_number ILIKE ?)`, "%"+escapeLike(q)+"%")
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (r *detailOrderRepoPG) Search(ctx context.Context, f ListFilter, limit, offset int) ([]*DetailOrderView, int, error) {
	whereSQL, args := searchWhere(f)

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*)`+searchFrom+whereSQL, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	query := `SELECT ` + detailColsAs("d") + `,
			o.patient_id, COALESCE(p.name, o.patient_name), COALESCE(p.mrn, o.patient_mrn),
			pr.name, u.name, pc.loinc_code, pc.display, m.name` +
		searchFrom + whereSQL +
		fmt.Sprintf(` ORDER BY d.order_date DESC, d.accession_number LIMIT $%d OFFSET $%d`, n+1, n+2)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*DetailOrderView
	for rows.Next() {
		var v DetailOrderView
		dest := append(detailDest(&v.DetailOrder),
			&v.PatientID, &v.PatientName, &v.PatientMRN,
			&v.PractitionerName, &v.CreatedByName, &v.ProcedureCode, &v.ProcedureDisplay, &v.ModalityName)
		if err := rows.Scan(dest...); err != nil {
			return nil, 0, err
		}
		items = append(items, &v)
	}
	return items, total, rows.Err()
}

// =========== Catalog Repository ===========

type catalogRepoPG struct{ pool *pgxpool.Pool }

func NewCatalogRepoPG(pool *pgxpool.Pool) CatalogRepository {
	return &catalogRepoPG{pool: pool}
}

func (r *catalogRepoPG) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const procedureCols = `id, loinc_code, display, modality_code, requires_fasting, requires_pregnancy_check, requires_contrast`

func scanProcedure(row pgx.Row) (*Procedure, error) {
	var p Procedure
	if err := row.Scan(&p.ID, &p.LOINCCode, &p.Display, &p.ModalityCode,
		&p.RequiresFasting, &p.RequiresPregnancyCheck, &p.RequiresContrast); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *catalogRepoPG) ProcedureByID(ctx context.Context, id uuid.UUID) (*Procedure, error) {
	return scanProcedure(r.conn(ctx).QueryRow(ctx, `SELECT `+procedureCols+` FROM procedure_catalog WHERE id = $1`, id))
}

func (r *catalogRepoPG) ProcedureByLOINC(ctx context.Context, code string) (*Procedure, error) {
	return scanProcedure(r.conn(ctx).QueryRow(ctx,
		`SELECT `+procedureCols+` FROM procedure_catalog WHERE loinc_code = $1 ORDER BY id LIMIT 1`, code))
}

const modalityCols = `id, code, name, ae_title`

func scanModality(row pgx.Row) (*Modality, error) {
	var m Modality
	if err := row.Scan(&m.ID, &m.Code, &m.Name, &m.AETitle); err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *catalogRepoPG) ModalityByID(ctx context.Context, id uuid.UUID) (*Modality, error) {
	return scanModality(r.conn(ctx).QueryRow(ctx, `SELECT `+modalityCols+` FROM modality WHERE id = $1`, id))
}

func (r *catalogRepoPG) ModalityByCode(ctx context.Context, code string) (*Modality, error) {
	return scanModality(r.conn(ctx).QueryRow(ctx,
		`SELECT `+modalityCols+` FROM modality WHERE upper(code) = upper($1) ORDER BY id LIMIT 1`, code))
}

// =========== Status History Repository ===========

type statusHistoryRepoPG struct{ pool *pgxpool.Pool }

func NewStatusHistoryRepoPG(pool *pgxpool.Pool) StatusHistoryRepository {
	return &statusHistoryRepoPG{pool: pool}
}

func (r *statusHistoryRepoPG) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *statusHistoryRepoPG) Create(ctx context.Context, h *StatusChange) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO detail_order_status_history (id, detail_order_id, from_status, to_status, changed_by, changed_at, reason, override)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		h.ID, h.DetailOrderID, h.FromStatus, h.ToStatus, h.ChangedBy, h.ChangedAt, h.Reason, h.Override)
	return err
}

func (r *statusHistoryRepoPG) ListByDetailOrder(ctx context.Context, detailOrderID uuid.UUID) ([]*StatusChange, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, detail_order_id, from_status, to_status, changed_by, changed_at, reason, override
		FROM detail_order_status_history WHERE detail_order_id = $1 ORDER BY changed_at, id`, detailOrderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*StatusChange
	for rows.Next() {
		var h StatusChange
		if err := rows.Scan(&h.ID, &h.DetailOrderID, &h.FromStatus, &h.ToStatus, &h.ChangedBy, &h.ChangedAt, &h.Reason, &h.Override); err != nil {
			return nil, err
		}
		items = append(items, &h)
	}
	return items, rows.Err()
}

// =========== Worklist Outbox Repository ===========

type outboxRepoPG struct{ pool *pgxpool.Pool }

func NewOutboxRepoPG(pool *pgxpool.Pool) OutboxRepository {
	return &outboxRepoPG{pool: pool}
}

func (r *outboxRepoPG) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *outboxRepoPG) Enqueue(ctx context.Context, e *OutboxEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO worklist_outbox (id, detail_order_id, accession_number, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.DetailOrderID, e.AccessionNumber, e.Payload, e.CreatedAt)
	return err
}

// =========== Identifier Store ===========

type identifierRepoPG struct{ pool *pgxpool.Pool }

func NewIdentifierRepoPG(pool *pgxpool.Pool) IdentifierStore {
	return &identifierRepoPG{pool: pool}
}

func (r *identifierRepoPG) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

// Reserve upserts the counter row. The row lock taken by ON CONFLICT DO
// UPDATE is held until the creating transaction ends, so concurrent creators
// for the same scope and day queue behind each other, and a rollback hands
// the block back.
func (r *identifierRepoPG) Reserve(ctx context.Context, scope string, day time.Time, seed, n int) (int, error) {
	var last int
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO identifier_sequence (scope, seq_date, last_value, updated_at)
		VALUES ($1, $2, $3::int + $4::int, NOW())
		ON CONFLICT (scope, seq_date) DO UPDATE
			SET last_value = GREATEST(identifier_sequence.last_value, $3::int) + $4::int,
			    updated_at = NOW()
		RETURNING last_value`,
		scope, pgDate(day), seed, n).Scan(&last)
	return last, err
}

// pgDate pins the calendar day of t so that it is encoded as-is whatever the
// session time zone.
func pgDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func (r *identifierRepoPG) HighestAccession(ctx context.Context, prefix string) (string, error) {
	return r.highest(ctx, "detail_order", "accession_number", prefix)
}

func (r *identifierRepoPG) HighestOrderNumber(ctx context.Context, prefix string) (string, error) {
	return r.highest(ctx, "radiology_order", "order_number", prefix)
}

// highest orders by length first so that 1000 sorts above 999.
func (r *identifierRepoPG) highest(ctx context.Context, table, column, prefix string) (string, error) {
	var v string
	err := r.conn(ctx).QueryRow(ctx, fmt.Sprintf(`
		SELECT %[2]s FROM %[1]s WHERE %[2]s LIKE $1
		ORDER BY length(%[2]s) DESC, %[2]s DESC LIMIT 1`, table, column),
		escapeLike(prefix)+"%").Scan(&v)
	if db.IsNoRows(err) {
		return "", nil
	}
	return v, err
}
