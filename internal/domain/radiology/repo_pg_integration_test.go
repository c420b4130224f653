//go:build integration

package radiology

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ris/ris/internal/platform/db"
)

type PostgresRepoSuite struct {
	suite.Suite
	container *postgres.PostgresContainer
	pool      *pgxpool.Pool
	svc       *Service

	patientID uuid.UUID
	ctHead    uuid.UUID
	ct        uuid.UUID
}

func TestPostgresRepoSuite(t *testing.T) {
	suite.Run(t, new(PostgresRepoSuite))
}

func (s *PostgresRepoSuite) SetupSuite() {
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("ris"),
		postgres.WithUsername("ris"),
		postgres.WithPassword("ris"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).WithStartupTimeout(60*time.Second)),
	)
	s.Require().NoError(err)
	s.container = container

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	s.Require().NoError(err)

	s.pool, err = db.NewPool(ctx, dsn, 20, 2, wib)
	s.Require().NoError(err)

	_, err = db.NewMigrator(s.pool, "../../../migrations").Up(ctx, "public")
	s.Require().NoError(err)

	s.svc = NewService(Repositories{
		Orders:      NewOrderRepoPG(s.pool),
		Details:     NewDetailOrderRepoPG(s.pool),
		Catalog:     NewCatalogRepoPG(s.pool),
		History:     NewStatusHistoryRepoPG(s.pool),
		Outbox:      NewOutboxRepoPG(s.pool),
		Identifiers: NewIdentifierRepoPG(s.pool),
	}, db.NewTxManager(s.pool), Options{Location: wib, Logger: zerolog.Nop()})
}

func (s *PostgresRepoSuite) SetupTest() {
	ctx := context.Background()
	_, err := s.pool.Exec(ctx, `TRUNCATE worklist_outbox, detail_order_status_history, detail_order,
		radiology_order, identifier_sequence, procedure_catalog, modality, patient CASCADE`)
	s.Require().NoError(err)

	s.patientID, s.ctHead, s.ct = uuid.New(), uuid.New(), uuid.New()
	_, err = s.pool.Exec(ctx, `INSERT INTO patient (id, mrn, name) VALUES ($1, 'MRN-001', 'Budi Santoso')`, s.patientID)
	s.Require().NoError(err)
	_, err = s.pool.Exec(ctx, `INSERT INTO modality (id, code, name, ae_title) VALUES ($1, 'CT', 'CT Scanner', 'CTAE01')`, s.ct)
	s.Require().NoError(err)
	_, err = s.pool.Exec(ctx, `INSERT INTO procedure_catalog (id, loinc_code, display, modality_code)
		VALUES ($1, '24725-4', 'CT Head', 'CT')`, s.ctHead)
	s.Require().NoError(err)
}

func (s *PostgresRepoSuite) TearDownSuite() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.container != nil {
		s.Require().NoError(s.container.Terminate(context.Background()))
	}
}

func (s *PostgresRepoSuite) newOrder(ctx context.Context) *FullOrder {
	full, err := s.svc.CreateOrder(ctx, CreateOrderInput{
		PatientID: &s.patientID,
		Patient:   PatientSnapshot{Name: strPtr("Budi Santoso")},
		Details:   []DetailOrderInput{{ProcedureID: s.ctHead, ModalityID: &s.ct}},
	}, "")
	s.Require().NoError(err)
	return full
}

func (s *PostgresRepoSuite) TestLifecycleRoundTrip() {
	ctx := context.Background()
	full := s.newOrder(ctx)
	s.Require().Len(full.Details, 1)
	id := full.Details[0].ID

	got, err := s.svc.GetDetailOrder(ctx, id)
	s.Require().NoError(err)
	s.Equal(full.Details[0].AccessionNumber, got.AccessionNumber)
	s.Equal("CTAE01", strVal(got.AETitle))
	s.Regexp(`^CT\d{8}001$`, got.AccessionNumber)

	_, err = s.svc.TransitionDetailOrder(ctx, id, StatusInQueue, TransitionOptions{})
	s.Equal(KindPreconditionFailed, KindOf(err))

	_, err = s.svc.AssignDetailOrder(ctx, id, Assignment{PerformerRef: strPtr("N10000005"), PerformerDisplay: strPtr("Dr. Rad")})
	s.Require().NoError(err)
	_, err = s.svc.TransitionDetailOrder(ctx, id, StatusInQueue, TransitionOptions{ChangedBy: "tech-1"})
	s.Require().NoError(err)

	var queued int
	s.Require().NoError(s.pool.QueryRow(ctx, `SELECT count(*) FROM worklist_outbox WHERE detail_order_id = $1`, id).Scan(&queued))
	s.Equal(1, queued)

	_, err = s.svc.TransitionDetailOrder(ctx, id, StatusInProgress, TransitionOptions{})
	s.Require().NoError(err)
	final, err := s.svc.FinalizeDetailOrder(ctx, id, DiagnosticResult{DiagnosticConclusion: strPtr("No acute findings")}, TransitionOptions{})
	s.Require().NoError(err)
	s.Equal(StatusFinal, final.Status)
	s.NotNil(final.FinalizedAt)

	history, err := s.svc.StatusHistory(ctx, id)
	s.Require().NoError(err)
	s.Len(history, 3)

	s.Require().NoError(s.svc.DeleteOrder(ctx, full.ID))
	_, err = s.svc.GetDetailOrder(ctx, id)
	s.Equal(KindNotFound, KindOf(err))
}

func (s *PostgresRepoSuite) TestConcurrentCreationYieldsUniqueAccessions() {
	ctx := context.Background()
	const workers = 20

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		seen = map[string]bool{}
		errs []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			full, err := s.svc.CreateOrder(ctx, CreateOrderInput{
				PatientID: &s.patientID,
				Details:   []DetailOrderInput{{ProcedureID: s.ctHead, ModalityID: &s.ct}},
			}, "")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			seen[full.Details[0].AccessionNumber] = true
		}()
	}
	wg.Wait()

	s.Empty(errs)
	s.Len(seen, workers)

	var rows int
	s.Require().NoError(s.pool.QueryRow(ctx, `SELECT count(DISTINCT accession_number) FROM detail_order`).Scan(&rows))
	s.Equal(workers, rows)
}

func (s *PostgresRepoSuite) TestSearch() {
	ctx := context.Background()
	first := s.newOrder(ctx)
	s.newOrder(ctx)

	items, total, err := s.svc.ListDetailOrders(ctx, ListFilter{PatientID: &s.patientID}, 10, 0)
	s.Require().NoError(err)
	s.Equal(2, total)
	s.Len(items, 2)

	items, total, err = s.svc.ListDetailOrders(ctx, ListFilter{Q: first.Details[0].AccessionNumber}, 10, 0)
	s.Require().NoError(err)
	s.Equal(1, total)
	s.Equal(first.Details[0].ID, items[0].ID)

	status := StatusFinal
	_, total, err = s.svc.ListDetailOrders(ctx, ListFilter{Status: &status}, 10, 0)
	s.Require().NoError(err)
	s.Zero(total)
}

func (s *PostgresRepoSuite) TestIngestDuplicateIsConflict() {
	ctx := context.Background()
	in := IngestInput{Payload: []byte(ctHeadRequest), PatientID: &s.patientID}

	full, _, err := s.svc.IngestServiceRequest(ctx, in, "")
	s.Require().NoError(err)
	s.Regexp(`^CT-\d{8}-001$`, full.Details[0].AccessionNumber)

	_, _, err = s.svc.IngestServiceRequest(ctx, in, "")
	s.Equal(KindConflict, KindOf(err))
}
