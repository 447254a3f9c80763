package repository

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"CapperLedger/internal/model"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB, DriverName: "postgres"}), &gorm.Config{
		Logger: logger.New(log.New(io.Discard, "", log.LstdFlags), logger.Config{LogLevel: logger.Silent}),
	})
	require.NoError(t, err)
	return gdb, mock
}

func TestClaimEvent_FreshThenAlreadyClaimed(t *testing.T) {
	gdb, mock := setupTestDB(t)
	store := NewLedgerStore(gdb)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "processed_events" .+ ON CONFLICT DO NOTHING`).
		WithArgs("evt_1", "checkout.session.completed", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var fresh bool
	err := store.WithinTx(context.Background(), func(tx LedgerTx) error {
		var err error
		fresh, err = tx.ClaimEvent("evt_1", "checkout.session.completed", now)
		return err
	})
	require.NoError(t, err)
	assert.True(t, fresh)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "processed_events" .+ ON CONFLICT DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err = store.WithinTx(context.Background(), func(tx LedgerTx) error {
		var err error
		fresh, err = tx.ClaimEvent("evt_1", "checkout.session.completed", now)
		return err
	})
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimExternalRef_UniqueViolationIsNotAnError(t *testing.T) {
	gdb, mock := setupTestDB(t)
	store := NewLedgerStore(gdb)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "external_ref_claims"`).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key"})
	mock.ExpectCommit()

	var fresh bool
	err := store.WithinTx(context.Background(), func(tx LedgerTx) error {
		var err error
		fresh, err = tx.ClaimExternalRef("sub_1", "evt_1", time.Now())
		return err
	})
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTx_RollsBackOnError(t *testing.T) {
	gdb, mock := setupTestDB(t)
	store := NewLedgerStore(gdb)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "processed_events"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	err := store.WithinTx(context.Background(), func(tx LedgerTx) error {
		if _, err := tx.ClaimEvent("evt_2", "charge.succeeded", time.Now()); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPartiesExist(t *testing.T) {
	gdb, mock := setupTestDB(t)
	store := NewLedgerStore(gdb)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT "id" FROM "users" WHERE id IN \(\$1,\$2\)`).
		WithArgs("sub-user", "capper-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("capper-1"))
	mock.ExpectCommit()

	var subOK, provOK bool
	err := store.WithinTx(context.Background(), func(tx LedgerTx) error {
		var err error
		subOK, provOK, err = tx.PartiesExist("sub-user", "capper-1")
		return err
	})
	require.NoError(t, err)
	assert.False(t, subOK)
	assert.True(t, provOK)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockTripleAndExpireStale(t *testing.T) {
	gdb, mock := setupTestDB(t)
	store := NewLedgerStore(gdb)
	tr := model.Triple{SubscriberID: "s", ProviderID: "p", ProductID: "prod"}

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(hashtext\(\$1\)\)`).
		WithArgs("s|p|prod").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE "entitlements" SET .+ WHERE subscriber_id = \$\d+ AND provider_id = \$\d+ AND product_id = \$\d+ AND status = \$\d+ AND expires_at IS NOT NULL AND expires_at <= \$\d+`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	var expired int64
	err := store.WithinTx(context.Background(), func(tx LedgerTx) error {
		if err := tx.LockTriple(tr); err != nil {
			return err
		}
		var err error
		expired, err = tx.ExpireStale(tr, time.Now())
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), expired)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateEntitlement_ConflictMapped(t *testing.T) {
	gdb, mock := setupTestDB(t)
	store := NewLedgerStore(gdb)

	mock.ExpectBegin()
	mock.ExpectExec(`SAVEPOINT create_entitlement`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`INSERT INTO "entitlements"`).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectExec(`ROLLBACK TO SAVEPOINT create_entitlement`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.WithinTx(context.Background(), func(tx LedgerTx) error {
		return tx.CreateEntitlement(&model.Entitlement{ExternalRef: "sub_1", Status: model.EntitlementActive})
	})
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateEntitlement_ConflictKeepsClaimsCommittable(t *testing.T) {
	gdb, mock := setupTestDB(t)
	store := NewLedgerStore(gdb)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "processed_events" .+ ON CONFLICT DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`SAVEPOINT create_entitlement`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`INSERT INTO "entitlements"`).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectExec(`ROLLBACK TO SAVEPOINT create_entitlement`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	var conflict error
	err := store.WithinTx(context.Background(), func(tx LedgerTx) error {
		if _, err := tx.ClaimEvent("evt_1", "checkout.session.completed", time.Now()); err != nil {
			return err
		}
		conflict = tx.CreateEntitlement(&model.Entitlement{ExternalRef: "sub_1", Status: model.EntitlementActive})
		if errors.Is(conflict, ErrConflict) {
			return nil
		}
		return conflict
	})
	require.NoError(t, err)
	assert.ErrorIs(t, conflict, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveEntitlement_ConflictMapped(t *testing.T) {
	gdb, mock := setupTestDB(t)
	store := NewLedgerStore(gdb)

	mock.ExpectBegin()
	mock.ExpectExec(`SAVEPOINT save_entitlement`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE "entitlements" SET`).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectExec(`ROLLBACK TO SAVEPOINT save_entitlement`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := store.WithinTx(context.Background(), func(tx LedgerTx) error {
		err := tx.SaveEntitlement(&model.Entitlement{ID: 7, Status: model.EntitlementActive, UpdatedAt: time.Now()})
		assert.ErrorIs(t, err, ErrConflict)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByExternalRefForUpdate_Missing(t *testing.T) {
	gdb, mock := setupTestDB(t)
	store := NewLedgerStore(gdb)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "entitlements" WHERE external_ref = \$1 LIMIT .+ FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	var found *model.Entitlement
	err := store.WithinTx(context.Background(), func(tx LedgerTx) error {
		var err error
		found, err = tx.FindByExternalRefForUpdate("sub_missing")
		return err
	})
	require.NoError(t, err)
	assert.Nil(t, found)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindForTriple_FallsBackToMostRecent(t *testing.T) {
	gdb, mock := setupTestDB(t)
	store := NewLedgerStore(gdb)
	tr := model.Triple{SubscriberID: "s", ProviderID: "p", ProductID: "prod"}

	mock.ExpectQuery(`SELECT \* FROM "entitlements" WHERE .+status = \$4`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`SELECT \* FROM "entitlements" WHERE .+ORDER BY subscribed_at DESC, id DESC`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "external_ref", "status"}).AddRow(7, "pi_7", "cancelled"))

	e, err := store.FindForTriple(context.Background(), tr, time.Now())
	require.NoError(t, err)
	assert.Equal(t, uint64(7), e.ID)
	assert.Equal(t, model.EntitlementCancelled, e.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindForTriple_NotFound(t *testing.T) {
	gdb, mock := setupTestDB(t)
	store := NewLedgerStore(gdb)

	mock.ExpectQuery(`SELECT \* FROM "entitlements"`).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`SELECT \* FROM "entitlements"`).WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.FindForTriple(context.Background(), model.Triple{SubscriberID: "s", ProviderID: "p", ProductID: "x"}, time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUnresolvedRecord_Upsert(t *testing.T) {
	gdb, mock := setupTestDB(t)
	repo := NewUnresolvedRepository(gdb)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "unresolved_events" .+ ON CONFLICT \("event_id"\) DO UPDATE SET .+RETURNING "id"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	ev := &model.UnresolvedEvent{
		EventID:    "evt_9",
		EventType:  "checkout.session.completed",
		Reason:     model.ReasonAccountInvalid,
		Payload:    []byte(`{"id":"evt_9"}`),
		LastSeenAt: now,
	}
	require.NoError(t, repo.Record(context.Background(), ev))
	assert.Equal(t, 1, ev.Attempts)
	assert.Equal(t, now, ev.FirstSeenAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnresolvedGet_NotFound(t *testing.T) {
	gdb, mock := setupTestDB(t)
	repo := NewUnresolvedRepository(gdb)

	mock.ExpectQuery(`SELECT \* FROM "unresolved_events" WHERE event_id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSettledByCapper(t *testing.T) {
	gdb, mock := setupTestDB(t)
	repo := NewWagerRepository(gdb)

	mock.ExpectQuery(`SELECT \* FROM "bets" WHERE capper_id = \$1 AND status IN \(\$2,\$3\)`).
		WithArgs("capper-1", model.BetWon, model.BetLost).
		WillReturnRows(sqlmock.NewRows([]string{"id", "capper_id", "status", "stake", "odds"}).
			AddRow(1, "capper-1", "won", "1", "2.0").
			AddRow(2, "capper-1", "lost", "1", "1.5"))

	bets, err := repo.ListSettledByCapper(context.Background(), "capper-1")
	require.NoError(t, err)
	require.Len(t, bets, 2)
	assert.Equal(t, "2", bets[0].Odds.String())
	assert.Equal(t, model.BetLost, bets[1].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.True(t, isUniqueViolation(gorm.ErrDuplicatedKey))
	assert.False(t, isUniqueViolation(nil))
	assert.False(t, isUniqueViolation(errors.New("connection reset")))
}
