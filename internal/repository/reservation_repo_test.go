package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow/internal/model"
)

func TestReservationRepository_MarkStatus(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewReservationRepository(db)

	mock.ExpectExec("UPDATE `stock_reservations` SET `status`=\\?,`updated_at`=\\? WHERE id = \\? AND status = \\?").
		WithArgs(model.ReservationReleased, sqlmock.AnyArg(), "r-1", model.ReservationReserved).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE `stock_reservations` SET").
		WithArgs(model.ReservationReleased, sqlmock.AnyArg(), "r-1", model.ReservationReserved).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.MarkStatus(context.Background(), "r-1", model.ReservationReserved, model.ReservationReleased)
	require.NoError(t, err)
	assert.True(t, ok)

	// second sweeper loses
	ok, err = repo.MarkStatus(context.Background(), "r-1", model.ReservationReserved, model.ReservationReleased)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReservationRepository_ListExpired(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewReservationRepository(db)
	now := time.Now()

	mock.ExpectQuery("SELECT \\* FROM `stock_reservations` WHERE status = \\? AND expires_at < \\? ORDER BY expires_at LIMIT").
		WillReturnRows(sqlmock.NewRows([]string{"id", "order_id", "product_id", "quantity", "status", "expires_at"}).
			AddRow("r-1", "o-1", "SKU-1", 2, "RESERVED", now.Add(-time.Minute)))

	out, err := repo.ListExpired(context.Background(), now, 50)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, out[0].IsExpired(now))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReservationRepository_CreateBatchEmpty(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewReservationRepository(db)

	assert.NoError(t, repo.CreateBatch(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}
