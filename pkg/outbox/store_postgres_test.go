package outbox

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openprocure/core/pkg/database"
)

// The postgres code paths (RETURNING id, $n placeholders) cannot run against
// the in-memory SQLite fixture, so they are exercised against a stub driver.

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return NewStore(database.Wrap(sqlDB, database.DialectPostgres)), mock
}

func TestInsertPurchaseOrderPostgresReturnsID(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO purchase_orders[\s\S]*VALUES \(\$1, \$2, \$3, \$4, \$5, \$6, \$7, \$8\) RETURNING id`).
		WithArgs("acme", "OC-100", POStatusDraft, "SUP-1", "Supplier One", 500.0,
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	id, err := store.InsertPurchaseOrder(context.Background(), PurchaseOrder{
		WorkspaceID:  "acme",
		Number:       "OC-100",
		SupplierCode: "SUP-1",
		SupplierName: "Supplier One",
		TotalAmount:  500,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimJobRebindsPlaceholders(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE erp_outbox_jobs[\s\S]*WHERE id = \$3 AND status = 'queued'`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	claimed, err := store.ClaimJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.NoError(t, mock.ExpectationsWereMet())
}
