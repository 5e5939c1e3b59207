package backend

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_TableForDocumentType(t *testing.T) {
	table, err := TableForDocumentType("serviceOrder")
	require.NoError(t, err)
	require.Equal(t, "service_orders", table)

	_, err = TableForDocumentType("serviceOrders")
	require.ErrorIs(t, err, ErrUnknownDocumentType)
}

func Test_ValidateBusinessTable(t *testing.T) {
	require.NoError(t, ValidateBusinessTable("projects"))

	// Engine tables are off limits for the generic record operations.
	require.ErrorIs(t, ValidateBusinessTable("workflow_executions"), ErrInvalidTable)
	require.ErrorIs(t, ValidateBusinessTable("invoice_settings"), ErrInvalidTable)

	require.ErrorIs(t, ValidateBusinessTable("projects; drop table projects"), ErrInvalidTable)
	require.ErrorIs(t, ValidateBusinessTable("Projects"), ErrInvalidTable)
	require.ErrorIs(t, ValidateBusinessTable(""), ErrInvalidTable)
}

func Test_ValidateColumn(t *testing.T) {
	require.NoError(t, ValidateColumn("customer_id"))
	require.ErrorIs(t, ValidateColumn(`name" = 'x' --`), ErrInvalidColumn)
}
