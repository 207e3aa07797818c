package database

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureSchema(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS sessions")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, EnsureSchema(context.Background(), mock))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE").WillReturnError(errors.New("permission denied"))

	err = EnsureSchema(context.Background(), mock)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ensure schema")
}
