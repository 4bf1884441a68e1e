package provider

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestGetProviderBySlug_ScansRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)

	rows := sqlmock.NewRows([]string{
		"id", "slug", "display_name", "base_url", "auth_type", "auth_param_name",
		"currency_code", "price_multiplier", "fixed_markup", "normalization_mode",
		"points_rate", "manual_rate", "active", "priority", "legacy_metadata",
		"balance", "sync_state", "sync_error",
	}).AddRow("p1", "acme", "Acme SMS", "https://acme.test", AuthQueryParam, "api_key",
		"USD", decimal.New(12, 1), decimal.Zero, NormalizeDirect,
		decimal.Zero, decimal.Zero, true, 10, false,
		decimal.New(500, 2), SyncSuccess, "")

	mock.ExpectQuery(`SELECT id, slug, display_name, base_url, auth_type, auth_param_name`).
		WithArgs("acme").
		WillReturnRows(rows)

	provider, err := repo.GetProviderBySlug(context.Background(), "acme")
	require.NoError(t, err)
	require.NotNil(t, provider)
	require.Equal(t, "acme", provider.Slug)
	require.True(t, provider.Active)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertPricing_InsertsEachRowInOneTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)

	rows := []ProviderPricing{
		{ID: "pp1", ProviderID: "p1", CountryCode: "us", ServiceCode: "tg", RawCost: decimal.New(10, 2), SellPrice: decimal.New(15, 2), Stock: 5},
		{ID: "pp2", ProviderID: "p1", CountryCode: "gb", ServiceCode: "tg", RawCost: decimal.New(12, 2), SellPrice: decimal.New(18, 2), Stock: 3},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO provider_pricing`).
		WithArgs("pp1", "p1", "us", "tg", "", rows[0].RawCost, rows[0].SellPrice, 5).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO provider_pricing`).
		WithArgs("pp2", "p1", "gb", "tg", "", rows[1].RawCost, rows[1].SellPrice, 3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = repo.UpsertPricing(context.Background(), rows)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceProviderCountries_DeletesThenInserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM provider_countries WHERE provider_id = \$1`).
		WithArgs("p1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`INSERT INTO provider_countries`).
		WithArgs("c1", "p1", "1", "United States", "us", "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = repo.ReplaceProviderCountries(context.Background(), "p1", []ProviderCountry{
		{ID: "c1", ExternalID: "1", CanonicalName: "United States", Code: "us"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
