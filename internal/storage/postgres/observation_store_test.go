package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/price-pulse/internal/pricewatch"
)

func sampleObservation() pricewatch.Observation {
	return pricewatch.Observation{
		ID:          "0190c0de-0000-7000-8000-000000000001",
		SweepID:     "sweep-1",
		Product:     "galaxy-s24",
		Market:      "KR",
		URL:         "https://www.coupang.com/vp/products/1",
		Price:       1250000,
		Currency:    "KRW",
		RawPrice:    "₩1,250,000",
		StatusCode:  200,
		ContentHash: "abc123",
		Duration:    420 * time.Millisecond,
		FetchedAt:   time.Unix(1700000000, 0).UTC(),
	}
}

func TestInsertObservation(t *testing.T) {
	t.Parallel()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewObservationStoreWithPool(mock, "")
	require.NoError(t, err)

	obs := sampleObservation()
	mock.ExpectExec("INSERT INTO price_observations").
		WithArgs(
			obs.ID,
			obs.SweepID,
			obs.Product,
			obs.Market,
			obs.URL,
			obs.Price,
			obs.Currency,
			obs.RawPrice,
			obs.StatusCode,
			obs.ContentHash,
			int64(420),
			obs.FetchedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.InsertObservation(context.Background(), obs))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertObservationErrors(t *testing.T) {
	t.Parallel()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewObservationStoreWithPool(mock, "observations")
	require.NoError(t, err)

	require.Error(t, store.InsertObservation(context.Background(), pricewatch.Observation{}))

	mock.ExpectExec("INSERT INTO observations").WillReturnError(errors.New("connection reset"))
	err = store.InsertObservation(context.Background(), sampleObservation())
	require.ErrorContains(t, err, "insert observation")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestObservation(t *testing.T) {
	t.Parallel()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewObservationStoreWithPool(mock, "")
	require.NoError(t, err)

	want := sampleObservation()
	rows := pgxmock.NewRows([]string{
		"id", "sweep_id", "product", "market", "url", "price", "currency",
		"raw_price", "status_code", "content_hash", "duration_ms", "fetched_at",
	}).AddRow(
		want.ID, want.SweepID, want.Product, want.Market, want.URL, want.Price, want.Currency,
		want.RawPrice, want.StatusCode, want.ContentHash, int64(420), want.FetchedAt,
	)
	mock.ExpectQuery("SELECT (.+) FROM price_observations").
		WithArgs("galaxy-s24", "KR").
		WillReturnRows(rows)

	got, err := store.LatestObservation(context.Background(), "galaxy-s24", "KR")
	require.NoError(t, err)
	require.Equal(t, want, got)

	mock.ExpectQuery("SELECT (.+) FROM price_observations").
		WithArgs("unknown", "US").
		WillReturnError(pgx.ErrNoRows)
	_, err = store.LatestObservation(context.Background(), "unknown", "US")
	require.ErrorIs(t, err, pricewatch.ErrNoObservation)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewObservationStoreValidation(t *testing.T) {
	t.Parallel()
	_, err := NewObservationStoreWithPool(nil, "")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewObservationStoreWithPool(mock, "bad;table")
	require.Error(t, err)

	_, err = NewPool(context.Background(), Config{})
	require.Error(t, err)
	_, err = NewPool(context.Background(), Config{DSN: "::not a dsn::"})
	require.Error(t, err)
}

func TestRunStore(t *testing.T) {
	t.Parallel()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStoreWithPool(mock)
	require.NoError(t, err)

	started := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("INSERT INTO sweep_runs").
		WithArgs("sweep-1", started, "running").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.StartRun(context.Background(), "sweep-1", started))

	report := pricewatch.SweepReport{
		ID:         "sweep-1",
		Status:     pricewatch.RunPartial,
		StartedAt:  started,
		FinishedAt: started.Add(time.Minute),
		Succeeded:  1,
		Failed:     1,
		Outcomes:   []pricewatch.TargetOutcome{{Product: "p", Market: "US", URL: "https://x", Error: "boom"}},
	}
	mock.ExpectExec("UPDATE sweep_runs").
		WithArgs(report.FinishedAt, "partial", 1, 1, pgxmock.AnyArg(), "sweep-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.CompleteRun(context.Background(), report))
	require.NoError(t, mock.ExpectationsWereMet())

	_, err = NewRunStoreWithPool(nil)
	require.Error(t, err)
}

func TestRunStoreReads(t *testing.T) {
	t.Parallel()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStoreWithPool(mock)
	require.NoError(t, err)
	ctx := context.Background()

	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(2 * time.Minute)
	columns := []string{"id", "started_at", "finished_at", "status", "succeeded", "failed", "outcomes"}

	mock.ExpectQuery(`SELECT id, started_at, finished_at, status, succeeded, failed, outcomes FROM sweep_runs WHERE`).
		WithArgs(pgxmock.AnyArg(), 20, 0).
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow("sweep-2", started.Add(time.Hour), nil, "running", 0, 0, nil).
			AddRow("sweep-1", started, &finished, "partial", 1, 1, []byte(`[{"product":"p","market":"US","url":"https://x","error":"boom"}]`)))

	runs, err := store.ListRuns(ctx, nil, 20, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, pricewatch.RunRunning, runs[0].Status)
	require.True(t, runs[0].FinishedAt.IsZero())
	require.Equal(t, finished, runs[1].FinishedAt)
	require.Len(t, runs[1].Outcomes, 1)
	require.Equal(t, "boom", runs[1].Outcomes[0].Error)

	mock.ExpectQuery(`FROM sweep_runs WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows(columns))
	_, err = store.GetRun(ctx, "missing")
	require.ErrorIs(t, err, pricewatch.ErrRunNotFound)

	mock.ExpectQuery(`FROM sweep_runs WHERE id = \$1`).
		WithArgs("sweep-1").
		WillReturnRows(pgxmock.NewRows(columns).AddRow("sweep-1", started, &finished, "succeeded", 2, 0, nil))
	run, err := store.GetRun(ctx, "sweep-1")
	require.NoError(t, err)
	require.Equal(t, pricewatch.RunSucceeded, run.Status)
	require.Equal(t, 2, run.Succeeded)

	require.NoError(t, mock.ExpectationsWereMet())
}
