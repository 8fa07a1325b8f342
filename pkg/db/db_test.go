package db_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/thannaske/licenseusage/pkg/db"
	"github.com/thannaske/licenseusage/pkg/models"
	"github.com/thannaske/licenseusage/pkg/usage"
)

func newDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.NewDB(filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, database.InitDB())
	return database
}

func TestQueryCounts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	database := newDB(t)

	hosts := []db.Host{
		{Name: "web01"},
		{Name: "web02"},
		{Name: "aws-account"},
		{Name: "lab01", Excluded: true},
		{Name: "passive01", Shadow: true},
		{Name: "robot01"},
	}
	for _, h := range hosts {
		require.NoError(t, database.UpsertHost(ctx, h))
	}
	services := []db.Service{
		{HostName: "web01", Description: "CPU load", CheckCommand: "check_mk-cpu_loads"},
		{HostName: "web01", Description: "Memory", CheckCommand: "check_mk-mem_used"},
		{HostName: "web01", Description: "Scratch", CheckCommand: "check_mk-df", Excluded: true},
		{HostName: "web02", Description: "CPU load", CheckCommand: "check_mk-cpu_loads"},
		{HostName: "web02", Description: "Trap", CheckCommand: "check_mk-snmp_trap", Shadow: true},
		{HostName: "aws-account", Description: "AWS Status", CheckCommand: "check_mk-aws_status"},
		{HostName: "aws-account", Description: "AWS EC2", CheckCommand: "check_mk-aws_ec2_summary"},
		{HostName: "lab01", Description: "CPU load", CheckCommand: "check_mk-cpu_loads"},
		{HostName: "passive01", Description: "Heartbeat", CheckCommand: "check_mk-heartbeat"},
		{HostName: "robot01", Description: "Login test", CheckCommand: "check_mk-robotmk_test"},
		{HostName: "robot01", Description: "Checkout test", CheckCommand: "check_mk-robotmk_test", Excluded: true},
		{HostName: "robot01", Description: "Login KPI", CheckCommand: "check_mk-robotmk_kpi"},
	}
	for _, s := range services {
		require.NoError(t, database.UpsertService(ctx, s))
	}

	counts, err := database.QueryCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, usage.Counts{
		Hosts:         4,
		HostsExcluded: 1,
		HostsShadow:   1,
		HostsCloud:    1,

		Services:         7,
		ServicesExcluded: 3,
		ServicesShadow:   2,
		ServicesCloud:    2,

		SyntheticTests:         1,
		SyntheticTestsExcluded: 1,
		SyntheticKPIs:          1,
		SyntheticKPIsExcluded:  0,
	}, counts)

	// Excluding a host moves it and its services to the excluded counts.
	require.NoError(t, database.UpsertHost(ctx, db.Host{Name: "web02", Excluded: true}))
	counts, err = database.QueryCounts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, counts.Hosts)
	assert.EqualValues(t, 2, counts.HostsExcluded)
	assert.EqualValues(t, 6, counts.Services)
	assert.EqualValues(t, 5, counts.ServicesExcluded)
	assert.EqualValues(t, 1, counts.ServicesShadow)
}

func TestQueryCounts_Empty(t *testing.T) {
	t.Parallel()

	counts, err := newDB(t).QueryCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, usage.Counts{}, counts)
}

func TestQueryCounts_DeadlineIsTransient(t *testing.T) {
	t.Parallel()

	database := newDB(t)
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := database.QueryCounts(ctx)
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, usage.ErrBackendUnavailable))
}

func TestMonthlyAverages(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	database := newDB(t)

	jan := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC)
	mar := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

	err := database.StoreMonthlyAverages(ctx, "site-a", []models.MonthlyServiceAverage{
		{Start: jan, End: feb, AvgServices: 100.5, DataPoints: 31},
		{Start: feb, End: mar, AvgServices: 120, DataPoints: 29},
	})
	require.NoError(t, err)
	require.NoError(t, database.StoreMonthlyAverages(ctx, "site-b", []models.MonthlyServiceAverage{
		{Start: jan, End: feb, AvgServices: 1, DataPoints: 1},
	}))

	// Recomputing a month replaces it.
	require.NoError(t, database.StoreMonthlyAverages(ctx, "site-a", []models.MonthlyServiceAverage{
		{Start: feb, End: mar, AvgServices: 130, DataPoints: 29},
	}))

	got, err := database.GetMonthlyAverages(ctx, "site-a", jan, mar)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "site-a", got[0].SiteHash)
	assert.True(t, jan.Equal(got[0].Start))
	assert.True(t, feb.Equal(got[0].End))
	assert.InDelta(t, 100.5, got[0].AvgServices, 1e-9)
	assert.InDelta(t, 130, got[1].AvgServices, 1e-9)

	got, err = database.GetMonthlyAverages(ctx, "site-a", feb, mar)
	require.NoError(t, err)
	require.Len(t, got, 1)
}
