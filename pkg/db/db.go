package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/mattn/go-sqlite3"
	"golang.org/x/xerrors"

	"github.com/thannaske/licenseusage/pkg/models"
	"github.com/thannaske/licenseusage/pkg/usage"
)

// Check commands that identify a host as monitored through a cloud special
// agent, and the synthetic monitoring services.
var (
	cloudCheckCommands = []string{
		"check_mk-aws_status",
		"check_mk-azure_agent_info",
		"check_mk-gcp_run_cpu",
		"check_mk-gcp_gcs_objects",
		"check_mk-gcp_sql_status",
	}
	syntheticTestCommand = "check_mk-robotmk_test"
	syntheticKPICommand  = "check_mk-robotmk_kpi"
)

// DB represents the database connection
type DB struct {
	*sql.DB
}

// NewDB creates a new database connection
func NewDB(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &DB{db}, nil
}

// InitDB initializes the database tables
func (db *DB) InitDB() error {
	// The monitoring core keeps these tables current; excluded marks
	// entities labeled for exclusion from licensing, shadow marks passively
	// defined ones.
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS hosts (
			name TEXT PRIMARY KEY,
			excluded INTEGER NOT NULL DEFAULT 0,
			shadow INTEGER NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS services (
			host_name TEXT NOT NULL REFERENCES hosts(name),
			description TEXT NOT NULL,
			check_command TEXT NOT NULL,
			excluded INTEGER NOT NULL DEFAULT 0,
			shadow INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (host_name, description)
		)
	`)
	if err != nil {
		return err
	}

	// Create monthly_service_averages table
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS monthly_service_averages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			site_hash TEXT NOT NULL,
			month_start DATETIME NOT NULL,
			month_end DATETIME NOT NULL,
			avg_services REAL NOT NULL,
			data_points INTEGER NOT NULL,
			UNIQUE(site_hash, month_start)
		)
	`)
	if err != nil {
		return err
	}

	// Create an index on check_command for the cloud and synthetic counts
	_, err = db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_services_check_command
		ON services(check_command)
	`)
	return err
}

// Host is one monitored host as seen by the licensing counters.
type Host struct {
	Name     string
	Excluded bool
	Shadow   bool
}

// Service is one monitored service as seen by the licensing counters.
type Service struct {
	HostName     string
	Description  string
	CheckCommand string
	Excluded     bool
	Shadow       bool
}

// UpsertHost inserts or replaces a host.
func (db *DB) UpsertHost(ctx context.Context, h Host) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO hosts (name, excluded, shadow)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			excluded = excluded.excluded,
			shadow = excluded.shadow
	`, h.Name, h.Excluded, h.Shadow)
	return err
}

// UpsertService inserts or replaces a service.
func (db *DB) UpsertService(ctx context.Context, s Service) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO services (host_name, description, check_command, excluded, shadow)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(host_name, description) DO UPDATE SET
			check_command = excluded.check_command,
			excluded = excluded.excluded,
			shadow = excluded.shadow
	`, s.HostName, s.Description, s.CheckCommand, s.Excluded, s.Shadow)
	return err
}

// QueryCounts runs the licensing count queries. Excluded entities are only
// counted as excluded; shadow entities that are not excluded are only
// counted as shadow. Synthetic tests and KPIs are services too and are
// also part of the service counts. Busy or locked database errors wrap
// usage.ErrBackendUnavailable.
func (db *DB) QueryCounts(ctx context.Context) (usage.Counts, error) {
	var c usage.Counts

	err := db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(excluded = 0 AND shadow = 0), 0),
			COALESCE(SUM(excluded = 1), 0),
			COALESCE(SUM(excluded = 0 AND shadow = 1), 0)
		FROM hosts
	`).Scan(&c.Hosts, &c.HostsExcluded, &c.HostsShadow)
	if err != nil {
		return usage.Counts{}, wrapQueryError("count hosts", err)
	}

	// Services inherit exclusion and shadow state from their host.
	err = db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(NOT ex AND NOT sh), 0),
			COALESCE(SUM(ex), 0),
			COALESCE(SUM(NOT ex AND sh), 0)
		FROM (
			SELECT
				(s.excluded = 1 OR h.excluded = 1) AS ex,
				(s.shadow = 1 OR h.shadow = 1) AS sh
			FROM services s
			JOIN hosts h ON h.name = s.host_name
		)
	`).Scan(&c.Services, &c.ServicesExcluded, &c.ServicesShadow)
	if err != nil {
		return usage.Counts{}, wrapQueryError("count services", err)
	}

	cloudArgs := make([]any, len(cloudCheckCommands))
	for i, cmd := range cloudCheckCommands {
		cloudArgs[i] = cmd
	}
	err = db.QueryRowContext(ctx, `
		WITH cloud_hosts AS (
			SELECT DISTINCT h.name
			FROM hosts h
			JOIN services s ON s.host_name = h.name
			WHERE h.excluded = 0 AND h.shadow = 0
			AND s.check_command IN (`+placeholders(len(cloudCheckCommands))+`)
		)
		SELECT
			(SELECT COUNT(*) FROM cloud_hosts),
			(SELECT COUNT(*) FROM services s
				WHERE s.host_name IN (SELECT name FROM cloud_hosts)
				AND s.excluded = 0 AND s.shadow = 0)
	`, cloudArgs...).Scan(&c.HostsCloud, &c.ServicesCloud)
	if err != nil {
		return usage.Counts{}, wrapQueryError("count cloud hosts", err)
	}

	err = db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(check_command = ? AND excluded = 0), 0),
			COALESCE(SUM(check_command = ? AND excluded = 1), 0),
			COALESCE(SUM(check_command = ? AND excluded = 0), 0),
			COALESCE(SUM(check_command = ? AND excluded = 1), 0)
		FROM services
		WHERE check_command IN (?, ?)
	`, syntheticTestCommand, syntheticTestCommand, syntheticKPICommand, syntheticKPICommand,
		syntheticTestCommand, syntheticKPICommand,
	).Scan(&c.SyntheticTests, &c.SyntheticTestsExcluded, &c.SyntheticKPIs, &c.SyntheticKPIsExcluded)
	if err != nil {
		return usage.Counts{}, wrapQueryError("count synthetic tests", err)
	}

	return c, nil
}

func placeholders(n int) string {
	if n == 0 {
		return "NULL"
	}
	b := make([]byte, 0, 2*n)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}

func wrapQueryError(what string, err error) error {
	var sqliteErr sqlite3.Error
	if xerrors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
		return xerrors.Errorf("%s: %v: %w", what, err, usage.ErrBackendUnavailable)
	}
	if xerrors.Is(err, context.DeadlineExceeded) {
		return xerrors.Errorf("%s: %v: %w", what, err, usage.ErrBackendUnavailable)
	}
	return xerrors.Errorf("%s: %w", what, err)
}

// StoreMonthlyAverages stores the monthly averages of a site, replacing
// earlier values for the same month.
func (db *DB) StoreMonthlyAverages(ctx context.Context, siteHash string, averages []models.MonthlyServiceAverage) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Rollback if not committed

	for _, avg := range averages {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO monthly_service_averages
			(site_hash, month_start, month_end, avg_services, data_points)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(site_hash, month_start)
			DO UPDATE SET
				month_end = excluded.month_end,
				avg_services = excluded.avg_services,
				data_points = excluded.data_points
		`, siteHash, avg.Start.UTC(), avg.End.UTC(), avg.AvgServices, avg.DataPoints)
		if err != nil {
			return xerrors.Errorf("store average for %s: %w", avg.Start.Format("2006-01-02"), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return xerrors.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetMonthlyAverages gets the stored monthly averages of a site that
// started within [from, to), oldest first.
func (db *DB) GetMonthlyAverages(ctx context.Context, siteHash string, from, to time.Time) ([]models.MonthlyServiceAverage, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT site_hash, month_start, month_end, avg_services, data_points
		FROM monthly_service_averages
		WHERE site_hash = ? AND month_start >= ? AND month_start < ?
		ORDER BY month_start
	`, siteHash, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var averages []models.MonthlyServiceAverage
	for rows.Next() {
		var avg models.MonthlyServiceAverage
		if err := rows.Scan(&avg.SiteHash, &avg.Start, &avg.End, &avg.AvgServices, &avg.DataPoints); err != nil {
			return nil, err
		}
		averages = append(averages, avg)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return averages, nil
}
