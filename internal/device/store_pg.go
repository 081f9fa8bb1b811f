package device

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carelink/devicehub/internal/vital"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// ---------------------------------------------------------------------------
// Device registrations
// ---------------------------------------------------------------------------

type deviceStorePG struct{ pool *pgxpool.Pool }

func NewDeviceStorePG(pool *pgxpool.Pool) DeviceStore {
	return &deviceStorePG{pool: pool}
}

func (s *deviceStorePG) conn(_ context.Context) queryable { return s.pool }

const registrationCols = `id, patient_id, plugin_id, device_type, device_identifier,
	connection_type, connection_config, active, auto_sync, sync_interval_minutes,
	status, error_count, last_sync_at, last_connected_at, created_at, updated_at`

func (s *deviceStorePG) scanRegistration(row pgx.Row) (*Registration, error) {
	var r Registration
	err := row.Scan(&r.ID, &r.PatientID, &r.PluginID, &r.DeviceType,
		&r.DeviceIdentifier, &r.ConnectionType, &r.ConnectionConfig,
		&r.Active, &r.AutoSync, &r.SyncIntervalMinutes, &r.Status,
		&r.ErrorCount, &r.LastSyncAt, &r.LastConnectedAt,
		&r.CreatedAt, &r.UpdatedAt)
	return &r, err
}

func (s *deviceStorePG) Save(ctx context.Context, reg *Registration) error {
	if reg.ID == uuid.Nil {
		reg.ID = uuid.New()
	}
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO device_registration (id, patient_id, plugin_id, device_type,
			device_identifier, connection_type, connection_config, active,
			auto_sync, sync_interval_minutes, status, error_count)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		reg.ID, reg.PatientID, reg.PluginID, reg.DeviceType,
		reg.DeviceIdentifier, reg.ConnectionType, reg.ConnectionConfig,
		reg.Active, reg.AutoSync, reg.SyncIntervalMinutes, reg.Status, reg.ErrorCount)
	return err
}

func (s *deviceStorePG) FindByID(ctx context.Context, id uuid.UUID) (*Registration, error) {
	return s.scanRegistration(s.conn(ctx).QueryRow(ctx,
		`SELECT `+registrationCols+` FROM device_registration WHERE id = $1`, id))
}

func (s *deviceStorePG) FindByIdentifier(ctx context.Context, deviceIdentifier string) (*Registration, error) {
	return s.scanRegistration(s.conn(ctx).QueryRow(ctx,
		`SELECT `+registrationCols+` FROM device_registration WHERE device_identifier = $1`, deviceIdentifier))
}

func (s *deviceStorePG) FindMany(ctx context.Context, filter Filter) ([]*Registration, error) {
	query := `SELECT ` + registrationCols + ` FROM device_registration WHERE 1=1`
	var args []interface{}
	idx := 1

	if filter.DeviceID != "" {
		query += fmt.Sprintf(` AND device_identifier = $%d`, idx)
		args = append(args, filter.DeviceID)
		idx++
	}
	if filter.PatientID != nil {
		query += fmt.Sprintf(` AND patient_id = $%d`, idx)
		args = append(args, *filter.PatientID)
		idx++
	}
	if len(filter.PluginIDs) > 0 {
		query += fmt.Sprintf(` AND plugin_id = ANY($%d)`, idx)
		args = append(args, filter.PluginIDs)
		idx++
	}
	if filter.ActiveOnly {
		query += ` AND active = TRUE`
	}
	if filter.AutoSyncOnly {
		query += ` AND auto_sync = TRUE`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Registration
	for rows.Next() {
		r, err := s.scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

func (s *deviceStorePG) Update(ctx context.Context, reg *Registration) error {
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE device_registration SET
			connection_config=$2, active=$3, auto_sync=$4, sync_interval_minutes=$5,
			status=$6, error_count=$7, last_sync_at=$8, last_connected_at=$9,
			updated_at=NOW()
		WHERE id = $1`,
		reg.ID, reg.ConnectionConfig, reg.Active, reg.AutoSync,
		reg.SyncIntervalMinutes, reg.Status, reg.ErrorCount,
		reg.LastSyncAt, reg.LastConnectedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("device registration %s not found", reg.ID)
	}
	return nil
}

func (s *deviceStorePG) Deactivate(ctx context.Context, id uuid.UUID) error {
	tag, err := s.conn(ctx).Exec(ctx,
		`UPDATE device_registration SET active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("device registration %s not found", id)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Readings
// ---------------------------------------------------------------------------

type readingStorePG struct{ pool *pgxpool.Pool }

func NewReadingStorePG(pool *pgxpool.Pool) ReadingStore {
	return &readingStorePG{pool: pool}
}

func (s *readingStorePG) conn(_ context.Context) queryable { return s.pool }

func (s *readingStorePG) Insert(ctx context.Context, data *vital.VitalData, deviceID, pluginID string) error {
	// The unique index on (device_id, reading_type, taken_at) makes repeated
	// syncs of the same window idempotent.
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO device_reading (id, device_id, plugin_id, reading_type, taken_at,
			primary_value, secondary_value, unit, quality, context, raw_data)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (device_id, reading_type, taken_at) DO NOTHING`,
		uuid.New(), deviceID, pluginID, data.ReadingType, data.Timestamp,
		data.PrimaryValue, data.SecondaryValue, data.Unit, data.Quality,
		data.Context, data.RawData)
	return err
}

func (s *readingStorePG) ListByDevice(ctx context.Context, deviceID string, limit, offset int) ([]*StoredReading, int, error) {
	var total int
	if err := s.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM device_reading WHERE device_id = $1`, deviceID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT id, device_id, plugin_id, reading_type, taken_at,
			primary_value, secondary_value, unit, quality, context, raw_data, created_at
		FROM device_reading
		WHERE device_id = $1
		ORDER BY taken_at DESC LIMIT $2 OFFSET $3`,
		deviceID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*StoredReading
	for rows.Next() {
		var r StoredReading
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.PluginID,
			&r.Reading.ReadingType, &r.Reading.Timestamp,
			&r.Reading.PrimaryValue, &r.Reading.SecondaryValue,
			&r.Reading.Unit, &r.Reading.Quality, &r.Reading.Context,
			&r.Reading.RawData, &r.CreatedAt); err != nil {
			return nil, 0, err
		}
		r.Reading.DeviceID = r.DeviceID
		items = append(items, &r)
	}
	return items, total, rows.Err()
}
