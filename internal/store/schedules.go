package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ScheduleConfig is one persisted recurring-backup definition. Configs are
// individually addressable rows so concurrent add/update/remove calls never
// clobber each other.
type ScheduleConfig struct {
	ID                 string    `json:"id"`
	Mailbox            string    `json:"mailbox"`
	CronExpr           string    `json:"cron_expr"`
	Active             bool      `json:"active"`
	Kind               JobKind   `json:"kind"`
	RetentionDays      int       `json:"retention_days"`
	IncludeAttachments bool      `json:"include_attachments"`
	MaxEmailSizeMB     int       `json:"max_email_size_mb"`
	ZipEnabled         bool      `json:"zip_enabled"`
	LastRun            time.Time `json:"last_run,omitzero"`
	NextRun            time.Time `json:"next_run,omitzero"`
}

// ErrorEntry is the single most-recent failure recorded for a schedule
// config. A new failure overwrites the previous one.
type ErrorEntry struct {
	ConfigID  string    `json:"config_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ListScheduleConfigs returns every schedule config.
func (s *Store) ListScheduleConfigs(ctx context.Context) ([]ScheduleConfig, error) {
	rows, err := s.DB.QueryContext(ctx, scheduleSelect+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list schedule configs: %w", err)
	}
	defer rows.Close()

	var configs []ScheduleConfig
	for rows.Next() {
		cfg, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, *cfg)
	}
	return configs, rows.Err()
}

// GetScheduleConfig loads one config; returns nil when no row exists.
func (s *Store) GetScheduleConfig(ctx context.Context, id string) (*ScheduleConfig, error) {
	row := s.DB.QueryRowContext(ctx, scheduleSelect+` WHERE id = ?`, id)
	cfg, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule config: %w", err)
	}
	return cfg, nil
}

// UpsertScheduleConfig inserts or replaces one config row.
func (s *Store) UpsertScheduleConfig(ctx context.Context, cfg *ScheduleConfig) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO schedule_configs
		(id, mailbox, cron_expr, active, kind, retention_days,
		 include_attachments, max_email_size, zip_enabled, last_run, next_run, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			mailbox = excluded.mailbox,
			cron_expr = excluded.cron_expr,
			active = excluded.active,
			kind = excluded.kind,
			retention_days = excluded.retention_days,
			include_attachments = excluded.include_attachments,
			max_email_size = excluded.max_email_size,
			zip_enabled = excluded.zip_enabled,
			last_run = excluded.last_run,
			next_run = excluded.next_run,
			updated_at = excluded.updated_at
	`, cfg.ID, cfg.Mailbox, cfg.CronExpr, cfg.Active, cfg.Kind, cfg.RetentionDays,
		cfg.IncludeAttachments, cfg.MaxEmailSizeMB, cfg.ZipEnabled,
		nullUnix(cfg.LastRun), nullUnix(cfg.NextRun), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("upsert schedule config: %w", err)
	}
	return nil
}

// DeleteScheduleConfig removes one config row.
func (s *Store) DeleteScheduleConfig(ctx context.Context, id string) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM schedule_configs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete schedule config: %w", err)
	}
	return nil
}

// UpdateScheduleRun records the last and next fire times of a config without
// touching the rest of the row.
func (s *Store) UpdateScheduleRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE schedule_configs SET last_run = ?, next_run = ?, updated_at = ? WHERE id = ?
	`, nullUnix(lastRun), nullUnix(nextRun), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("update schedule run: %w", err)
	}
	return nil
}

// UpsertErrorLog overwrites the most-recent failure for a config.
func (s *Store) UpsertErrorLog(ctx context.Context, configID, message string, ts time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO error_log (config_id, message, ts) VALUES (?, ?, ?)
		ON CONFLICT(config_id) DO UPDATE SET message = excluded.message, ts = excluded.ts
	`, configID, message, ts.Unix())
	if err != nil {
		return fmt.Errorf("upsert error log: %w", err)
	}
	return nil
}

// ErrorLog returns the most-recent failure for a config, or nil when none
// was recorded.
func (s *Store) ErrorLog(ctx context.Context, configID string) (*ErrorEntry, error) {
	var entry ErrorEntry
	var ts int64
	err := s.DB.QueryRowContext(ctx, `
		SELECT config_id, message, ts FROM error_log WHERE config_id = ?
	`, configID).Scan(&entry.ConfigID, &entry.Message, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get error log: %w", err)
	}
	entry.Timestamp = time.Unix(ts, 0).UTC()
	return &entry, nil
}

const scheduleSelect = `
	SELECT id, mailbox, cron_expr, active, kind, retention_days,
	       include_attachments, max_email_size, zip_enabled, last_run, next_run
	FROM schedule_configs
`

func scanSchedule(row rowScanner) (*ScheduleConfig, error) {
	var cfg ScheduleConfig
	var lastRun, nextRun sql.NullInt64
	if err := row.Scan(&cfg.ID, &cfg.Mailbox, &cfg.CronExpr, &cfg.Active, &cfg.Kind,
		&cfg.RetentionDays, &cfg.IncludeAttachments, &cfg.MaxEmailSizeMB,
		&cfg.ZipEnabled, &lastRun, &nextRun); err != nil {
		return nil, err
	}
	cfg.LastRun = unixTime(lastRun)
	cfg.NextRun = unixTime(nextRun)
	return &cfg, nil
}
