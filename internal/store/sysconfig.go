package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"git.home.luguber.info/inful/imq/internal/config"
)

// GetSystem loads the singleton runtime configuration row.
func (s *Store) GetSystem(ctx context.Context) (*config.System, error) {
	var sys config.System
	var checksJSON, templatesJSON string
	var updatedAt float64

	err := s.withConn(ctx, func(conn *sql.Conn) error {
		err := conn.QueryRowContext(ctx,
			`SELECT trigger_label, merge_method, checks_json, templates_json, webhook_proxy_url, updated_at
			 FROM configurations WHERE id = 1`).Scan(
			&sys.TriggerLabel, &sys.MergeMethod, &checksJSON, &templatesJSON,
			&sys.WebhookProxyURL, &updatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(checksJSON), &sys.Checks); err != nil {
		return nil, fmt.Errorf("decoding stored check set: %w", err)
	}
	if err := json.Unmarshal([]byte(templatesJSON), &sys.Templates); err != nil {
		return nil, fmt.Errorf("decoding stored templates: %w", err)
	}
	sys.UpdatedAt = fromEpoch(updatedAt)
	return &sys, nil
}

// PutSystem writes the singleton runtime configuration row.
func (s *Store) PutSystem(ctx context.Context, sys *config.System) error {
	checksJSON, err := json.Marshal(sys.Checks)
	if err != nil {
		return fmt.Errorf("encoding check set: %w", err)
	}
	templatesJSON, err := json.Marshal(sys.Templates)
	if err != nil {
		return fmt.Errorf("encoding templates: %w", err)
	}
	sys.UpdatedAt = time.Now().UTC()

	return s.withConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO configurations (id, trigger_label, merge_method, checks_json, templates_json, webhook_proxy_url, updated_at)
			VALUES (1, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				trigger_label = excluded.trigger_label,
				merge_method = excluded.merge_method,
				checks_json = excluded.checks_json,
				templates_json = excluded.templates_json,
				webhook_proxy_url = excluded.webhook_proxy_url,
				updated_at = excluded.updated_at`,
			sys.TriggerLabel, string(sys.MergeMethod), string(checksJSON), string(templatesJSON),
			sys.WebhookProxyURL, toEpoch(sys.UpdatedAt))
		if err != nil {
			return fmt.Errorf("writing configuration: %w", err)
		}
		return nil
	})
}
