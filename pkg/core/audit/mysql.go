package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

const createAuditLogs = `
CREATE TABLE IF NOT EXISTS audit_logs (
    id            CHAR(36)     NOT NULL PRIMARY KEY,
    actor         VARCHAR(255) NOT NULL,
    action        VARCHAR(64)  NOT NULL,
    resource_type VARCHAR(64)  NOT NULL,
    resource_id   VARCHAR(512) NOT NULL,
    before_state  JSON         NULL,
    after_state   JSON         NULL,
    reason        TEXT         NULL,
    created_at    DATETIME(6)  NOT NULL,
    INDEX idx_audit_resource (resource_type, resource_id)
)`

// MySQLSink appends events to the audit_logs table.
type MySQLSink struct {
	db *sql.DB
}

// OpenMySQL connects to dsn and ensures the audit_logs table exists.
func OpenMySQL(ctx context.Context, dsn string) (*MySQLSink, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping audit db: %w", err)
	}
	if _, err := db.ExecContext(ctx, createAuditLogs); err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit_logs: %w", err)
	}
	return &MySQLSink{db: db}, nil
}

func (s *MySQLSink) Record(ctx context.Context, e Event) error {
	before, err := marshalState(e.Before)
	if err != nil {
		return err
	}
	after, err := marshalState(e.After)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor, action, resource_type, resource_id, before_state, after_state, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID.String(), e.Actor, e.Action, e.ResourceType, e.ResourceID, before, after, e.Reason, e.At)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

func (s *MySQLSink) Close() error {
	return s.db.Close()
}

func marshalState(state map[string]any) (any, error) {
	if state == nil {
		return nil, nil
	}
	b, err := json.Marshal(Redact(state))
	if err != nil {
		return nil, fmt.Errorf("marshal audit state: %w", err)
	}
	return string(b), nil
}
