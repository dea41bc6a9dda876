package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"evodash.io/internal/auth"
	"evodash.io/internal/ids"
)

type sessionStore struct{ db *sql.DB }

func (s *sessionStore) Create(ctx context.Context, sess *auth.Session) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into sessions (id, token_hash, user_id, issued_at, expires_at, ip_address, user_agent)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, sess.ID, sess.TokenHash, sess.UserID, sess.IssuedAt, sess.ExpiresAt, nullIfEmpty(sess.IPAddress), nullIfEmpty(sess.UserAgent))
	return mapError(err)
}

func (s *sessionStore) FindByHash(ctx context.Context, hash string) (*auth.Session, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var (
		sess   auth.Session
		ip, ua sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select id, token_hash, user_id, issued_at, expires_at, ip_address, user_agent
		from sessions
		where token_hash = $1
	`, hash).Scan(&sess.ID, &sess.TokenHash, &sess.UserID, &sess.IssuedAt, &sess.ExpiresAt, &ip, &ua)
	if err != nil {
		return nil, mapError(err)
	}
	sess.IPAddress = ip.String
	sess.UserAgent = ua.String
	return &sess, nil
}

func (s *sessionStore) DeleteByHash(ctx context.Context, hash string) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `delete from sessions where token_hash = $1`, hash)
	return err
}

func (s *sessionStore) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	return s.deleteWhere(ctx, `delete from sessions where user_id = $1`, userID)
}

func (s *sessionStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return s.deleteWhere(ctx, `delete from sessions where expires_at <= $1`, now)
}

func (s *sessionStore) deleteWhere(ctx context.Context, query string, arg any) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, query, arg)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type auditStore struct{ db *sql.DB }

func (s *auditStore) Append(ctx context.Context, e *auth.AuditEntry) error {
	if s.db == nil {
		return errNoDB
	}
	if e.ID == "" {
		e.ID = ids.NewAt(e.OccurredAt)
	}
	detail := []byte("{}")
	if len(e.Detail) > 0 {
		b, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshal audit detail: %w", err)
		}
		detail = b
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_logs (id, user_id, action, resource, resource_id, detail, ip_address, user_agent, request_id, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.ID, nullIfEmpty(e.UserID), string(e.Action), nullIfEmpty(e.Resource), nullIfEmpty(e.ResourceID),
		detail, e.IPAddress, nullIfEmpty(e.UserAgent), nullIfEmpty(e.RequestID), e.OccurredAt)
	return err
}

func (s *auditStore) List(ctx context.Context, f auth.AuditFilter) ([]auth.AuditEntry, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.Action != "" {
		args = append(args, string(f.Action))
		where = append(where, fmt.Sprintf("action = $%d", len(args)))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	query := `select id, user_id, action, resource, resource_id, detail, ip_address, user_agent, request_id, created_at from audit_logs`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	query += " order by created_at desc, id desc"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" limit $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.AuditEntry
	for rows.Next() {
		var (
			e                           auth.AuditEntry
			action                      string
			userID, res, resID, ua, rid sql.NullString
			detail                      []byte
		)
		if err := rows.Scan(&e.ID, &userID, &action, &res, &resID, &detail, &e.IPAddress, &ua, &rid, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.Action = auth.AuditAction(action)
		e.UserID, e.Resource, e.ResourceID, e.UserAgent, e.RequestID = userID.String, res.String, resID.String, ua.String, rid.String
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("decode audit detail: %w", err)
			}
		}
		result = append(result, e)
	}
	return result, rows.Err()
}
