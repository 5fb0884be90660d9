package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"alertrelay/internal/alert"
	logx "alertrelay/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

func (d dialect) migration() string {
	if d == dialectPostgres {
		return "migrations/postgres.sql"
	}
	return "migrations/sqlite.sql"
}

// sqlStore implements Store on database/sql. Queries are written with "?"
// placeholders and rebound for postgres.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	log     logx.Logger
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *sqlStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqlStore{db: db, dialect: d, log: log}
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile(s.dialect.migration())
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

// q rebinds "?" placeholders to "$n" for postgres.
func (s *sqlStore) q(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- alerts ----

const alertColumns = `id, kind, priority, module, message, attributes, created_at, delivered`

func (s *sqlStore) SaveAlert(ctx context.Context, e alert.Event) error {
	attrs, err := encodeJSON(e.Attributes)
	if err != nil {
		return alert.WrapStorage("save alert", err)
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO alerts(`+alertColumns+`) VALUES(?,?,?,?,?,?,?,?)`),
		e.ID, e.Kind, string(e.Priority), e.Module, e.Message, attrs, e.CreatedAt.UnixMilli(), boolInt(e.Delivered),
	)
	return alert.WrapStorage("save alert", err)
}

func (s *sqlStore) GetAlert(ctx context.Context, id string) (alert.Event, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+alertColumns+` FROM alerts WHERE id = ?`), id)
	e, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return alert.Event{}, alert.ErrNotFound
	}
	if err != nil {
		return alert.Event{}, alert.WrapStorage("get alert", err)
	}
	targets, err := s.deliveries(ctx, id)
	if err != nil {
		return alert.Event{}, err
	}
	e.DeliveryTargets = targets
	return e, nil
}

func (s *sqlStore) deliveries(ctx context.Context, id string) ([]alert.DeliveryTarget, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT chat_id, message_id, sent_at FROM alert_deliveries WHERE alert_id = ? ORDER BY sent_at, chat_id`), id)
	if err != nil {
		return nil, alert.WrapStorage("list deliveries", err)
	}
	defer rows.Close()

	var out []alert.DeliveryTarget
	for rows.Next() {
		var (
			t    alert.DeliveryTarget
			msg  int64
			sent int64
		)
		if err := rows.Scan(&t.ChatID, &msg, &sent); err != nil {
			return nil, alert.WrapStorage("list deliveries", err)
		}
		t.MessageID = int(msg)
		t.SentAt = time.UnixMilli(sent)
		out = append(out, t)
	}
	return out, alert.WrapStorage("list deliveries", rows.Err())
}

func (s *sqlStore) RecordDelivery(ctx context.Context, alertID string, t alert.DeliveryTarget) error {
	if t.SentAt.IsZero() {
		t.SentAt = time.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return alert.WrapStorage("record delivery", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.q(`UPDATE alerts SET delivered = 1 WHERE id = ?`), alertID)
	if err != nil {
		return alert.WrapStorage("record delivery", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return alert.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO alert_deliveries(alert_id, chat_id, message_id, sent_at) VALUES(?,?,?,?)
		ON CONFLICT(alert_id, chat_id, message_id) DO NOTHING`),
		alertID, t.ChatID, t.MessageID, t.SentAt.UnixMilli(),
	); err != nil {
		return alert.WrapStorage("record delivery", err)
	}
	return alert.WrapStorage("record delivery", tx.Commit())
}

func (s *sqlStore) MarkAttempted(ctx context.Context, alertID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE alerts SET attempted_at = ? WHERE id = ?`), at.UnixMilli(), alertID)
	return alert.WrapStorage("mark attempted", err)
}

func (s *sqlStore) History(ctx context.Context, limit int) ([]alert.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.listAlerts(ctx, "history", `SELECT `+alertColumns+` FROM alerts ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
}

func (s *sqlStore) Pending(ctx context.Context, limit int) ([]alert.Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.listAlerts(ctx, "pending", `SELECT `+alertColumns+` FROM alerts WHERE delivered = 0 AND attempted_at IS NULL ORDER BY created_at, id LIMIT ?`, limit)
}

func (s *sqlStore) listAlerts(ctx context.Context, op, query string, args ...any) ([]alert.Event, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, alert.WrapStorage(op, err)
	}
	defer rows.Close()

	out := make([]alert.Event, 0, 16)
	for rows.Next() {
		e, err := scanAlert(rows)
		if err != nil {
			return nil, alert.WrapStorage(op, err)
		}
		out = append(out, e)
	}
	return out, alert.WrapStorage(op, rows.Err())
}

func (s *sqlStore) CountAlerts(ctx context.Context, since time.Time) (int, error) {
	var n int
	var err error
	if since.IsZero() {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alerts`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM alerts WHERE created_at >= ?`), since.UnixMilli()).Scan(&n)
	}
	return n, alert.WrapStorage("count alerts", err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(r rowScanner) (alert.Event, error) {
	var (
		e         alert.Event
		priority  string
		attrs     sql.NullString
		createdMS int64
		delivered int64
	)
	if err := r.Scan(&e.ID, &e.Kind, &priority, &e.Module, &e.Message, &attrs, &createdMS, &delivered); err != nil {
		return alert.Event{}, err
	}
	e.Priority = alert.Priority(priority)
	e.CreatedAt = time.UnixMilli(createdMS)
	e.Delivered = delivered != 0
	if attrs.Valid && attrs.String != "" {
		if err := json.Unmarshal([]byte(attrs.String), &e.Attributes); err != nil {
			return alert.Event{}, err
		}
	}
	return e, nil
}

// ---- cooldowns ----

func (s *sqlStore) Cooldown(ctx context.Context, module string, def time.Duration) (alert.Cooldown, error) {
	var (
		secs int64
		last sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, s.q(`SELECT cooldown_seconds, last_alert_at FROM module_settings WHERE module = ?`), module).Scan(&secs, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return alert.Cooldown{Module: module, Period: def}, nil
	}
	if err != nil {
		return alert.Cooldown{}, alert.WrapStorage("get cooldown", err)
	}
	c := alert.Cooldown{Module: module, Period: time.Duration(secs) * time.Second}
	if last.Valid {
		c.LastAlertAt = time.UnixMilli(last.Int64)
	}
	return c, nil
}

func (s *sqlStore) TouchCooldown(ctx context.Context, module string, at time.Time, def time.Duration) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO module_settings(module, cooldown_seconds, last_alert_at) VALUES(?,?,?)
		ON CONFLICT(module) DO UPDATE SET last_alert_at = excluded.last_alert_at`),
		module, int64(def/time.Second), at.UnixMilli(),
	)
	return alert.WrapStorage("touch cooldown", err)
}

func (s *sqlStore) SetCooldownPeriod(ctx context.Context, module string, period time.Duration) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO module_settings(module, cooldown_seconds) VALUES(?,?)
		ON CONFLICT(module) DO UPDATE SET cooldown_seconds = excluded.cooldown_seconds`),
		module, int64(period/time.Second),
	)
	return alert.WrapStorage("set cooldown", err)
}

// ---- module status ----

func (s *sqlStore) UpsertModuleStatus(ctx context.Context, st alert.ModuleStatus) error {
	var latency, detail any
	if st.Latency != nil {
		latency = *st.Latency
	}
	if st.Detail != nil {
		detail = *st.Detail
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO module_status(module, state, last_checked_at, latency_seconds, detail) VALUES(?,?,?,?,?)
		ON CONFLICT(module) DO UPDATE SET state = excluded.state, last_checked_at = excluded.last_checked_at,
			latency_seconds = excluded.latency_seconds, detail = excluded.detail`),
		st.Module, string(st.State), st.LastCheckedAt.UnixMilli(), latency, detail,
	)
	return alert.WrapStorage("upsert module status", err)
}

func (s *sqlStore) ModuleStatuses(ctx context.Context) ([]alert.ModuleStatus, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT module, state, last_checked_at, latency_seconds, detail FROM module_status ORDER BY module`)
	if err != nil {
		return nil, alert.WrapStorage("list module status", err)
	}
	defer rows.Close()

	var out []alert.ModuleStatus
	for rows.Next() {
		var (
			st      alert.ModuleStatus
			state   string
			checked int64
			latency sql.NullFloat64
			detail  sql.NullString
		)
		if err := rows.Scan(&st.Module, &state, &checked, &latency, &detail); err != nil {
			return nil, alert.WrapStorage("list module status", err)
		}
		st.State = alert.ModuleState(state)
		st.LastCheckedAt = time.UnixMilli(checked)
		if latency.Valid {
			v := latency.Float64
			st.Latency = &v
		}
		if detail.Valid {
			v := detail.String
			st.Detail = &v
		}
		out = append(out, st)
	}
	return out, alert.WrapStorage("list module status", rows.Err())
}

// ---- subscriptions ----

func (s *sqlStore) AddSubscription(ctx context.Context, sub alert.Subscription) (int64, error) {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	types, err := encodeList(sub.AlertTypes)
	if err != nil {
		return 0, alert.WrapStorage("add subscription", err)
	}
	modules, err := encodeList(sub.Modules)
	if err != nil {
		return 0, alert.WrapStorage("add subscription", err)
	}
	prios, err := encodeList(sub.PriorityLevels)
	if err != nil {
		return 0, alert.WrapStorage("add subscription", err)
	}
	var id int64
	err = s.db.QueryRowContext(ctx, s.q(`INSERT INTO alert_subscriptions(chat_id, alert_types, modules, priority_levels, enabled, created_at)
		VALUES(?,?,?,?,?,?) RETURNING id`),
		sub.ChatID, types, modules, prios, boolInt(sub.Enabled), sub.CreatedAt.UnixMilli(),
	).Scan(&id)
	return id, alert.WrapStorage("add subscription", err)
}

func (s *sqlStore) Subscriptions(ctx context.Context, enabledOnly bool) ([]alert.Subscription, error) {
	query := `SELECT id, chat_id, alert_types, modules, priority_levels, enabled, created_at FROM alert_subscriptions`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, alert.WrapStorage("list subscriptions", err)
	}
	defer rows.Close()

	var out []alert.Subscription
	for rows.Next() {
		var (
			sub                   alert.Subscription
			types, modules, prios sql.NullString
			enabled, created      int64
		)
		if err := rows.Scan(&sub.ID, &sub.ChatID, &types, &modules, &prios, &enabled, &created); err != nil {
			return nil, alert.WrapStorage("list subscriptions", err)
		}
		if err := decodeList(types, &sub.AlertTypes); err != nil {
			return nil, alert.WrapStorage("list subscriptions", err)
		}
		if err := decodeList(modules, &sub.Modules); err != nil {
			return nil, alert.WrapStorage("list subscriptions", err)
		}
		if err := decodeList(prios, &sub.PriorityLevels); err != nil {
			return nil, alert.WrapStorage("list subscriptions", err)
		}
		sub.Enabled = enabled != 0
		sub.CreatedAt = time.UnixMilli(created)
		out = append(out, sub)
	}
	return out, alert.WrapStorage("list subscriptions", rows.Err())
}

func (s *sqlStore) DisableSubscriptions(ctx context.Context, chatID int64) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE alert_subscriptions SET enabled = 0 WHERE chat_id = ? AND enabled = 1`), chatID)
	if err != nil {
		return 0, alert.WrapStorage("disable subscriptions", err)
	}
	n, err := res.RowsAffected()
	return int(n), alert.WrapStorage("disable subscriptions", err)
}

// ---- acks ----

func (s *sqlStore) GetAck(ctx context.Context, alertID string, chatID int64, messageID int) (alert.AckRecord, bool, error) {
	var (
		rec     = alert.AckRecord{AlertID: alertID, ChatID: chatID, MessageID: messageID}
		state   string
		updated int64
	)
	err := s.db.QueryRowContext(ctx, s.q(`SELECT state, delay_minutes, actor_id, updated_at FROM alert_acks
		WHERE alert_id = ? AND chat_id = ? AND message_id = ?`), alertID, chatID, messageID,
	).Scan(&state, &rec.DelayMinutes, &rec.ActorID, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return alert.AckRecord{}, false, nil
	}
	if err != nil {
		return alert.AckRecord{}, false, alert.WrapStorage("get ack", err)
	}
	rec.State = alert.AckState(state)
	rec.UpdatedAt = time.UnixMilli(updated)
	return rec, true, nil
}

func (s *sqlStore) PutAck(ctx context.Context, rec alert.AckRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO alert_acks(alert_id, chat_id, message_id, state, delay_minutes, actor_id, updated_at)
		VALUES(?,?,?,?,?,?,?)
		ON CONFLICT(alert_id, chat_id, message_id) DO UPDATE SET state = excluded.state,
			delay_minutes = excluded.delay_minutes, actor_id = excluded.actor_id, updated_at = excluded.updated_at`),
		rec.AlertID, rec.ChatID, rec.MessageID, string(rec.State), rec.DelayMinutes, rec.ActorID, rec.UpdatedAt.UnixMilli(),
	)
	return alert.WrapStorage("put ack", err)
}

// ---- helpers ----

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeJSON(v alert.Attrs) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func encodeList[T ~string](v []T) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeList[T ~string](raw sql.NullString, dst *[]T) error {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw.String), dst)
}
