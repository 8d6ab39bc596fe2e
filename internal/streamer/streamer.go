// Package streamer tails a curated set of bus topics on the leader and
// inserts rows into the time-series database. One writer goroutine, prepared
// inserts; undecodable payloads are logged and dropped.
package streamer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pioreactor/pioreactor-go/internal/adapter/observability"
	"github.com/pioreactor/pioreactor-go/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS ods (
    timestamp        TEXT NOT NULL,
    pioreactor_unit  TEXT NOT NULL,
    experiment       TEXT NOT NULL,
    od_reading       REAL NOT NULL,
    angle            TEXT NOT NULL,
    channel          TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS growth_rates (
    timestamp        TEXT NOT NULL,
    pioreactor_unit  TEXT NOT NULL,
    experiment       TEXT NOT NULL,
    rate             REAL NOT NULL
);
CREATE TABLE IF NOT EXISTS dosing_events (
    timestamp        TEXT NOT NULL,
    pioreactor_unit  TEXT NOT NULL,
    experiment       TEXT NOT NULL,
    event            TEXT NOT NULL,
    volume_change_ml REAL NOT NULL,
    source_of_event  TEXT
);
CREATE TABLE IF NOT EXISTS logs (
    timestamp        TEXT NOT NULL,
    pioreactor_unit  TEXT NOT NULL,
    experiment       TEXT NOT NULL,
    message          TEXT NOT NULL,
    task             TEXT,
    source           TEXT,
    level            TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS pwm_dcs (
    timestamp        TEXT NOT NULL,
    pioreactor_unit  TEXT NOT NULL,
    experiment       TEXT NOT NULL,
    channel          TEXT NOT NULL,
    dc               REAL NOT NULL
);
CREATE TABLE IF NOT EXISTS temperature_readings (
    timestamp        TEXT NOT NULL,
    pioreactor_unit  TEXT NOT NULL,
    experiment       TEXT NOT NULL,
    temperature_c    REAL NOT NULL
);
CREATE TABLE IF NOT EXISTS pid_logs (
    timestamp        TEXT NOT NULL,
    pioreactor_unit  TEXT NOT NULL,
    experiment       TEXT NOT NULL,
    job              TEXT NOT NULL,
    setpoint         REAL NOT NULL,
    measured         REAL NOT NULL,
    output           REAL NOT NULL
);
`

type row struct {
	table string
	args  []any
}

// Streamer persists bus traffic into SQLite.
type Streamer struct {
	db     *sql.DB
	bus    domain.Bus
	log    *slog.Logger
	rows   chan row
	stmts  map[string]*sql.Stmt
	unsubs []func()
	done   chan struct{}
}

// New opens (or creates) the time-series DB at path.
func New(path string, b domain.Bus, logger *slog.Logger) (*Streamer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("op=streamer.New: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("op=streamer.New: %w", err)
	}

	s := &Streamer{
		db:    db,
		bus:   b,
		log:   logger.With(slog.String("component", "streamer")),
		rows:  make(chan row, 1024),
		stmts: make(map[string]*sql.Stmt),
		done:  make(chan struct{}),
	}
	if err := s.prepare(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Streamer) prepare() error {
	inserts := map[string]string{
		"ods":                  `INSERT INTO ods (timestamp, pioreactor_unit, experiment, od_reading, angle, channel) VALUES (?, ?, ?, ?, ?, ?)`,
		"growth_rates":         `INSERT INTO growth_rates (timestamp, pioreactor_unit, experiment, rate) VALUES (?, ?, ?, ?)`,
		"dosing_events":        `INSERT INTO dosing_events (timestamp, pioreactor_unit, experiment, event, volume_change_ml, source_of_event) VALUES (?, ?, ?, ?, ?, ?)`,
		"logs":                 `INSERT INTO logs (timestamp, pioreactor_unit, experiment, message, task, source, level) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		"pwm_dcs":              `INSERT INTO pwm_dcs (timestamp, pioreactor_unit, experiment, channel, dc) VALUES (?, ?, ?, ?, ?)`,
		"temperature_readings": `INSERT INTO temperature_readings (timestamp, pioreactor_unit, experiment, temperature_c) VALUES (?, ?, ?, ?)`,
		"pid_logs":             `INSERT INTO pid_logs (timestamp, pioreactor_unit, experiment, job, setpoint, measured, output) VALUES (?, ?, ?, ?, ?, ?, ?)`,
	}
	for table, q := range inserts {
		stmt, err := s.db.Prepare(q)
		if err != nil {
			return fmt.Errorf("op=streamer.prepare table=%s: %w", table, err)
		}
		s.stmts[table] = stmt
	}
	return nil
}

// Start subscribes to every stream and launches the writer.
func (s *Streamer) Start() error {
	go s.writer()

	subs := []struct {
		filter  string
		handler domain.Handler
	}{
		{domain.Topic("+", "+", "od_reading", "ods"), s.onODs},
		{domain.Topic("+", "+", "growth_rate_calculating", "growth_rate"), s.onGrowthRate},
		{domain.Topic("+", "+", "dosing_events"), s.onDosingEvent},
		{domain.Topic("+", "+", "logs", "+"), s.onLog},
		{domain.Topic("+", "+", "stirring", "duty_cycle"), s.onDutyCycle},
		{domain.Topic("+", "+", "temperature_automation", "temperature"), s.onTemperature},
		{domain.Topic("+", "+", "pid_log"), s.onPIDLog},
	}
	for _, sub := range subs {
		unsub, err := s.bus.Subscribe(sub.filter, domain.AtLeastOnce, sub.handler)
		if err != nil {
			return fmt.Errorf("op=streamer.Start filter=%s: %w", sub.filter, err)
		}
		s.unsubs = append(s.unsubs, unsub)
	}
	return nil
}

// Close detaches from the bus, drains pending rows, and closes the DB.
func (s *Streamer) Close() error {
	for _, u := range s.unsubs {
		u()
	}
	close(s.rows)
	<-s.done
	for _, stmt := range s.stmts {
		_ = stmt.Close()
	}
	return s.db.Close()
}

func (s *Streamer) writer() {
	defer close(s.done)
	for r := range s.rows {
		stmt, ok := s.stmts[r.table]
		if !ok {
			continue
		}
		if _, err := stmt.Exec(r.args...); err != nil {
			s.log.Error("insert failed", slog.String("table", r.table), slog.Any("error", err))
			continue
		}
		observability.StreamerRowsTotal.WithLabelValues(r.table).Inc()
	}
}

func (s *Streamer) enqueue(table string, args ...any) {
	select {
	case s.rows <- row{table: table, args: args}:
	default:
		s.log.Warn("row dropped, writer backlogged", slog.String("table", table))
	}
}

// scope extracts (unit, experiment) from a pioreactor topic.
func scope(topic string) (unit, experiment string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[0] != domain.TopicPrefix {
		return "", "", false
	}
	return parts[1], parts[2], true
}

func (s *Streamer) drop(topic string, err error) {
	s.log.Warn("undecodable payload dropped", slog.String("topic", topic), slog.Any("error", err))
}

func (s *Streamer) onODs(m domain.Message) {
	unit, exp, ok := scope(m.Topic)
	if !ok {
		return
	}
	var rd domain.ODReadings
	if err := json.Unmarshal(m.Payload, &rd); err != nil {
		s.drop(m.Topic, err)
		return
	}
	for _, r := range rd.ODs {
		s.enqueue("ods", r.Timestamp.Format(time.RFC3339Nano), unit, exp, r.OD, r.Angle, r.Channel)
	}
}

func (s *Streamer) onGrowthRate(m domain.Message) {
	unit, exp, ok := scope(m.Topic)
	if !ok {
		return
	}
	var gr domain.GrowthRate
	if err := json.Unmarshal(m.Payload, &gr); err != nil {
		s.drop(m.Topic, err)
		return
	}
	s.enqueue("growth_rates", gr.Timestamp.Format(time.RFC3339Nano), unit, exp, gr.GrowthRate)
}

func (s *Streamer) onDosingEvent(m domain.Message) {
	unit, exp, ok := scope(m.Topic)
	if !ok {
		return
	}
	var ev domain.DosingEvent
	if err := json.Unmarshal(m.Payload, &ev); err != nil {
		s.drop(m.Topic, err)
		return
	}
	s.enqueue("dosing_events", ev.Timestamp.Format(time.RFC3339Nano), unit, exp, ev.Event, ev.VolumeChangeML, ev.SourceOfEvent)
}

func (s *Streamer) onLog(m domain.Message) {
	unit, exp, ok := scope(m.Topic)
	if !ok {
		return
	}
	var entry domain.LogEntry
	if err := json.Unmarshal(m.Payload, &entry); err != nil {
		s.drop(m.Topic, err)
		return
	}
	level := entry.Level
	if level == "" {
		parts := strings.Split(m.Topic, "/")
		level = parts[len(parts)-1]
	}
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	s.enqueue("logs", ts.Format(time.RFC3339Nano), unit, exp, entry.Message, entry.Task, entry.Source, level)
}

func (s *Streamer) onDutyCycle(m domain.Message) {
	unit, exp, ok := scope(m.Topic)
	if !ok {
		return
	}
	var dc float64
	if err := json.Unmarshal(m.Payload, &dc); err != nil {
		s.drop(m.Topic, err)
		return
	}
	s.enqueue("pwm_dcs", time.Now().UTC().Format(time.RFC3339Nano), unit, exp, "stirring", dc)
}

func (s *Streamer) onTemperature(m domain.Message) {
	unit, exp, ok := scope(m.Topic)
	if !ok {
		return
	}
	var c float64
	if err := json.Unmarshal(m.Payload, &c); err != nil {
		s.drop(m.Topic, err)
		return
	}
	s.enqueue("temperature_readings", time.Now().UTC().Format(time.RFC3339Nano), unit, exp, c)
}

type pidLog struct {
	Timestamp time.Time `json:"timestamp"`
	Job       string    `json:"job"`
	Setpoint  float64   `json:"setpoint"`
	Measured  float64   `json:"measured"`
	Output    float64   `json:"output"`
}

func (s *Streamer) onPIDLog(m domain.Message) {
	unit, exp, ok := scope(m.Topic)
	if !ok {
		return
	}
	var p pidLog
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		s.drop(m.Topic, err)
		return
	}
	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	s.enqueue("pid_logs", ts.Format(time.RFC3339Nano), unit, exp, p.Job, p.Setpoint, p.Measured, p.Output)
}

// Count returns the row count of one stream table, for health endpoints.
func (s *Streamer) Count(ctx context.Context, table string) (int64, error) {
	if _, ok := s.stmts[table]; !ok {
		return 0, fmt.Errorf("op=streamer.Count table=%s: %w", table, domain.ErrInvalidArgument)
	}
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n)
	return n, err
}
