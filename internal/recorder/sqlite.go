package recorder

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// SQLiteRecorder persists the audit trail to a SQLite database.
type SQLiteRecorder struct {
	db  *sql.DB
	mu  sync.Mutex
	log zerolog.Logger
}

// NewSQLiteRecorder opens (or creates) the SQLite database and runs migrations.
func NewSQLiteRecorder(dbPath string, log zerolog.Logger) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL so dashboards can read while the bot writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	r := &SQLiteRecorder{db: db, log: log.With().Str("component", "recorder").Logger()}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	r.log.Info().Str("path", dbPath).Msg("sqlite recorder opened")
	return r, nil
}

func (r *SQLiteRecorder) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS judgments (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id          TEXT NOT NULL,
			timestamp         INTEGER NOT NULL,
			card_id           TEXT NOT NULL,
			production_number INTEGER,
			action            TEXT,
			confidence        REAL,
			predicted_zone    TEXT,
			predicted_price   TEXT,
			state             TEXT,
			contradiction     INTEGER,
			note              TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_judgments_card ON judgments(card_id)`,

		`CREATE TABLE IF NOT EXISTS actions (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id    TEXT NOT NULL,
			timestamp   INTEGER NOT NULL,
			run_id      TEXT,
			card_id     TEXT NOT NULL,
			kind        TEXT,
			outcome     TEXT,
			percent     INTEGER,
			message     TEXT,
			duration_ms INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_actions_card ON actions(card_id)`,

		`CREATE TABLE IF NOT EXISTS verifications (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id          TEXT NOT NULL,
			timestamp         INTEGER NOT NULL,
			card_id           TEXT NOT NULL,
			next_card_id      TEXT,
			production_number INTEGER,
			status            TEXT,
			predicted_zone    TEXT,
			actual_zone       TEXT,
			predicted_price   TEXT,
			actual_price      TEXT,
			price_error_pct   TEXT,
			zone_correct      INTEGER,
			price_correct     INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_verifications_card ON verifications(card_id)`,

		`CREATE TABLE IF NOT EXISTS evictions (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id          TEXT NOT NULL,
			timestamp         INTEGER NOT NULL,
			card_id           TEXT NOT NULL,
			production_number INTEGER,
			reason            TEXT,
			outcome           TEXT,
			error             TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_evictions_ts ON evictions(timestamp)`,
	}

	for _, s := range stmts {
		if _, err := r.db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:40], err)
		}
	}
	return nil
}

func (r *SQLiteRecorder) RecordJudgment(evt *JudgmentEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`INSERT INTO judgments
		(event_id, timestamp, card_id, production_number, action, confidence,
		 predicted_zone, predicted_price, state, contradiction, note)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		uuid.NewString(), time.Now().Unix(), evt.CardID, evt.ProductionNumber,
		string(evt.Action), evt.Confidence, string(evt.PredictedZone),
		evt.PredictedPrice.String(), evt.State, evt.Contradiction, evt.Note,
	)
	return err
}

func (r *SQLiteRecorder) RecordAction(evt *ActionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`INSERT INTO actions
		(event_id, timestamp, run_id, card_id, kind, outcome, percent, message, duration_ms)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		uuid.NewString(), time.Now().Unix(), evt.RunID, evt.CardID, string(evt.Kind),
		evt.Outcome, evt.Percent, evt.Message, evt.Duration.Milliseconds(),
	)
	return err
}

func (r *SQLiteRecorder) RecordVerification(evt *VerificationEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errPct any
	if evt.PriceErrorPercent.Valid {
		errPct = evt.PriceErrorPercent.Decimal.String()
	}
	_, err := r.db.Exec(`INSERT INTO verifications
		(event_id, timestamp, card_id, next_card_id, production_number, status,
		 predicted_zone, actual_zone, predicted_price, actual_price, price_error_pct,
		 zone_correct, price_correct)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		uuid.NewString(), time.Now().Unix(), evt.CardID, evt.NextCardID, evt.ProductionNumber,
		string(evt.Status), string(evt.PredictedZone), string(evt.ActualZone),
		evt.PredictedPrice.String(), evt.ActualPrice.String(), errPct,
		nullableBool(evt.ZoneCorrect), nullableBool(evt.PriceCorrect),
	)
	return err
}

func (r *SQLiteRecorder) RecordEviction(evt *EvictionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`INSERT INTO evictions
		(event_id, timestamp, card_id, production_number, reason, outcome, error)
		VALUES (?,?,?,?,?,?,?)`,
		uuid.NewString(), time.Now().Unix(), evt.CardID, evt.ProductionNumber,
		evt.Reason, evt.Outcome, evt.Error,
	)
	return err
}

// Accuracy counts the latest verification of every card.
func (r *SQLiteRecorder) Accuracy() (Accuracy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var a Accuracy
	err := r.db.QueryRow(`SELECT
			COUNT(*),
			COUNT(zone_correct),
			COALESCE(SUM(zone_correct), 0),
			COUNT(price_correct),
			COALESCE(SUM(price_correct), 0)
		FROM verifications v
		WHERE v.status = 'verified'
		  AND v.id = (SELECT MAX(id) FROM verifications w WHERE w.card_id = v.card_id)`,
	).Scan(&a.Verified, &a.ZoneChecked, &a.ZoneCorrect, &a.PriceChecked, &a.PriceCorrect)
	if err != nil {
		return Accuracy{}, fmt.Errorf("query accuracy: %w", err)
	}
	return a, nil
}

func (r *SQLiteRecorder) Close() error {
	r.log.Info().Msg("closing sqlite recorder")
	return r.db.Close()
}

func nullableBool(b *bool) any {
	if b == nil {
		return nil
	}
	if *b {
		return 1
	}
	return 0
}
