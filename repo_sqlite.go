package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ===== SQLite adapters =====

type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database file and applies the schema.
func NewSQLiteStore(path string) (*sqliteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

// Ping reports whether the database file is still usable.
func (s *sqliteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite ping: %w", err)
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS positions (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			id              TEXT    NOT NULL UNIQUE,
			symbol          TEXT    NOT NULL,
			option_type     TEXT    NOT NULL,
			strike_price    REAL    NOT NULL,
			expiration_date TEXT    NOT NULL,
			position_side   TEXT    NOT NULL,
			quantity        REAL    NOT NULL,
			entry_price     REAL    NOT NULL,
			entry_date      TEXT    NOT NULL,
			group_id        TEXT    NOT NULL DEFAULT '',
			created_at      TEXT    NOT NULL,
			updated_at      TEXT    NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_positions_group ON positions (group_id);

		CREATE TABLE IF NOT EXISTS trade_groups (
			seq            INTEGER PRIMARY KEY AUTOINCREMENT,
			id             TEXT    NOT NULL UNIQUE,
			strategy       TEXT    NOT NULL,
			underlying     TEXT    NOT NULL,
			gross_proceeds REAL    NOT NULL,
			created_at     TEXT    NOT NULL,
			updated_at     TEXT    NOT NULL
		);
	`)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

const positionColumns = `id, symbol, option_type, strike_price, expiration_date, position_side,
	quantity, entry_price, entry_date, group_id, created_at, updated_at`

func scanPosition(row rowScanner) (Position, error) {
	var p Position
	var optType, side, createdAt, updatedAt string
	err := row.Scan(&p.ID, &p.Symbol, &optType, &p.StrikePrice, &p.ExpirationDate, &side,
		&p.Quantity, &p.EntryPrice, &p.EntryDate, &p.GroupID, &createdAt, &updatedAt)
	if err != nil {
		return Position{}, err
	}
	p.OptionType = OptionType(optType)
	p.PositionSide = PositionSide(side)
	p.CreatedAt, _ = time.Parse(tsLayout, createdAt)
	p.UpdatedAt, _ = time.Parse(tsLayout, updatedAt)
	return p, nil
}

/* ---- Position repo ---- */

type sqlitePositionRepo struct{ s *sqliteStore }

func NewSQLitePositionRepo(s *sqliteStore) *sqlitePositionRepo { return &sqlitePositionRepo{s: s} }

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func insertPosition(db execer, p Position) error {
	_, err := db.Exec(`INSERT INTO positions (`+positionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Symbol, string(p.OptionType), p.StrikePrice, p.ExpirationDate, string(p.PositionSide),
		p.Quantity, p.EntryPrice, p.EntryDate, p.GroupID,
		p.CreatedAt.Format(tsLayout), p.UpdatedAt.Format(tsLayout))
	return err
}

func (r *sqlitePositionRepo) Create(p Position) (Position, error) {
	if err := insertPosition(r.s.db, p); err != nil {
		return Position{}, fmt.Errorf("sqlite insert position: %w", err)
	}
	return p, nil
}

func (r *sqlitePositionRepo) CreateBatch(ps []Position) ([]Position, error) {
	tx, err := r.s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("sqlite begin: %w", err)
	}
	for _, p := range ps {
		if err := insertPosition(tx, p); err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("sqlite insert position: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite commit: %w", err)
	}
	return ps, nil
}

func (r *sqlitePositionRepo) GetByID(id string) (Position, error) {
	row := r.s.db.QueryRow(`SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Position{}, ErrNotFound
	}
	if err != nil {
		return Position{}, fmt.Errorf("sqlite get position: %w", err)
	}
	return p, nil
}

func (r *sqlitePositionRepo) List(filter ListFilter) ([]Position, error) {
	var where []string
	var args []any
	if filter.Symbol != "" {
		where = append(where, "symbol = ? COLLATE NOCASE")
		args = append(args, filter.Symbol)
	}
	if filter.GroupID != "" {
		where = append(where, "group_id = ?")
		args = append(args, filter.GroupID)
	}
	q := `SELECT ` + positionColumns + ` FROM positions`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	switch filter.Sort {
	case SortEntryAsc:
		q += " ORDER BY entry_date ASC, seq ASC"
	case SortEntryDesc:
		q += " ORDER BY entry_date DESC, seq ASC"
	default:
		q += " ORDER BY seq ASC"
	}
	if filter.Limit > 0 || filter.Offset > 0 {
		limit := filter.Limit
		if limit <= 0 {
			limit = -1
		}
		q += " LIMIT ? OFFSET ?"
		args = append(args, limit, max(filter.Offset, 0))
	}

	rows, err := r.s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite query positions: %w", err)
	}
	defer rows.Close()

	out := make([]Position, 0, 32)
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *sqlitePositionRepo) Update(p Position) (Position, error) {
	p.UpdatedAt = time.Now()
	res, err := r.s.db.Exec(`UPDATE positions SET symbol = ?, option_type = ?, strike_price = ?,
		expiration_date = ?, position_side = ?, quantity = ?, entry_price = ?, entry_date = ?,
		group_id = ?, created_at = ?, updated_at = ? WHERE id = ?`,
		p.Symbol, string(p.OptionType), p.StrikePrice, p.ExpirationDate, string(p.PositionSide),
		p.Quantity, p.EntryPrice, p.EntryDate, p.GroupID,
		p.CreatedAt.Format(tsLayout), p.UpdatedAt.Format(tsLayout), p.ID)
	if err != nil {
		return Position{}, fmt.Errorf("sqlite update position: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Position{}, ErrNotFound
	}
	return p, nil
}

func (r *sqlitePositionRepo) Delete(id string) error {
	res, err := r.s.db.Exec(`DELETE FROM positions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite delete position: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sqlitePositionRepo) AssignGroups(assignments map[string]string) error {
	tx, err := r.s.db.Begin()
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	stmt, err := tx.Prepare(`UPDATE positions SET group_id = ? WHERE id = ?`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite prepare: %w", err)
	}
	defer stmt.Close()
	for posID, groupID := range assignments {
		if _, err := stmt.Exec(groupID, posID); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite assign group: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite commit: %w", err)
	}
	return nil
}

/* ---- Group repo ---- */

type sqliteGroupRepo struct{ s *sqliteStore }

func NewSQLiteGroupRepo(s *sqliteStore) *sqliteGroupRepo { return &sqliteGroupRepo{s: s} }

const groupColumns = `id, strategy, underlying, gross_proceeds, created_at, updated_at`

func scanGroup(row rowScanner) (TradeGroup, error) {
	var g TradeGroup
	var createdAt, updatedAt string
	if err := row.Scan(&g.ID, &g.Strategy, &g.Underlying, &g.GrossProceeds, &createdAt, &updatedAt); err != nil {
		return TradeGroup{}, err
	}
	g.CreatedAt, _ = time.Parse(tsLayout, createdAt)
	g.UpdatedAt, _ = time.Parse(tsLayout, updatedAt)
	return g, nil
}

func (r *sqliteGroupRepo) Create(g TradeGroup) (TradeGroup, error) {
	_, err := r.s.db.Exec(`INSERT INTO trade_groups (`+groupColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		g.ID, g.Strategy, g.Underlying, g.GrossProceeds,
		g.CreatedAt.Format(tsLayout), g.UpdatedAt.Format(tsLayout))
	if err != nil {
		return TradeGroup{}, fmt.Errorf("sqlite insert group: %w", err)
	}
	return g, nil
}

func (r *sqliteGroupRepo) GetByID(id string) (TradeGroup, error) {
	g, err := scanGroup(r.s.db.QueryRow(`SELECT `+groupColumns+` FROM trade_groups WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return TradeGroup{}, ErrNotFound
	}
	if err != nil {
		return TradeGroup{}, fmt.Errorf("sqlite get group: %w", err)
	}
	return g, nil
}

func (r *sqliteGroupRepo) List() ([]TradeGroup, error) {
	rows, err := r.s.db.Query(`SELECT ` + groupColumns + ` FROM trade_groups ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite query groups: %w", err)
	}
	defer rows.Close()
	out := make([]TradeGroup, 0, 16)
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite scan group: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (r *sqliteGroupRepo) Update(g TradeGroup) (TradeGroup, error) {
	res, err := r.s.db.Exec(`UPDATE trade_groups SET strategy = ?, underlying = ?, gross_proceeds = ?,
		created_at = ?, updated_at = ? WHERE id = ?`,
		g.Strategy, g.Underlying, g.GrossProceeds, g.CreatedAt.Format(tsLayout), g.UpdatedAt.Format(tsLayout), g.ID)
	if err != nil {
		return TradeGroup{}, fmt.Errorf("sqlite update group: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return TradeGroup{}, ErrNotFound
	}
	return g, nil
}

func (r *sqliteGroupRepo) Delete(id string) error {
	res, err := r.s.db.Exec(`DELETE FROM trade_groups WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite delete group: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sqliteGroupRepo) Clear() error {
	if _, err := r.s.db.Exec(`DELETE FROM trade_groups`); err != nil {
		return fmt.Errorf("sqlite clear groups: %w", err)
	}
	return nil
}
