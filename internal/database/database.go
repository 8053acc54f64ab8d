package database

import (
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"testworker/internal/config"
)

func New(conf *config.TWConfig) (*sqlx.DB, error) {
	db, err := sqlx.Connect("pgx", conf.GetDatabaseURL())
	if err != nil {
		return nil, err
	}

	// every worker slot needs at most a handful of connections at the same time
	db.SetMaxOpenConns(4 * max(conf.Worker.Concurrency, 1))
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}
