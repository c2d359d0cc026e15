package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

const (
	TypeMappingCreated     = "MappingCreated"
	TypeMappingUpdated     = "MappingUpdated"
	TypeMappingDeleted     = "MappingDeleted"
	TypeMappingMadePrimary = "MappingMadePrimary"
)

type Event struct {
	Offset    int64
	Type      string
	Key       string // natural key: the mapping's domain
	DataJSON  string
	CreatedAt int64
}

type Log struct{ db *sql.DB }

func NewLog(db *sql.DB) *Log { return &Log{db: db} }

func (l *Log) Append(ctx context.Context, typ, key string, data any) error {
	buf, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO event_log (typ, key, data, created_at)
		 VALUES ($1,$2,$3,$4)`,
		typ, key, string(buf), time.Now().Unix())
	return err
}
