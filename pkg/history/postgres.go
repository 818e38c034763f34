// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package history

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// DefaultTable is the table PostgresSink writes to when none is configured.
const DefaultTable = "stomp_session_history"

// PostgresSink appends events to a PostgreSQL table.
type PostgresSink struct {
	db     *sql.DB
	create string
	insert string
}

func postgresStatements(table string) (create, insert string) {
	if table == "" {
		table = DefaultTable
	}
	quoted := pq.QuoteIdentifier(table)
	create = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	event TEXT NOT NULL,
	username TEXT NOT NULL,
	connection_id BIGINT NOT NULL,
	remote_addr TEXT NOT NULL,
	abrupt BOOLEAN NOT NULL DEFAULT FALSE,
	occurred_at TIMESTAMPTZ NOT NULL
)`, quoted)
	insert = fmt.Sprintf(
		`INSERT INTO %s (event, username, connection_id, remote_addr, abrupt, occurred_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		quoted)
	return create, insert
}

// OpenPostgres connects to dsn, verifies the connection and creates table if
// it does not exist.
func OpenPostgres(ctx context.Context, dsn, table string) (*PostgresSink, error) {
	connector, err := pq.NewConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	db := sql.OpenDB(connector)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &PostgresSink{db: db}
	s.create, s.insert = postgresStatements(table)
	if _, err := db.ExecContext(ctx, s.create); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create history table: %w", err)
	}
	return s, nil
}

// Write implements Sink.
func (s *PostgresSink) Write(ctx context.Context, e Event) error {
	_, err := s.db.ExecContext(ctx, s.insert,
		string(e.Kind), e.Username, int64(e.ConnectionID), e.RemoteAddr, e.Abrupt, e.At)
	return err
}

// Close implements Sink.
func (s *PostgresSink) Close() error {
	return s.db.Close()
}
