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
	"strings"

	"github.com/go-sql-driver/mysql"
)

// MySQLSink appends events to a MySQL table.
type MySQLSink struct {
	db     *sql.DB
	insert string
}

func mysqlStatements(table string) (create, insert string, err error) {
	if table == "" {
		table = DefaultTable
	}
	if strings.ContainsAny(table, "`\x00") {
		return "", "", fmt.Errorf("invalid mysql table name %q", table)
	}
	quoted := "`" + table + "`"
	create = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	event VARCHAR(16) NOT NULL,
	username VARCHAR(255) NOT NULL,
	connection_id BIGINT UNSIGNED NOT NULL,
	remote_addr VARCHAR(255) NOT NULL,
	abrupt BOOLEAN NOT NULL DEFAULT FALSE,
	occurred_at DATETIME(6) NOT NULL
)`, quoted)
	insert = fmt.Sprintf(
		"INSERT INTO %s (event, username, connection_id, remote_addr, abrupt, occurred_at) VALUES (?, ?, ?, ?, ?, ?)",
		quoted)
	return create, insert, nil
}

// OpenMySQL connects to dsn, verifies the connection and creates table if it
// does not exist. Timestamps are stored in UTC.
func OpenMySQL(ctx context.Context, dsn, table string) (*MySQLSink, error) {
	create, insert, err := mysqlStatements(table)
	if err != nil {
		return nil, err
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	db := sql.OpenDB(connector)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect mysql: %w", err)
	}
	if _, err := db.ExecContext(ctx, create); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create history table: %w", err)
	}
	return &MySQLSink{db: db, insert: insert}, nil
}

// Write implements Sink.
func (s *MySQLSink) Write(ctx context.Context, e Event) error {
	_, err := s.db.ExecContext(ctx, s.insert,
		string(e.Kind), e.Username, e.ConnectionID, e.RemoteAddr, e.Abrupt, e.At.UTC())
	return err
}

// Close implements Sink.
func (s *MySQLSink) Close() error {
	return s.db.Close()
}
