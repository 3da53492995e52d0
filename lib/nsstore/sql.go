// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nsstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/ow2-proactive/scheduling-sub049/lib/nodesource"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

const sqlSchema = `CREATE TABLE IF NOT EXISTS node_sources (
	name VARCHAR(255) PRIMARY KEY,
	descriptor TEXT NOT NULL,
	status VARCHAR(32) NOT NULL,
	variables TEXT NOT NULL DEFAULT '{}'
)`

// The descriptor column holds the JSON descriptor without its status
// and variables, which change independently.
type sqlRow struct {
	Name       string `db:"name"`
	Descriptor string `db:"descriptor"`
	Status     string `db:"status"`
	Variables  string `db:"variables"`
}

type sqlStore struct {
	logger logrus.FieldLogger
	db     *sqlx.DB
}

// NewSQL returns a Store backed by a "postgres" or "sqlite" database,
// creating its table if needed.
func NewSQL(ctx context.Context, logger logrus.FieldLogger, driver, dsn string) (Store, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s descriptor store: %w", driver, err)
	}
	if driver == "sqlite" {
		// Each connection to an in-memory sqlite database is a
		// separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to %s descriptor store: %w", driver, err)
	}
	if _, err := db.ExecContext(ctx, sqlSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create node_sources table: %w", err)
	}
	logger.Info("descriptor store ready")
	return &sqlStore{logger: logger, db: db}, nil
}

func (ss *sqlStore) Save(ctx context.Context, d nodesource.Descriptor) error {
	vars, err := json.Marshal(nonNil(d.LastRecoveredInfrastructureVariables))
	if err != nil {
		return err
	}
	status := d.Status.String()
	d.Status = nodesource.StatusNodesUndeployed
	d.LastRecoveredInfrastructureVariables = nil
	desc, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = ss.db.ExecContext(ctx, ss.db.Rebind(`INSERT INTO node_sources (name, descriptor, status, variables)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET descriptor=excluded.descriptor, status=excluded.status, variables=excluded.variables`),
		d.Name, string(desc), status, string(vars))
	return err
}

func (ss *sqlStore) UpdateStatus(ctx context.Context, name string, status nodesource.Status) error {
	return ss.exec1(ctx, `UPDATE node_sources SET status=? WHERE name=?`, status.String(), name)
}

func (ss *sqlStore) UpdateVariables(ctx context.Context, name string, vars map[string]string) error {
	buf, err := json.Marshal(nonNil(vars))
	if err != nil {
		return err
	}
	return ss.exec1(ctx, `UPDATE node_sources SET variables=? WHERE name=?`, string(buf), name)
}

func (ss *sqlStore) Delete(ctx context.Context, name string) error {
	return ss.exec1(ctx, `DELETE FROM node_sources WHERE name=?`, name)
}

// exec1 runs a statement that must affect exactly one row.
func (ss *sqlStore) exec1(ctx context.Context, query string, args ...interface{}) error {
	res, err := ss.db.ExecContext(ctx, ss.db.Rebind(query), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (ss *sqlStore) List(ctx context.Context) ([]nodesource.Descriptor, error) {
	var rows []sqlRow
	err := ss.db.SelectContext(ctx, &rows, `SELECT name, descriptor, status, variables FROM node_sources ORDER BY name`)
	if err != nil {
		return nil, err
	}
	ds := make([]nodesource.Descriptor, 0, len(rows))
	for _, row := range rows {
		var d nodesource.Descriptor
		if err := json.Unmarshal([]byte(row.Descriptor), &d); err != nil {
			ss.logger.WithError(err).WithField("NodeSource", row.Name).Warn("skipping unreadable descriptor")
			continue
		}
		if err := d.Status.UnmarshalText([]byte(row.Status)); err != nil {
			ss.logger.WithError(err).WithField("NodeSource", row.Name).Warn("skipping descriptor with invalid status")
			continue
		}
		if err := json.Unmarshal([]byte(row.Variables), &d.LastRecoveredInfrastructureVariables); err != nil {
			ss.logger.WithError(err).WithField("NodeSource", row.Name).Warn("ignoring unreadable infrastructure variables")
		}
		if len(d.LastRecoveredInfrastructureVariables) == 0 {
			d.LastRecoveredInfrastructureVariables = nil
		}
		d.Name = row.Name
		ds = append(ds, d)
	}
	sortDescriptors(ds)
	return ds, nil
}

func (ss *sqlStore) Close() error {
	return ss.db.Close()
}

func nonNil(vars map[string]string) map[string]string {
	if vars == nil {
		return map[string]string{}
	}
	return vars
}
