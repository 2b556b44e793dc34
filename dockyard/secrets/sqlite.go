// an sqlite3 backed credential manager
package secrets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type SqliteManager struct {
	db        *sql.DB
	tableName string
}

type SqliteManagerOpt func(*SqliteManager)

func WithTableName(name string) SqliteManagerOpt {
	return func(s *SqliteManager) {
		s.tableName = name
	}
}

func NewSQLiteManager(dbPath string, opts ...SqliteManagerOpt) (*SqliteManager, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// every connection to :memory: is a fresh database
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	manager := &SqliteManager{
		db:        db,
		tableName: "registry_credentials",
	}

	for _, o := range opts {
		o(manager)
	}

	if err := manager.init(); err != nil {
		return nil, err
	}

	return manager, nil
}

// creates a table and sets up the schema, migrations if any can go here
func (s *SqliteManager) init() error {
	createTable :=
		`create table if not exists ` + s.tableName + `(
			registry text primary key,
			username text not null,
			password text not null,
			created_at text not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
		);`
	_, err := s.db.Exec(createTable)
	return err
}

func (s *SqliteManager) Close() error {
	return s.db.Close()
}

// PutCredential stores cred, replacing any credential for the same host.
func (s *SqliteManager) PutCredential(ctx context.Context, cred Credential) error {
	cred, err := validate(cred)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		insert into %s (registry, username, password)
		values (?, ?, ?)
		on conflict(registry) do update set
			username = excluded.username,
			password = excluded.password,
			created_at = strftime('%%Y-%%m-%%dT%%H:%%M:%%SZ', 'now');
	`, s.tableName)

	_, err = s.db.ExecContext(ctx, query, cred.Registry, cred.Username, cred.Password)
	return err
}

func (s *SqliteManager) RemoveCredential(ctx context.Context, registry string) error {
	host, err := NormalizeRegistry(registry)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		delete from %s where registry = ?;
	`, s.tableName)

	res, err := s.db.ExecContext(ctx, query, host)
	if err != nil {
		return err
	}

	num, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if num == 0 {
		return ErrCredentialNotFound
	}

	return nil
}

func (s *SqliteManager) GetCredential(ctx context.Context, registry string) (Credential, error) {
	host, err := NormalizeRegistry(registry)
	if err != nil {
		return Credential{}, err
	}

	query := fmt.Sprintf(`
		select registry, username, password, created_at from %s where registry = ?;
	`, s.tableName)

	var c Credential
	var createdAt string
	err = s.db.QueryRowContext(ctx, query, host).Scan(&c.Registry, &c.Username, &c.Password, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, ErrCredentialNotFound
	}
	if err != nil {
		return Credential{}, err
	}

	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		c.CreatedAt = t
	}

	return c, nil
}

// ListCredentials returns every stored credential with passwords redacted.
func (s *SqliteManager) ListCredentials(ctx context.Context) ([]Credential, error) {
	query := fmt.Sprintf(`
		select registry, username, created_at from %s order by registry;
	`, s.tableName)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cs []Credential
	for rows.Next() {
		var c Credential
		var createdAt string
		if err = rows.Scan(&c.Registry, &c.Username, &createdAt); err != nil {
			return nil, err
		}

		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			c.CreatedAt = t
		}

		cs = append(cs, c)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return cs, nil
}
