package db

import (
	"database/sql"
	"regexp"
	"strings"

	"github.com/cloudflare/cfssl/log"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

var (
	dbURLRegex = regexp.MustCompile("(Datasource:\\s*)?(\\S+):(\\S+)@|(Datasource:.*\\s)?(user=\\S+).*\\s(password=\\S+)|(Datasource:.*\\s)?(password=\\S+).*\\s(user=\\S+)")
)

// CertDB is the interface with functions implemented by sqlx.DB
// object that are used by the crystalid-ca server
type CertDB interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	Exec(query string, args ...interface{}) (sql.Result, error)
	NamedExec(query string, arg interface{}) (sql.Result, error)
	Rebind(query string) string
	MustBegin() *sqlx.Tx
}

// DB is an adapter for sqlx.DB
type DB struct {
	*sqlx.DB
}

// New opens a database connection for the given driver type and creates the
// schema if it does not exist yet
func New(dbType, datasource string) (*DB, error) {
	switch dbType {
	case "sqlite3":
		return NewCertDBSQLite(datasource)
	case "mysql":
		return NewCertDBMySQL(datasource)
	case "postgres":
		return NewCertDBPostgres(datasource)
	default:
		return nil, errors.Errorf("Invalid db.type in config file: '%s'; must be 'sqlite3', 'mysql' or 'postgres'", dbType)
	}
}

// NewCertDBSQLite opens a SQLite database. A datasource of ':memory:' is
// supported for tests.
func NewCertDBSQLite(datasource string) (*DB, error) {
	log.Debugf("Using sqlite database: %s", datasource)

	db, err := sqlx.Open("sqlite3", datasource)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to open sqlite3 database")
	}

	err = db.Ping()
	if err != nil {
		return nil, errors.Wrap(err, "Failed to connect to sqlite3 database")
	}

	// The sqlite driver serializes writes per connection; a single
	// connection keeps the transactional issuance path race-free.
	db.SetMaxOpenConns(1)

	err = createSQLiteTables(db)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create sqlite3 tables")
	}

	return &DB{db}, nil
}

// NewCertDBMySQL opens a connection to a MySQL database
func NewCertDBMySQL(datasource string) (*DB, error) {
	log.Debugf("Using MySQL database, connecting to database...")

	log.Debugf("Connecting to MySQL server, using connection string: %s", MakeDBCred(datasource))
	db, err := sqlx.Open("mysql", datasource)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to open MySQL database")
	}

	err = db.Ping()
	if err != nil {
		return nil, errors.Wrap(err, "Failed to connect to MySQL database")
	}

	err = createMySQLTables(db)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create MySQL tables")
	}

	return &DB{db}, nil
}

// NewCertDBPostgres opens a connection to a postgres database
func NewCertDBPostgres(datasource string) (*DB, error) {
	log.Debugf("Using postgres database, connecting to database...")

	dbName := getDBName(datasource)
	if strings.Contains(dbName, "-") || strings.HasSuffix(dbName, ".db") {
		return nil, errors.Errorf("Database name '%s' cannot contain any '-' or end with '.db'", dbName)
	}

	log.Debugf("Connecting to PostgreSQL server, using connection string: %s", MakeDBCred(datasource))
	db, err := sqlx.Open("postgres", datasource)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to open Postgres database")
	}

	err = db.Ping()
	if err != nil {
		return nil, errors.Wrap(err, "Failed to connect to Postgres database")
	}

	err = createPostgresTables(db)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create Postgres tables")
	}

	return &DB{db}, nil
}

const (
	authoritiesTable = `
CREATE TABLE IF NOT EXISTS certificate_authorities (
	id VARCHAR(36) NOT NULL PRIMARY KEY,
	slug VARCHAR(64) NOT NULL UNIQUE,
	certificate_pem TEXT NOT NULL,
	private_key_pem TEXT NOT NULL,
	active BOOLEAN NOT NULL,
	permitted_types TEXT NOT NULL,
	certificate_fingerprint VARCHAR(64) NOT NULL,
	public_key_fingerprint VARCHAR(64) NOT NULL,
	revoked_at TIMESTAMP NULL,
	revocation_reason VARCHAR(255) NULL,
	created_at TIMESTAMP NOT NULL
)`

	certificatesTable = `
CREATE TABLE IF NOT EXISTS issued_certificates (
	id VARCHAR(36) NOT NULL PRIMARY KEY,
	authority_id VARCHAR(36) NOT NULL,
	certificate_type VARCHAR(64) NOT NULL,
	subject_kind VARCHAR(32) NOT NULL,
	subject_id VARCHAR(64) NOT NULL,
	application_id VARCHAR(64) NULL,
	certificate_pem TEXT NOT NULL,
	issued_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	key_type VARCHAR(8) NOT NULL,
	key_bits INTEGER NOT NULL,
	key_curve VARCHAR(16) NOT NULL,
	certificate_fingerprint VARCHAR(64) NOT NULL UNIQUE,
	public_key_fingerprint VARCHAR(64) NOT NULL,
	revoked_at TIMESTAMP NULL,
	revocation_reason VARCHAR(255) NULL
)`
)

var certificateIndexes = []string{
	"CREATE INDEX IF NOT EXISTS idx_issued_certificates_key_fp ON issued_certificates (public_key_fingerprint)",
	"CREATE INDEX IF NOT EXISTS idx_issued_certificates_subject ON issued_certificates (subject_kind, subject_id)",
	"CREATE INDEX IF NOT EXISTS idx_issued_certificates_authority ON issued_certificates (authority_id)",
}

func createSQLiteTables(db *sqlx.DB) error {
	log.Debug("Creating certificate_authorities table if it does not exist")
	if _, err := db.Exec(authoritiesTable); err != nil {
		return errors.Wrap(err, "Error creating certificate_authorities table")
	}
	log.Debug("Creating issued_certificates table if it does not exist")
	if _, err := db.Exec(certificatesTable); err != nil {
		return errors.Wrap(err, "Error creating issued_certificates table")
	}
	for _, q := range certificateIndexes {
		if _, err := db.Exec(q); err != nil {
			return errors.Wrap(err, "Error creating index on issued_certificates")
		}
	}
	return nil
}

func createMySQLTables(db *sqlx.DB) error {
	log.Debug("Creating crystalid-ca tables if they do not exist")
	if _, err := db.Exec(authoritiesTable); err != nil {
		return errors.Wrap(err, "Error creating certificate_authorities table")
	}
	if _, err := db.Exec(certificatesTable); err != nil {
		return errors.Wrap(err, "Error creating issued_certificates table")
	}
	// MySQL has no CREATE INDEX IF NOT EXISTS; duplicate-index errors are benign here.
	for _, q := range certificateIndexes {
		q = strings.Replace(q, " IF NOT EXISTS", "", 1)
		if _, err := db.Exec(q); err != nil {
			log.Debugf("Skipping index creation: %s", err)
		}
	}
	return nil
}

func createPostgresTables(db *sqlx.DB) error {
	log.Debug("Creating crystalid-ca tables if they do not exist")
	if _, err := db.Exec(authoritiesTable); err != nil {
		return errors.Wrap(err, "Error creating certificate_authorities table")
	}
	if _, err := db.Exec(certificatesTable); err != nil {
		return errors.Wrap(err, "Error creating issued_certificates table")
	}
	for _, q := range certificateIndexes {
		if _, err := db.Exec(q); err != nil {
			return errors.Wrap(err, "Error creating index on issued_certificates")
		}
	}
	return nil
}

// getDBName gets database name from connection string
func getDBName(datasource string) string {
	var dbName string
	datasource = strings.ToLower(datasource)

	re := regexp.MustCompile(`(?:\/([^\/?]+))|(?:dbname=([^\s]+))`)
	getName := re.FindStringSubmatch(datasource)
	if getName != nil {
		dbName = getName[1]
		if dbName == "" {
			dbName = getName[2]
		}
	}

	return dbName
}

// MakeDBCred hides DB credentials in a connection string
func MakeDBCred(str string) string {
	matches := dbURLRegex.FindStringSubmatch(str)

	if len(matches) == 10 {
		matchIdxs := dbURLRegex.FindStringSubmatchIndex(str)
		substr := str[matchIdxs[0]:matchIdxs[1]]
		for idx := 1; idx < len(matches); idx++ {
			if matches[idx] != "" {
				if strings.Index(matches[idx], "user=") == 0 {
					substr = strings.Replace(substr, matches[idx], "user=****", 1)
				} else if strings.Index(matches[idx], "password=") == 0 {
					substr = strings.Replace(substr, matches[idx], "password=****", 1)
				} else {
					substr = strings.Replace(substr, matches[idx], "****", 1)
				}
			}
		}
		str = str[:matchIdxs[0]] + substr + str[matchIdxs[1]:]
	}
	return str
}
