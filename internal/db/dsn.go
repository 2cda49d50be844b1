package db

import (
	"fmt"
	"net/url"
)

// PostgresDSN builds a lib/pq keyword/value connection string.
func PostgresDSN(host string, port int, user, password, name, sslmode string) string {
	if sslmode == "" {
		sslmode = "disable"
	}
	dsn := fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s", host, port, user, name, sslmode)
	if password != "" {
		dsn += fmt.Sprintf(" password=%s", password)
	}
	return dsn
}

// SQLiteDSN builds a modernc.org/sqlite DSN for a database file with
// foreign keys enforced on every connection and write transactions that
// take the database lock at BEGIN.
func SQLiteDSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}
