// Package cloudsql resolves the Postgres connection string from the
// environment, for both local development and Cloud SQL on Cloud Run.
package cloudsql

import (
	"errors"
	"fmt"
	"net/url"
	"os"
)

// ErrNotConfigured means no database settings are present; callers fall back
// to local cursor storage.
var ErrNotConfigured = errors.New("neither DATABASE_URL nor INSTANCE_CONNECTION_NAME is set")

// BuildDatabaseURL constructs a PostgreSQL connection string.
//
// For Cloud Run with Cloud SQL set INSTANCE_CONNECTION_NAME, DB_USER,
// DB_PASSWORD and DB_NAME; the instance's Unix socket is used. For local
// development set DATABASE_URL directly.
func BuildDatabaseURL() (string, error) {
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		return dbURL, nil
	}

	instance := os.Getenv("INSTANCE_CONNECTION_NAME")
	if instance == "" {
		return "", ErrNotConfigured
	}

	dbUser := os.Getenv("DB_USER")
	dbName := os.Getenv("DB_NAME")
	if dbUser == "" || dbName == "" {
		return "", fmt.Errorf("DB_USER and DB_NAME must be set when using INSTANCE_CONNECTION_NAME")
	}

	// Cloud Run mounts Cloud SQL instances at /cloudsql/[INSTANCE_CONNECTION_NAME]
	connStr := fmt.Sprintf("host=/cloudsql/%s user=%s dbname=%s sslmode=disable", instance, dbUser, dbName)
	if dbPassword := os.Getenv("DB_PASSWORD"); dbPassword != "" {
		connStr += " password=" + dbPassword
	}
	return connStr, nil
}

// Describe returns connection details safe to log.
func Describe() []any {
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		return []any{"connection_type", "direct", "database_url", redactPassword(dbURL)}
	}
	if instance := os.Getenv("INSTANCE_CONNECTION_NAME"); instance != "" {
		return []any{
			"connection_type", "cloud_sql",
			"instance", instance,
			"user", os.Getenv("DB_USER"),
			"database", os.Getenv("DB_NAME"),
		}
	}
	return []any{"connection_type", "none"}
}

// redactPassword masks the password of a postgres:// URL.
func redactPassword(connStr string) string {
	u, err := url.Parse(connStr)
	if err != nil || u.User == nil {
		return connStr
	}
	if _, ok := u.User.Password(); !ok {
		return connStr
	}
	u.User = url.UserPassword(u.User.Username(), "xxxxx")
	return u.String()
}
