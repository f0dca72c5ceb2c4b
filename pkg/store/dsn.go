package store

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var dbnameKeyword = regexp.MustCompile(`(^|\s)dbname=('[^']*'|\S*)`)

// applyDatabaseName rewrites dsn so it targets name. Both URL and keyword/value
// DSN forms are supported. An empty name leaves dsn untouched.
func applyDatabaseName(dsn, name string) (string, error) {
	name = strings.TrimSpace(name)
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return "", fmt.Errorf("database url is required")
	}
	if name == "" {
		return dsn, nil
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("parse database url: %w", err)
		}
		u.Path = "/" + name
		u.RawPath = ""
		return u.String(), nil
	}
	if dbnameKeyword.MatchString(dsn) {
		return dbnameKeyword.ReplaceAllString(dsn, "${1}dbname="+name), nil
	}
	return dsn + " dbname=" + name, nil
}
