package storage

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/lib/pq"
)

// Dialect adapts the shared SQL to a database. Queries are written with
// Postgres $N placeholders.
type Dialect struct {
	name string
}

var (
	postgresDialect = Dialect{name: DriverPostgres}
	sqliteDialect   = Dialect{name: DriverSQLite}
)

// PostgresDialect is used for Postgres and CockroachDB.
func PostgresDialect() Dialect { return postgresDialect }

// SQLiteDialect is used for modernc.org/sqlite.
func SQLiteDialect() Dialect { return sqliteDialect }

var placeholderPattern = regexp.MustCompile(`\$(\d+)`)

// rebind rewrites $N placeholders to SQLite's numbered ?N form.
func (d Dialect) rebind(query string) string {
	if d.name != DriverSQLite {
		return query
	}
	return placeholderPattern.ReplaceAllString(query, "?$1")
}

// stringArray returns a parameter for a TEXT[] column, or JSON text on
// SQLite.
func (d Dialect) stringArray(values []string) any {
	if d.name != DriverSQLite {
		return pq.Array(values)
	}
	if values == nil {
		values = []string{}
	}
	return jsonList{values: &values}
}

// scanStringArray returns a scan destination matching stringArray.
func (d Dialect) scanStringArray(dst *[]string) any {
	if d.name != DriverSQLite {
		return pq.Array(dst)
	}
	return jsonList{values: dst}
}

// sqliteTimeLayout is fixed width so stored values sort chronologically.
const sqliteTimeLayout = "2006-01-02 15:04:05.000000000-07:00"

// timeValue returns a parameter for a timestamp column.
func (d Dialect) timeValue(t time.Time) any {
	if d.name != DriverSQLite {
		return t
	}
	return t.UTC().Format(sqliteTimeLayout)
}

// nullTimeValue is timeValue for a nullable column.
func (d Dialect) nullTimeValue(t *time.Time) any {
	if t == nil {
		return nil
	}
	return d.timeValue(*t)
}

// timeScanner reads a timestamp column that the driver returns either as
// time.Time or as text. A NULL leaves the destination nil when nullable.
type timeScanner struct {
	dst      *time.Time
	nullable **time.Time
}

func scanTime(dst *time.Time) *timeScanner { return &timeScanner{dst: dst} }

func scanNullTime(dst **time.Time) *timeScanner { return &timeScanner{nullable: dst} }

func (s *timeScanner) Scan(src any) error {
	var t time.Time
	switch v := src.(type) {
	case nil:
		if s.nullable != nil {
			*s.nullable = nil
			return nil
		}
		return fmt.Errorf("unexpected NULL timestamp")
	case time.Time:
		t = v
	case string:
		parsed, err := parseTimestamp(v)
		if err != nil {
			return err
		}
		t = parsed
	case []byte:
		parsed, err := parseTimestamp(string(v))
		if err != nil {
			return err
		}
		t = parsed
	default:
		return fmt.Errorf("cannot scan %T into timestamp", src)
	}
	if s.nullable != nil {
		*s.nullable = &t
		return nil
	}
	*s.dst = t
	return nil
}

var timestampLayouts = []string{
	sqliteTimeLayout,
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse timestamp %q", s)
}

// jsonList stores a string slice as JSON text.
type jsonList struct {
	values *[]string
}

func (l jsonList) Value() (driver.Value, error) {
	data, err := json.Marshal(*l.values)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (l jsonList) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*l.values = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into string list", src)
	}
	return json.Unmarshal(data, l.values)
}

// jsonText marshals v for a JSONB (or SQLite TEXT) column.
func jsonText(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// scanJSON decodes a JSON column into v. Empty and NULL columns leave v
// unchanged.
func scanJSON(data []byte, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}
