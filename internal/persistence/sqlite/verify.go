package sqlite

import (
	"fmt"
	"strings"
	"time"
)

// CheckMode selects the integrity pragma.
type CheckMode string

const (
	QuickCheck CheckMode = "quick_check"
	FullCheck  CheckMode = "integrity_check"
)

// VerifyIntegrity runs the pragma for mode on a read-only handle. Healthy
// databases yield no issues.
func VerifyIntegrity(dbPath string, mode CheckMode) ([]string, error) {
	if mode != FullCheck {
		mode = QuickCheck
	}
	db, err := Open(dbPath, Config{BusyTimeout: 2 * time.Second, MaxOpenConns: 1, ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()

	rows, err := db.Query("PRAGMA " + string(mode))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", mode, err)
	}
	defer func() { _ = rows.Close() }()

	var issues []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("%s: %w", mode, err)
		}
		if !strings.EqualFold(line, "ok") {
			issues = append(issues, line)
		}
	}
	return issues, rows.Err()
}
