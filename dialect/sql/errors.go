package sql

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Postgres SQLSTATE codes of class 23.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
)

// MySQL error numbers.
const (
	mysqlDuplicateEntry   = 1062
	mysqlForeignKeyParent = 1451
	mysqlForeignKeyChild  = 1452
	mysqlCheckViolation   = 3819
)

// IsConstraintError reports whether err is a constraint violation of any
// kind.
func IsConstraintError(err error) bool {
	return IsUniqueConstraintError(err) ||
		IsForeignKeyConstraintError(err) ||
		IsCheckConstraintError(err)
}

// IsUniqueConstraintError reports whether err is a duplicate key or unique
// index violation.
func IsUniqueConstraintError(err error) bool {
	return violation(err, []string{pgUniqueViolation}, []uint16{mysqlDuplicateEntry},
		[]int{sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY},
		"violates unique constraint", "Error 1062", "UNIQUE constraint failed")
}

// IsForeignKeyConstraintError reports whether err is a foreign key
// violation.
func IsForeignKeyConstraintError(err error) bool {
	return violation(err, []string{pgForeignKeyViolation}, []uint16{mysqlForeignKeyParent, mysqlForeignKeyChild},
		[]int{sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY},
		"violates foreign key constraint", "Error 1451", "Error 1452", "FOREIGN KEY constraint failed")
}

// IsCheckConstraintError reports whether err is a check constraint
// violation.
func IsCheckConstraintError(err error) bool {
	return violation(err, []string{pgCheckViolation}, []uint16{mysqlCheckViolation},
		[]int{sqlite3.SQLITE_CONSTRAINT_CHECK},
		"violates check constraint", "Error 3819", "CHECK constraint failed")
}

// violation matches err against the typed errors of each registered
// driver, then against message fragments for drivers reporting only a
// primary result code or errors that crossed a proxy.
func violation(err error, pgCodes []string, myNumbers []uint16, liteCodes []int, fragments ...string) bool {
	if err == nil {
		return false
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		for _, c := range pgCodes {
			if string(pe.Code) == c {
				return true
			}
		}
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		for _, n := range myNumbers {
			if me.Number == n {
				return true
			}
		}
	}
	var le *sqlite.Error
	if errors.As(err, &le) {
		for _, c := range liteCodes {
			if le.Code() == c {
				return true
			}
		}
	}
	msg := err.Error()
	for _, f := range fragments {
		if strings.Contains(msg, f) {
			return true
		}
	}
	return false
}
