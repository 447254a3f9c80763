package repository

import (
	"errors"
	"strings"

	"github.com/jackc/pgconn"
	"gorm.io/gorm"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("record not found")
	// ErrConflict 唯一约束冲突（外部引用或“同一三元组仅一条 active”）
	ErrConflict = errors.New("unique constraint conflict")
)

const pgUniqueViolation = "23505"

// isUniqueViolation 唯一约束冲突（SQLSTATE 23505）
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "duplicate key value violates unique constraint")
}
