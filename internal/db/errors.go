package db

import (
	"errors"
	"fmt"
	"strings"

	"github.com/surrealdb/surrealdb.go"
)

// Sentinel errors for history operations.
var (
	// ErrRunAlreadyExists indicates a run with the same ID was already recorded.
	ErrRunAlreadyExists = errors.New("run already exists")

	// ErrNotFound indicates the requested run does not exist.
	ErrNotFound = errors.New("run not found")
)

// wrapQueryError maps known SurrealDB query errors onto sentinel errors.
func wrapQueryError(err error) error {
	if err == nil {
		return nil
	}

	var queryErr *surrealdb.QueryError
	if errors.As(err, &queryErr) && strings.Contains(queryErr.Message, "already exists") {
		return fmt.Errorf("%w: %s", ErrRunAlreadyExists, queryErr.Message)
	}
	return err
}
