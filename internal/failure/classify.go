package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/phrazzld/taskqueue/internal/store"
)

// Classification is the outcome of inspecting an error.
type Classification struct {
	// Type is the Go type of the innermost error, e.g. "*net.OpError".
	Type        string   `json:"type"`
	Category    Category `json:"category"`
	Severity    Severity `json:"severity"`
	Recoverable bool     `json:"recoverable"`
	Message     string   `json:"message"`
}

// Classify categorises err. Tagged errors win, then well-known error types,
// then keyword matching on the message.
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}

	c := classifyCategory(err)
	return Classification{
		Type:        rootType(err),
		Category:    c,
		Severity:    c.Severity(),
		Recoverable: c.Recoverable(),
		Message:     err.Error(),
	}
}

func classifyCategory(err error) Category {
	if c, ok := CategoryOf(err); ok && c.Valid() {
		return c
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryNetwork
	case errors.Is(err, context.Canceled):
		return CategorySystem
	case store.IsDeadlock(err):
		return CategoryDatabase
	case errors.Is(err, store.ErrInvalidEntity):
		return CategoryValidation
	case errors.Is(err, store.ErrConflict):
		return CategoryBusinessLogic
	case errors.Is(err, os.ErrPermission):
		return CategorySystem
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgCategory(pgErr)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return CategoryNetwork
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range keywordRules {
		for _, kw := range rule.keywords {
			if strings.Contains(msg, kw) {
				return rule.category
			}
		}
	}
	return CategoryUnknown
}

// pgCategory maps SQLSTATE classes.
func pgCategory(e *pgconn.PgError) Category {
	if len(e.Code) < 2 {
		return CategoryDatabase
	}
	switch e.Code[:2] {
	case "22", "23":
		// data exception, integrity constraint violation
		return CategoryValidation
	case "28":
		return CategoryAuthentication
	case "08":
		return CategoryNetwork
	case "53":
		return CategorySystem
	default:
		return CategoryDatabase
	}
}

func rootType(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			break
		}
		err = next
	}
	return fmt.Sprintf("%T", err)
}
