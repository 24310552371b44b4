package retrydlq

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
)

// timeoutError implements net.Error for classification tests.
type timeoutError struct{ timeout bool }

func (e *timeoutError) Error() string   { return "dial tcp: i/o timeout" }
func (e *timeoutError) Timeout() bool   { return e.timeout }
func (e *timeoutError) Temporary() bool { return e.timeout }

func TestClassifyError(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
		{
			name: "explicit transient wrap",
			err:  Transient(errors.New("db hiccup")),
			want: true,
		},
		{
			name: "explicit non-transient wrap",
			err:  NonTransient(errors.New("row 7: planned_kg not a number")),
			want: false,
		},
		{
			name: "non-transient wrap wins over timeout cause",
			err:  NonTransient(context.DeadlineExceeded),
			want: false,
		},
		{
			name: "context deadline",
			err:  fmt.Errorf("query: %w", context.DeadlineExceeded),
			want: true,
		},
		{
			name: "postgres connection failure class 08",
			err:  &pq.Error{Code: "08006", Message: "connection failure"},
			want: true,
		},
		{
			name: "postgres constraint violation class 23",
			err:  &pq.Error{Code: "23505", Message: "duplicate key value"},
			want: false,
		},
		{
			name: "wrapped postgres connection failure",
			err:  fmt.Errorf("insert run: %w", &pq.Error{Code: "08001"}),
			want: true,
		},
		{
			name: "sql connection done",
			err:  sql.ErrConnDone,
			want: true,
		},
		{
			name: "bad driver connection",
			err:  driver.ErrBadConn,
			want: true,
		},
		{
			name: "network timeout",
			err:  &timeoutError{timeout: true},
			want: true,
		},
		{
			name: "network error without timeout",
			err:  &timeoutError{timeout: false},
			want: false,
		},
		{
			name: "unknown error goes to the dead-letter queue",
			err:  errors.New("parse failed"),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestTransientWrapPreservesCause(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cause := errors.New("connection reset")
	wrapped := Transient(cause)

	if !errors.Is(wrapped, ErrTransient) {
		t.Error("wrapped error must match ErrTransient")
	}

	if !errors.Is(wrapped, cause) {
		t.Error("wrapped error must preserve the cause")
	}
}
