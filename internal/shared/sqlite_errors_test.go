package shared

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsSQLiteConflictError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"busy", errors.New("SQLITE_BUSY: database is busy"), true},
		{"locked", errors.New("database is locked"), true},
		{"wrapped busy", fmt.Errorf("clear messages: %w", errors.New("SQLITE_BUSY")), true},
		{"other", errors.New("no such table: sessions"), false},
	}
	for _, tt := range tests {
		if got := IsSQLiteConflictError(tt.err); got != tt.want {
			t.Errorf("%s: IsSQLiteConflictError() = %v, want %v", tt.name, got, tt.want)
		}
	}
}
