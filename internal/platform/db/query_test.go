package db

import "testing"

func TestLimitOffset(t *testing.T) {
	tests := []struct {
		limit, offset int
		want          string
		nargs         int
	}{
		{0, 0, "", 1},
		{20, 0, " LIMIT $2", 2},
		{20, 40, " LIMIT $2 OFFSET $3", 3},
		{0, 10, " OFFSET $2", 2},
	}
	for _, tt := range tests {
		args := []interface{}{"LABORATORY"}
		got := LimitOffset(&args, tt.limit, tt.offset)
		if got != tt.want {
			t.Errorf("LimitOffset(%d, %d) = %q, want %q", tt.limit, tt.offset, got, tt.want)
		}
		if len(args) != tt.nargs {
			t.Errorf("LimitOffset(%d, %d) left %d args, want %d", tt.limit, tt.offset, len(args), tt.nargs)
		}
	}
}
