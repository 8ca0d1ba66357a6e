package migrate

import (
	"log/slog"
	"testing"
)

func TestNewRejectsBadInputs(t *testing.T) {
	log := slog.New(slog.DiscardHandler)

	cases := []struct {
		name string
		dsn  string
		dir  string
	}{
		{name: "empty dsn", dsn: "", dir: t.TempDir()},
		{name: "empty dir", dsn: "postgres://localhost/envs", dir: ""},
		{name: "missing dir", dsn: "postgres://localhost/envs", dir: "/nonexistent/migrations"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.dsn, tc.dir, log); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestNewOpensRunner(t *testing.T) {
	runner, err := New("postgres://localhost/envs", t.TempDir(), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer runner.Close()
	if runner.db == nil {
		t.Fatal("expected an open database handle")
	}
}
