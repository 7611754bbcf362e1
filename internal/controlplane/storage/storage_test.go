package storage

import (
	"path/filepath"
	"testing"
)

func TestDriverFor(t *testing.T) {
	cases := []struct {
		dsn    string
		driver string
		source string
	}{
		{"postgres://user:pw@localhost/ops", "pgx", "postgres://user:pw@localhost/ops"},
		{"postgresql://user:pw@localhost/ops", "pgx", "postgresql://user:pw@localhost/ops"},
		{"mysql://user:pw@tcp(localhost:3306)/ops", "mysql", "user:pw@tcp(localhost:3306)/ops"},
		{"/var/lib/opsplane/ops.db", "sqlite", "/var/lib/opsplane/ops.db"},
		{"ops.db", "sqlite", "ops.db"},
	}

	for _, tc := range cases {
		driver, source := driverFor(tc.dsn)
		if driver != tc.driver || source != tc.source {
			t.Errorf("driverFor(%q) = (%q, %q), want (%q, %q)", tc.dsn, driver, source, tc.driver, tc.source)
		}
	}
}

func TestRebind(t *testing.T) {
	pg := &DB{driver: "pgx"}
	got := pg.Rebind("UPDATE jobs SET status = ? WHERE id = ? AND status = ?")
	want := "UPDATE jobs SET status = $1 WHERE id = $2 AND status = $3"
	if got != want {
		t.Errorf("rebind = %q, want %q", got, want)
	}

	lite := &DB{driver: "sqlite"}
	q := "SELECT 1 WHERE x = ?"
	if lite.Rebind(q) != q {
		t.Errorf("sqlite rebind changed query")
	}
}

func TestOpenSQLite(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "ops.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if db.Driver() != "sqlite" {
		t.Fatalf("driver = %q, want sqlite", db.Driver())
	}
	if db.ForUpdate() != "" {
		t.Fatalf("sqlite ForUpdate should be empty")
	}

	if _, err := db.Exec(`CREATE TABLE t (id TEXT PRIMARY KEY, n INTEGER)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO t (id, n) VALUES (?, ?)`, "a", 1); err != nil {
		t.Fatalf("insert: %v", err)
	}

	var n int
	if err := db.QueryRow(`SELECT n FROM t WHERE id = ?`, "a").Scan(&n); err != nil {
		t.Fatalf("select: %v", err)
	}
	if n != 1 {
		t.Fatalf("n = %d, want 1", n)
	}
}
