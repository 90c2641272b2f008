package gormsqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildDSNIncludesPerConnectionPragmas(t *testing.T) {
	reader := buildDSN("./db.sqlite", true)
	writer := buildDSN("./db.sqlite", false)

	checks := []string{
		"_pragma=journal_mode(WAL)",
		"_pragma=synchronous(NORMAL)",
		"_pragma=foreign_keys(1)",
		"_pragma=busy_timeout(5000)",
		"_pragma=trusted_schema(OFF)",
		"_time_format=sqlite",
	}
	for _, c := range checks {
		if !strings.Contains(reader, c) {
			t.Fatalf("reader dsn missing %q: %s", c, reader)
		}
		if !strings.Contains(writer, c) {
			t.Fatalf("writer dsn missing %q: %s", c, writer)
		}
	}

	if !strings.HasPrefix(reader, "./db.sqlite?") {
		t.Fatalf("reader dsn should start with file path: %s", reader)
	}
	if !strings.Contains(reader, "_pragma=query_only(1)") {
		t.Fatalf("reader dsn missing query_only(1): %s", reader)
	}
	if !strings.Contains(writer, "_pragma=query_only(0)") {
		t.Fatalf("writer dsn missing query_only(0): %s", writer)
	}
	if strings.Contains(reader, "_txlock") {
		t.Fatalf("reader dsn should not set txlock: %s", reader)
	}
	if !strings.Contains(writer, "_txlock=immediate") {
		t.Fatalf("writer dsn missing immediate txlock: %s", writer)
	}
}

func TestOpenPingClose(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "ping.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
