package db

import (
	"strings"
	"testing"
)

func TestMigrations_Ordered(t *testing.T) {
	ms, err := Migrations()
	if err != nil {
		t.Fatal(err)
	}
	if len(ms) < 2 {
		t.Fatalf("migrations = %d", len(ms))
	}
	for i := 1; i < len(ms); i++ {
		if ms[i-1].Name >= ms[i].Name {
			t.Errorf("%s sorts after %s", ms[i-1].Name, ms[i].Name)
		}
	}
}

func TestMigrations_CreateEveryTable(t *testing.T) {
	ms, err := Migrations()
	if err != nil {
		t.Fatal(err)
	}
	var all strings.Builder
	for _, m := range ms {
		all.WriteString(m.SQL)
	}
	schema := all.String()

	for _, table := range []string{"appointments", "event_logs", "pricing", "invoices", "payments"} {
		if !strings.Contains(schema, "CREATE TABLE IF NOT EXISTS "+table+" (") {
			t.Errorf("no migration creates %s", table)
		}
	}
	if !strings.Contains(schema, "appointment_id UUID           NOT NULL UNIQUE") {
		t.Error("invoices.appointment_id must be unique for idempotent invoicing")
	}
}
