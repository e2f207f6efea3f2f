package schedule

import (
	"testing"
	"time"
)

func TestParseForms(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Spec
		wantErr bool
	}{
		{"bare cron", "0 9 * * *", Spec{Kind: KindCron, Cron: "0 9 * * *"}, false},
		{"cron shorthand", "@daily", Spec{Kind: KindCron, Cron: "@daily"}, false},
		{"whitespace trimmed", "  */5 * * * *  ", Spec{Kind: KindCron, Cron: "*/5 * * * *"}, false},
		{"interval", "@every 5m", Spec{Kind: KindEvery, Every: "5m"}, false},
		{"json cron", `{"kind":"cron","cron":"0 3 * * *"}`, Spec{Kind: KindCron, Cron: "0 3 * * *"}, false},
		{"json interval", `{"kind":"every","every":"1h"}`, Spec{Kind: KindEvery, Every: "1h"}, false},
		{"bad cron", "not a cron", Spec{}, true},
		{"bad interval", "@every soon", Spec{}, true},
		{"negative interval", "@every -5m", Spec{}, true},
		{"bad one-shot time", "@at tomorrow", Spec{}, true},
		{"unknown kind", `{"kind":"lunar"}`, Spec{}, true},
		{"kind missing", `{"cron":"0 9 * * *"}`, Spec{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestParseOneShot(t *testing.T) {
	s, err := Parse("@at 2027-06-01T09:00:00Z")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s.Kind != KindAt || !s.At.Equal(time.Date(2027, 6, 1, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("spec %+v", s)
	}
}

func TestNextCron(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	s := Spec{Kind: KindCron, Cron: "0 12 * * *"}

	next := s.Next(now)
	if next == nil {
		t.Fatal("expected a next run")
	}
	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next run %v, want %v", next, want)
	}
}

func TestNextEvery(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	s := Spec{Kind: KindEvery, Every: "45m"}

	next := s.Next(now)
	if next == nil {
		t.Fatal("expected a next run")
	}
	if !next.Equal(now.Add(45 * time.Minute)) {
		t.Errorf("next run %v", next)
	}
}

func TestNextOneShot(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)

	future := Spec{Kind: KindAt, At: now.Add(time.Hour)}
	if next := future.Next(now); next == nil || !next.Equal(now.Add(time.Hour)) {
		t.Errorf("future one-shot next = %v", next)
	}

	// A one-shot in the past never fires again.
	past := Spec{Kind: KindAt, At: now.Add(-time.Hour)}
	if next := past.Next(now); next != nil {
		t.Errorf("past one-shot returned %v", next)
	}
}

func TestEncodeDecode(t *testing.T) {
	s, err := Parse("@every 30s")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	stored, err := s.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := Decode(stored)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back != s {
		t.Errorf("round trip changed the spec: %+v != %+v", back, s)
	}

	if _, err := Decode("not json"); err == nil {
		t.Error("expected error for undecodable stored value")
	}
	if _, err := (Spec{Kind: "lunar"}).Encode(); err == nil {
		t.Error("expected error encoding an invalid spec")
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		stored string
		want   string
	}{
		{`{"kind":"cron","cron":"0 9 * * *"}`, "0 9 * * *"},
		{`{"kind":"every","every":"5m"}`, "every 5m"},
		{`{"kind":"at","at":"2027-06-01T09:00:00Z"}`, "at 2027-06-01T09:00:00Z"},
		{"garbage", "garbage"},
	}
	for _, tt := range tests {
		if got := Describe(tt.stored); got != tt.want {
			t.Errorf("Describe(%q) = %q, want %q", tt.stored, got, tt.want)
		}
	}
}
