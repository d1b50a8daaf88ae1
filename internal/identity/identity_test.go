package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/MikeSquared-Agency/nok/internal/legacy"
)

func TestDeriveUserID(t *testing.T) {
	got := DeriveUserID("0e06fba5-6474-43a0-964a-4fb934b781db", "nok.local")
	if got != "@user0e06fba5647443a0:nok.local" {
		t.Errorf("got %q", got)
	}
	if !strings.HasSuffix(got, ":nok.local") || !ValidUserID(got) {
		t.Errorf("%q is not a valid id on nok.local", got)
	}
}

func TestDeriveUserIDDeterministic(t *testing.T) {
	ids := []string{"0e06fba5-6474-43a0-964a-4fb934b781db", "bob", "ユーザー", "", "A-B_C.D"}
	for _, id := range ids {
		a := DeriveUserID(id, "nok.local")
		b := DeriveUserID(id, "nok.local")
		if a != b {
			t.Errorf("DeriveUserID(%q) not deterministic: %q vs %q", id, a, b)
		}
		if other := DeriveUserID(id, "example.org"); other == a {
			t.Errorf("DeriveUserID(%q) ignores server name", id)
		}
		if !ValidUserID(a) {
			t.Errorf("DeriveUserID(%q) = %q is invalid", id, a)
		}
	}
}

func TestLocalpartBounded(t *testing.T) {
	lp := Localpart(strings.Repeat("abc123", 50))
	if len(lp) != len("user")+maxLocalpartLen {
		t.Errorf("localpart %q not truncated", lp)
	}
	if lp := Localpart("---"); !strings.HasPrefix(lp, "user") || len(lp) != 12 {
		t.Errorf("expected hash fallback, got %q", lp)
	}
}

func TestLocalpartOf(t *testing.T) {
	for in, want := range map[string]string{
		"@user0e06fba5647443a0:nok.local": "user0e06fba5647443a0",
		"@alice:example.org:8448":         "alice",
		"bob":                             "bob",
	} {
		if got := LocalpartOf(in); got != want {
			t.Errorf("LocalpartOf(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDeriveRoomAlias(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Main Room", "main_room"},
		{"Dev Team", "dev_team"},
		{"  --Hello.World//  ", "hello_world"},
		{"snake_case_name", "snake_case_name"},
		{`back\slash`, "back_slash"},
		{"Café Lounge", "caf_lounge"},
	}
	for _, tt := range tests {
		if got := DeriveRoomAlias(tt.in); got != tt.want {
			t.Errorf("DeriveRoomAlias(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDeriveRoomAliasAlwaysValid(t *testing.T) {
	inputs := []string{
		"",
		"メインルーム",
		"日本語",
		"ab",
		"_-_",
		strings.Repeat("x", 150),
		strings.Repeat("long room name ", 10),
	}
	for _, in := range inputs {
		got := DeriveRoomAlias(in)
		if got == "" || !ValidAlias(got) {
			t.Errorf("DeriveRoomAlias(%q) = %q is not a valid alias", in, got)
		}
		if len(got) > maxAliasLen {
			t.Errorf("DeriveRoomAlias(%q) too long: %d", in, len(got))
		}
		if DeriveRoomAlias(in) != got {
			t.Errorf("DeriveRoomAlias(%q) not deterministic", in)
		}
	}
	if DeriveRoomAlias("メインルーム") == DeriveRoomAlias("日本語") {
		t.Error("different non-ASCII names share a fallback alias")
	}
}

func TestAliasCollisionRate(t *testing.T) {
	adjectives := []string{"Main", "Dev", "Ops", "Random", "Quiet", "Design", "Support", "Sales", "Music", "Games"}
	nouns := []string{"Room", "Team", "Lounge", "Chat", "Corner", "Hub", "Space", "Club", "Desk", "Lab"}

	seen := make(map[string]int)
	n := 0
	for i := 0; n < 1000; i++ {
		a := adjectives[i%len(adjectives)]
		b := nouns[(i/len(adjectives))%len(nouns)]
		name := fmt.Sprintf("%s %s %d", a, b, i/(len(adjectives)*len(nouns)))
		if i%7 == 0 {
			name = fmt.Sprintf("部屋%d", i)
		}
		seen[DeriveRoomAlias(name)]++
		n++
	}

	collidingPairs := 0
	for _, c := range seen {
		collidingPairs += c * (c - 1) / 2
	}
	totalPairs := n * (n - 1) / 2
	if rate := float64(collidingPairs) / float64(totalPairs); rate >= 0.01 {
		t.Errorf("collision rate %.4f over %d names", rate, n)
	}
}

func TestDeriveRoomID(t *testing.T) {
	a := DeriveRoomID("room-1", "nok.local")
	if a != DeriveRoomID("room-1", "nok.local") {
		t.Error("not deterministic")
	}
	if a == DeriveRoomID("room-1", "example.org") {
		t.Error("not namespaced by server")
	}
	if a == DeriveRoomID("room-2", "nok.local") {
		t.Error("different rooms share an id")
	}
	if !ValidRoomID(a) || !strings.HasSuffix(a, ":nok.local") || len(a) != 1+16+len(":nok.local") {
		t.Errorf("unexpected room id %q", a)
	}
}

func sampleData() ([]legacy.User, []legacy.Room) {
	users := []legacy.User{
		{ID: "0e06fba5-6474-43a0-964a-4fb934b781db", Name: "alice"},
		{ID: "7b1d2c3e-0000-4000-8000-000000000002", Name: "bob"},
	}
	rooms := []legacy.Room{
		{ID: "room-2", Name: "メインルーム"},
		{ID: "room-1", Name: "Main Room"},
	}
	return users, rooms
}

func TestGenerate(t *testing.T) {
	users, rooms := sampleData()
	m := Generate(users, rooms, "nok.local")

	if got, _ := m.UserID("0e06fba5-6474-43a0-964a-4fb934b781db"); got != "@user0e06fba5647443a0:nok.local" {
		t.Errorf("user mapping = %q", got)
	}
	if got, _ := m.Alias("room-1"); got != "main_room" {
		t.Errorf("alias = %q", got)
	}
	if got, _ := m.RoomID("room-1"); got != DeriveRoomID("room-1", "nok.local") {
		t.Errorf("room id = %q", got)
	}
	if err := m.Validate(); err != nil {
		t.Errorf("generated mapping invalid: %v", err)
	}

	again := Generate(users, rooms, "nok.local")
	if !reflect.DeepEqual(m, again) {
		t.Error("Generate is not deterministic")
	}
}

func TestGenerateCollisionSuffix(t *testing.T) {
	users := []legacy.User{
		{ID: "ABCDEF-1234-5678-90ab-ffff"},
		{ID: "abcdef12-3456-7890-abff-0000"},
	}
	rooms := []legacy.Room{
		{ID: "r2", Name: "Main-Room"},
		{ID: "r1", Name: "Main Room"},
		{ID: "r3", Name: "main.room"},
	}
	m := Generate(users, rooms, "nok.local")

	if got := m.UserMappings["ABCDEF-1234-5678-90ab-ffff"]; got != "@userabcdef1234567890:nok.local" {
		t.Errorf("first user = %q", got)
	}
	if got := m.UserMappings["abcdef12-3456-7890-abff-0000"]; got != "@userabcdef1234567890_2:nok.local" {
		t.Errorf("second user = %q", got)
	}
	want := map[string]string{"r1": "main_room", "r2": "main_room_2", "r3": "main_room_3"}
	if !reflect.DeepEqual(m.RoomAliases, want) {
		t.Errorf("aliases = %v, want %v", m.RoomAliases, want)
	}
	if err := m.Validate(); err != nil {
		t.Errorf("suffixed mapping invalid: %v", err)
	}
}

func TestGenerateSuffixKeepsAliasCap(t *testing.T) {
	name := strings.Repeat("a", 80)
	rooms := []legacy.Room{{ID: "r1", Name: name}, {ID: "r2", Name: name}, {ID: "r3", Name: name}}
	m := Generate(nil, rooms, "nok.local")

	if got := m.RoomAliases["r1"]; got != strings.Repeat("a", 64) {
		t.Errorf("first alias = %q", got)
	}
	if got := m.RoomAliases["r2"]; got != strings.Repeat("a", 62)+"_2" {
		t.Errorf("second alias = %q", got)
	}
	seen := map[string]bool{}
	for id, alias := range m.RoomAliases {
		if len(alias) > 64 {
			t.Errorf("%s: alias %q is %d characters", id, alias, len(alias))
		}
		if seen[alias] {
			t.Errorf("alias %q assigned twice", alias)
		}
		seen[alias] = true
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	users, rooms := sampleData()
	m := Generate(users, rooms, "nok.local")
	path := filepath.Join(t.TempDir(), "nested", "mapping.json")

	if err := Save(m, path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(m, got) {
		t.Errorf("round trip mismatch:\n%+v\n%+v", m, got)
	}

	// Stable output: saving again yields identical bytes.
	first, _ := os.ReadFile(path)
	if err := Save(got, path); err != nil {
		t.Fatal(err)
	}
	second, _ := os.ReadFile(path)
	if string(first) != string(second) {
		t.Error("Save output is not stable")
	}
	if !strings.Contains(string(first), `"user_mappings"`) || !strings.Contains(string(first), `"room_aliases"`) {
		t.Errorf("unexpected file layout:\n%s", first)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := Load(filepath.Join(dir, "missing.json")); !errors.Is(err, ErrMappingIO) {
		t.Errorf("missing file: got %v", err)
	}

	bad := filepath.Join(dir, "bad.json")
	os.WriteFile(bad, []byte("{not json"), 0o644)
	if _, err := Load(bad); !errors.Is(err, ErrMalformedMapping) {
		t.Errorf("bad json: got %v", err)
	}

	invalid := filepath.Join(dir, "invalid.json")
	os.WriteFile(invalid, []byte(`{"user_mappings":{"u1":"not an id"}}`), 0o644)
	if _, err := Load(invalid); !errors.Is(err, ErrMalformedMapping) {
		t.Errorf("invalid entry: got %v", err)
	}

	partial := filepath.Join(dir, "partial.json")
	os.WriteFile(partial, []byte(`{"room_aliases":{"r1":"main_room"}}`), 0o644)
	m, err := Load(partial)
	if err != nil {
		t.Fatalf("partial: %v", err)
	}
	if m.UserMappings == nil || m.RoomMappings == nil || m.RoomAliases["r1"] != "main_room" {
		t.Errorf("partial mapping loaded as %+v", m)
	}
}

func TestSaveUnwritable(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	os.WriteFile(blocker, nil, 0o644)

	err := Save(NewMapping(), filepath.Join(blocker, "mapping.json"))
	if !errors.Is(err, ErrMappingIO) {
		t.Errorf("expected ErrMappingIO, got %v", err)
	}
}

func TestResolver(t *testing.T) {
	users, rooms := sampleData()
	r := NewResolver(Generate(users, rooms, "nok.local"), "nok.local")

	if got := r.RoomRef("room-1"); got != "#main_room:nok.local" {
		t.Errorf("RoomRef = %q", got)
	}
	if got := r.UserRef("0e06fba5-6474-43a0-964a-4fb934b781db"); got != "@user0e06fba5647443a0:nok.local" {
		t.Errorf("UserRef = %q", got)
	}
	for _, ref := range []string{"#other:nok.local", "!abc:nok.local", "@x:nok.local", "unknown"} {
		if got := r.RoomRef(ref); got != ref {
			t.Errorf("RoomRef(%q) = %q, want passthrough", ref, got)
		}
	}
	var nilResolver *Resolver
	if nilResolver.UserRef("u") != "u" {
		t.Error("nil resolver should pass through")
	}
}
