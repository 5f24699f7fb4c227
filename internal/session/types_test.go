package session

import "testing"

func TestValid(t *testing.T) {
	t.Parallel()
	var m *Meta
	if m.Valid() {
		t.Fatal("nil meta valid")
	}
	if (&Meta{}).Valid() {
		t.Fatal("empty meta valid")
	}
	if !(&Meta{UserPublicID: " usr_1 "}).Valid() {
		t.Fatal("meta with user id invalid")
	}
}

func TestNormalizedRole(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want string
	}{
		{"Engineer", "engineer"},
		{" ADMIN ", "admin"},
		{"enterprise", "enterprise"},
		{"", "client"},
		{"superuser", "client"},
	}
	for _, c := range cases {
		m := &Meta{UserPublicID: "u", Role: c.in}
		if got := m.NormalizedRole(); got != c.want {
			t.Fatalf("NormalizedRole(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizedLanguage(t *testing.T) {
	t.Parallel()
	if got := (&Meta{Language: " AR "}).NormalizedLanguage(); got != "ar" {
		t.Fatalf("got %q", got)
	}
	if got := (&Meta{Language: "fr"}).NormalizedLanguage(); got != "en" {
		t.Fatalf("got %q", got)
	}
	var m *Meta
	if got := m.NormalizedLanguage(); got != "en" {
		t.Fatalf("nil meta language = %q", got)
	}
}
