package containerengine

import "testing"

func TestNameAndIDFromNameRoundTrip(t *testing.T) {
	name := Name(42)
	if name != "instance-42" {
		t.Fatalf("Name(42) = %q, want instance-42", name)
	}
	id, ok := IDFromName(name)
	if !ok || id != 42 {
		t.Fatalf("IDFromName(%q) = (%d, %v), want (42, true)", name, id, ok)
	}
}

func TestIDFromNameRejectsUncontrolledNames(t *testing.T) {
	cases := []string{"instance-", "instance-abc", "other-42", "instance-42-extra", ""}
	for _, name := range cases {
		if _, ok := IDFromName(name); ok {
			t.Errorf("IDFromName(%q) unexpectedly matched", name)
		}
	}
}
