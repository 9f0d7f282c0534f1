package authz

import (
	"encoding/json"
	"testing"
)

func TestParseRoleSet(t *testing.T) {
	set, err := ParseRoleSet([]string{"member", "ADMIN"})
	if err != nil {
		t.Fatalf("ParseRoleSet: %v", err)
	}
	if !set.Has(RoleMember) || !set.Has(RoleAdmin) {
		t.Fatalf("unexpected set %v", set.Names())
	}
	if set.Has(RoleClergy) {
		t.Fatal("clergy should not be present")
	}
}

func TestParseRoleSetRejectsUnknown(t *testing.T) {
	if _, err := ParseRoleSet([]string{"OWNER"}); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestRoleSetJSONRoundTrip(t *testing.T) {
	set := NewRoleSet(RoleStaff, RoleModerator)
	data, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `["STAFF","MODERATOR"]` {
		t.Fatalf("unexpected encoding %s", data)
	}
	var decoded RoleSet
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded != set {
		t.Fatalf("round trip mismatch: %v != %v", decoded, set)
	}
}

func TestEmptyRoleSetEncodesAsEmptyArray(t *testing.T) {
	data, err := json.Marshal(RoleSet(0))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != "[]" {
		t.Fatalf("expected [], got %s", data)
	}
}
