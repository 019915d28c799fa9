package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		want   bool
	}{
		{"viewer reads", RoleViewer, ActionRead, true},
		{"viewer cannot edit", RoleViewer, ActionEdit, false},
		{"viewer cannot review", RoleViewer, ActionReview, false},
		{"reviewer reviews", RoleReviewer, ActionReview, true},
		{"reviewer cannot merge", RoleReviewer, ActionMerge, false},
		{"editor edits", RoleEditor, ActionEdit, true},
		{"editor merges", RoleEditor, ActionMerge, true},
		{"editor cannot admin", RoleEditor, ActionAdmin, false},
		{"admin can everything", RoleAdmin, ActionAdmin, true},
		{"unknown role denied", Role("ghost"), ActionRead, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.want {
				t.Fatalf("Can(%s, %s) = %v, want %v", tc.role, tc.action, got, tc.want)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("editor"); got != RoleEditor {
		t.Fatalf("Normalize(editor) = %s", got)
	}
	if got := Normalize("banana"); got != RoleViewer {
		t.Fatalf("Normalize(banana) = %s, want viewer fallback", got)
	}
	if got := Normalize(""); got != RoleViewer {
		t.Fatalf("Normalize(empty) = %s, want viewer fallback", got)
	}
}
