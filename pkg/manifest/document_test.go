package manifest

import "testing"

func TestParseTreeOffsets(t *testing.T) {
	t.Parallel()

	src := []byte(`{"a": 1, "b": ["x", "y"]}`)
	v, err := parseTree("test.json", src)
	if err != nil {
		t.Fatalf("parseTree: %v", err)
	}
	if !v.IsObject() {
		t.Fatalf("expected top-level object")
	}

	aLoc, ok := v.FieldLoc("a")
	if !ok {
		t.Fatalf("missing key a")
	}
	if got := string(src[aLoc.Offset : aLoc.Offset+aLoc.Length]); got != `"a"` {
		t.Fatalf("a key location = %q, want %q", got, `"a"`)
	}

	b, ok := v.Field("b")
	if !ok || !b.IsArray() || len(b.Array) != 2 {
		t.Fatalf("expected array b of length 2, got %+v", b)
	}
	if got := string(src[b.Array[0].Loc.Offset : b.Array[0].Loc.Offset+b.Array[0].Loc.Length]); got != `"x"` {
		t.Fatalf("b[0] location = %q, want %q", got, `"x"`)
	}
}

func TestParseTreeRejectsTrailingContent(t *testing.T) {
	t.Parallel()

	if _, err := parseTree("test.json", []byte(`{}garbage`)); err == nil {
		t.Fatalf("expected error for trailing content")
	}
}

func TestParseTreeRejectsMalformedJSON(t *testing.T) {
	t.Parallel()

	if _, err := parseTree("test.json", []byte(`{"a": `)); err == nil {
		t.Fatalf("expected error for truncated JSON")
	}
}

func TestParseTreeNestedObjectLength(t *testing.T) {
	t.Parallel()

	src := []byte(`{"outer": {"inner": true}}`)
	v, err := parseTree("test.json", src)
	if err != nil {
		t.Fatalf("parseTree: %v", err)
	}
	outer, ok := v.Field("outer")
	if !ok || !outer.IsObject() {
		t.Fatalf("expected object outer")
	}
	if string(src[outer.Loc.Offset:outer.Loc.Offset+outer.Loc.Length]) != `{"inner": true}` {
		t.Fatalf("unexpected outer span: %q", src[outer.Loc.Offset:outer.Loc.Offset+outer.Loc.Length])
	}
}
