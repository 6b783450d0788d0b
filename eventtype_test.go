package auditspool

import (
	"errors"
	"strings"
	"testing"
)

func TestDefaultTableResolvesEveryCode(t *testing.T) {
	codes := DefaultTable().Codes()
	if len(codes) != 28 {
		t.Errorf("Expected 28 event codes, got %d", len(codes))
	}
	for _, code := range codes {
		d, err := DefaultTable().Resolve(code)
		if err != nil {
			t.Errorf("Resolve(%s) failed: %v", code, err)
			continue
		}
		if strings.Contains(code, "-") {
			t.Errorf("Code %s contains '-'", code)
		}
		if _, ok := recordBuilders[d.Class]; !ok {
			t.Errorf("No record builder for class %s of %s", d.Class, code)
		}
	}
}

func TestAggregatableCodes(t *testing.T) {
	want := map[string]bool{
		CodeStoreCreate:      true,
		CodeStoreUpdate:      true,
		CodeWADORetrieve:     true,
		CodeRetrieveTransfer: true,
	}
	for _, code := range DefaultTable().Codes() {
		if got := DefaultTable().MustResolve(code).Aggregatable; got != want[code] {
			t.Errorf("%s: Aggregatable = %v, want %v", code, got, want[code])
		}
	}
}

func TestResolveUnknownCode(t *testing.T) {
	if _, err := DefaultTable().Resolve("NOPE"); !errors.Is(err, ErrUnknownEventType) {
		t.Errorf("Expected ErrUnknownEventType, got %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Error("Expected MustResolve to panic for an unknown code")
		}
	}()
	DefaultTable().MustResolve("NOPE")
}

func TestNewTableValidation(t *testing.T) {
	ok := EventTypeDescriptor{Code: "MY_EVENT", Class: ClassApplicationActivity}
	cases := map[string][]EventTypeDescriptor{
		"empty code":  {{Class: ClassQuery}},
		"dash":        {{Code: "MY-EVENT", Class: ClassQuery}},
		"separator":   {{Code: "MY/EVENT", Class: ClassQuery}},
		"no class":    {{Code: "MY_EVENT"}},
		"duplicate":   {ok, ok},
		"dot in code": {{Code: "MY.EVENT", Class: ClassQuery}},
	}
	for name, descs := range cases {
		if _, err := NewTable(descs...); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
	table, err := NewTable(ok)
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	if got := table.Codes(); len(got) != 1 || got[0] != "MY_EVENT" {
		t.Errorf("Codes() = %v", got)
	}
}

func TestValidateHeader(t *testing.T) {
	table := DefaultTable()
	store := table.MustResolve(CodeStoreCreate)
	if err := table.ValidateHeader(store, storeHeader()); err != nil {
		t.Errorf("Expected valid store header, got %v", err)
	}
	err := table.ValidateHeader(store, Record{CalledUserID: "ARCHIVE"})
	if !errors.Is(err, ErrSchemaViolation) {
		t.Fatalf("Expected ErrSchemaViolation, got %v", err)
	}
	if !strings.Contains(err.Error(), FieldStudyUID.String()) {
		t.Errorf("Expected error to name the missing field, got %v", err)
	}
	start := table.MustResolve(CodeApplicationStart)
	if err := table.ValidateHeader(start, Record{Outcome: "x"}); err != nil {
		t.Errorf("Expected class without schema to accept any header, got %v", err)
	}
}

func TestRegisterSchema(t *testing.T) {
	table, err := NewTable(defaultDescriptors()...)
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	table.RegisterSchema(ClassApplicationActivity, HeaderSchema{RequiredFields: []Field{FieldCalledUserID}})
	start := table.MustResolve(CodeApplicationStart)
	if err := table.ValidateHeader(start, Record{}); !errors.Is(err, ErrSchemaViolation) {
		t.Errorf("Expected registered schema to apply, got %v", err)
	}
	if err := DefaultTable().ValidateHeader(start, Record{}); err != nil {
		t.Errorf("Expected default table to be unaffected, got %v", err)
	}
}
