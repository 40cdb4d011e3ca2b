package store

import (
	"errors"
	"testing"
)

func TestCreateTemplateGeneratesKey(t *testing.T) {
	s := newTestStore(t)
	tpl, err := s.CreateTemplate(TemplatePayload{
		Name:       strptr("Disk Cleanup"),
		ScriptBody: strptr("rm -rf /tmp/cache"),
	})
	if err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}
	if tpl.Key != "disk_cleanup" {
		t.Errorf("key = %q, want disk_cleanup", tpl.Key)
	}

	second, err := s.CreateTemplate(TemplatePayload{
		Name:       strptr("Disk Cleanup"),
		ScriptBody: strptr("rm -rf /var/tmp"),
	})
	if err != nil {
		t.Fatalf("CreateTemplate collision: %v", err)
	}
	if second.Key != "disk_cleanup_2" {
		t.Errorf("collision key = %q, want disk_cleanup_2", second.Key)
	}
}

func TestCreateTemplateValidation(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateTemplate(TemplatePayload{ScriptBody: strptr("true")}); err == nil {
		t.Error("missing name accepted")
	}
	if _, err := s.CreateTemplate(TemplatePayload{Name: strptr("x")}); err == nil {
		t.Error("missing script body accepted")
	}
}

func TestCreateTemplateExplicitKeyConflict(t *testing.T) {
	s := newTestStore(t)
	payload := TemplatePayload{
		Key:        strptr("fixed"),
		Name:       strptr("First"),
		ScriptBody: strptr("true"),
	}
	if _, err := s.CreateTemplate(payload); err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}
	payload.Name = strptr("Second")
	if _, err := s.CreateTemplate(payload); !errors.Is(err, ErrTemplateKeyConflict) {
		t.Fatalf("duplicate key err = %v, want ErrTemplateKeyConflict", err)
	}
}

func TestUpdateTemplate(t *testing.T) {
	s := newTestStore(t)
	tpl, err := s.CreateTemplate(TemplatePayload{Name: strptr("A"), ScriptBody: strptr("one")})
	if err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}
	updated, err := s.UpdateTemplate(tpl.ID, TemplatePayload{ScriptBody: strptr("two")})
	if err != nil {
		t.Fatalf("UpdateTemplate: %v", err)
	}
	if updated.ScriptBody != "two" || updated.Name != "A" {
		t.Errorf("updated = %+v, want merged row", updated)
	}
	if _, err := s.UpdateTemplate(999, TemplatePayload{Name: strptr("x")}); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing template err = %v, want ErrNotFound", err)
	}
}

func TestImportExportTemplates(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateTemplate(TemplatePayload{
		Key:        strptr("existing"),
		Name:       strptr("Existing"),
		ScriptBody: strptr("old body"),
	}); err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}

	inserted, updated, err := s.ImportTemplates(map[string]TemplateEntry{
		"existing": {Name: "Existing", ScriptBody: "new body"},
		"fresh":    {Name: "Fresh", ScriptBody: "echo fresh"},
		"empty":    {Name: "Empty", ScriptBody: "   "},
	})
	if err != nil {
		t.Fatalf("ImportTemplates: %v", err)
	}
	if inserted != 1 || updated != 1 {
		t.Errorf("imported = (%d, %d), want (1, 1)", inserted, updated)
	}

	mapping, err := s.ExportTemplates()
	if err != nil {
		t.Fatalf("ExportTemplates: %v", err)
	}
	if len(mapping) != 2 {
		t.Fatalf("export size = %d, want 2 (empty entry skipped)", len(mapping))
	}
	if mapping["existing"].ScriptBody != "new body" {
		t.Errorf("existing body = %q, want updated", mapping["existing"].ScriptBody)
	}
	if mapping["fresh"].Name != "Fresh" {
		t.Errorf("fresh name = %q", mapping["fresh"].Name)
	}
}

func TestImportTemplatesDefaultsNameToKey(t *testing.T) {
	s := newTestStore(t)
	if _, _, err := s.ImportTemplates(map[string]TemplateEntry{
		"bare": {ScriptBody: "true"},
	}); err != nil {
		t.Fatalf("ImportTemplates: %v", err)
	}
	mapping, err := s.ExportTemplates()
	if err != nil {
		t.Fatalf("ExportTemplates: %v", err)
	}
	if mapping["bare"].Name != "bare" {
		t.Errorf("name = %q, want key fallback", mapping["bare"].Name)
	}
}

func TestDeleteTemplate(t *testing.T) {
	s := newTestStore(t)
	tpl, err := s.CreateTemplate(TemplatePayload{Name: strptr("gone"), ScriptBody: strptr("true")})
	if err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}
	deleted, err := s.DeleteTemplate(tpl.ID)
	if err != nil || !deleted {
		t.Fatalf("DeleteTemplate = %v, %v", deleted, err)
	}
	deleted, err = s.DeleteTemplate(tpl.ID)
	if err != nil {
		t.Fatalf("DeleteTemplate second: %v", err)
	}
	if deleted {
		t.Error("second delete reported success")
	}
}
