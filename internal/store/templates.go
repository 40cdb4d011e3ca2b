package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/baishicoke/fn-scheduler/internal/timefmt"
)

// ListTemplates returns all templates ordered by id ascending.
func (s *Store) ListTemplates() ([]Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var templates []Template
	if err := s.db.Select(&templates, "SELECT * FROM templates ORDER BY id ASC"); err != nil {
		return nil, err
	}
	return templates, nil
}

// GetTemplate returns one template or ErrNotFound.
func (s *Store) GetTemplate(id int64) (*Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getTemplateLocked(id)
}

func (s *Store) getTemplateLocked(id int64) (*Template, error) {
	var tpl Template
	if err := s.db.Get(&tpl, "SELECT * FROM templates WHERE id=?", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &tpl, nil
}

// CreateTemplate inserts a template. A missing key is generated from the name:
// lowercased, spaces to underscores, numeric suffix on collision.
func (s *Store) CreateTemplate(p TemplatePayload) (*Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := trimmed(p.Name)
	scriptBody := trimmed(p.ScriptBody)
	key := trimmed(p.Key)
	if name == "" {
		return nil, validationErrorf("name", "template name is required")
	}
	if scriptBody == "" {
		return nil, validationErrorf("script_body", "template script body is required")
	}
	if key == "" {
		var err error
		if key, err = s.generateKeyLocked(name); err != nil {
			return nil, err
		}
	}

	now := timefmt.Format(s.now())
	res, err := s.db.Exec(`INSERT INTO templates (key, name, script_body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`, key, name, scriptBody, now, now)
	if err != nil {
		return nil, integrityError(err, ErrTemplateKeyConflict)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	slog.Info("template created", "id", id, "key", key)
	return s.getTemplateLocked(id)
}

func (s *Store) generateKeyLocked(name string) (string, error) {
	base := strings.ReplaceAll(strings.ToLower(name), " ", "_")
	key := base
	for idx := 1; ; idx++ {
		var count int
		if err := s.db.Get(&count, "SELECT COUNT(1) FROM templates WHERE key=?", key); err != nil {
			return "", err
		}
		if count == 0 {
			return key, nil
		}
		key = fmt.Sprintf("%s_%d", base, idx+1)
	}
}

// UpdateTemplate merges the payload over the existing row and writes it.
func (s *Store) UpdateTemplate(id int64, p TemplatePayload) (*Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.getTemplateLocked(id)
	if err != nil {
		return nil, err
	}
	name := existing.Name
	if p.Name != nil {
		name = strings.TrimSpace(*p.Name)
	}
	scriptBody := existing.ScriptBody
	if p.ScriptBody != nil {
		scriptBody = strings.TrimSpace(*p.ScriptBody)
	}
	key := existing.Key
	if p.Key != nil {
		key = strings.TrimSpace(*p.Key)
	}
	if name == "" {
		return nil, validationErrorf("name", "template name is required")
	}
	if scriptBody == "" {
		return nil, validationErrorf("script_body", "template script body is required")
	}

	if _, err := s.db.Exec("UPDATE templates SET key=?, name=?, script_body=?, updated_at=? WHERE id=?",
		key, name, scriptBody, timefmt.Format(s.now()), id); err != nil {
		return nil, integrityError(err, ErrTemplateKeyConflict)
	}
	return s.getTemplateLocked(id)
}

// DeleteTemplate removes a template.
func (s *Store) DeleteTemplate(id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec("DELETE FROM templates WHERE id=?", id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ImportTemplates upserts a key-to-entry mapping. Entries with an empty
// script body are skipped. Returns (inserted, updated) counts.
func (s *Store) ImportTemplates(mapping map[string]TemplateEntry) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted, updated := 0, 0
	now := timefmt.Format(s.now())
	for key, entry := range mapping {
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			name = key
		}
		scriptBody := strings.TrimSpace(entry.ScriptBody)
		if scriptBody == "" {
			continue
		}
		var existingID int64
		err := s.db.Get(&existingID, "SELECT id FROM templates WHERE key=?", key)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := s.db.Exec(`INSERT INTO templates (key, name, script_body, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?)`, key, name, scriptBody, now, now); err != nil {
				return inserted, updated, err
			}
			inserted++
		case err != nil:
			return inserted, updated, err
		default:
			if _, err := s.db.Exec("UPDATE templates SET name=?, script_body=?, updated_at=? WHERE key=?",
				name, scriptBody, now, key); err != nil {
				return inserted, updated, err
			}
			updated++
		}
	}
	slog.Info("templates imported", "inserted", inserted, "updated", updated)
	return inserted, updated, nil
}

// ExportTemplates returns the full catalog as a key-to-entry mapping.
func (s *Store) ExportTemplates() (map[string]TemplateEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var templates []Template
	if err := s.db.Select(&templates, "SELECT * FROM templates ORDER BY id ASC"); err != nil {
		return nil, err
	}
	out := make(map[string]TemplateEntry, len(templates))
	for _, tpl := range templates {
		out[tpl.Key] = TemplateEntry{Name: tpl.Name, ScriptBody: tpl.ScriptBody}
	}
	return out, nil
}

func trimmed(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}
