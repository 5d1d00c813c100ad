package state

import (
	"encoding/json"
	"fmt"
	"strings"

	clierr "github.com/ggonzalez94/pactplay/internal/errors"
)

type Preset struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

func DefaultPresets() []Preset {
	return []Preset{
		{Name: "Preset 1", Content: ";; preset 1\n(command 1)"},
		{Name: "Preset 2", Content: ";; preset 2\n(command 2)"},
		{Name: "Preset 3", Content: ";; preset 3\n(command 3)"},
	}
}

// DecodePresets parses a stored presets value. It accepts the current
// [{name, content}] form, older [{name, code}] objects and bare code strings,
// which are named "Preset N" by position.
func DecodePresets(raw []byte) ([]Preset, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode presets: %w", err)
	}
	out := make([]Preset, 0, len(items))
	for i, item := range items {
		var code string
		if err := json.Unmarshal(item, &code); err == nil {
			out = append(out, Preset{Name: fmt.Sprintf("Preset %d", i+1), Content: code})
			continue
		}
		var obj struct {
			Name    string  `json:"name"`
			Content *string `json:"content"`
			Code    *string `json:"code"`
		}
		if err := json.Unmarshal(item, &obj); err != nil {
			return nil, fmt.Errorf("decode preset %d: %w", i+1, err)
		}
		p := Preset{Name: strings.TrimSpace(obj.Name)}
		switch {
		case obj.Content != nil:
			p.Content = *obj.Content
		case obj.Code != nil:
			p.Content = *obj.Code
		default:
			return nil, fmt.Errorf("decode preset %d: missing content", i+1)
		}
		if p.Name == "" {
			p.Name = fmt.Sprintf("Preset %d", i+1)
		}
		out = append(out, p)
	}
	return out, nil
}

// Presets loads the stored presets. A missing or unreadable value yields the
// built-in presets.
func (s *Store) Presets() ([]Preset, error) {
	raw, ok, err := s.Get(KeyPresets)
	if err != nil {
		return nil, err
	}
	if !ok {
		return DefaultPresets(), nil
	}
	presets, err := DecodePresets(raw)
	if err != nil {
		s.lggr.Warnw("stored presets are corrupt, using defaults", "err", err)
		return DefaultPresets(), nil
	}
	return presets, nil
}

func (s *Store) SavePresets(presets []Preset) error {
	buf, err := json.Marshal(presets)
	if err != nil {
		return fmt.Errorf("encode presets: %w", err)
	}
	return s.Set(KeyPresets, buf)
}

func (s *Store) Preset(name string) (Preset, error) {
	presets, err := s.Presets()
	if err != nil {
		return Preset{}, err
	}
	for _, p := range presets {
		if p.Name == name {
			return p, nil
		}
	}
	return Preset{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("preset %q not found", name))
}

// SavePreset replaces the preset with the same name or appends a new one.
func (s *Store) SavePreset(p Preset) ([]Preset, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return nil, clierr.New(clierr.CodeUsage, "preset name is required")
	}
	presets, err := s.Presets()
	if err != nil {
		return nil, err
	}
	replaced := false
	for i := range presets {
		if presets[i].Name == p.Name {
			presets[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		presets = append(presets, p)
	}
	if err := s.SavePresets(presets); err != nil {
		return nil, err
	}
	return presets, nil
}

func (s *Store) DeletePreset(name string) ([]Preset, error) {
	presets, err := s.Presets()
	if err != nil {
		return nil, err
	}
	out := make([]Preset, 0, len(presets))
	for _, p := range presets {
		if p.Name != name {
			out = append(out, p)
		}
	}
	if len(out) == len(presets) {
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("preset %q not found", name))
	}
	if err := s.SavePresets(out); err != nil {
		return nil, err
	}
	return out, nil
}
