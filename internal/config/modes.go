package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ServiceMode is a dynamically configured assistant mode beyond the built-in
// set, loaded from the YAML catalog. Hints are bilingual; the composer shows
// the one matching the session language.
type ServiceMode struct {
	ID     string `yaml:"id"`
	NameEN string `yaml:"name_en"`
	NameAR string `yaml:"name_ar"`
	HintEN string `yaml:"hint_en"`
	HintAR string `yaml:"hint_ar"`
	Model  string `yaml:"model,omitempty"`
}

type modesFile struct {
	Modes []ServiceMode `yaml:"modes"`
}

// ModeCatalog resolves composer hints and default models per mode. The five
// built-in modes always exist; service modes come from the YAML file.
type ModeCatalog struct {
	service map[string]ServiceMode
}

var builtinHints = map[string][2]string{
	// mode -> [en, ar]
	"chat":       {"Ask anything about your projects or engineering services", "اسأل عن مشاريعك أو الخدمات الهندسية"},
	"research":   {"Research regulations, codes and market data", "ابحث في الأنظمة والأكواد وبيانات السوق"},
	"image":      {"Describe the drawing or diagram to generate", "صف الرسم أو المخطط المطلوب إنشاؤه"},
	"agent":      {"Delegate a multi-step task to the assistant", "فوّض مهمة متعددة الخطوات للمساعد"},
	"connectors": {"Query your connected tools and data sources", "استعلم من أدواتك ومصادر بياناتك المتصلة"},
}

// LoadModeCatalog reads the service-mode YAML. An empty path returns a
// builtin-only catalog; a missing file is an error only if a path was given.
func LoadModeCatalog(path string) (*ModeCatalog, error) {
	c := &ModeCatalog{service: make(map[string]ServiceMode)}
	path = strings.TrimSpace(path)
	if path == "" {
		return c, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f modesFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("invalid modes file: %w", err)
	}
	for _, m := range f.Modes {
		id := strings.TrimSpace(strings.ToLower(m.ID))
		if id == "" {
			return nil, errors.New("service mode with empty id")
		}
		if _, builtin := builtinHints[id]; builtin {
			return nil, fmt.Errorf("service mode id shadows builtin mode: %s", id)
		}
		m.ID = id
		c.service[id] = m
	}
	return c, nil
}

func (c *ModeCatalog) Known(mode string) bool {
	mode = strings.TrimSpace(strings.ToLower(mode))
	if _, ok := builtinHints[mode]; ok {
		return true
	}
	if c == nil {
		return false
	}
	_, ok := c.service[mode]
	return ok
}

// Hint returns the composer hint for a mode in the given language ("ar" or
// anything else for English). Unknown modes fall back to the chat hint.
func (c *ModeCatalog) Hint(mode string, language string) string {
	mode = strings.TrimSpace(strings.ToLower(mode))
	ar := strings.TrimSpace(strings.ToLower(language)) == "ar"

	if h, ok := builtinHints[mode]; ok {
		if ar {
			return h[1]
		}
		return h[0]
	}
	if c != nil {
		if m, ok := c.service[mode]; ok {
			if ar && strings.TrimSpace(m.HintAR) != "" {
				return m.HintAR
			}
			if strings.TrimSpace(m.HintEN) != "" {
				return m.HintEN
			}
		}
	}
	if ar {
		return builtinHints["chat"][1]
	}
	return builtinHints["chat"][0]
}

// DefaultModel returns the per-mode model override, or "" when the global
// default applies.
func (c *ModeCatalog) DefaultModel(mode string) string {
	if c == nil {
		return ""
	}
	m, ok := c.service[strings.TrimSpace(strings.ToLower(mode))]
	if !ok {
		return ""
	}
	return strings.TrimSpace(m.Model)
}
