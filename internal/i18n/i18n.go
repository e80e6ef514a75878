// Package i18n maps (message key, locale) to formatted text. The
// engine treats it as opaque text production.
package i18n

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const fallbackLocale = "en"

// Translator holds one flat key->template bundle per locale, read from
// YAML files named <locale>.yaml in the locales directory.
type Translator struct {
	bundles map[string]*viper.Viper
	logger  *zap.Logger
}

func NewTranslator(dir string, logger *zap.Logger) (*Translator, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read locales dir: %w", err)
	}

	bundles := make(map[string]*viper.Viper)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		locale := strings.TrimSuffix(name, ".yaml")
		bundle := viper.New()
		bundle.SetConfigFile(filepath.Join(dir, name))
		if err := bundle.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to load locale %s: %w", locale, err)
		}
		bundles[locale] = bundle
		logger.Info("Loaded locale", zap.String("locale", locale))
	}

	if _, ok := bundles[fallbackLocale]; !ok {
		return nil, fmt.Errorf("fallback locale %q is missing from %s", fallbackLocale, dir)
	}
	return &Translator{bundles: bundles, logger: logger}, nil
}

// T renders the template for key in locale, falling back to English
// and finally to the key itself so a missing translation never hides
// a message.
func (t *Translator) T(key, locale string, args ...interface{}) string {
	template := t.lookup(key, locale)
	if template == "" {
		template = t.lookup(key, fallbackLocale)
	}
	if template == "" {
		t.logger.Warn("Missing translation", zap.String("key", key), zap.String("locale", locale))
		template = key
	}
	if len(args) == 0 {
		return template
	}
	return fmt.Sprintf(template, args...)
}

func (t *Translator) lookup(key, locale string) string {
	bundle, ok := t.bundles[locale]
	if !ok {
		return ""
	}
	return bundle.GetString(key)
}
