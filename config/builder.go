// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Builder layers YAML overlays, such as repeated --config.set values, over a
// base configuration. Overlays are decoded as strictly as config files.
type Builder struct {
	base     *Config
	overlays []string
}

// Use sets the base configuration; DefaultConfig is used otherwise
func (b *Builder) Use(c *Config) *Builder {
	b.base = c
	return b
}

// Merge queues overlays; later overlays win
func (b *Builder) Merge(overlays ...string) *Builder {
	b.overlays = append(b.overlays, overlays...)
	return b
}

// Build applies every overlay to the base configuration. All overlay errors
// are reported together. The result is sanitized but not validated.
func (b *Builder) Build() (*Config, error) {
	cfg := b.base
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var errs []error
	for i, overlay := range b.overlays {
		if err := apply(cfg, overlay); err != nil {
			errs = append(errs, fmt.Errorf("config overlay %d (%q): %w", i+1, overlay, err))
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	cfg.sanitize()
	b.base = cfg
	return cfg, nil
}

func apply(dst *Config, overlay string) error {
	if strings.TrimSpace(overlay) == "" {
		return nil
	}

	src := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(overlay))
	dec.KnownFields(true)
	if err := dec.Decode(src); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := mergo.Merge(dst, src, mergo.WithOverride, mergo.WithTransformers(scalarPtrTransformer{})); err != nil {
		return fmt.Errorf("failed to merge config: %w", err)
	}
	return nil
}

// scalarPtrTransformer copies any set pointer to a scalar, so an overlay's
// enabled: false replaces a true in the base. mergo skips zero values
// otherwise.
type scalarPtrTransformer struct{}

func (scalarPtrTransformer) Transformer(typ reflect.Type) func(dst, src reflect.Value) error {
	if typ.Kind() != reflect.Pointer || typ.Elem().Kind() == reflect.Struct {
		return nil
	}

	return func(dst, src reflect.Value) error {
		if !src.IsNil() && dst.CanSet() {
			dst.Set(src)
		}
		return nil
	}
}
