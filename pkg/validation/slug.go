// Copyright (C) 2025 Dialectic Labs (dev@dialecticlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided inputs that end up
// in storage keys or cache keys. Using these validators keeps lookup
// tables free of ambiguous or colliding entries.
package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// slugPattern matches valid board slugs.
// Allows: lowercase letters, digits, dots, hyphens, underscores.
// Max length: 128 characters.
var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._\-]{0,127}$`)

// ValidateSlug validates a board slug before it becomes a lookup key.
//
// Valid slugs:
//   - 1-128 characters
//   - Lowercase letters a-z and digits 0-9
//   - Dots (.), hyphens (-), underscores (_) after the first character
//
// A slug must not parse as a UUID: reference resolution tries slugs
// first, so a UUID-shaped slug would shadow a real document id.
//
// Returns an error if the slug is invalid.
//
// Example:
//
//	if err := validation.ValidateSlug(slug); err != nil {
//	    return fmt.Errorf("invalid slug: %w", err)
//	}
//	// Safe to use as a storage key
func ValidateSlug(slug string) error {
	if slug == "" {
		return fmt.Errorf("slug cannot be empty")
	}

	if !slugPattern.MatchString(slug) {
		return fmt.Errorf("invalid slug format: %q (must be 1-128 lowercase alphanumeric chars, dots, hyphens, or underscores)", slug)
	}

	if _, err := uuid.Parse(slug); err == nil {
		return fmt.Errorf("slug %q would shadow a document id", slug)
	}

	return nil
}

// SanitizeSlug normalizes and validates a slug.
// Returns the lowercase trimmed slug if valid, or an error if invalid.
//
// Use this when accepting a slug from the wire:
//
//	safeSlug, err := validation.SanitizeSlug(userInput)
//	if err != nil {
//	    return err
//	}
//	// safeSlug is lowercase and validated
func SanitizeSlug(slug string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(slug))
	if err := ValidateSlug(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
