// Package dtc turns raw trouble code strings into human readable entries.
package dtc

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	"obdash/internal/models"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

const unknownDescription = "Unknown DTC"

var ErrInvalidCatalog = errors.New("dtc: invalid catalog")

type entry struct {
	Code        string          `yaml:"code"`
	Description string          `yaml:"description"`
	Severity    models.Severity `yaml:"severity"`
	Causes      []string        `yaml:"causes"`
}

type prefixEntry struct {
	Prefix      string          `yaml:"prefix"`
	Description string          `yaml:"description"`
	Severity    models.Severity `yaml:"severity"`
}

type file struct {
	Codes    []entry       `yaml:"codes"`
	Prefixes []prefixEntry `yaml:"prefixes"`
}

// Catalog resolves codes by exact match first, then by the longest known prefix.
type Catalog struct {
	codes    map[string]entry
	prefixes []prefixEntry
}

// Default parses the catalog compiled into the binary.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// MustDefault is Default for package level wiring; the embedded file is covered by tests.
func MustDefault() *Catalog {
	c, err := Default()
	if err != nil {
		panic(err)
	}
	return c
}

// Parse builds a Catalog from a YAML document.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCatalog, err)
	}

	c := &Catalog{codes: make(map[string]entry, len(f.Codes))}
	for _, e := range f.Codes {
		code := strings.ToUpper(strings.TrimSpace(e.Code))
		if code == "" {
			return nil, fmt.Errorf("%w: entry without code", ErrInvalidCatalog)
		}
		if _, dup := c.codes[code]; dup {
			return nil, fmt.Errorf("%w: duplicate code %s", ErrInvalidCatalog, code)
		}
		if e.Severity == "" {
			e.Severity = models.SeverityUnknown
		}
		e.Code = code
		c.codes[code] = e
	}

	c.prefixes = append(c.prefixes, f.Prefixes...)
	sort.SliceStable(c.prefixes, func(i, j int) bool {
		return len(c.prefixes[i].Prefix) > len(c.prefixes[j].Prefix)
	})
	return c, nil
}

// Len is the number of exact codes in the catalog.
func (c *Catalog) Len() int {
	return len(c.codes)
}

// Lookup never fails: unknown codes get a prefix based or generic description.
func (c *Catalog) Lookup(code string) models.DTCEntry {
	code = strings.ToUpper(strings.TrimSpace(code))
	if e, ok := c.codes[code]; ok {
		return models.DTCEntry{
			Code:           code,
			Description:    e.Description,
			Severity:       e.Severity,
			PossibleCauses: e.Causes,
		}
	}

	for _, p := range c.prefixes {
		if strings.HasPrefix(code, p.Prefix) {
			sev := p.Severity
			if sev == "" {
				sev = models.SeverityUnknown
			}
			return models.DTCEntry{Code: code, Description: p.Description, Severity: sev}
		}
	}
	return models.DTCEntry{Code: code, Description: unknownDescription, Severity: models.SeverityUnknown}
}

// Enrich looks up every code, keeping the input order.
func (c *Catalog) Enrich(codes []string) []models.DTCEntry {
	entries := make([]models.DTCEntry, 0, len(codes))
	for _, code := range codes {
		entries = append(entries, c.Lookup(code))
	}
	return entries
}
