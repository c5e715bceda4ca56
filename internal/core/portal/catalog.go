// Package portal drives the remote portals through catalogs of locator
// strategies: one source portal records are read from and any number of
// target portals they are submitted to.
package portal

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"portalbridge/internal/core/locate"
)

// Kind tells whether a catalog describes the source or a target portal.
type Kind string

const (
	KindSource Kind = "source"
	KindTarget Kind = "target"
)

// Locator declares the strategy chain for one element. Strategies are tried
// in the order selectors, heading, label.
type Locator struct {
	Selectors []string `yaml:"selectors"`
	Heading   string   `yaml:"heading"`
	// Label enables the spatial fallback: the nearest candidate to the label
	// inside the label's row.
	Label      string `yaml:"label"`
	Candidates string `yaml:"candidates"`
	// Rich converts the element's HTML to text instead of reading innerText.
	Rich bool `yaml:"rich"`
}

// Empty reports whether no strategy is declared.
func (l Locator) Empty() bool {
	return len(l.Selectors) == 0 && l.Heading == "" && l.Label == ""
}

// Chain builds the locate chain. input restricts heading matches to form controls.
func (l Locator) Chain(input bool) locate.Chain {
	var c locate.Chain
	if len(l.Selectors) > 0 {
		c = append(c, locate.ByAttribute{Selectors: l.Selectors})
	}
	if l.Heading != "" {
		c = append(c, locate.ByHeading{Heading: l.Heading, Input: input})
	}
	if l.Label != "" {
		c = append(c, locate.ByProximity{Label: l.Label, Candidates: l.Candidates})
	}
	return c
}

// Login describes the authentication form.
type Login struct {
	URL         string  `yaml:"url"`
	UsernameEnv string  `yaml:"username_env"`
	PasswordEnv string  `yaml:"password_env"`
	Username    Locator `yaml:"username"`
	Password    Locator `yaml:"password"`
	Submit      Locator `yaml:"submit"`
	// Success must be present after a good login when declared.
	Success Locator `yaml:"success"`
	// Failure is the portal's bad-credentials banner.
	Failure Locator `yaml:"failure"`
}

// Search describes how a record is found.
type Search struct {
	URL string `yaml:"url"`
	// Key is the identity key typed into Field: identifier, national_id or name.
	Key      string  `yaml:"key"`
	Field    Locator `yaml:"field"`
	Submit   Locator `yaml:"submit"`
	Result   Locator `yaml:"result"`
	NotFound Locator `yaml:"not_found"`
}

// Fields lists where a source portal shows each extracted value.
type Fields struct {
	Diagnosis   Locator `yaml:"diagnosis"`
	NationalID  Locator `yaml:"national_id"`
	SecondaryID Locator `yaml:"secondary_id"`
	Amount      Locator `yaml:"amount"`
	Items       Locator `yaml:"items"`
}

// FormField maps a validated record field onto a target form control.
type FormField struct {
	Name string `yaml:"name"`
	// Value is one of diagnosis, national_id, secondary_id, amount, items.
	Value    string  `yaml:"value"`
	Required bool    `yaml:"required"`
	Locator  Locator `yaml:"locator"`
}

// Form describes a target portal's submission form.
type Form struct {
	Fields    []FormField `yaml:"fields"`
	SaveDraft Locator     `yaml:"save_draft"`
	Submit    Locator     `yaml:"submit"`
	Confirm   Locator     `yaml:"confirm"`
	Reference Locator     `yaml:"reference"`
}

// Catalog is the complete locator catalog of one portal.
type Catalog struct {
	Name    string `yaml:"name"`
	Kind    Kind   `yaml:"kind"`
	BaseURL string `yaml:"base_url"`
	Login   Login  `yaml:"login"`
	Search  Search `yaml:"search"`
	Fields  Fields `yaml:"fields"`
	Form    Form   `yaml:"form"`
}

var recordValues = map[string]bool{
	"diagnosis": true, "national_id": true, "secondary_id": true, "amount": true, "items": true,
}

// Validate checks the catalog is complete enough for its kind.
func (c *Catalog) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("catalog: name is required")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("catalog %s: base_url is required", c.Name)
	}
	if c.Login.Username.Empty() || c.Login.Password.Empty() || c.Login.Submit.Empty() {
		return fmt.Errorf("catalog %s: login needs username, password and submit locators", c.Name)
	}
	switch c.Search.Key {
	case "", "identifier", "national_id", "name":
	default:
		return fmt.Errorf("catalog %s: unknown search key %q", c.Name, c.Search.Key)
	}
	if c.Search.Field.Empty() {
		return fmt.Errorf("catalog %s: search.field is required", c.Name)
	}
	switch c.Kind {
	case KindSource:
		if c.Fields.Diagnosis.Empty() && c.Fields.Items.Empty() {
			return fmt.Errorf("catalog %s: a source needs a diagnosis or items locator", c.Name)
		}
	case KindTarget:
		if len(c.Form.Fields) == 0 {
			return fmt.Errorf("catalog %s: a target needs form fields", c.Name)
		}
		for _, f := range c.Form.Fields {
			if !recordValues[f.Value] {
				return fmt.Errorf("catalog %s: form field %q maps unknown value %q", c.Name, f.Name, f.Value)
			}
			if f.Locator.Empty() {
				return fmt.Errorf("catalog %s: form field %q has no locator", c.Name, f.Name)
			}
		}
		if c.Form.Submit.Empty() {
			return fmt.Errorf("catalog %s: form.submit is required", c.Name)
		}
	default:
		return fmt.Errorf("catalog %s: kind must be source or target, got %q", c.Name, c.Kind)
	}
	return nil
}

// URL resolves a catalog path against the base URL.
func (c *Catalog) URL(path string) string {
	if path == "" || strings.Contains(path, "://") {
		return path
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadCatalog reads a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	c, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}
