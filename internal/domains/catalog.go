// Package domains holds the catalog of trusted websites the planner maps
// queries onto.
package domains

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/goldfinch-research/orchestrator/internal/config"
)

// Domain describes one website that domain-filtered searches may target.
type Domain struct {
	Name            string   `yaml:"name" json:"name" validate:"required"`
	Homepage        string   `yaml:"homepage" json:"homepage,omitempty" validate:"omitempty,url"`
	Domain          string   `yaml:"domain" json:"domain" validate:"required,hostname"`
	Region          string   `yaml:"region" json:"region,omitempty"`
	OrgType         string   `yaml:"org_type" json:"org_type,omitempty"`
	Aliases         []string `yaml:"aliases" json:"aliases,omitempty"`
	IndustryTags    []string `yaml:"industry_tags" json:"industry_tags,omitempty"`
	SemanticProfile string   `yaml:"semantic_profile" json:"semantic_profile" validate:"required"`
	BoostKeywords   []string `yaml:"boost_keywords" json:"boost_keywords,omitempty"`
}

type file struct {
	Domains []Domain `yaml:"domains" validate:"dive"`
}

var (
	// ErrEmptyCatalog is returned when a file parses but lists no domains.
	ErrEmptyCatalog = errors.New("domains: catalog is empty")

	validate = validator.New()
)

// Parse decodes and validates a domains YAML document. Hosts are lower-cased
// and duplicates rejected.
func Parse(data []byte) ([]Domain, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f file
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode domains: %w", err)
	}
	if len(f.Domains) == 0 {
		return nil, ErrEmptyCatalog
	}
	if err := validate.Struct(&f); err != nil {
		return nil, fmt.Errorf("validate domains: %w", err)
	}

	seen := make(map[string]struct{}, len(f.Domains))
	for i := range f.Domains {
		host := NormalizeHost(f.Domains[i].Domain)
		if _, dup := seen[host]; dup {
			return nil, fmt.Errorf("duplicate domain %q", host)
		}
		seen[host] = struct{}{}
		f.Domains[i].Domain = host
	}
	return f.Domains, nil
}

// NormalizeHost turns "https://www.Example.com/path" into "example.com".
func NormalizeHost(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	if strings.Contains(s, "://") {
		if u, err := url.Parse(s); err == nil {
			s = u.Host
		}
	}
	s = strings.TrimPrefix(s, "www.")
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	return s
}

// Catalog is a hot-swappable set of domains. Readers always see a complete
// snapshot.
type Catalog struct {
	snap   atomic.Pointer[snapshot]
	logger *zap.Logger
}

type snapshot struct {
	domains []Domain
	byHost  map[string]int
}

// NewCatalog creates a catalog holding initial.
func NewCatalog(initial []Domain, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Catalog{logger: logger}
	c.swap(initial)
	return c
}

// LoadFile parses path into a new catalog.
func LoadFile(path string, logger *zap.Logger) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read domains file: %w", err)
	}
	ds, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return NewCatalog(ds, logger), nil
}

func (c *Catalog) swap(ds []Domain) {
	s := &snapshot{domains: append([]Domain(nil), ds...), byHost: make(map[string]int, len(ds))}
	for i, d := range s.domains {
		s.byHost[NormalizeHost(d.Domain)] = i
	}
	c.snap.Store(s)
}

// Domains returns a copy of the current catalog.
func (c *Catalog) Domains() []Domain {
	return append([]Domain(nil), c.snap.Load().domains...)
}

// Hosts returns every catalog host in file order.
func (c *Catalog) Hosts() []string {
	s := c.snap.Load()
	out := make([]string, len(s.domains))
	for i, d := range s.domains {
		out[i] = d.Domain
	}
	return out
}

// Lookup finds a domain by host, ignoring scheme, case and a www. prefix.
func (c *Catalog) Lookup(host string) (Domain, bool) {
	s := c.snap.Load()
	i, ok := s.byHost[NormalizeHost(host)]
	if !ok {
		return Domain{}, false
	}
	return s.domains[i], true
}

// Filter keeps the hosts present in the catalog, normalized and de-duplicated.
func (c *Catalog) Filter(hosts []string) []string {
	s := c.snap.Load()
	seen := make(map[string]struct{}, len(hosts))
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		n := NormalizeHost(h)
		if _, ok := s.byHost[n]; !ok {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// Len returns the number of domains.
func (c *Catalog) Len() int { return len(c.snap.Load().domains) }

// HandleChange is a config.ChangeHandler. A delete keeps the last good catalog.
func (c *Catalog) HandleChange(evt config.ChangeEvent) error {
	if evt.Action == "delete" {
		c.logger.Warn("Domains file removed, keeping previous catalog", zap.String("file", evt.File))
		return nil
	}
	ds, err := Parse(evt.Data)
	if err != nil {
		return err
	}
	c.swap(ds)
	c.logger.Info("Domain catalog reloaded",
		zap.String("file", evt.File),
		zap.String("action", evt.Action),
		zap.Int("domains", len(ds)),
	)
	return nil
}

// ValidateFile is a config.Validator for domains files.
func ValidateFile(data []byte) error {
	_, err := Parse(data)
	return err
}
