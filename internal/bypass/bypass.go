// Package bypass decides whether a destination host is exempt from signal
// processing. Rule sets are immutable after construction.
package bypass

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Classifier holds an exact-hostname set and a domain-suffix set. Matching
// is case-insensitive and trailing-dot-insensitive; suffixes anchor on a
// label boundary, so "evilgoogle.com" never matches suffix "google.com".
type Classifier struct {
	hosts    map[string]struct{}
	suffixes []string
}

// FileRules is the shape of an optional YAML rule file.
type FileRules struct {
	Hosts    []string `yaml:"hosts"`
	Suffixes []string `yaml:"suffixes"`
}

// New builds a classifier from exact hostnames and domain suffixes.
func New(hosts, suffixes []string) *Classifier {
	c := &Classifier{hosts: make(map[string]struct{}, len(hosts))}
	for _, h := range hosts {
		if n := normalize(h); n != "" {
			c.hosts[n] = struct{}{}
		}
	}
	for _, s := range suffixes {
		if n := normalize(s); n != "" {
			c.suffixes = append(c.suffixes, n)
		}
	}
	return c
}

// NewFromFile merges rules from a YAML file with the given defaults.
func NewFromFile(path string, hosts, suffixes []string) (*Classifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bypass file: %w", err)
	}
	var rules FileRules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse bypass file: %w", err)
	}
	return New(append(hosts, rules.Hosts...), append(suffixes, rules.Suffixes...)), nil
}

// IsBypassed reports whether host is exempt from processing.
func (c *Classifier) IsBypassed(host string) bool {
	h := normalize(host)
	if h == "" {
		return false
	}
	if _, ok := c.hosts[h]; ok {
		return true
	}
	for _, s := range c.suffixes {
		if h == s || strings.HasSuffix(h, "."+s) {
			return true
		}
	}
	return false
}

func normalize(host string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
}
