package gateway

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ehr/phreport/internal/domain/statereport"
)

// Directory maps registry types to their default endpoints. It implements
// statereport.EndpointResolver.
type Directory struct {
	entries map[statereport.RegistryType]statereport.EndpointConfig
}

// directoryFile is the YAML layout:
//
//	registries:
//	  CDC_NNDSS:
//	    url: https://nndss.example.gov/fhir
//	    method: REST_API
//	    format: FHIR
//	    timeout: 45s
//	    require_ack: true
type directoryFile struct {
	Registries map[string]struct {
		URL        string `yaml:"url"`
		Method     string `yaml:"method"`
		Format     string `yaml:"format"`
		Timeout    string `yaml:"timeout"`
		RequireAck bool   `yaml:"require_ack"`
	} `yaml:"registries"`
}

// NewDirectory builds a directory from explicit entries.
func NewDirectory(entries map[statereport.RegistryType]statereport.EndpointConfig) *Directory {
	d := &Directory{entries: make(map[statereport.RegistryType]statereport.EndpointConfig, len(entries))}
	for k, v := range entries {
		d.entries[k] = v
	}
	return d
}

// LoadDirectory reads a YAML directory file. tokens supplies bearer tokens
// by registry type so that secrets stay out of the file.
func LoadDirectory(path string, tokens map[string]string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry directory: %w", err)
	}
	return ParseDirectory(data, tokens)
}

func ParseDirectory(data []byte, tokens map[string]string) (*Directory, error) {
	var f directoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse registry directory: %w", err)
	}

	entries := make(map[statereport.RegistryType]statereport.EndpointConfig, len(f.Registries))
	for name, e := range f.Registries {
		rt := statereport.RegistryType(strings.ToUpper(name))
		if !statereport.IsKnownRegistry(rt) {
			return nil, fmt.Errorf("registry directory: unknown registry %q", name)
		}
		if e.URL == "" {
			return nil, fmt.Errorf("registry directory: %s has no url", rt)
		}
		ep := statereport.EndpointConfig{
			URL:        e.URL,
			Method:     statereport.SubmissionMethod(strings.ToUpper(e.Method)),
			Format:     statereport.SubmissionFormat(strings.ToUpper(e.Format)),
			RequireAck: e.RequireAck,
			AuthToken:  tokens[string(rt)],
		}
		if e.Timeout != "" {
			d, err := time.ParseDuration(e.Timeout)
			if err != nil {
				return nil, fmt.Errorf("registry directory: %s timeout: %w", rt, err)
			}
			ep.Timeout = d
		}
		if ep.Method != "" && !statereport.IsKnownMethod(ep.Method) {
			return nil, fmt.Errorf("registry directory: %s has unknown method %q", rt, e.Method)
		}
		if ep.Format != "" && !statereport.IsKnownFormat(ep.Format) {
			return nil, fmt.Errorf("registry directory: %s has unknown format %q", rt, e.Format)
		}
		entries[rt] = ep
	}
	return &Directory{entries: entries}, nil
}

func (d *Directory) Resolve(registry statereport.RegistryType) (statereport.EndpointConfig, bool) {
	if d == nil {
		return statereport.EndpointConfig{}, false
	}
	ep, ok := d.entries[registry]
	return ep, ok
}

// Len is the number of configured registries.
func (d *Directory) Len() int { return len(d.entries) }

// ParseTokens reads "REGISTRY=token,REGISTRY=token".
func ParseTokens(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || k == "" {
			continue
		}
		out[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return out
}
