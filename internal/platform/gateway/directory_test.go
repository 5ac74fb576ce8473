package gateway

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ehr/phreport/internal/domain/statereport"
)

const sampleDirectory = `
registries:
  cdc_nndss:
    url: https://nndss.example.gov/fhir/$process-message
    method: rest_api
    format: fhir
    timeout: 45s
    require_ack: true
  STATE_IMMUNIZATION_REGISTRY:
    url: mllp://iis.example.gov:2575
    method: MLLP
    format: HL7_V2
`

func TestParseDirectory(t *testing.T) {
	d, err := ParseDirectory([]byte(sampleDirectory), ParseTokens("CDC_NNDSS=tok-1, state_pdmp = tok-2"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Len() != 2 {
		t.Fatalf("expected 2 registries, got %d", d.Len())
	}

	ep, ok := d.Resolve(statereport.RegistryCDCNNDSS)
	if !ok {
		t.Fatal("expected CDC_NNDSS entry")
	}
	if ep.Method != statereport.MethodRESTAPI || ep.Format != statereport.FormatFHIR {
		t.Errorf("expected normalised method and format, got %s/%s", ep.Method, ep.Format)
	}
	if ep.Timeout != 45*time.Second || !ep.RequireAck || ep.AuthToken != "tok-1" {
		t.Errorf("unexpected endpoint: %+v", ep)
	}

	iis, _ := d.Resolve(statereport.RegistryStateImmunization)
	if iis.AuthToken != "" || iis.Timeout != 0 {
		t.Errorf("unexpected defaults: %+v", iis)
	}
	if _, ok := d.Resolve(statereport.RegistryFDAVAERS); ok {
		t.Error("unconfigured registry must not resolve")
	}
}

func TestParseDirectory_Errors(t *testing.T) {
	tests := map[string]string{
		"unknown registry": "registries:\n  MARS_REGISTRY:\n    url: http://x\n",
		"missing url":      "registries:\n  CDC_NNDSS:\n    method: REST_API\n",
		"bad timeout":      "registries:\n  CDC_NNDSS:\n    url: http://x\n    timeout: soon\n",
		"bad method":       "registries:\n  CDC_NNDSS:\n    url: http://x\n    method: FTP\n",
		"bad format":       "registries:\n  CDC_NNDSS:\n    url: http://x\n    format: CSV\n",
		"not yaml":         "registries: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseDirectory([]byte(doc), nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registries.yaml")
	if err := os.WriteFile(path, []byte(sampleDirectory), 0o600); err != nil {
		t.Fatal(err)
	}
	d, err := LoadDirectory(path, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Len() != 2 {
		t.Errorf("expected 2 registries, got %d", d.Len())
	}
	if _, err := LoadDirectory(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParseTokens(t *testing.T) {
	got := ParseTokens(" cdc_nndss=a ,FDA_VAERS=b=c,,broken")
	if got["CDC_NNDSS"] != "a" || got["FDA_VAERS"] != "b=c" || len(got) != 2 {
		t.Errorf("unexpected tokens: %v", got)
	}
}

func TestNilDirectory(t *testing.T) {
	var d *Directory
	if _, ok := d.Resolve(statereport.RegistryCDCNNDSS); ok {
		t.Error("nil directory must not resolve")
	}
}
