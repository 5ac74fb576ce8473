package statereport

import (
	"testing"
	"time"
)

func TestRetryDelay(t *testing.T) {
	base, max := 30*time.Second, time.Hour
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 30 * time.Second},
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{7, 32 * time.Minute},
		{8, time.Hour},
		{40, time.Hour},
	}
	for _, tt := range tests {
		if got := retryDelay(tt.attempt, base, max); got != tt.want {
			t.Errorf("retryDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
	if got := retryDelay(1, 2*time.Hour, time.Hour); got != time.Hour {
		t.Errorf("expected base above max to be capped, got %v", got)
	}
}

type staticResolver map[RegistryType]EndpointConfig

func (s staticResolver) Resolve(rt RegistryType) (EndpointConfig, bool) {
	ep, ok := s[rt]
	return ep, ok
}

func TestEndpointFor_Precedence(t *testing.T) {
	dir := staticResolver{RegistryCDCNNDSS: {
		URL:       "https://directory.example/nndss",
		Method:    MethodRESTAPI,
		Format:    FormatFHIR,
		AuthToken: "dir-token",
		Timeout:   45 * time.Second,
	}}
	r := &Report{RegistryType: RegistryCDCNNDSS, PriorityLevel: PriorityUrgent}

	ep, ok := endpointFor(r, nil, dir, 30*time.Second)
	if !ok || ep.URL != "https://directory.example/nndss" || ep.Format != FormatFHIR || ep.AuthToken != "dir-token" || ep.Timeout != 45*time.Second {
		t.Fatalf("expected directory endpoint, got %+v", ep)
	}

	r.SubmissionEndpoint = sp("https://stored.example/cases")
	format := FormatXML
	r.SubmissionFormat = &format
	r.TimeoutSeconds = 20
	ep, _ = endpointFor(r, nil, dir, 30*time.Second)
	if ep.URL != "https://stored.example/cases" || ep.Format != FormatXML || ep.Timeout != 20*time.Second {
		t.Errorf("expected stored settings to override the directory, got %+v", ep)
	}

	ack := true
	ep, _ = endpointFor(r, &SubmitRequest{
		Endpoint:              "https://override.example/submit",
		Format:                "EDI",
		AuthToken:             "call-token",
		TimeoutSeconds:        5,
		RequireAcknowledgment: &ack,
		Priority:              "ROUTINE",
	}, dir, 30*time.Second)
	if ep.URL != "https://override.example/submit" || ep.Format != FormatEDI || ep.AuthToken != "call-token" ||
		ep.Timeout != 5*time.Second || !ep.RequireAck {
		t.Errorf("expected request to override stored settings, got %+v", ep)
	}
	if ep.Priority != PriorityUrgent {
		t.Errorf("expected a lower priority hint to be ignored, got %s", ep.Priority)
	}
}

func TestEndpointFor_Defaults(t *testing.T) {
	r := &Report{RegistryType: RegistryStateCancer, PriorityLevel: PriorityNormal}
	if _, ok := endpointFor(r, nil, nil, 30*time.Second); ok {
		t.Fatal("expected no endpoint without a URL")
	}

	ep, ok := endpointFor(r, &SubmitRequest{Endpoint: "https://cancer.example", Priority: "IMMEDIATE"}, nil, 30*time.Second)
	if !ok {
		t.Fatal("expected an endpoint")
	}
	if ep.Method != MethodRESTAPI || ep.Format != FormatJSON || ep.Timeout != 30*time.Second {
		t.Errorf("unexpected defaults: %+v", ep)
	}
	if ep.Priority != PriorityImmediate {
		t.Errorf("expected the hint to raise the priority, got %s", ep.Priority)
	}
}

func TestRememberEndpoint_DropsToken(t *testing.T) {
	r := &Report{}
	rememberEndpoint(r, EndpointConfig{
		URL:        "mllp://registry.example:2575",
		Method:     MethodMLLP,
		Format:     FormatHL7V2,
		AuthToken:  "secret",
		Timeout:    90 * time.Second,
		RequireAck: true,
	})
	if derefStr(r.SubmissionEndpoint) != "mllp://registry.example:2575" || *r.SubmissionMethod != MethodMLLP ||
		*r.SubmissionFormat != FormatHL7V2 || r.TimeoutSeconds != 90 || !r.RequireAcknowledgment {
		t.Errorf("unexpected stored endpoint: %+v", r)
	}

	ep, _ := endpointFor(r, nil, nil, time.Second)
	if ep.AuthToken != "" {
		t.Error("auth token must not survive on the report")
	}
}
