package warden

import "testing"

func TestResolveOTLPTarget(t *testing.T) {
	cases := []struct {
		raw      string
		protocol string
		endpoint string
		path     string
		insecure bool
	}{
		{"collector", "grpc", "collector:4317", "", true},
		{"collector:9999", "grpc", "collector:9999", "", true},
		{"grpc://collector", "grpc", "collector:4317", "", true},
		{"grpcs://collector:4317", "grpc", "collector:4317", "", false},
		{"http://collector", "http", "collector:4318", "", true},
		{"https://collector/v1/traces", "http", "collector:4318", "/v1/traces", false},
	}
	for _, tc := range cases {
		target, err := resolveOTLPTarget(tc.raw)
		if err != nil {
			t.Fatalf("%s: %v", tc.raw, err)
		}
		if target.protocol != tc.protocol || target.endpoint != tc.endpoint ||
			target.path != tc.path || target.insecure != tc.insecure {
			t.Fatalf("%s: got %+v", tc.raw, target)
		}
	}
}

func TestResolveOTLPTargetRejectsUnknownScheme(t *testing.T) {
	if _, err := resolveOTLPTarget("ftp://collector"); err == nil {
		t.Fatal("unknown scheme must be rejected")
	}
	if _, err := resolveOTLPTarget(""); err == nil {
		t.Fatal("empty endpoint must be rejected")
	}
}
