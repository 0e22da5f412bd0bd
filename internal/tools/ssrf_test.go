package tools

import (
	"errors"
	"testing"
)

func TestValidateEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		blocked  bool
	}{
		{"https://tools.example.com/rpc", false},
		{"wss://tools.example.com/ws", false},
		{"http://93.184.216.34:8080", false},
		{"ftp://tools.example.com", true},
		{"file:///etc/passwd", true},
		{"http://localhost:9000", true},
		{"http://api.localhost", true},
		{"http://127.0.0.1:8080", true},
		{"http://[::1]:8080", true},
		{"http://0.0.0.0", true},
		{"http://10.0.0.5", true},
		{"http://172.16.3.4", true},
		{"http://192.168.1.1", true},
		{"http://169.254.169.254/latest/meta-data", true},
		{"http://[fe80::1]", true},
		{"https://", true},
		{"://bad", true},
	}
	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			err := ValidateEndpoint(tt.endpoint)
			if tt.blocked {
				if !errors.Is(err, ErrBlockedEndpoint) {
					t.Errorf("err = %v, want ErrBlockedEndpoint", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
