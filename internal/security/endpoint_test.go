package security

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeResolver map[string][]string

func (f fakeResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	if addrs, ok := f[host]; ok {
		return addrs, nil
	}
	return nil, errors.New("no such host")
}

func TestValidateEndpoint(t *testing.T) {
	r := fakeResolver{
		"hooks.shop.example": {"93.184.216.34"},
		"sneaky.example":     {"93.184.216.34", "10.0.0.7"},
	}
	tests := []struct {
		url     string
		wantErr string
	}{
		{"https://hooks.shop.example/escrow", ""},
		{"http://93.184.216.34:8443/cb", ""},
		{"ftp://hooks.shop.example/", "scheme"},
		{"https://", "host"},
		{"http://LOCALHOST:8080/", "not allowed"},
		{"http://127.0.0.1/", "loopback"},
		{"http://192.168.1.10/", "private"},
		{"http://169.254.169.254/latest/meta-data", "link-local"},
		{"http://0.0.0.0/", "unspecified"},
		{"https://sneaky.example/", "resolves to blocked"},
		{"https://unknown.example/", "cannot resolve"},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := validateEndpoint(context.Background(), tt.url, r)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
