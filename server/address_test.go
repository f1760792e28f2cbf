package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressDetailParsing(t *testing.T) {
	tests := []struct {
		name            string
		input           string
		sep             string
		wantFullAddress string
		wantDetail      string
		wantHasDetail   bool
		wantBaseAddress string
		wantErr         bool
	}{
		{
			name:            "simple address without detail",
			input:           "user@example.com",
			sep:             "+",
			wantFullAddress: "user@example.com",
			wantBaseAddress: "user@example.com",
		},
		{
			name:            "address with detail",
			input:           "user+detail@example.com",
			sep:             "+",
			wantFullAddress: "user+detail@example.com",
			wantDetail:      "detail",
			wantHasDetail:   true,
			wantBaseAddress: "user@example.com",
		},
		{
			name:            "address with complex detail",
			input:           "user+detail+more@example.com",
			sep:             "+",
			wantFullAddress: "user+detail+more@example.com",
			wantDetail:      "detail+more",
			wantHasDetail:   true,
			wantBaseAddress: "user@example.com",
		},
		{
			name:            "address with empty detail",
			input:           "user+@example.com",
			sep:             "+",
			wantFullAddress: "user+@example.com",
			wantHasDetail:   true,
			wantBaseAddress: "user@example.com",
		},
		{
			name:            "alternative separators",
			input:           "user-list@example.com",
			sep:             "+-",
			wantFullAddress: "user-list@example.com",
			wantDetail:      "list",
			wantHasDetail:   true,
			wantBaseAddress: "user@example.com",
		},
		{
			name:            "angle brackets and case",
			input:           " <User@Example.COM> ",
			sep:             "+",
			wantFullAddress: "user@example.com",
			wantBaseAddress: "user@example.com",
		},
		{
			name:    "missing at sign",
			input:   "user.example.com",
			sep:     "+",
			wantErr: true,
		},
		{
			name:    "whitespace",
			input:   "us er@example.com",
			sep:     "+",
			wantErr: true,
		},
		{
			name:    "bad domain",
			input:   "user@-example",
			sep:     "+",
			wantErr: true,
		},
		{
			name:    "empty",
			input:   "",
			sep:     "+",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := ParseAddress(tt.input, tt.sep)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantFullAddress, addr.FullAddress())
			assert.Equal(t, tt.wantDetail, addr.Detail())
			assert.Equal(t, tt.wantHasDetail, addr.HasDetail())
			assert.Equal(t, tt.wantBaseAddress, addr.BaseAddress())
		})
	}
}

func TestNewAddressUsesPlus(t *testing.T) {
	addr, err := NewAddress("user+tag@example.com")
	require.NoError(t, err)
	assert.Equal(t, "user", addr.BaseLocalPart())
	assert.Equal(t, "tag", addr.Detail())
	assert.Equal(t, "example.com", addr.Domain())
	assert.Equal(t, "user+tag", addr.LocalPart())
}
