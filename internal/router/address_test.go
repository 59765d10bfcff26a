package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"10.0.0.5", "10.0.0.5"},
		{" 10.0.0.5 ", "10.0.0.5"},
		{"10.0.0.5:51234", "10.0.0.5"},
		{"::ffff:10.0.0.5", "10.0.0.5"},
		{"[::ffff:10.0.0.5]:80", "10.0.0.5"},
		{"fd00::5", "fd00::5"},
		{"[fd00::5]", "fd00::5"},
		{"fe80::1%wlan0", "fe80::1"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeAddress(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeAddress_Invalid(t *testing.T) {
	for _, in := range []string{"", "host.local", "10.0.0.256", "10.0.0.5/24"} {
		_, err := NormalizeAddress(in)
		assert.Error(t, err, in)
	}
}

func TestNormalizeMACAddress(t *testing.T) {
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", normalizeMACAddress("AA-BB-CC-DD-EE-FF"))
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", normalizeMACAddress("aabb.ccdd.eeff"))
	assert.Equal(t, "abc", normalizeMACAddress("ABC"))
}
