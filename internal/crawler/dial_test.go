package crawler

import (
	"errors"
	"testing"
)

func TestCheckAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		address string
		allowed bool
	}{
		{"93.184.216.34:443", true},
		{"[2606:4700::1111]:443", true},
		{"127.0.0.1:80", false},
		{"10.0.0.5:80", false},
		{"192.168.1.20:8080", false},
		{"172.16.0.1:80", false},
		{"169.254.169.254:80", false},
		{"100.64.1.1:80", false},
		{"0.0.0.0:80", false},
		{"[::1]:80", false},
		{"[fe80::1]:80", false},
		{"[fd00::1]:80", false},
		{"[::ffff:10.0.0.1]:80", false},
		{"not-an-address", false},
	}
	for _, tc := range tests {
		t.Run(tc.address, func(t *testing.T) {
			t.Parallel()
			err := checkAddress("tcp", tc.address, nil)
			if tc.allowed && err != nil {
				t.Errorf("checkAddress(%q) = %v, want nil", tc.address, err)
			}
			if !tc.allowed && !errors.Is(err, ErrPrivateAddress) {
				t.Errorf("checkAddress(%q) = %v, want ErrPrivateAddress", tc.address, err)
			}
		})
	}
}
