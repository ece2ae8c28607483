package company

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPhoneKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "national with trunk zero", in: "0231 123456", want: "231123456"},
		{name: "plus country code", in: "+49 231 123456", want: "231123456"},
		{name: "double zero country code", in: "0049 (231) 12-34-56", want: "231123456"},
		{name: "short 49 prefix kept", in: "4912345", want: "4912345"},
		{name: "too short", in: "0123", want: ""},
		{name: "empty", in: "", want: ""},
		{name: "letters only", in: "n/a", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, PhoneKey(tt.in))
		})
	}
}

func TestPhoneKey_VariantsAgree(t *testing.T) {
	t.Parallel()

	want := PhoneKey("0231 9876543")
	assert.Equal(t, "2319876543", want)
	for _, v := range []string{"+49 231 9876543", "0049 231 9876543", "(0231) 98 76 54-3", "+49 (0) 231 9876543"} {
		assert.Equal(t, want, PhoneKey(v), v)
	}
}

func TestDomainKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "https://www.Example.de/kontakt", want: "example.de"},
		{in: "http://example.de", want: "example.de"},
		{in: "www.example.de", want: "example.de"},
		{in: "example.de/", want: "example.de"},
		{in: "  EXAMPLE.DE  ", want: "example.de"},
		{in: "https://shop.example.de:8443/x", want: "shop.example.de"},
		{in: "", want: ""},
		{in: "HTTPS://Example.de", want: "example.de"},
		{in: "Http://www.Example.de/", want: "example.de"},
		{in: "HTTP://shop.example.de", want: "shop.example.de"},
		{in: "https://localhost", want: ""},
		{in: "pizzeria", want: ""},
		{in: "https://", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, DomainKey(tt.in))
		})
	}
}
