package main

import (
	"reflect"
	"testing"
)

func TestStunServerList(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"stun.l.google.com:19302", []string{"stun.l.google.com:19302"}},
		{"a:1,b:2", []string{"a:1", "b:2"}},
		{" a:1 , b:2 ", []string{"a:1", "b:2"}},
		{"", nil},
	}
	for _, c := range cases {
		cfg := Config{STUNServers: c.in}
		got := cfg.stunServerList()
		if !reflect.DeepEqual(got, c.want) {
			t.Fatalf("stunServerList(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}
