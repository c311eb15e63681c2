package remote

import (
	"reflect"
	"testing"
)

func TestSSH_Args(t *testing.T) {
	s := &SSH{
		User:         "root",
		Port:         2222,
		IdentityFile: "/keys/id",
		Options:      []string{"StrictHostKeyChecking=no"},
	}
	got := s.Args("m1", []string{"tc", "qdisc", "show", "dev", "eth0"})
	want := []string{
		"-o", "BatchMode=yes", "-o", "StrictHostKeyChecking=no",
		"-p", "2222", "-i", "/keys/id",
		"root@m1", "--", "tc qdisc show dev eth0",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Args() = %q, want %q", got, want)
	}
}

func TestQuote(t *testing.T) {
	tests := map[string]string{
		"":             "''",
		"eth0":         "eth0",
		"100mbit":      "100mbit",
		"0.5%":         "0.5%",
		"a b":          "'a b'",
		"it's":         `'it'\''s'`,
		"$(reboot)":    "'$(reboot)'",
		"limit;rm -rf": "'limit;rm -rf'",
	}
	for in, want := range tests {
		if got := quote(in); got != want {
			t.Errorf("quote(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestExitError(t *testing.T) {
	err := &ExitError{
		Machine: "m1",
		Argv:    []string{"false"},
		Result:  Result{ExitCode: 1, Stderr: "nope\n"},
	}
	want := `m1: "false" exited with status 1: nope`
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
