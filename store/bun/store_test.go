package bunstore

import "testing"

func TestNewDefaults(t *testing.T) {
	s := New(nil)
	if s.instance != DefaultInstance {
		t.Errorf("instance = %q, want %q", s.instance, DefaultInstance)
	}
	if s.logger == nil {
		t.Error("logger should default, got nil")
	}
}

func TestWithInstance(t *testing.T) {
	s := New(nil, WithInstance("bridge-a"))
	if s.instance != "bridge-a" {
		t.Errorf("instance = %q, want %q", s.instance, "bridge-a")
	}

	s = New(nil, WithInstance(""))
	if s.instance != DefaultInstance {
		t.Errorf("empty WithInstance: instance = %q, want default %q", s.instance, DefaultInstance)
	}
}

func TestCloseLeavesDBOpen(t *testing.T) {
	if err := New(nil).Close(); err != nil {
		t.Errorf("Close() = %v, want nil", err)
	}
}
