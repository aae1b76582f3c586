package session

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDir(t *testing.T) {
	t.Setenv(EnvHome, "")
	home, _ := os.UserHomeDir()
	got := Dir("main")
	want := filepath.Join(home, ".chatsync", "sessions", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestHomeOverride(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv(EnvHome, tmp)
	if got := StorePath("work"); got != filepath.Join(tmp, "sessions", "work", "chatsync.db") {
		t.Errorf("StorePath(work) = %q", got)
	}
	if got := ConfigPath(); got != filepath.Join(tmp, "config.toml") {
		t.Errorf("ConfigPath() = %q", got)
	}
}

func TestSocketPath(t *testing.T) {
	got := SocketPath("test")
	if !strings.HasSuffix(got, filepath.Join("sessions", "test", "daemon.sock")) {
		t.Errorf("SocketPath(test) = %q, want suffix sessions/test/daemon.sock", got)
	}
}

func TestLockPath(t *testing.T) {
	got := LockPath("test")
	if !strings.HasSuffix(got, filepath.Join("sessions", "test", "LOCK")) {
		t.Errorf("LockPath(test) = %q, want suffix sessions/test/LOCK", got)
	}
}

func TestLogPath(t *testing.T) {
	got := LogPath("test")
	if !strings.HasSuffix(got, filepath.Join("sessions", "test", "logs", "chatsyncd.log")) {
		t.Errorf("LogPath(test) = %q", got)
	}
}

func TestValidateName(t *testing.T) {
	for _, name := range []string{"main", "work-2", "a_b", strings.Repeat("x", 64)} {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) = %v", name, err)
		}
	}
	for _, name := range []string{"", "Main", "../etc", "a b", strings.Repeat("x", 65)} {
		if err := ValidateName(name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("ValidateName(%q) = %v, want ErrInvalidName", name, err)
		}
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		flag, cfg, want string
	}{
		{"", "", DefaultName},
		{"", "work", "work"},
		{"home", "work", "home"},
	}
	for _, tt := range tests {
		got, err := Resolve(tt.flag, tt.cfg)
		if err != nil || got != tt.want {
			t.Errorf("Resolve(%q, %q) = %q, %v; want %q", tt.flag, tt.cfg, got, err, tt.want)
		}
	}
	if _, err := Resolve("Bad Name", ""); !errors.Is(err, ErrInvalidName) {
		t.Errorf("Resolve(bad) = %v, want ErrInvalidName", err)
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv(EnvHome, t.TempDir())

	if err := EnsureDir("test"); err != nil {
		t.Fatal(err)
	}
	for _, d := range []string{Dir("test"), LogDir("test")} {
		info, err := os.Stat(d)
		if err != nil {
			t.Fatalf("%s not created: %v", d, err)
		}
		if !info.IsDir() || info.Mode().Perm() != 0700 {
			t.Errorf("%s mode = %v", d, info.Mode())
		}
	}
}
