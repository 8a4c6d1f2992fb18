package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name    string
		want    slog.Level
		wantErr bool
	}{
		{"DEBUG", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"WARNING", slog.LevelWarn, false},
		{"ERROR", slog.LevelError, false},
		{"CRITICAL", LevelCritical, false},
		{"TRACE", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLevel(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewWritesRotatingFiles(t *testing.T) {
	dir := t.TempDir()
	l, err := New(Options{
		Level:       slog.LevelInfo,
		AccessLevel: slog.LevelInfo,
		StdoutLevel: LevelCritical,
		StderrLevel: LevelCritical,
		Prefix:      dir,
		Name:        "server",
	})
	if err != nil {
		t.Fatal(err)
	}

	l.App.Debug("hidden")
	l.App.Info("started", "port", 8080)
	l.Access.Info("request", "path", "/single")
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	app, err := os.ReadFile(filepath.Join(dir, "server.log"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(app), "started") || strings.Contains(string(app), "hidden") {
		t.Errorf("server.log = %q", app)
	}

	access, err := os.ReadFile(filepath.Join(dir, "access.server.log"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(access), "/single") {
		t.Errorf("access.server.log = %q", access)
	}
}

func TestRotateOnTick(t *testing.T) {
	dir := t.TempDir()
	f := rotating(filepath.Join(dir, "server.log"))
	defer f.Close()

	tick := make(chan time.Time)
	stop := rotateOn(tick, f)
	f.Write([]byte("first week\n"))
	tick <- time.Now()
	stop()
	stop()
	f.Write([]byte("second week\n"))

	backups, err := filepath.Glob(filepath.Join(dir, "server-*.log"))
	if err != nil {
		t.Fatal(err)
	}
	if len(backups) != 1 {
		t.Fatalf("backups = %v, want exactly one", backups)
	}
	old, err := os.ReadFile(backups[0])
	if err != nil {
		t.Fatal(err)
	}
	if string(old) != "first week\n" {
		t.Errorf("backup = %q", old)
	}
	cur, err := os.ReadFile(filepath.Join(dir, "server.log"))
	if err != nil {
		t.Fatal(err)
	}
	if string(cur) != "second week\n" {
		t.Errorf("server.log = %q", cur)
	}
}

func TestNewRotatesOnInterval(t *testing.T) {
	dir := t.TempDir()
	l, err := New(Options{
		Level:       slog.LevelInfo,
		AccessLevel: slog.LevelInfo,
		StdoutLevel: LevelCritical,
		StderrLevel: LevelCritical,
		Prefix:      dir,
		Name:        "server",
		RotateEvery: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	l.App.Info("before rotation")
	l.Access.Info("request", "path", "/single")

	deadline := time.Now().Add(5 * time.Second)
	for {
		app, _ := filepath.Glob(filepath.Join(dir, "server-*.log"))
		access, _ := filepath.Glob(filepath.Join(dir, "access.server-*.log"))
		if len(app) > 0 && len(access) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no rotated files in %s after 5s", dir)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestNewSplitsStdoutAndStderr(t *testing.T) {
	dir := t.TempDir()
	stdout, err := os.Create(filepath.Join(dir, "stdout"))
	if err != nil {
		t.Fatal(err)
	}
	stderr, err := os.Create(filepath.Join(dir, "stderr"))
	if err != nil {
		t.Fatal(err)
	}
	prevOut, prevErr := os.Stdout, os.Stderr
	os.Stdout, os.Stderr = stdout, stderr
	defer func() { os.Stdout, os.Stderr = prevOut, prevErr }()

	l, err := New(Options{
		Level:       slog.LevelDebug,
		AccessLevel: slog.LevelInfo,
		StdoutLevel: slog.LevelInfo,
		StderrLevel: slog.LevelError,
		Prefix:      filepath.Join(dir, "logs"),
		Name:        "server",
	})
	if err != nil {
		t.Fatal(err)
	}
	l.App.Debug("file only")
	l.App.Info("to stdout")
	l.App.Error("to stderr")
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	stdout.Close()
	stderr.Close()

	out, _ := os.ReadFile(stdout.Name())
	errOut, _ := os.ReadFile(stderr.Name())
	if !strings.Contains(string(out), "to stdout") || strings.Contains(string(out), "file only") || strings.Contains(string(out), "to stderr") {
		t.Errorf("stdout = %q", out)
	}
	if !strings.Contains(string(errOut), "to stderr") || strings.Contains(string(errOut), "to stdout") {
		t.Errorf("stderr = %q", errOut)
	}
	app, _ := os.ReadFile(filepath.Join(dir, "logs", "server.log"))
	for _, msg := range []string{"file only", "to stdout", "to stderr"} {
		if !strings.Contains(string(app), msg) {
			t.Errorf("server.log missing %q:\n%s", msg, app)
		}
	}
}
