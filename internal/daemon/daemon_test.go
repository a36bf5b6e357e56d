package daemon

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"
)

func TestIsRunning_NotRunning(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "test.pid")

	running, err := IsRunning(pidFile)
	if err != nil {
		t.Errorf("IsRunning() error = %v, want nil", err)
	}
	if running {
		t.Error("IsRunning() = true, want false for non-existent PID file")
	}
}

func TestIsRunning_WithCurrentProcess(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "test.pid")
	if err := WritePID(pidFile, os.Getpid()); err != nil {
		t.Fatalf("WritePID() error = %v", err)
	}

	running, err := IsRunning(pidFile)
	if err != nil {
		t.Errorf("IsRunning() error = %v, want nil", err)
	}
	if !running {
		t.Error("IsRunning() = false, want true for current process")
	}
}

func TestIsRunning_WithDeadProcess(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "test.pid")

	// A PID this high is unlikely to be in use
	if err := os.WriteFile(pidFile, []byte("999999\n"), 0644); err != nil {
		t.Fatalf("failed to write PID file: %v", err)
	}

	running, err := IsRunning(pidFile)
	if err != nil {
		t.Errorf("IsRunning() error = %v, want nil", err)
	}
	if running {
		t.Error("IsRunning() = true, want false for dead process")
	}
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Error("stale PID file was not removed")
	}
}

func TestIsRunning_InvalidPID(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "test.pid")
	if err := os.WriteFile(pidFile, []byte("not-a-number\n"), 0644); err != nil {
		t.Fatalf("failed to write PID file: %v", err)
	}

	running, err := IsRunning(pidFile)
	if err != nil {
		t.Errorf("IsRunning() error = %v, want nil for invalid PID", err)
	}
	if running {
		t.Error("IsRunning() = true, want false for invalid PID")
	}
}

func TestStop_NotRunning(t *testing.T) {
	err := Stop(filepath.Join(t.TempDir(), "test.pid"), time.Second)
	if !errors.Is(err, ErrNotRunning) {
		t.Errorf("Stop() error = %v, want ErrNotRunning", err)
	}
}

func TestStop_InvalidPID(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "test.pid")
	if err := os.WriteFile(pidFile, []byte("invalid\n"), 0644); err != nil {
		t.Fatalf("failed to write PID file: %v", err)
	}

	if err := Stop(pidFile, time.Second); err == nil {
		t.Error("Stop() expected error for invalid PID, got nil")
	}
}

func TestRemovePID(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "test.pid")
	if err := WritePID(pidFile, 4242); err != nil {
		t.Fatalf("WritePID() error = %v", err)
	}

	// Another owner's PID file is left alone
	if err := RemovePID(pidFile, 1111); err != nil {
		t.Fatalf("RemovePID() error = %v", err)
	}
	if got, err := PID(pidFile); err != nil || got != 4242 {
		t.Fatalf("PID() = %d, %v; want 4242", got, err)
	}

	if err := RemovePID(pidFile, 4242); err != nil {
		t.Fatalf("RemovePID() error = %v", err)
	}
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Error("PID file still exists after RemovePID")
	}

	// Missing file is not an error
	if err := RemovePID(pidFile, 4242); err != nil {
		t.Errorf("RemovePID() on missing file error = %v", err)
	}
}

func TestStart_AlreadyRunning(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "test.pid")
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		t.Fatalf("failed to write PID file: %v", err)
	}

	_, err := Start(Options{PIDFile: pidFile, LogFile: filepath.Join(dir, "test.log"), Executable: "/bin/sh"})
	if err == nil {
		t.Error("Start() expected error for already running daemon, got nil")
	}
}

func TestStart_InvalidLogFile(t *testing.T) {
	dir := t.TempDir()
	_, err := Start(Options{
		PIDFile:    filepath.Join(dir, "test.pid"),
		LogFile:    filepath.Join(dir, "nonexistent", "test.log"),
		Executable: "/bin/sh",
	})
	if err == nil {
		t.Error("Start() expected error for invalid log file path, got nil")
	}
}

func TestStartAndStop(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that creates subprocess in short mode")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}

	dir := t.TempDir()
	pidFile := filepath.Join(dir, "test.pid")

	pid, err := Start(Options{
		PIDFile:    pidFile,
		LogFile:    filepath.Join(dir, "test.log"),
		Executable: "/bin/sh",
		Args:       []string{"-c", "exec sleep 30"},
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// The child was released, so reap it here or it lingers as a zombie.
	reaped := make(chan struct{})
	go func() {
		var ws syscall.WaitStatus
		syscall.Wait4(pid, &ws, 0, nil)
		close(reaped)
	}()
	t.Cleanup(func() {
		select {
		case <-reaped:
		default:
			syscall.Kill(pid, syscall.SIGKILL)
			<-reaped
		}
	})

	got, err := PID(pidFile)
	if err != nil || got != pid {
		t.Fatalf("PID() = %d, %v; want %d", got, err, pid)
	}
	if running, _ := IsRunning(pidFile); !running {
		t.Fatal("IsRunning() = false after Start")
	}

	if err := Stop(pidFile, 5*time.Second); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Error("PID file still exists after Stop")
	}
}
