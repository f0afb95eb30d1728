// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fuse

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/bureau-foundation/workspacefs/cache"
	"github.com/bureau-foundation/workspacefs/cache/attrlog"
	"github.com/bureau-foundation/workspacefs/internal/hosttest"
	"github.com/bureau-foundation/workspacefs/remote"
)

// fuseAvailable checks whether /dev/fuse is accessible. Tests that
// need a real FUSE mount call this and skip if the device is absent.
func fuseAvailable(t *testing.T) {
	t.Helper()
	_, err := os.Stat("/dev/fuse")
	if err != nil {
		t.Skip("skipping: /dev/fuse not available")
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testMount builds a scripted host, a cache with an attribute journal,
// mounts the workspace, and returns the mountpoint and host.
func testMount(t *testing.T) (mountpoint string, host *hosttest.Host) {
	t.Helper()
	fuseAvailable(t)

	host = hosttest.New(t)
	root := t.TempDir()

	client, err := remote.New(remote.Options{
		Dialer: host.Dialer(),
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("remote.New: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
	})

	journal, err := attrlog.Open(filepath.Join(root, "state", "attrs.log"))
	if err != nil {
		t.Fatalf("attrlog.Open: %v", err)
	}
	t.Cleanup(func() {
		journal.Close()
	})

	store, err := cache.New(cache.Options{
		Root:    filepath.Join(root, "cache"),
		Remote:  client,
		Journal: journal,
		Logger:  quietLogger(),
	})
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}

	mountpoint = filepath.Join(root, "mount")
	server, err := Mount(Options{
		Mountpoint: mountpoint,
		Cache:      store,
		Remote:     client,
		Journal:    journal,
		Logger:     quietLogger(),
	})
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	t.Cleanup(func() {
		if err := server.Unmount(); err != nil {
			t.Errorf("Unmount: %v", err)
		}
	})

	return mountpoint, host
}

func TestMountReadFile(t *testing.T) {
	mountpoint, host := testMount(t)

	content := []byte("hello from the workspace mount")
	host.AddFile("greeting.txt", content, 0o644, 1700000000)

	got, err := os.ReadFile(filepath.Join(mountpoint, "greeting.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("got %q, want %q", got, content)
	}
}

func TestMountReadLargeFile(t *testing.T) {
	mountpoint, host := testMount(t)

	// Three protocol chunks.
	content := make([]byte, 3000000)
	for i := range content {
		content[i] = byte(i * 7)
	}
	host.AddFile("big.bin", content, 0o644, 1700000000)

	got, err := os.ReadFile(filepath.Join(mountpoint, "big.bin"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("large file content mismatch through FUSE")
	}
	if calls := host.ReadCalls(); calls != 3 {
		t.Errorf("ReadCalls = %d, want 3", calls)
	}
}

func TestMountNestedLookup(t *testing.T) {
	mountpoint, host := testMount(t)

	host.AddDir("src", 0o755, 1700000000)
	host.AddFile("src/main.go", []byte("package main\n"), 0o644, 1700000000)

	got, err := os.ReadFile(filepath.Join(mountpoint, "src", "main.go"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "package main\n" {
		t.Errorf("got %q", got)
	}

	info, err := os.Stat(filepath.Join(mountpoint, "src"))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !info.IsDir() {
		t.Error("src is not a directory")
	}
}

func TestMountAttrsFromHost(t *testing.T) {
	mountpoint, host := testMount(t)

	content := []byte("sized")
	host.AddFile("sized.txt", content, 0o640, 1500000000)

	info, err := os.Stat(filepath.Join(mountpoint, "sized.txt"))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != int64(len(content)) {
		t.Errorf("size = %d, want %d", info.Size(), len(content))
	}
	if perm := info.Mode().Perm(); perm != 0o640 {
		t.Errorf("perm = %o, want 640", perm)
	}
	if mtime := info.ModTime().Unix(); mtime != 1500000000 {
		t.Errorf("mtime = %d, want 1500000000", mtime)
	}
}

func TestMountStatDoesNotFetchContent(t *testing.T) {
	mountpoint, host := testMount(t)

	host.AddFile("lazy.txt", []byte("not yet"), 0o644, 1700000000)

	if _, err := os.Stat(filepath.Join(mountpoint, "lazy.txt")); err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if calls := host.ReadCalls(); calls != 0 {
		t.Errorf("ReadCalls = %d after stat, want 0", calls)
	}
}

func TestMountNotFound(t *testing.T) {
	mountpoint, _ := testMount(t)

	_, err := os.ReadFile(filepath.Join(mountpoint, "nonexistent"))
	if err == nil {
		t.Fatal("expected error reading nonexistent entry")
	}
	if !os.IsNotExist(err) {
		t.Errorf("expected ENOENT, got: %v", err)
	}
}

func TestMountReaddirListsOnlyCached(t *testing.T) {
	mountpoint, host := testMount(t)

	host.AddFile("seen.txt", []byte("a"), 0o644, 1700000000)
	host.AddFile("unseen.txt", []byte("b"), 0o644, 1700000000)

	// Materialize one of the two.
	if _, err := os.ReadFile(filepath.Join(mountpoint, "seen.txt")); err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	entries, err := os.ReadDir(mountpoint)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	names := make(map[string]bool)
	for _, entry := range entries {
		names[entry.Name()] = true
	}
	if !names["seen.txt"] {
		t.Error("materialized entry missing from listing")
	}
	if names["unseen.txt"] {
		t.Error("unmaterialized entry appeared in listing")
	}

	// The unlisted entry is still reachable by name.
	got, err := os.ReadFile(filepath.Join(mountpoint, "unseen.txt"))
	if err != nil {
		t.Fatalf("ReadFile(unseen): %v", err)
	}
	if string(got) != "b" {
		t.Errorf("got %q, want %q", got, "b")
	}
}

func TestMountReadOnly(t *testing.T) {
	mountpoint, host := testMount(t)

	host.AddFile("existing.txt", []byte("x"), 0o644, 1700000000)

	if err := os.WriteFile(filepath.Join(mountpoint, "new.txt"), []byte("y"), 0o644); err == nil {
		t.Fatal("expected error creating a file on a read-only mount")
	}
	if err := os.Mkdir(filepath.Join(mountpoint, "dir"), 0o755); err == nil {
		t.Fatal("expected error creating a directory on a read-only mount")
	}
	if _, err := os.OpenFile(filepath.Join(mountpoint, "existing.txt"), os.O_WRONLY, 0); err == nil {
		t.Fatal("expected error opening for write on a read-only mount")
	}
}

func TestMountPartialRead(t *testing.T) {
	mountpoint, host := testMount(t)

	content := []byte("0123456789abcdef")
	host.AddFile("partial", content, 0o644, 1700000000)

	file, err := os.Open(filepath.Join(mountpoint, "partial"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer file.Close()

	buf := make([]byte, 4)
	if _, err := file.ReadAt(buf, 5); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf) != "5678" {
		t.Errorf("partial read: got %q, want %q", string(buf), "5678")
	}
}

func TestMountAttrsSurviveHostLoss(t *testing.T) {
	mountpoint, host := testMount(t)

	content := []byte("durable")
	host.AddFile("durable.txt", content, 0o644, 1700000000)

	// Materialize while the host is up.
	if _, err := os.ReadFile(filepath.Join(mountpoint, "durable.txt")); err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	host.Close()

	// Attributes and content both survive on the local side.
	info, err := os.Stat(filepath.Join(mountpoint, "durable.txt"))
	if err != nil {
		t.Fatalf("Stat after host loss: %v", err)
	}
	if info.Size() != int64(len(content)) {
		t.Errorf("size = %d, want %d", info.Size(), len(content))
	}
}
