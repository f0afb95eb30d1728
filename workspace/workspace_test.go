// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/workspacefs/cache"
	"github.com/bureau-foundation/workspacefs/internal/hosttest"
	"github.com/bureau-foundation/workspacefs/remote"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testFS builds an FS whose namespace root is a path that exists only
// on the host side, backed by a scripted host and a fresh cache.
func testFS(t *testing.T, host *hosttest.Host, system System) *FS {
	t.Helper()

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

	store, err := cache.New(cache.Options{
		Root:   filepath.Join(t.TempDir(), "cache"),
		Remote: client,
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}

	fsys, err := New(Options{
		Root:   filepath.Join(t.TempDir(), "ws"),
		Cache:  store,
		System: system,
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return fsys
}

// testFileContent builds a deterministic byte pattern so content
// equality failures point at real offsets rather than random data.
func testFileContent(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

// fakeSystem wraps the real System, overriding the working directory
// and recording every name delegated to OpenFile.
type fakeSystem struct {
	System
	wd     string
	wdErr  error
	opened []string
}

func newFakeSystem() *fakeSystem {
	return &fakeSystem{System: Real()}
}

func (f *fakeSystem) Getwd() (string, error) {
	if f.wdErr != nil {
		return "", f.wdErr
	}
	if f.wd != "" {
		return f.wd, nil
	}
	return f.System.Getwd()
}

func (f *fakeSystem) OpenFile(name string, flag int, perm fs.FileMode) (*os.File, error) {
	f.opened = append(f.opened, name)
	return f.System.OpenFile(name, flag, perm)
}

// --- Classification ---

func TestSplit(t *testing.T) {
	host := hosttest.New(t)
	fsys := testFS(t, host, nil)
	root := fsys.Root()

	tests := []struct {
		path       string
		wantRel    string
		wantInside bool
	}{
		{root, "", true},
		{root + "/", "", true},
		{root + "/a", "a", true},
		{root + "/a/b.txt", "a/b.txt", true},
		{root + "/../x", "../x", true},
		{root + "x", "", false},
		{"/etc/passwd", "", false},
		{"/", "", false},
	}
	for _, test := range tests {
		rel, inside := fsys.split(test.path)
		if inside != test.wantInside || rel != test.wantRel {
			t.Errorf("split(%q) = (%q, %v), want (%q, %v)",
				test.path, rel, inside, test.wantRel, test.wantInside)
		}
	}
}

// --- Outside-namespace equivalence ---

func TestOutsideNamespaceMatchesReal(t *testing.T) {
	host := hosttest.New(t)
	fsys := testFS(t, host, nil)

	outside := t.TempDir()
	realFile := filepath.Join(outside, "real.txt")
	if err := os.WriteFile(realFile, []byte("outside content"), 0o640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	linkPath := filepath.Join(outside, "link")
	if err := os.Symlink(realFile, linkPath); err != nil {
		t.Fatalf("Symlink: %v", err)
	}

	file, err := fsys.Open(realFile)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, err := io.ReadAll(file)
	file.Close()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "outside content" {
		t.Errorf("content = %q, want %q", got, "outside content")
	}

	gotInfo, err := fsys.Stat(realFile)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	wantInfo, err := os.Stat(realFile)
	if err != nil {
		t.Fatalf("os.Stat: %v", err)
	}
	if gotInfo.Size() != wantInfo.Size() || gotInfo.Mode() != wantInfo.Mode() {
		t.Errorf("Stat = (%d, %v), want (%d, %v)",
			gotInfo.Size(), gotInfo.Mode(), wantInfo.Size(), wantInfo.Mode())
	}

	linkInfo, err := fsys.Lstat(linkPath)
	if err != nil {
		t.Fatalf("Lstat: %v", err)
	}
	if linkInfo.Mode()&fs.ModeSymlink == 0 {
		t.Error("Lstat of a symlink did not report a symlink")
	}
	followed, err := fsys.Stat(linkPath)
	if err != nil {
		t.Fatalf("Stat of symlink: %v", err)
	}
	if followed.Mode()&fs.ModeSymlink != 0 {
		t.Error("Stat of a symlink did not follow it")
	}

	if err := fsys.Access(realFile, unix.R_OK); err != nil {
		t.Errorf("Access(R_OK): %v", err)
	}

	// Missing paths fail identically to the real call.
	missing := filepath.Join(outside, "missing")
	_, err = fsys.Stat(missing)
	_, wantErr := os.Stat(missing)
	if !errors.Is(err, fs.ErrNotExist) || !errors.Is(wantErr, fs.ErrNotExist) {
		t.Errorf("Stat(missing) = %v, real = %v; both should be not-exist", err, wantErr)
	}

	// Creation flags pass through untouched outside the namespace.
	created := filepath.Join(outside, "created.txt")
	file, err = fsys.OpenFile(created, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		t.Fatalf("OpenFile(create): %v", err)
	}
	if _, err := file.WriteString("written through delegation"); err != nil {
		t.Errorf("WriteString: %v", err)
	}
	file.Close()
	if _, err := os.Stat(created); err != nil {
		t.Errorf("created file missing: %v", err)
	}

	if calls := host.TotalCalls(); calls != 0 {
		t.Errorf("outside-namespace operations made %d host calls, want 0", calls)
	}
}

func TestEmptyNameDelegates(t *testing.T) {
	host := hosttest.New(t)
	fsys := testFS(t, host, nil)

	_, err := fsys.Open("")
	if err == nil {
		t.Fatal("Open of empty name succeeded")
	}
	if calls := host.TotalCalls(); calls != 0 {
		t.Errorf("empty name made %d host calls, want 0", calls)
	}
}

// --- Read-only enforcement ---

func TestWriteIntentRejected(t *testing.T) {
	host := hosttest.New(t)
	host.AddFile("foo.txt", []byte("content"), 0o644, 1000)
	fsys := testFS(t, host, nil)
	target := fsys.Root() + "/foo.txt"

	tests := []struct {
		name string
		call func() error
	}{
		{"open write-only", func() error {
			_, err := fsys.OpenFile(target, os.O_WRONLY, 0)
			return err
		}},
		{"open read-write", func() error {
			_, err := fsys.OpenFile(target, os.O_RDWR, 0)
			return err
		}},
		{"open create", func() error {
			_, err := fsys.OpenFile(fsys.Root()+"/new.txt", os.O_WRONLY|os.O_CREATE, 0o644)
			return err
		}},
		{"access write", func() error {
			return fsys.Access(target, unix.W_OK)
		}},
		{"access read-write", func() error {
			return fsys.Access(target, unix.R_OK|unix.W_OK)
		}},
		{"stream write", func() error {
			_, err := fsys.OpenBuffered(target, "w")
			return err
		}},
		{"stream append", func() error {
			_, err := fsys.OpenBuffered(target, "a")
			return err
		}},
		{"stream update", func() error {
			_, err := fsys.OpenBuffered(target, "r+")
			return err
		}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.call()
			if err == nil {
				t.Fatal("write-intent call succeeded")
			}
			if !errors.Is(err, syscall.EROFS) {
				t.Errorf("error = %v, want EROFS", err)
			}
			var pathErr *fs.PathError
			if !errors.As(err, &pathErr) {
				t.Errorf("error = %T, want *fs.PathError", err)
			}
		})
	}

	if calls := host.TotalCalls(); calls != 0 {
		t.Errorf("write rejections made %d host calls, want 0", calls)
	}
}

// --- Root synthesis ---

func TestRootStatSynthesized(t *testing.T) {
	host := hosttest.New(t)
	fsys := testFS(t, host, nil)

	for _, name := range []string{fsys.Root(), fsys.Root() + "/"} {
		info, err := fsys.Stat(name)
		if err != nil {
			t.Fatalf("Stat(%q): %v", name, err)
		}
		if !info.IsDir() {
			t.Errorf("Stat(%q): not a directory", name)
		}
		if perm := info.Mode().Perm(); perm != 0o755 {
			t.Errorf("Stat(%q): perm = %o, want 755", name, perm)
		}
		stat, ok := info.Sys().(*unix.Stat_t)
		if !ok {
			t.Fatalf("Stat(%q): Sys() = %T, want *unix.Stat_t", name, info.Sys())
		}
		if stat.Nlink != 2 {
			t.Errorf("Stat(%q): nlink = %d, want 2", name, stat.Nlink)
		}
	}

	if err := fsys.Access(fsys.Root(), unix.R_OK|unix.X_OK); err != nil {
		t.Errorf("Access(root): %v", err)
	}

	dir, err := fsys.Open(fsys.Root())
	if err != nil {
		t.Fatalf("Open(root): %v", err)
	}
	defer dir.Close()
	if _, err := dir.Readdirnames(-1); err != nil {
		t.Errorf("Readdirnames: %v", err)
	}

	if calls := host.TotalCalls(); calls != 0 {
		t.Errorf("root operations made %d host calls, want 0", calls)
	}
}

// --- Materialization ---

func TestOpenScenario(t *testing.T) {
	content := testFileContent(3000000)
	host := hosttest.New(t)
	host.AddFile("foo.txt", content, 0o644, 1000)
	fsys := testFS(t, host, nil)
	target := fsys.Root() + "/foo.txt"

	file, err := fsys.Open(target)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, err := io.ReadAll(file)
	file.Close()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("content differs: got %d bytes, want %d", len(got), len(content))
	}

	if calls := host.StatCalls(); calls != 1 {
		t.Errorf("StatCalls = %d, want 1", calls)
	}
	if calls := host.ReadCalls(); calls != 3 {
		t.Errorf("ReadCalls = %d, want 3", calls)
	}
	wantOffsets := []uint64{0, 1048576, 2097152}
	gotOffsets := host.ReadOffsets()
	if len(gotOffsets) != len(wantOffsets) {
		t.Fatalf("ReadOffsets = %v, want %v", gotOffsets, wantOffsets)
	}
	for i, want := range wantOffsets {
		if gotOffsets[i] != want {
			t.Errorf("ReadOffsets[%d] = %d, want %d", i, gotOffsets[i], want)
		}
	}

	info, err := os.Stat(fsys.Cache().Path("foo.txt"))
	if err != nil {
		t.Fatalf("Stat of cache file: %v", err)
	}
	if info.Size() != 3000000 {
		t.Errorf("cache file size = %d, want 3000000", info.Size())
	}

	// Second open is a pure cache hit.
	before := host.TotalCalls()
	file, err = fsys.Open(target)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	file.Close()
	if calls := host.TotalCalls(); calls != before {
		t.Errorf("second open made %d host calls, want 0", calls-before)
	}
}

func TestStatMaterializes(t *testing.T) {
	content := testFileContent(4096)
	host := hosttest.New(t)
	host.AddFile("src/main.go", content, 0o644, 1700000000)
	host.AddDir("src", 0o755, 1700000000)
	fsys := testFS(t, host, nil)

	info, err := fsys.Stat(fsys.Root() + "/src/main.go")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != int64(len(content)) {
		t.Errorf("Size = %d, want %d", info.Size(), len(content))
	}
	if info.IsDir() {
		t.Error("regular file reported as directory")
	}
	if _, err := os.Stat(fsys.Cache().Path("src/main.go")); err != nil {
		t.Errorf("stat did not materialize the cache file: %v", err)
	}

	dirInfo, err := fsys.Stat(fsys.Root() + "/src")
	if err != nil {
		t.Fatalf("Stat(dir): %v", err)
	}
	if !dirInfo.IsDir() {
		t.Error("directory reported as regular file")
	}
}

func TestMissingPathIsNotFound(t *testing.T) {
	host := hosttest.New(t)
	fsys := testFS(t, host, nil)

	_, err := fsys.Open(fsys.Root() + "/ghost.txt")
	if err == nil {
		t.Fatal("Open of missing workspace path succeeded")
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("error = %v, want not-exist", err)
	}
	var pathErr *fs.PathError
	if !errors.As(err, &pathErr) {
		t.Fatalf("error = %T, want *fs.PathError", err)
	}
	if pathErr.Err != syscall.ENOENT {
		t.Errorf("underlying error = %v, want ENOENT", pathErr.Err)
	}
}

func TestTransportFailureCollapsesToNotFound(t *testing.T) {
	host := hosttest.New(t)
	host.AddFile("foo.txt", []byte("content"), 0o644, 1000)
	fsys := testFS(t, host, nil)
	host.Close()

	_, err := fsys.Open(fsys.Root() + "/foo.txt")
	if err == nil {
		t.Fatal("Open succeeded with host down")
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("error = %v, want not-exist (network errors never surface)", err)
	}
}

func TestDotSegmentsGoToHostVerbatim(t *testing.T) {
	host := hosttest.New(t)
	host.AddFile("secret", []byte("x"), 0o644, 1000)
	fsys := testFS(t, host, nil)

	_, err := fsys.Open(fsys.Root() + "/../secret")
	if err == nil {
		t.Fatal("Open of a dot-segment path succeeded")
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("error = %v, want not-exist", err)
	}
	// The relative path reached the host unresolved; the host is the
	// one refusing it.
	if calls := host.StatCalls(); calls != 1 {
		t.Errorf("StatCalls = %d, want 1", calls)
	}
}

// --- Flag handling ---

func TestMutationFlagsStrippedOnDelegation(t *testing.T) {
	content := testFileContent(8192)
	host := hosttest.New(t)
	host.AddFile("data.bin", content, 0o644, 1000)
	fsys := testFS(t, host, nil)

	// O_TRUNC without a write bit passes the read-only check but must
	// not reach the cache file.
	file, err := fsys.OpenFile(fsys.Root()+"/data.bin", os.O_RDONLY|os.O_TRUNC, 0)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	file.Close()

	info, err := os.Stat(fsys.Cache().Path("data.bin"))
	if err != nil {
		t.Fatalf("Stat of cache file: %v", err)
	}
	if info.Size() != int64(len(content)) {
		t.Errorf("cache file size = %d after O_TRUNC open, want %d", info.Size(), len(content))
	}
}

// --- Relative paths and directory handles ---

func TestRelativePathResolvesAgainstWorkingDirectory(t *testing.T) {
	host := hosttest.New(t)
	host.AddFile("notes.txt", []byte("relative"), 0o644, 1000)
	system := newFakeSystem()
	fsys := testFS(t, host, system)
	system.wd = fsys.Root()

	file, err := fsys.Open("notes.txt")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, err := io.ReadAll(file)
	file.Close()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "relative" {
		t.Errorf("content = %q, want %q", got, "relative")
	}
}

func TestResolutionFailureFallsBackToReal(t *testing.T) {
	host := hosttest.New(t)
	system := newFakeSystem()
	system.wdErr = errors.New("working directory unlinked")
	fsys := testFS(t, host, system)

	_, err := fsys.Open("notes.txt")
	if err == nil {
		t.Fatal("Open succeeded")
	}
	if len(system.opened) != 1 || system.opened[0] != "notes.txt" {
		t.Errorf("delegated opens = %v, want the original name once", system.opened)
	}
	if calls := host.TotalCalls(); calls != 0 {
		t.Errorf("unresolvable path made %d host calls, want 0", calls)
	}
}

func TestOverlongPathTreatedAsOutside(t *testing.T) {
	host := hosttest.New(t)
	system := newFakeSystem()
	fsys := testFS(t, host, system)

	name := fsys.Root() + "/" + strings.Repeat("a", 5000)
	_, err := fsys.Open(name)
	if err == nil {
		t.Fatal("Open of overlong path succeeded")
	}
	if len(system.opened) != 1 || system.opened[0] != name {
		t.Errorf("delegated opens = %v, want the original name once", system.opened)
	}
	if calls := host.TotalCalls(); calls != 0 {
		t.Errorf("overlong path made %d host calls, want 0", calls)
	}
}

func TestOpenFileInResolvesHandleRelativePaths(t *testing.T) {
	content := testFileContent(1024)
	host := hosttest.New(t)
	host.AddFile("deep/file.bin", content, 0o644, 1000)
	fsys := testFS(t, host, nil)

	// The namespace root is a child name of a real directory, so a
	// handle on the parent reaches the namespace via a relative path.
	parent := filepath.Dir(fsys.Root())
	dir, err := os.Open(parent)
	if err != nil {
		t.Fatalf("Open(parent): %v", err)
	}
	defer dir.Close()

	relative := filepath.Base(fsys.Root()) + "/deep/file.bin"
	file, err := fsys.OpenFileIn(dir, relative, os.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("OpenFileIn: %v", err)
	}
	got, err := io.ReadAll(file)
	file.Close()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("handle-relative open returned wrong content")
	}

	// Outside the namespace, the handle-relative call reaches the
	// real directory entry.
	realFile := filepath.Join(parent, "real.txt")
	if err := os.WriteFile(realFile, []byte("real"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	file, err = fsys.OpenFileIn(dir, "real.txt", os.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("OpenFileIn(outside): %v", err)
	}
	got, err = io.ReadAll(file)
	file.Close()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "real" {
		t.Errorf("content = %q, want %q", got, "real")
	}
}

func TestStatInAndAccessIn(t *testing.T) {
	content := testFileContent(2048)
	host := hosttest.New(t)
	host.AddFile("file.bin", content, 0o644, 1000)
	fsys := testFS(t, host, nil)

	parent := filepath.Dir(fsys.Root())
	dir, err := os.Open(parent)
	if err != nil {
		t.Fatalf("Open(parent): %v", err)
	}
	defer dir.Close()
	relative := filepath.Base(fsys.Root()) + "/file.bin"

	info, err := fsys.StatIn(dir, relative, 0)
	if err != nil {
		t.Fatalf("StatIn: %v", err)
	}
	if info.Size() != int64(len(content)) {
		t.Errorf("Size = %d, want %d", info.Size(), len(content))
	}

	if err := fsys.AccessIn(dir, relative, unix.R_OK, 0); err != nil {
		t.Errorf("AccessIn(R_OK): %v", err)
	}
	err = fsys.AccessIn(dir, relative, unix.W_OK, 0)
	if !errors.Is(err, syscall.EROFS) {
		t.Errorf("AccessIn(W_OK) = %v, want EROFS", err)
	}

	// Outside arm: a symlink in the real parent, checked with and
	// without following.
	realFile := filepath.Join(parent, "target.txt")
	if err := os.WriteFile(realFile, []byte("t"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.Symlink(realFile, filepath.Join(parent, "link")); err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	followed, err := fsys.StatIn(dir, "link", 0)
	if err != nil {
		t.Fatalf("StatIn(link): %v", err)
	}
	if followed.Mode()&fs.ModeSymlink != 0 {
		t.Error("StatIn without NOFOLLOW did not follow the symlink")
	}
	unfollowed, err := fsys.StatIn(dir, "link", unix.AT_SYMLINK_NOFOLLOW)
	if err != nil {
		t.Fatalf("StatIn(link, NOFOLLOW): %v", err)
	}
	if unfollowed.Mode()&fs.ModeSymlink == 0 {
		t.Error("StatIn with NOFOLLOW followed the symlink")
	}
}

// --- Concurrency ---

func TestConcurrentOpens(t *testing.T) {
	content := testFileContent(1500000)
	host := hosttest.New(t)
	host.AddFile("shared.bin", content, 0o644, 1000)
	fsys := testFS(t, host, nil)
	target := fsys.Root() + "/shared.bin"

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			file, err := fsys.Open(target)
			if err != nil {
				errs[i] = err
				return
			}
			defer file.Close()
			got, err := io.ReadAll(file)
			if err != nil {
				errs[i] = err
				return
			}
			if !bytes.Equal(got, content) {
				errs[i] = errors.New("content mismatch")
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("goroutine %d: %v", i, err)
		}
	}
}

// --- Construction ---

func TestNewValidatesOptions(t *testing.T) {
	host := hosttest.New(t)
	valid := testFS(t, host, nil)

	tests := []struct {
		name    string
		options Options
		wantErr string
	}{
		{"missing root", Options{Cache: valid.Cache()}, "Root is required"},
		{"relative root", Options{Root: "ws", Cache: valid.Cache()}, "must be absolute"},
		{"filesystem root", Options{Root: "///", Cache: valid.Cache()}, "cannot be the filesystem root"},
		{"missing cache", Options{Root: "/ws"}, "Cache is required"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := New(test.options)
			if err == nil {
				t.Fatal("New succeeded")
			}
			if !strings.Contains(err.Error(), test.wantErr) {
				t.Errorf("error = %v, want mention of %q", err, test.wantErr)
			}
		})
	}

	// Trailing slashes on an otherwise valid root are ignored.
	fsys, err := New(Options{Root: "/ws///", Cache: valid.Cache()})
	if err != nil {
		t.Fatalf("New with trailing slashes: %v", err)
	}
	if fsys.Root() != "/ws" {
		t.Errorf("Root = %q, want %q", fsys.Root(), "/ws")
	}
}
