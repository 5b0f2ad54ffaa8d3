package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

type fakeDialer struct {
	mu    sync.Mutex
	dials int
	err   error
	conns []*fakeConn
	fs    *memFS
	run   func(cmd string) ([]byte, []byte, int, error)
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	if d.fs == nil {
		d.fs = newMemFS()
	}
	c := &fakeConn{alive: true, fs: d.fs, run: d.run}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type fakeConn struct {
	alive    bool
	closed   bool
	commands []string
	fs       *memFS
	run      func(cmd string) ([]byte, []byte, int, error)
}

func (c *fakeConn) Run(cmd string) ([]byte, []byte, int, error) {
	c.commands = append(c.commands, cmd)
	if c.run != nil {
		return c.run(cmd)
	}
	return []byte("ok\r\n"), nil, 0, nil
}

func (c *fakeConn) FileSystem() (FileSystem, error) { return c.fs, nil }
func (c *fakeConn) Alive() bool { return c.alive && !c.closed }
func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

type memFile struct {
	data  []byte
	mtime time.Time
	dir   bool
}

type memInfo struct {
	name string
	f    *memFile
}

func (i memInfo) Name() string { return i.name }
func (i memInfo) Size() int64 { return int64(len(i.f.data)) }
func (i memInfo) Mode() os.FileMode { return 0644 }
func (i memInfo) ModTime() time.Time { return i.f.mtime }
func (i memInfo) IsDir() bool { return i.f.dir }
func (i memInfo) Sys() any { return nil }

// memFS is an in-memory SFTP stand-in. Mkdir fails when the parent is
// missing or the path already exists, the way SFTP servers behave.
type memFS struct {
	mu        sync.Mutex
	files     map[string]*memFile
	mkdirErr  map[string]error
	racyMkdir map[string]bool
	createErr map[string]error
	mkdirs    []string
}

func newMemFS(roots ...string) *memFS {
	m := &memFS{
		files:     map[string]*memFile{"/": {dir: true}},
		mkdirErr:  map[string]error{},
		racyMkdir: map[string]bool{},
		createErr: map[string]error{},
	}
	for _, r := range roots {
		m.files[r] = &memFile{dir: true}
	}
	return m
}

func (m *memFS) Stat(p string) (os.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[p]
	if !ok {
		return nil, os.ErrNotExist
	}
	return memInfo{name: path.Base(p), f: f}, nil
}

func (m *memFS) parentExists(p string) bool {
	parent := path.Dir(p)
	if strings.HasSuffix(parent, ":") {
		parent += "/"
	}
	f, ok := m.files[parent]
	return ok && f.dir
}

func (m *memFS) Mkdir(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mkdirs = append(m.mkdirs, p)
	if m.racyMkdir[p] {
		// another writer created it first
		m.files[p] = &memFile{dir: true}
		return fmt.Errorf("mkdir %s: file exists", p)
	}
	if err := m.mkdirErr[p]; err != nil {
		return err
	}
	if _, ok := m.files[p]; ok {
		return fmt.Errorf("mkdir %s: file exists", p)
	}
	if !m.parentExists(p) {
		return fmt.Errorf("mkdir %s: %w", p, os.ErrNotExist)
	}
	m.files[p] = &memFile{dir: true}
	return nil
}

type memWriter struct {
	bytes.Buffer
	fs *memFS
	p  string
}

func (w *memWriter) Close() error {
	w.fs.mu.Lock()
	defer w.fs.mu.Unlock()
	w.fs.files[w.p] = &memFile{data: append([]byte(nil), w.Bytes()...), mtime: time.Now()}
	return nil
}

func (m *memFS) Create(p string) (io.WriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.createErr[p]; err != nil {
		return nil, err
	}
	if !m.parentExists(p) {
		return nil, fmt.Errorf("create %s: %w", p, os.ErrNotExist)
	}
	return &memWriter{fs: m, p: p}, nil
}

func (m *memFS) Chtimes(p string, _, mtime time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[p]
	if !ok {
		return os.ErrNotExist
	}
	f.mtime = mtime
	return nil
}

func (m *memFS) ReadDir(p string) ([]os.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []os.FileInfo
	for name, f := range m.files {
		if name != p && path.Dir(name) == p {
			out = append(out, memInfo{name: path.Base(name), f: f})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

func (m *memFS) Remove(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[p]; !ok {
		return os.ErrNotExist
	}
	delete(m.files, p)
	return nil
}

func (m *memFS) Close() error { return nil }

func (m *memFS) put(p, content string, mtime time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[p] = &memFile{data: []byte(content), mtime: mtime}
}

func (m *memFS) content(p string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[p]
	if !ok {
		return "", false
	}
	return string(f.data), true
}

var errRefused = errors.New("connection refused")
