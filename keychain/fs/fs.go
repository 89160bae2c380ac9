// Package fs provides a file system-based keychain backend.
//
// All items live in one JSON document written with owner-only permissions.
// Every mutation is flushed with an atomic rename, so a crash never leaves a
// half-written keychain behind. The backend is meant for the Local namespace
// of desktop and CLI hosts; it does not coordinate writers across processes.
package fs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/panyam/mobileauth/keychain"
)

// Backend stores keychain items in a single JSON file.
type Backend struct {
	mu      sync.RWMutex
	path    string
	items   map[string]map[string][]byte
	modTime time.Time
}

// keychainFile is the JSON structure stored on disk. []byte values are
// base64 encoded by encoding/json.
type keychainFile struct {
	Namespaces map[string]map[string][]byte `json:"namespaces"`
}

// New creates a file backed keychain.
// If path is empty, defaults to ~/.config/<appName>/keychain.json
func New(path string, appName string) (*Backend, error) {
	if path == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("could not determine config directory: %w", err)
			}
			configDir = filepath.Join(home, ".config")
		}
		if appName == "" {
			appName = "mobileauth"
		}
		path = filepath.Join(configDir, appName, "keychain.json")
	}

	b := &Backend{
		path:  path,
		items: make(map[string]map[string][]byte),
	}
	if err := b.load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return b, nil
}

// Path returns the path to the keychain file
func (b *Backend) Path() string {
	return b.path
}

// load reads the file from disk. Callers hold the write lock or own b.
func (b *Backend) load() error {
	info, err := os.Stat(b.path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(b.path)
	if err != nil {
		return err
	}
	var file keychainFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse keychain file: %w", err)
	}
	b.items = file.Namespaces
	if b.items == nil {
		b.items = make(map[string]map[string][]byte)
	}
	b.modTime = info.ModTime()
	return nil
}

// refresh reloads the file when another process rewrote it.
func (b *Backend) refresh() error {
	info, err := os.Stat(b.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.ModTime().Equal(b.modTime) {
		return nil
	}
	return b.load()
}

func (b *Backend) Get(_ context.Context, namespace, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.refresh(); err != nil {
		return nil, err
	}
	v, ok := b.items[namespace][key]
	if !ok {
		return nil, keychain.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (b *Backend) Put(_ context.Context, namespace, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.refresh(); err != nil {
		return err
	}
	ns, ok := b.items[namespace]
	if !ok {
		ns = make(map[string][]byte)
		b.items[namespace] = ns
	}
	ns[key] = append([]byte(nil), value...)
	return b.save()
}

func (b *Backend) Delete(_ context.Context, namespace, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.refresh(); err != nil {
		return err
	}
	ns, ok := b.items[namespace]
	if !ok {
		return nil
	}
	if _, ok := ns[key]; !ok {
		return nil
	}
	delete(ns, key)
	if len(ns) == 0 {
		delete(b.items, namespace)
	}
	return b.save()
}

func (b *Backend) save() error {
	// Ensure directory exists with restricted permissions
	if err := os.MkdirAll(filepath.Dir(b.path), 0700); err != nil {
		return fmt.Errorf("failed to create keychain directory: %w", err)
	}
	data, err := json.MarshalIndent(keychainFile{Namespaces: b.items}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize keychain: %w", err)
	}
	if err := writeAtomicFile(b.path, data); err != nil {
		return err
	}
	if info, err := os.Stat(b.path); err == nil {
		b.modTime = info.ModTime()
	}
	return nil
}

// writeAtomicFile writes data to a temp file in the same directory and
// renames it over path. The file is readable by the owner only.
func writeAtomicFile(path string, data []byte) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if err := tmpFile.Chmod(0600); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to restrict temp file: %w", err)
	}
	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
