package config

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/panyam/mobileauth/client"
)

// Watch calls fn with the reloaded configuration each time the file at path
// changes, until ctx is done. The directory is watched so that editors and
// tools replacing the file with a rename are seen too. A change that does
// not parse is delivered as an error; unchanged content is not delivered.
func Watch(ctx context.Context, path string, fn func(*Config, error)) error {
	path = filepath.Clean(path)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return err
	}

	last, _ := os.ReadFile(path)
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != path || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				data, err := os.ReadFile(path)
				if err != nil {
					// Removed between the event and the read; the Create
					// that follows a rename will deliver it.
					slog.Debug("config reload skipped", "path", path, "err", err)
					continue
				}
				if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(data, last) {
					continue
				}
				last = data
				fn(load(data))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				fn(nil, client.Wrap(client.CodeConfigurationInvalidJSON, "watch "+path, err))
			}
		}
	}()
	return nil
}

func load(data []byte) (*Config, error) {
	c, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := c.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
