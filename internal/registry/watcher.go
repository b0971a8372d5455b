package registry

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/srediag/devsentry/internal/manifest"
)

// Watch auto-loads plugin packages dropped into dir while ctx lives. A
// package is picked up when its manifest document appears or changes; load
// failures are logged and the package is skipped, never partially
// registered.
//
// onLoad, when non-nil, is invoked for every successfully loaded instance.
func (r *Registry) Watch(ctx context.Context, dir string, onLoad func(*Instance)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return err
	}
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
				if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) {
					continue
				}
				pkg, ok := r.packageDir(ev.Name)
				if !ok {
					// A new subdirectory may still be filling up; watch for
					// its manifest to land.
					if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
						_ = w.Add(ev.Name)
					}
					continue
				}
				if r.alreadyLoaded(pkg) {
					continue
				}
				// Give the writer a moment to finish the entry module.
				time.Sleep(50 * time.Millisecond)
				inst, err := r.Load(pkg)
				if err != nil {
					r.log.Warn("discovered package rejected",
						zap.String("dir", pkg), zap.Error(err))
					continue
				}
				if onLoad != nil {
					onLoad(inst)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.log.Warn("plugin directory watch error", zap.Error(err))
			}
		}
	}()
	return nil
}

// packageDir maps an fsnotify path to the package directory it belongs to,
// accepting only events that produce a readable manifest.
func (r *Registry) packageDir(path string) (string, bool) {
	if filepath.Base(path) == manifest.FileName {
		return filepath.Dir(path), true
	}
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		if _, err := os.Stat(filepath.Join(path, manifest.FileName)); err == nil {
			return path, true
		}
	}
	return "", false
}

func (r *Registry) alreadyLoaded(dir string) bool {
	for _, inst := range r.instances.Items() {
		if inst.Dir == dir {
			return true
		}
	}
	return false
}
