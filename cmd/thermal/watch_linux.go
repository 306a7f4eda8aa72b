// Copyright 2026 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"

	fsnotify "gopkg.in/fsnotify.v1"
)

// watchFile calls onChange each time fileName's modification time changes,
// until ctx is canceled.
//
// The directory is watched since editors usually replace the file instead of
// writing into it. The file may not exist yet.
func watchFile(ctx context.Context, fileName string, onChange func()) error {
	var mod0 time.Time
	if fi, err := os.Stat(fileName); err == nil {
		mod0 = fi.ModTime()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err = watcher.Add(filepath.Dir(fileName)); err != nil {
		// Nothing to watch; not fatal.
		log.Printf("watch %s: %s", fileName, err)
		<-ctx.Done()
		return nil
	}
	return watchLoop(ctx, watcher.Events, watcher.Errors, fileName, mod0, onChange)
}

// watchLoop processes watcher events until ctx is canceled or the watcher
// is closed. Watcher errors are logged and do not stop the watch.
func watchLoop(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error, fileName string, mod0 time.Time, onChange func()) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if !ok {
				return nil
			}
			log.Printf("watch %s: %s", fileName, err)
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if filepath.Clean(e.Name) != filepath.Clean(fileName) {
				continue
			}
			fi, err := os.Stat(fileName)
			if err != nil || fi.ModTime().Equal(mod0) {
				continue
			}
			mod0 = fi.ModTime()
			onChange()
		}
	}
}
