// Package logging provides the daemon's rotating log file.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultMaxBytes is the size at which a day's log file rolls over to the
// next sequence number.
const DefaultMaxBytes = int64(300 << 20)

// DailyLog is an io.WriteCloser that starts a fresh file on every UTC day
// and rolls over within the day once the current file would exceed the size
// limit. The configured path acts as a stable pointer: actual output goes to
// dated siblings, and the path itself is kept as a symlink to the live one.
//
//	log_file = logs/meterd.log
//	  -> logs/meterd-2026-08-30.log
//	  -> logs/meterd-2026-08-30-2.log   (after the size limit)
type DailyLog struct {
	path     string
	maxBytes int64
	now      func() time.Time

	mu   sync.Mutex
	day  string
	seq  int
	file *os.File
	size int64
}

// OpenDailyLog opens the rotating log rooted at path. A path of "-" disables
// file output entirely. A maxBytes of zero or less uses DefaultMaxBytes.
func OpenDailyLog(path string, maxBytes int64) (io.WriteCloser, error) {
	if strings.TrimSpace(path) == "-" {
		return nopWriteCloser{w: io.Discard}, nil
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	d := &DailyLog{path: path, maxBytes: maxBytes, now: time.Now}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.roll(0); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DailyLog) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.roll(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := d.file.Write(p)
	d.size += int64(n)
	return n, err
}

func (d *DailyLog) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}

// roll opens the right target for a write of the given size: a new dated
// file on a day change, the next sequence number when the size limit would
// be crossed, otherwise the file already open. Caller holds the mutex.
func (d *DailyLog) roll(incoming int64) error {
	today := d.now().UTC().Format(time.DateOnly)
	switch {
	case d.file == nil || d.day != today:
		d.day = today
		d.seq = 1
	case d.size+incoming > d.maxBytes:
		d.seq++
	default:
		return nil
	}
	return d.open()
}

func (d *DailyLog) open() error {
	if d.file != nil {
		_ = d.file.Close()
		d.file = nil
	}

	dir := filepath.Dir(d.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	ext := filepath.Ext(d.path)
	stem := strings.TrimSuffix(filepath.Base(d.path), ext)
	if ext == "" {
		ext = ".log"
	}
	name := stem + "-" + d.day
	if d.seq > 1 {
		name = fmt.Sprintf("%s-%d", name, d.seq)
	}
	target := filepath.Join(dir, name+ext)

	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	size := int64(0)
	if st, err := f.Stat(); err == nil {
		size = st.Size()
	}
	d.file = f
	d.size = size
	d.point(target)
	return nil
}

// point repoints the configured path at the live dated file. Symlink first;
// on filesystems without symlinks fall back to a hard link, and failing
// that, a one-line plain file naming the target.
func (d *DailyLog) point(target string) {
	if info, err := os.Lstat(d.path); err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			if dest, err := os.Readlink(d.path); err == nil && dest == target {
				return
			}
		}
		_ = os.Remove(d.path)
	}
	if os.Symlink(target, d.path) == nil {
		return
	}
	if os.Link(target, d.path) == nil {
		return
	}
	if f, err := os.OpenFile(d.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644); err == nil {
		_, _ = fmt.Fprintf(f, "current log file: %s\n", target)
		_ = f.Close()
	}
}

type nopWriteCloser struct{ w io.Writer }

func (n nopWriteCloser) Write(p []byte) (int, error) { return n.w.Write(p) }
func (n nopWriteCloser) Close() error                { return nil }
