// Package dirindex catalogs combat_*.txt files in a log directory,
// classifies each by the date encoded in its filename and by the first
// player character name found near the top of the file, tracks the
// newest file, and watches the directory for new/removed/modified
// files as they appear.
//
// Grounded on original_source/core/src/context/watcher.rs: is_combat_log,
// build_index and DirectoryEvent's NewFile/FileModified/FileRemoved
// shapes are carried over unchanged in meaning. The original's notify
// crate watcher is replaced with fsnotify, a dependency the teacher
// already carries for its own hot-reload config watching.
//
// Classifying a file's character is not specified by the filename
// convention alone (SWTOR's own combat_YYYY-MM-DD_HH_MM_SS_*.txt name
// carries only a timestamp); this package resolves that gap by reading
// a small prefix of the file looking for the first "[@Name#" player
// entity segment, recorded here as an Open Question decision (see
// DESIGN.md).
package dirindex

import (
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// filenameTimestamp matches the combat_YYYY-MM-DD_HH_MM_SS_*.txt
// convention; the trailing segment (session id / PID) is ignored.
var filenameTimestamp = regexp.MustCompile(`^combat_(\d{4})-(\d{2})-(\d{2})_(\d{2})_(\d{2})_(\d{2})`)

var playerSegment = regexp.MustCompile(`\[@([^#\]/]+)#`)

// classifyPrefixBytes bounds how much of a file is read to discover its
// character name; combat logs put the first player-sourced event within
// the first few hundred lines in practice.
const classifyPrefixBytes = 64 * 1024

// Entry describes one catalogued log file.
type Entry struct {
	Path      string
	ModTime   time.Time
	Size      int64
	Date      time.Time // zero if the filename didn't match the convention
	Character string    // empty if no player entity was found in the prefix
}

// IsCombatLog reports whether name (a base filename, not a full path)
// matches the combat_*.txt candidate rule from §6.
func IsCombatLog(name string) bool {
	return strings.HasPrefix(name, "combat_") && strings.HasSuffix(name, ".txt")
}

// EventKind distinguishes the directory-change notifications Index
// emits.
type EventKind int

const (
	EventNewFile EventKind = iota
	EventFileModified
	EventFileRemoved
)

// Event is one directory-watch notification.
type Event struct {
	Kind EventKind
	Path string
}

// Index is an in-memory catalog of a single directory's combat log
// files, kept current by Watch.
type Index struct {
	dir    string
	logger *logrus.Logger

	mu      sync.RWMutex
	entries map[string]Entry
}

// New builds an index of dir's existing combat_*.txt files.
func New(dir string, logger *logrus.Logger) (*Index, error) {
	if logger == nil {
		logger = logrus.New()
	}
	idx := &Index{dir: dir, logger: logger, entries: make(map[string]Entry)}
	des, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, de := range des {
		if de.IsDir() || !IsCombatLog(de.Name()) {
			continue
		}
		path := filepath.Join(dir, de.Name())
		if entry, ok := classify(path); ok {
			idx.entries[path] = entry
		}
	}
	return idx, nil
}

// Newest returns the most recently modified entry, if any.
func (idx *Index) Newest() (Entry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var best Entry
	found := false
	for _, e := range idx.entries {
		if !found || e.ModTime.After(best.ModTime) {
			best = e
			found = true
		}
	}
	return best, found
}

// All returns every catalogued entry sorted by ModTime ascending.
func (idx *Index) All() []Entry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]Entry, 0, len(idx.entries))
	for _, e := range idx.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModTime.Before(out[j].ModTime) })
	return out
}

// Len reports how many files are catalogued.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

func (idx *Index) add(path string) {
	entry, ok := classify(path)
	if !ok {
		return
	}
	idx.mu.Lock()
	idx.entries[path] = entry
	idx.mu.Unlock()
}

func (idx *Index) remove(path string) {
	idx.mu.Lock()
	delete(idx.entries, path)
	idx.mu.Unlock()
}

func classify(path string) (Entry, bool) {
	fi, err := os.Stat(path)
	if err != nil {
		return Entry{}, false
	}
	entry := Entry{Path: path, ModTime: fi.ModTime(), Size: fi.Size()}

	if m := filenameTimestamp.FindStringSubmatch(filepath.Base(path)); m != nil {
		t, err := time.Parse("2006-01-02 15 04 05", m[1]+"-"+m[2]+"-"+m[3]+" "+m[4]+" "+m[5]+" "+m[6])
		if err == nil {
			entry.Date = t
		}
	}

	entry.Character = findCharacter(path)
	return entry, true
}

func findCharacter(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	buf := make([]byte, classifyPrefixBytes)
	n, _ := io.ReadFull(f, buf)
	if m := playerSegment.FindSubmatch(buf[:n]); m != nil {
		return string(m[1])
	}
	return ""
}

// Watch streams Events for dir until ctx-equivalent stop is requested
// via Close; build the Index first with New so the initial scan
// doesn't race the watcher's first events.
type Watcher struct {
	fsw    *fsnotify.Watcher
	idx    *Index
	logger *logrus.Logger
	events chan Event
	done   chan struct{}
}

// Watch starts watching idx's directory for new, modified, and removed
// combat_*.txt files, pushing catalog updates into idx as they occur.
func Watch(idx *Index) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(idx.dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		fsw:    fsw,
		idx:    idx,
		logger: idx.logger,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Events returns the channel of directory change notifications.
func (w *Watcher) Events() <-chan Event { return w.events }

func (w *Watcher) run() {
	defer close(w.events)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			name := filepath.Base(ev.Name)
			if !IsCombatLog(name) {
				continue
			}
			switch {
			case ev.Op&fsnotify.Create != 0:
				w.idx.add(ev.Name)
				w.events <- Event{Kind: EventNewFile, Path: ev.Name}
			case ev.Op&fsnotify.Write != 0:
				w.idx.add(ev.Name)
				w.events <- Event{Kind: EventFileModified, Path: ev.Name}
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				w.idx.remove(ev.Name)
				w.events <- Event{Kind: EventFileRemoved, Path: ev.Name}
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("directory watcher error")
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher and releases its OS resources.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
