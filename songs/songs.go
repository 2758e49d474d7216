package songs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	maxStemBytes    = 200
	maxSlotAttempts = 1000
)

var ErrNoFreeSlot = errors.New("no free file name slot")

var (
	unsafeChars   = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1F\x7F\x{80}-\x{9F}]+`)
	edgeDots      = regexp.MustCompile(`^\.+|\.+$`)
	reservedNames = regexp.MustCompile(`(?i)^(con|prn|aux|nul|com\d|lpt\d)$`)
)

// SafeFilename turns s into a name that is valid on every common filesystem.
func SafeFilename(s string) string {
	s = strings.ToValidUTF8(s, "_")
	s = unsafeChars.ReplaceAllString(s, "_")
	s = strings.TrimSpace(s)
	s = edgeDots.ReplaceAllString(s, "_")

	if len(s) > maxStemBytes {
		cut := maxStemBytes
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = strings.TrimSpace(s[:cut])
	}

	if len(s) == 0 {
		return "untitled"
	}

	if reservedNames.MatchString(s) {
		s += "_"
	}

	return s
}

type Dir string

func DirFrom(d string) Dir {
	return Dir(d)
}

func (dir Dir) Path() string {
	return string(dir)
}

// TempDir creates a private working directory inside dir. Keeping it on the
// same filesystem lets finished files be renamed into place.
func (dir Dir) TempDir() (string, error) {
	p, err := os.MkdirTemp(dir.Path(), ".quefi-*")
	if nil != err {
		return "", fmt.Errorf("failed to create temporary directory: %w", err)
	}

	return p, nil
}

// Slot is a file name claimed in the songs directory. It exists on disk as an
// empty placeholder until it is either filled or released.
type Slot struct {
	Path string
}

// Reserve claims the first free name of the form "<stem><ext>",
// "<stem> (1)<ext>", "<stem> (2)<ext>" and so on. Existing files are never
// touched.
func (dir Dir) Reserve(stem, ext string) (Slot, error) {
	stem = SafeFilename(stem)

	for n := range maxSlotAttempts {
		name := stem + ext
		if n > 0 {
			name = fmt.Sprintf("%s (%d)%s", stem, n, ext)
		}

		p := filepath.Join(dir.Path(), name)
		f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o0644)
		if nil != err {
			if errors.Is(err, os.ErrExist) {
				continue
			}

			return Slot{}, fmt.Errorf("failed to create file %s: %w", name, err)
		}

		if err := f.Close(); nil != err {
			return Slot{}, errors.Join(
				fmt.Errorf("failed to close file %s: %w", name, err),
				removeIfExists(p),
			)
		}

		return Slot{Path: p}, nil
	}

	return Slot{}, fmt.Errorf("%w for %s%s", ErrNoFreeSlot, stem, ext)
}

// Fill atomically moves src into the slot.
func (s Slot) Fill(src string) error {
	if err := os.Rename(src, s.Path); nil != err {
		return fmt.Errorf("failed to move file into place: %w", err)
	}

	return nil
}

// Release gives the name back. It must not be called after a successful Fill.
func (s Slot) Release() error {
	return removeIfExists(s.Path)
}

func removeIfExists(p string) error {
	if err := os.Remove(p); nil != err && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove file: %v", err)
	}

	return nil
}
