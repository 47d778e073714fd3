// This file is part of uscope.
//
// uscope is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// uscope is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with uscope.  If not, see <https://www.gnu.org/licenses/>.

// Package rawterm is a small wrapper over "github.com/pkg/term/termios"
// used by cmd/uscopectl to read single keystrokes (step/continue without
// requiring Enter) without dragging in a full terminal UI toolkit. It
// covers the one mode switch this command line needs: cbreak for
// single-key reads, canonical for ordinary line input (breakpoint
// locations, watch expressions).
package rawterm

import (
	"fmt"
	"os"
	"sync"
	"syscall"

	"github.com/pkg/term/termios"
)

// Term wraps one terminal's canonical and cbreak attribute sets, switching
// between them on request.
type Term struct {
	input  *os.File
	output *os.File

	canAttr    syscall.Termios
	cbreakAttr syscall.Termios

	mu sync.Mutex
}

// Open captures input's current terminal attributes as the canonical mode
// to restore later, and derives a cbreak mode from them.
func Open(input, output *os.File) (*Term, error) {
	if input == nil || output == nil {
		return nil, fmt.Errorf("rawterm: input and output files are required")
	}

	t := &Term{input: input, output: output}
	if err := termios.Tcgetattr(t.input.Fd(), &t.canAttr); err != nil {
		return nil, fmt.Errorf("rawterm: %w", err)
	}
	t.cbreakAttr = t.canAttr
	termios.Cfmakecbreak(&t.cbreakAttr)
	return t, nil
}

// CBreakMode switches to single-keystroke-at-a-time input.
func (t *Term) CBreakMode() {
	t.mu.Lock()
	defer t.mu.Unlock()
	termios.Tcsetattr(t.input.Fd(), termios.TCIFLUSH, &t.cbreakAttr)
}

// CanonicalMode restores normal line-buffered input, for reading a
// breakpoint location or watch expression typed by the user.
func (t *Term) CanonicalMode() {
	t.mu.Lock()
	defer t.mu.Unlock()
	termios.Tcsetattr(t.input.Fd(), termios.TCIFLUSH, &t.canAttr)
}

// ReadByte reads exactly one byte from the terminal's input.
func (t *Term) ReadByte() (byte, error) {
	var b [1]byte
	_, err := t.input.Read(b[:])
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Close restores canonical mode. Safe to call even if the terminal was
// never put into cbreak mode.
func (t *Term) Close() {
	t.CanonicalMode()
}
