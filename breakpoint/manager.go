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

// Package breakpoint implements the breakpoint manager: it owns the
// persistent, user-visible breakpoint list and the ephemeral per-thread
// installed-breakpoint list, and is the only place a source location is
// turned into an address. The stepping engine reuses this package's
// Manager for the internal, one-shot breakpoints it needs for
// step-over/step-out, distinguished by Breakpoint.Internal.
package breakpoint

import (
	"fmt"

	"github.com/wrenfield/uscope/dbgerr"
	"github.com/wrenfield/uscope/subordinate"
	"github.com/wrenfield/uscope/target"
)

// Location names where a breakpoint should be set: either a raw address or
// a file/line pair to be resolved against the target's source tables.
type Location struct {
	HasAddr bool
	Addr    uint64

	FileHash uint64
	Line     int
}

// Manager owns every Breakpoint, user and internal, for one loaded target;
// the same Manager is kept across subordinate launches of that target. It
// does not itself decide when to pause/resume around an install; the
// caller's running argument does, and Add and Remove then go through the
// Adapter, temporarily pausing, installing in every known thread, then
// resuming.
type Manager struct {
	adapter *subordinate.Adapter

	nextBid int
	byBid   map[int]*subordinate.Breakpoint
	byAddr  map[uint64]*subordinate.Breakpoint
}

// NewManager constructs an empty Manager. bidSeed is the next breakpoint ID
// to hand out; callers that replace a Manager within the same engine
// session (the engine does so on every symbol load) pass the previous
// Manager's next ID through so IDs stay unique and monotonically
// increasing, never starting back over at zero.
func NewManager(adapter *subordinate.Adapter, bidSeed int) *Manager {
	return &Manager{
		adapter: adapter,
		nextBid: bidSeed,
		byBid:   make(map[int]*subordinate.Breakpoint),
		byAddr:  make(map[uint64]*subordinate.Breakpoint),
	}
}

// NextBid reports the ID the next Add call will assign, for callers that
// need to persist it across a subordinate restart.
func (m *Manager) NextBid() int { return m.nextBid }

// All returns every user (non-internal) breakpoint, for snapshotting.
func (m *Manager) All() []*subordinate.Breakpoint {
	out := make([]*subordinate.Breakpoint, 0, len(m.byBid))
	for _, bp := range m.byBid {
		if !bp.Internal {
			out = append(out, bp)
		}
	}
	return out
}

// ByBid looks up a breakpoint (user or internal) by ID.
func (m *Manager) ByBid(bid int) (*subordinate.Breakpoint, bool) {
	bp, ok := m.byBid[bid]
	return bp, ok
}

// ByAddr looks up a breakpoint by its pre-load-offset address.
func (m *Manager) ByAddr(addr uint64) (*subordinate.Breakpoint, bool) {
	bp, ok := m.byAddr[addr]
	return bp, ok
}

// ResolveLocation turns a Location into a pre-load-offset address. For
// every language other than the Zig toolchain it picks the first statement
// address matching the requested line; for Zig it picks the last one,
// since that compiler emits extra line records for deferred code and the
// final record is the one a user actually means.
func ResolveLocation(t *target.Target, loc Location) (uint64, error) {
	if loc.HasAddr {
		return loc.Addr, nil
	}

	for _, cu := range t.CompileUnits {
		for _, fn := range cu.Functions {
			if fn.SourceLoc == nil || fn.SourceLoc.FileHash != loc.FileHash {
				continue
			}
			var found uint64
			ok := false
			for _, st := range fn.Statements {
				if st.SourceLine != loc.Line {
					continue
				}
				if cu.Language == "Zig" {
					found, ok = st.BreakpointAddr, true
					continue // keep scanning: want the last match
				}
				return st.BreakpointAddr, nil // first match, return immediately
			}
			if ok {
				return found, nil
			}
		}
	}
	return 0, fmt.Errorf("breakpoint: %w", dbgerr.E(dbgerr.SourceLocationUnresolved, loc.FileHash, loc.Line))
}

// Add resolves loc to an address and installs a new breakpoint there. If
// the address already hosts a breakpoint, two breakpoints at the same
// address are not allowed, so this is treated as a toggle: the existing
// breakpoint is removed instead of a new one being created.
//
// sub is the subordinate to install against, or nil if none exists yet
// (installation is then deferred to InstallAll at launch). When running is
// true the caller must have already confirmed the subordinate is alive,
// and Add will pause/install/resume across every known thread.
func (m *Manager) Add(t *target.Target, loc Location, sub *subordinate.Subordinate, running bool) (*subordinate.Breakpoint, error) {
	addr, err := ResolveLocation(t, loc)
	if err != nil {
		return nil, err
	}

	if existing, ok := m.byAddr[addr]; ok {
		return nil, m.remove(existing, sub, running)
	}

	bp := &subordinate.Breakpoint{
		Bid:    m.nextBid,
		Addr:   addr,
		Active: true,
	}
	if !loc.HasAddr {
		bp.SourceLocation = &subordinate.SourceLocation{FileHash: loc.FileHash, Line: loc.Line}
	}
	m.nextBid++

	if err := m.install(bp, sub, running); err != nil {
		return nil, err
	}

	m.byBid[bp.Bid] = bp
	m.byAddr[bp.Addr] = bp
	return bp, nil
}

// AddInternal installs a one-shot internal breakpoint used by the stepping
// engine's step-over/step-out, installed only on the initiating thread
// (pid), never broadcast to every thread the way a user breakpoint is.
func (m *Manager) AddInternal(addr uint64, sub *subordinate.Subordinate, pid int, callFrameAddr *uint64, maxStackFrames *int) (*subordinate.Breakpoint, error) {
	if existing, ok := m.byAddr[addr]; ok && !existing.Internal {
		return existing, nil // a user breakpoint already covers this address
	}

	bp := &subordinate.Breakpoint{
		Bid:            m.nextBid,
		Addr:           addr,
		Active:         true,
		Internal:       true,
		CallFrameAddr:  callFrameAddr,
		MaxStackFrames: maxStackFrames,
	}
	m.nextBid++

	tb, err := m.adapter.SetBreakpoint(sub.LoadAddr, bp, pid)
	if err != nil {
		return nil, fmt.Errorf("breakpoint: %w", err)
	}
	sub.RecordThreadBreakpoint(tb)

	m.byBid[bp.Bid] = bp
	m.byAddr[bp.Addr] = bp
	return bp, nil
}

// Remove uninstalls and forgets bid.
func (m *Manager) Remove(bid int, sub *subordinate.Subordinate, running bool) error {
	bp, ok := m.byBid[bid]
	if !ok {
		return fmt.Errorf("breakpoint: %w", dbgerr.E(dbgerr.BreakpointUnknown, bid))
	}
	return m.remove(bp, sub, running)
}

// ClearInternal removes every internal breakpoint still installed. Called
// once a stop is actually surfaced to the UI, since internal breakpoints
// are one-shot; the subordinate is stopped then, so no pause/resume is
// done around the removal.
func (m *Manager) ClearInternal(sub *subordinate.Subordinate) {
	for bid, bp := range m.byBid {
		if !bp.Internal {
			continue
		}
		_ = m.remove(bp, sub, false)
		delete(m.byBid, bid)
	}
}

// Toggle flips a breakpoint's Active flag without removing it from the
// manager. Deactivating restores the original byte on every known thread,
// and it stays restored until the breakpoint is reactivated, which writes
// the trap byte again.
func (m *Manager) Toggle(bid int, sub *subordinate.Subordinate, running bool) error {
	bp, ok := m.byBid[bid]
	if !ok {
		return fmt.Errorf("breakpoint: %w", dbgerr.E(dbgerr.BreakpointUnknown, bid))
	}
	bp.Active = !bp.Active
	if bp.Active {
		return m.install(bp, sub, running)
	}
	return m.uninstall(bp, sub, running)
}

// InstallAll installs every active, non-internal breakpoint onto a newly
// attached thread, used when a subordinate launches with breakpoints that
// were set before the process existed (Add skips installation when no
// subordinate is known yet).
func (m *Manager) InstallAll(sub *subordinate.Subordinate, pid int) error {
	for _, bp := range m.byBid {
		if bp.Internal || !bp.Active {
			continue
		}
		tb, err := m.adapter.SetBreakpoint(sub.LoadAddr, bp, pid)
		if err != nil {
			return fmt.Errorf("breakpoint: %w", err)
		}
		sub.RecordThreadBreakpoint(tb)
	}
	return nil
}

// HitAt records a hit against the breakpoint at addr, if any, and returns
// it. Called by the stepping engine each time a stop is attributed to a
// trap instruction, so the manager stays the sole owner of hit counting.
func (m *Manager) HitAt(addr uint64) (*subordinate.Breakpoint, bool) {
	bp, ok := m.byAddr[addr]
	if !ok {
		return nil, false
	}
	bp.HitCount++
	return bp, true
}

func (m *Manager) remove(bp *subordinate.Breakpoint, sub *subordinate.Subordinate, running bool) error {
	if err := m.uninstall(bp, sub, running); err != nil {
		return err
	}
	delete(m.byBid, bp.Bid)
	delete(m.byAddr, bp.Addr)
	return nil
}

func (m *Manager) install(bp *subordinate.Breakpoint, sub *subordinate.Subordinate, running bool) error {
	if sub == nil || len(sub.Threads) == 0 {
		return nil // no subordinate yet; applied lazily on launch
	}
	if running {
		for _, pid := range sub.Threads {
			if err := m.adapter.TemporarilyPauseSubordinate(pid); err != nil {
				return fmt.Errorf("breakpoint: %w", err)
			}
		}
	}
	for _, pid := range sub.Threads {
		tb, err := m.adapter.SetBreakpoint(sub.LoadAddr, bp, pid)
		if err != nil {
			return fmt.Errorf("breakpoint: %w", err)
		}
		sub.RecordThreadBreakpoint(tb)
	}
	if running {
		for _, pid := range sub.Threads {
			if err := m.adapter.ContinueExecution(pid, 0); err != nil {
				return fmt.Errorf("breakpoint: %w", err)
			}
		}
	}
	return nil
}

func (m *Manager) uninstall(bp *subordinate.Breakpoint, sub *subordinate.Subordinate, running bool) error {
	if sub == nil || len(sub.Threads) == 0 || !bp.HasOriginal {
		return nil
	}
	if running {
		for _, pid := range sub.Threads {
			if err := m.adapter.TemporarilyPauseSubordinate(pid); err != nil {
				return fmt.Errorf("breakpoint: %w", err)
			}
		}
	}
	for _, pid := range sub.Threads {
		if err := m.adapter.UnsetBreakpoint(sub.LoadAddr, bp, pid); err != nil {
			return fmt.Errorf("breakpoint: %w", err)
		}
		sub.ForgetThreadBreakpoint(bp.Bid, pid)
	}
	if running {
		for _, pid := range sub.Threads {
			if err := m.adapter.ContinueExecution(pid, 0); err != nil {
				return fmt.Errorf("breakpoint: %w", err)
			}
		}
	}
	return nil
}
