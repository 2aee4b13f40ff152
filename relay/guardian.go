package relay

import (
	"fmt"
	"sort"
)

// WirePass is one unit of a relay's max_subscriptions budget.
type WirePass int

// Revocation names a pass that has to be given back after the total shrank.
type Revocation struct {
	Owner string
	Pass  WirePass
}

type passHold struct {
	owner string
	seq   uint64
}

// SubPassGuardian hands out passes in [0, total) and tracks who holds them.
// It is owned by a single coordinator and is not safe for concurrent use.
type SubPassGuardian struct {
	total   int
	held    map[WirePass]passHold
	byOwner map[string]WirePass
	seq     uint64
}

// NewSubPassGuardian returns a guardian with total free passes.
func NewSubPassGuardian(total int) *SubPassGuardian {
	if total < 0 {
		total = 0
	}
	return &SubPassGuardian{
		total:   total,
		held:    make(map[WirePass]passHold),
		byOwner: make(map[string]WirePass),
	}
}

// Acquire returns the smallest free pass, or false when saturated.
func (g *SubPassGuardian) Acquire(owner string) (WirePass, bool) {
	if g.AvailablePasses() == 0 {
		return 0, false
	}
	if p, ok := g.byOwner[owner]; ok {
		panic(fmt.Sprintf("pass guardian: %q already holds pass %d", owner, p))
	}
	for p := WirePass(0); int(p) < g.total; p++ {
		if _, taken := g.held[p]; taken {
			continue
		}
		g.seq++
		g.held[p] = passHold{owner: owner, seq: g.seq}
		g.byOwner[owner] = p
		return p, true
	}
	// Every index below total is taken while outstanding < total, which can
	// only happen if a released pass was not removed.
	panic("pass guardian: accounting out of sync")
}

// Release returns a pass to the free pool. Releasing a pass that is not held
// is a bug in the caller.
func (g *SubPassGuardian) Release(p WirePass) {
	h, ok := g.held[p]
	if !ok {
		panic(fmt.Sprintf("pass guardian: release of unheld pass %d", p))
	}
	delete(g.held, p)
	delete(g.byOwner, h.owner)
}

// Owner reports who holds p.
func (g *SubPassGuardian) Owner(p WirePass) (string, bool) {
	h, ok := g.held[p]
	return h.owner, ok
}

// NewTotal changes the budget. When the new total is below the number of
// outstanding passes, the surplus is returned oldest-held first; the caller
// must release that many passes before doing anything else.
func (g *SubPassGuardian) NewTotal(total int) []Revocation {
	if total < 0 {
		total = 0
	}
	g.total = total

	outstanding := len(g.held)
	if outstanding <= total {
		return nil
	}

	holds := make([]Revocation, 0, outstanding)
	seqs := make(map[WirePass]uint64, outstanding)
	for p, h := range g.held {
		holds = append(holds, Revocation{Owner: h.owner, Pass: p})
		seqs[p] = h.seq
	}
	sort.Slice(holds, func(i, j int) bool {
		return seqs[holds[i].Pass] < seqs[holds[j].Pass]
	})
	return holds[:outstanding-total]
}

// PassMove records a held pass that was renumbered into range.
type PassMove struct {
	Owner    string
	From, To WirePass
}

// Renumber moves every held pass at or above total onto the smallest free
// pass below it, keeping owner and age. Call it once a shrink has been
// honoured; the caller updates its own records from the returned moves.
func (g *SubPassGuardian) Renumber() []PassMove {
	var out []WirePass
	for p := range g.held {
		if int(p) >= g.total {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	moves := make([]PassMove, 0, len(out))
	next := WirePass(0)
	for _, from := range out {
		for int(next) < g.total {
			if _, taken := g.held[next]; !taken {
				break
			}
			next++
		}
		if int(next) >= g.total {
			panic("pass guardian: renumber with more passes held than total")
		}
		h := g.held[from]
		delete(g.held, from)
		g.held[next] = h
		g.byOwner[h.owner] = next
		moves = append(moves, PassMove{Owner: h.owner, From: from, To: next})
	}
	return moves
}

// AvailablePasses is total minus outstanding, floored at zero while a shrink
// is being honoured.
func (g *SubPassGuardian) AvailablePasses() int {
	return max(g.total-len(g.held), 0)
}

// TotalPasses is the current budget.
func (g *SubPassGuardian) TotalPasses() int { return g.total }

// OutstandingPasses is the number of passes held right now.
func (g *SubPassGuardian) OutstandingPasses() int { return len(g.held) }
