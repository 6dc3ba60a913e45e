// Package crdt implements a Logoot sequence CRDT over runes.
//
// Atoms carry globally unique position identifiers. Inserts allocate fresh
// identifiers between their neighbors and deletes address identifiers
// directly, so concurrent operations from different sites commute and all
// replicas converge to the same text.
package crdt

import (
	"encoding/json"
	"fmt"
	"math"
	mathrand "math/rand"
	"sort"
	"strings"
)

const maxPos = math.MaxUint32

// allocation boundary for fresh digits, per the Logoot boundary strategy
const boundary = 32

// Ident is one level of a position identifier. Clock is the generating
// site's logical clock; it keeps fresh identifiers distinct from tombstoned
// ones that happened to land on the same position digits.
type Ident struct {
	Pos   uint32 `json:"p"`
	Site  uint32 `json:"s"`
	Clock uint32 `json:"c,omitempty"`
}

// Pid is a position identifier: a path of idents compared level by level.
// A pid that is a strict prefix of another orders before it.
type Pid []Ident

func (p Pid) Compare(q Pid) int {
	for i := 0; i < len(p) && i < len(q); i += 1 {
		if p[i].Pos != q[i].Pos {
			if p[i].Pos < q[i].Pos {
				return -1
			}
			return 1
		}
		if p[i].Site != q[i].Site {
			if p[i].Site < q[i].Site {
				return -1
			}
			return 1
		}
		if p[i].Clock != q[i].Clock {
			if p[i].Clock < q[i].Clock {
				return -1
			}
			return 1
		}
	}
	if len(p) < len(q) {
		return -1
	} else if len(q) < len(p) {
		return 1
	}
	return 0
}

func (p Pid) String() string {
	parts := make([]string, len(p))
	for i, ident := range p {
		parts[i] = fmt.Sprintf("%d.%d.%d", ident.Pos, ident.Site, ident.Clock)
	}
	return strings.Join(parts, ":")
}

func (p Pid) clone() Pid {
	out := make(Pid, len(p))
	copy(out, p)
	return out
}

// Atom is a single rune with its position identifier.
type Atom struct {
	Pid   Pid    `json:"pid"`
	Value string `json:"v"`
}

// Op is one replicated operation.
type Op struct {
	Insert bool   `json:"i"`
	Pid    Pid    `json:"pid"`
	Value  string `json:"v,omitempty"`
}

// State is the full encodable document state, including tombstones so that
// two states can be merged after a disconnection.
type State struct {
	Atoms   []Atom `json:"atoms"`
	Removed []Pid  `json:"removed,omitempty"`
}

// Logoot is a replicated sequence of runes. Not safe for concurrent use;
// callers serialize access.
type Logoot struct {
	site    uint32
	clock   uint32
	atoms   []Atom
	removed map[string]bool
	rand    *mathrand.Rand
}

// NewLogoot returns an empty document owned by the given site.
func NewLogoot(site uint32) *Logoot {
	return &Logoot{
		site:    site,
		removed: map[string]bool{},
		rand:    mathrand.New(mathrand.NewSource(int64(site))),
	}
}

func (self *Logoot) Site() uint32 {
	return self.site
}

func (self *Logoot) Len() int {
	return len(self.atoms)
}

func (self *Logoot) Text() string {
	var b strings.Builder
	for _, atom := range self.atoms {
		b.WriteString(atom.Value)
	}
	return b.String()
}

// search returns the index of the first atom whose pid is >= p.
func (self *Logoot) search(p Pid) int {
	return sort.Search(len(self.atoms), func(i int) bool {
		return self.atoms[i].Pid.Compare(p) >= 0
	})
}

// InsertAt inserts text before rune index i and returns the generated ops,
// one per rune. The index must satisfy 0 <= i <= Len().
func (self *Logoot) InsertAt(i int, text string) ([]Op, error) {
	if i < 0 || i > len(self.atoms) {
		return nil, fmt.Errorf("insert index %d out of range [0, %d]", i, len(self.atoms))
	}
	var left, right Pid
	if 0 < i {
		left = self.atoms[i-1].Pid
	}
	if i < len(self.atoms) {
		right = self.atoms[i].Pid
	}
	ops := []Op{}
	for _, r := range text {
		pid := self.pidBetween(left, right)
		op := Op{Insert: true, Pid: pid, Value: string(r)}
		self.apply(op)
		ops = append(ops, op)
		left = pid
	}
	return ops, nil
}

// DeleteAt deletes n runes starting at rune index i and returns the
// generated ops.
func (self *Logoot) DeleteAt(i int, n int) ([]Op, error) {
	if i < 0 || n < 0 || i+n > len(self.atoms) {
		return nil, fmt.Errorf("delete range [%d, %d) out of range [0, %d]", i, i+n, len(self.atoms))
	}
	ops := make([]Op, n)
	for j := 0; j < n; j += 1 {
		// the target shifts down as each delete is applied
		ops[j] = Op{Pid: self.atoms[i].Pid.clone()}
		self.apply(ops[j])
	}
	return ops, nil
}

// Apply applies a remote op. Duplicate inserts and deletes of already-removed
// atoms are no-ops, so redelivery is safe. Reports whether the op changed
// local state.
func (self *Logoot) Apply(op Op) bool {
	return self.apply(op)
}

func (self *Logoot) apply(op Op) bool {
	key := op.Pid.String()
	i := self.search(op.Pid)
	present := i < len(self.atoms) && self.atoms[i].Pid.Compare(op.Pid) == 0
	if op.Insert {
		if present || self.removed[key] {
			return false
		}
		self.atoms = append(self.atoms, Atom{})
		copy(self.atoms[i+1:], self.atoms[i:])
		self.atoms[i] = Atom{Pid: op.Pid, Value: op.Value}
		return true
	}
	if self.removed[key] {
		return false
	}
	self.removed[key] = true
	if present {
		self.atoms = append(self.atoms[:i], self.atoms[i+1:]...)
	}
	return true
}

// Merge unions a remote state into this document: unseen atoms are adopted
// unless tombstoned on either side, and tombstones accumulate. Returns the
// ops that took effect, for rebroadcast. Used to reconcile after a
// disconnection.
func (self *Logoot) Merge(state *State) []Op {
	applied := []Op{}
	for _, pid := range state.Removed {
		op := Op{Pid: pid}
		if self.apply(op) {
			applied = append(applied, op)
		}
	}
	for _, atom := range state.Atoms {
		op := Op{Insert: true, Pid: atom.Pid, Value: atom.Value}
		if self.apply(op) {
			applied = append(applied, op)
		}
	}
	return applied
}

// Snapshot returns a copy of the full document state.
func (self *Logoot) Snapshot() *State {
	atoms := make([]Atom, len(self.atoms))
	copy(atoms, self.atoms)
	removed := []Pid{}
	for key := range self.removed {
		removed = append(removed, decodePidKey(key))
	}
	return &State{Atoms: atoms, Removed: removed}
}

func (self *Logoot) Encode() ([]byte, error) {
	return json.Marshal(self.Snapshot())
}

// DecodeState decodes a state previously produced by Encode.
func DecodeState(buf []byte) (*State, error) {
	state := &State{}
	if err := json.Unmarshal(buf, state); err != nil {
		return nil, fmt.Errorf("decode logoot state: %w", err)
	}
	return state, nil
}

func decodePidKey(key string) Pid {
	out := Pid{}
	for _, part := range strings.Split(key, ":") {
		var pos, site, clock uint32
		fmt.Sscanf(part, "%d.%d.%d", &pos, &site, &clock)
		out = append(out, Ident{Pos: pos, Site: site, Clock: clock})
	}
	return out
}

// posPrefix returns the first depth position digits of p, zero padded.
func posPrefix(p Pid, depth int) []uint64 {
	out := make([]uint64, depth)
	for i := 0; i < depth && i < len(p); i += 1 {
		out[i] = uint64(p[i].Pos)
	}
	return out
}

// pidBetween allocates a fresh pid strictly between left and right. Nil
// bounds stand for the beginning and end sentinels. Digits are interpreted
// as a base 2^32 number; depth grows until the interval admits a new value.
func (self *Logoot) pidBetween(left, right Pid) Pid {
	for depth := 1; ; depth += 1 {
		lo := posPrefix(left, depth)
		hi := posPrefix(right, depth)
		if len(right) == 0 {
			for i := range hi {
				hi[i] = maxPos
			}
		}
		// diff = hi - lo as a base 2^32 number
		diff := make([]uint64, depth)
		var borrow uint64
		for i := depth - 1; 0 <= i; i -= 1 {
			h := hi[i]
			l := lo[i] + borrow
			if h >= l {
				diff[i] = h - l
				borrow = 0
			} else {
				diff[i] = (1 << 32) + h - l
				borrow = 1
			}
		}
		if borrow != 0 || !admitsStep(diff) {
			// identical position digits on both sides: the pids differ only
			// by site or clock, so no depth will ever separate them
			if borrow == 0 && isZero(diff) && len(left) <= depth && len(right) <= depth {
				return self.extendPid(left)
			}
			continue
		}
		// step in [1, min(boundary, diff-1)]
		limit := uint64(boundary)
		if isSmall(diff) && diff[depth-1]-1 < limit {
			limit = diff[depth-1] - 1
		}
		step := uint64(self.rand.Int63n(int64(limit))) + 1
		// never mint a trailing zero digit; it would leave no room for a
		// later insert directly before this atom
		if (lo[depth-1]+step)&0xffffffff == 0 {
			if step < limit {
				step += 1
			} else {
				continue
			}
		}
		digits := make([]uint64, depth)
		copy(digits, lo)
		carry := step
		for i := depth - 1; 0 <= i && 0 < carry; i -= 1 {
			sum := digits[i] + carry
			digits[i] = sum & 0xffffffff
			carry = sum >> 32
		}
		out := make(Pid, depth)
		for i := 0; i < depth; i += 1 {
			pos := uint32(digits[i])
			if i < len(left) && left[i].Pos == pos {
				out[i] = left[i]
			} else if i < len(right) && right[i].Pos == pos {
				out[i] = right[i]
			} else {
				self.clock += 1
				out[i] = Ident{Pos: pos, Site: self.site, Clock: self.clock}
			}
		}
		return out
	}
}

// extendPid allocates below left's subtree: the extension orders after left
// and, because left's digits match right's, still before right.
func (self *Logoot) extendPid(left Pid) Pid {
	out := left.clone()
	self.clock += 1
	out = append(out, Ident{
		Pos:   uint32(self.rand.Int63n(boundary)) + 1,
		Site:  self.site,
		Clock: self.clock,
	})
	return out
}

func isZero(diff []uint64) bool {
	for _, d := range diff {
		if d != 0 {
			return false
		}
	}
	return true
}

// admitsStep reports whether diff, as a base 2^32 number, is > 1.
func admitsStep(diff []uint64) bool {
	for i := 0; i < len(diff)-1; i += 1 {
		if 0 < diff[i] {
			return true
		}
	}
	return 1 < diff[len(diff)-1]
}

// isSmall reports whether diff fits in its last digit.
func isSmall(diff []uint64) bool {
	for i := 0; i < len(diff)-1; i += 1 {
		if 0 < diff[i] {
			return false
		}
	}
	return true
}
