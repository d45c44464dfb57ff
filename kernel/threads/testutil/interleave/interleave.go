// Package interleave model-checks small concurrent programs over shared
// atomic cells. Each thread is a list of operations, each executed as one
// indivisible step. Explore runs every interleaving of the threads'
// steps and reports the final states that some interleaving can reach.
//
// Operations mirror the proxy cell API: loads, stores, CompareExchange,
// FetchAdd, plus register branches for retry loops. Memory is sequentially
// consistent, matching sync/atomic.
package interleave

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrStateLimit is returned when exploration visits more states than allowed.
var ErrStateLimit = errors.New("interleave: state limit exceeded")

// DefaultMaxStates bounds exploration.
const DefaultMaxStates = 1 << 20

// Op executes one atomic step on shared memory and the thread's registers
// and returns the next program counter.
type Op func(mem, regs []uint64, pc int) int

// Program is one thread.
type Program struct {
	Name string
	Regs int
	Ops  []Op
}

// NewProgram starts a thread with regs registers.
func NewProgram(name string, regs int) *Program {
	return &Program{Name: name, Regs: regs}
}

// Load copies cell into reg.
func (p *Program) Load(cell, reg int) *Program {
	return p.add(func(mem, regs []uint64, pc int) int {
		regs[reg] = mem[cell]
		return pc + 1
	})
}

// Store writes v to cell.
func (p *Program) Store(cell int, v uint64) *Program {
	return p.add(func(mem, regs []uint64, pc int) int {
		mem[cell] = v
		return pc + 1
	})
}

// StoreReg writes reg plus delta to cell.
func (p *Program) StoreReg(cell, reg int, delta uint64) *Program {
	return p.add(func(mem, regs []uint64, pc int) int {
		mem[cell] = regs[reg] + delta
		return pc + 1
	})
}

// CompareExchange stores desired if cell holds expected and leaves the
// value seen before the step in reg.
func (p *Program) CompareExchange(cell int, desired, expected uint64, reg int) *Program {
	return p.add(func(mem, regs []uint64, pc int) int {
		regs[reg] = mem[cell]
		if mem[cell] == expected {
			mem[cell] = desired
		}
		return pc + 1
	})
}

// FetchAdd adds delta to cell and leaves the new value in reg.
func (p *Program) FetchAdd(cell int, delta uint64, reg int) *Program {
	return p.add(func(mem, regs []uint64, pc int) int {
		mem[cell] += delta
		regs[reg] = mem[cell]
		return pc + 1
	})
}

// JumpIfNot branches to target unless reg equals v. It does not touch
// shared memory.
func (p *Program) JumpIfNot(reg int, v uint64, target int) *Program {
	return p.add(func(mem, regs []uint64, pc int) int {
		if regs[reg] != v {
			return target
		}
		return pc + 1
	})
}

// Nop is a step with no effect, modelling a delay.
func (p *Program) Nop() *Program {
	return p.add(func(mem, regs []uint64, pc int) int {
		return pc + 1
	})
}

// Len returns the number of operations so far, the index of the next one.
func (p *Program) Len() int {
	return len(p.Ops)
}

func (p *Program) add(op Op) *Program {
	p.Ops = append(p.Ops, op)
	return p
}

// Final is a state in which every thread has run to completion.
type Final struct {
	Mem  []uint64
	Regs [][]uint64
}

// Result of an exploration.
type Result struct {
	Finals []Final
	// States is the number of distinct states visited.
	States int
	// Stuck counts states from which no interleaving reaches a final
	// state, such as a thread spinning on a value nobody will write.
	Stuck int
}

// Terminates reports whether every reachable state can still finish.
func (r *Result) Terminates() bool {
	return r.Stuck == 0
}

// FinalMemories returns the distinct final memory contents in sorted order.
func (r *Result) FinalMemories() [][]uint64 {
	seen := make(map[string][]uint64)
	for _, f := range r.Finals {
		seen[memKey(f.Mem)] = f.Mem
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][]uint64, len(keys))
	for i, k := range keys {
		out[i] = seen[k]
	}
	return out
}

// Reachable reports whether some interleaving ends with memory mem.
func (r *Result) Reachable(mem []uint64) bool {
	key := memKey(mem)
	for _, f := range r.Finals {
		if memKey(f.Mem) == key {
			return true
		}
	}
	return false
}

// Options for Explore.
type Options struct {
	MaxStates int
}

// Explore runs every interleaving of progs starting from memory init.
func Explore(init []uint64, progs ...*Program) (*Result, error) {
	return ExploreWith(Options{}, init, progs...)
}

// ExploreWith is Explore with options.
func ExploreWith(opts Options, init []uint64, progs ...*Program) (*Result, error) {
	if opts.MaxStates <= 0 {
		opts.MaxStates = DefaultMaxStates
	}

	start := state{
		pcs:  make([]int, len(progs)),
		mem:  append([]uint64(nil), init...),
		regs: make([][]uint64, len(progs)),
	}
	for i, p := range progs {
		start.regs[i] = make([]uint64, p.Regs)
	}

	res := &Result{}
	index := map[string]int{start.key(): 0}
	var preds [][]int // preds[i] lists states with an edge into i
	preds = append(preds, nil)
	var finals []int
	stack := []state{start}
	ids := []int{0}

	for len(stack) > 0 {
		s, id := stack[len(stack)-1], ids[len(ids)-1]
		stack, ids = stack[:len(stack)-1], ids[:len(ids)-1]

		running := 0
		for t, p := range progs {
			if s.pcs[t] >= len(p.Ops) {
				continue
			}
			running++

			next := s.clone()
			pc := p.Ops[s.pcs[t]](next.mem, next.regs[t], s.pcs[t])
			if pc < 0 || pc > len(p.Ops) {
				return nil, fmt.Errorf("interleave: %s: op %d jumped to %d", p.Name, s.pcs[t], pc)
			}
			next.pcs[t] = pc

			k := next.key()
			nid, seen := index[k]
			if !seen {
				if len(index) >= opts.MaxStates {
					return nil, fmt.Errorf("%w (%d)", ErrStateLimit, opts.MaxStates)
				}
				nid = len(index)
				index[k] = nid
				preds = append(preds, nil)
				stack = append(stack, next)
				ids = append(ids, nid)
			}
			preds[nid] = append(preds[nid], id)
		}

		if running == 0 {
			res.Finals = append(res.Finals, Final{Mem: s.mem, Regs: s.regs})
			finals = append(finals, id)
		}
	}
	res.States = len(index)

	// Walk edges backwards from the finals; whatever is not reached
	// cannot finish.
	live := make([]bool, len(index))
	queue := append([]int(nil), finals...)
	for _, f := range finals {
		live[f] = true
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, p := range preds[n] {
			if !live[p] {
				live[p] = true
				queue = append(queue, p)
			}
		}
	}
	for _, ok := range live {
		if !ok {
			res.Stuck++
		}
	}
	return res, nil
}

type state struct {
	pcs  []int
	mem  []uint64
	regs [][]uint64
}

func (s state) clone() state {
	c := state{
		pcs:  append([]int(nil), s.pcs...),
		mem:  append([]uint64(nil), s.mem...),
		regs: make([][]uint64, len(s.regs)),
	}
	for i, r := range s.regs {
		c.regs[i] = append([]uint64(nil), r...)
	}
	return c
}

func (s state) key() string {
	var sb strings.Builder
	var buf [8]byte
	for _, pc := range s.pcs {
		binary.LittleEndian.PutUint64(buf[:], uint64(pc))
		sb.Write(buf[:])
	}
	sb.WriteString(memKey(s.mem))
	for _, r := range s.regs {
		sb.WriteString(memKey(r))
	}
	return sb.String()
}

func memKey(mem []uint64) string {
	var sb strings.Builder
	var buf [8]byte
	for _, v := range mem {
		binary.BigEndian.PutUint64(buf[:], v)
		sb.Write(buf[:])
	}
	return sb.String()
}
