// Package cache memoizes the result of applying a command to a state as a
// branching tree: each node represents the state reached by one exact command
// sequence from the root, and each edge maps a command to the child produced
// by executing it. Children are created lazily and computed at most once
// under concurrency: callers racing the same edge cooperate, while distinct
// edges (and distinct nodes) never contend.
//
// The source of truth for a cached state is external and may be invalidated
// at any time (the backend restarts, its state is reset), so every cache hit
// is revalidated through a caller-supplied predicate before it is trusted. A
// node that fails validation is recomputed in place and its descendants are
// discarded, since they were derived from the now-invalid state.
package cache

import (
	"context"
	"fmt"
	"sync"
)

// StepFunc performs the real work of applying a command to a state, returning
// the successor state. It may be expensive or I/O-bound; it is invoked
// without any tree locks held.
type StepFunc[C comparable, S any] func(ctx context.Context, command C, state S) (S, error)

// ValidateFunc reports whether a previously cached state is still
// authoritative. Returning false forces recomputation of the node.
type ValidateFunc[S any] func(state S) bool

// Node represents the state reachable by a specific, finite command sequence
// from its tree's root. Node values are created by the cache; the zero value
// is not usable.
type Node[C comparable, S any] struct {
	mu       sync.Mutex
	state    S
	children map[C]*slot[C, S]
}

// slot is one edge of the tree. Its semaphore admits a single computation or
// validation at a time, giving the three edge states: empty (node nil, sem
// free), in-flight (sem held), resolved (node set, sem free). A failed
// computation leaves the slot empty so a later Advance can retry.
type slot[C comparable, S any] struct {
	sem  chan struct{}
	node *Node[C, S]
}

func newNode[C comparable, S any](state S) *Node[C, S] {
	return &Node[C, S]{state: state, children: make(map[C]*slot[C, S])}
}

// NewRoot creates the root node of a fresh tree holding the externally
// supplied initial state.
func NewRoot[C comparable, S any](initial S) *Node[C, S] {
	return newNode[C](initial)
}

// State returns the node's current state value.
func (n *Node[C, S]) State() S {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// slotFor returns the slot for command, creating an empty one on first
// reference.
func (n *Node[C, S]) slotFor(command C) *slot[C, S] {
	n.mu.Lock()
	defer n.mu.Unlock()
	sl, ok := n.children[command]
	if !ok {
		sl = &slot[C, S]{sem: make(chan struct{}, 1)}
		n.children[command] = sl
	}
	return sl
}

// reset replaces the node's contents in place: new state, fresh empty child
// mapping. Prior descendants become unreachable.
func (n *Node[C, S]) reset(state S) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state = state
	n.children = make(map[C]*slot[C, S])
}

// Advance returns the child of n along command, computing it with step if the
// edge has never been resolved and revalidating it with validate if it has.
// Concurrent calls for the same edge execute step at most once; the losers
// wait for the winner's result and revalidate it like any other cache hit.
// Waiting is bounded by ctx. A step failure is returned to the caller and
// leaves the edge unresolved so a later call can retry; it never corrupts the
// tree.
func (n *Node[C, S]) Advance(ctx context.Context, command C, step StepFunc[C, S], validate ValidateFunc[S]) (*Node[C, S], error) {
	sl := n.slotFor(command)

	select {
	case sl.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-sl.sem }()

	if sl.node == nil {
		next, err := step(ctx, command, n.State())
		if err != nil {
			return nil, fmt.Errorf("cache: step for command %v: %w", command, err)
		}
		sl.node = newNode[C](next)
		return sl.node, nil
	}

	if validate(sl.node.State()) {
		return sl.node, nil
	}

	// Stale: recompute from the parent's state and refresh the child in
	// place. On failure the stale node is left untouched.
	next, err := step(ctx, command, n.State())
	if err != nil {
		return nil, fmt.Errorf("cache: recompute for command %v: %w", command, err)
	}
	sl.node.reset(next)
	return sl.node, nil
}

// AdvanceSequence folds Advance over commands in order, starting at n, and
// returns the final node. It replays an entire session prefix against the
// cache; only edges never seen before (or invalidated since) execute step.
func (n *Node[C, S]) AdvanceSequence(ctx context.Context, commands []C, step StepFunc[C, S], validate ValidateFunc[S]) (*Node[C, S], error) {
	node := n
	for _, command := range commands {
		next, err := node.Advance(ctx, command, step, validate)
		if err != nil {
			return nil, err
		}
		node = next
	}
	return node, nil
}

// Tree binds a root node to the step and validate callbacks used on every
// advance, for callers that thread the same pair through a whole session.
type Tree[C comparable, S any] struct {
	root     *Node[C, S]
	step     StepFunc[C, S]
	validate ValidateFunc[S]
}

// NewTree creates a tree rooted at the initial state with bound callbacks.
func NewTree[C comparable, S any](initial S, step StepFunc[C, S], validate ValidateFunc[S]) *Tree[C, S] {
	return &Tree[C, S]{root: NewRoot[C](initial), step: step, validate: validate}
}

// Root returns the tree's root node.
func (t *Tree[C, S]) Root() *Node[C, S] { return t.root }

// Advance advances node along command using the tree's bound callbacks.
func (t *Tree[C, S]) Advance(ctx context.Context, node *Node[C, S], command C) (*Node[C, S], error) {
	return node.Advance(ctx, command, t.step, t.validate)
}

// Replay advances from the root through the full command sequence.
func (t *Tree[C, S]) Replay(ctx context.Context, commands []C) (*Node[C, S], error) {
	return t.root.AdvanceSequence(ctx, commands, t.step, t.validate)
}
