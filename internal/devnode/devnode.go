// Package devnode models the device-node tree adapter hosts are
// published into. It stands in for the platform's device model: nodes
// have a name, a class and a parent, a bus root exists as the default
// attachment point, and unpublishing a node runs its release hook.
package devnode

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Class categorizes a published node.
type Class string

const (
	// ClassBus is the synthetic root every tree starts with.
	ClassBus Class = "bus"
	// ClassHost marks the primary node of an adapter host.
	ClassHost Class = "host"
	// ClassControl marks the secondary control node of an adapter host.
	ClassControl Class = "host_control"
)

// Node is one entry in the device tree.
type Node struct {
	name    string
	class   Class
	parent  *Node
	release func()
}

// NewNode creates an unpublished node.
func NewNode(name string, class Class, parent *Node) *Node {
	return &Node{name: name, class: class, parent: parent}
}

// Name returns the node name.
func (n *Node) Name() string { return n.name }

// Class returns the node class.
func (n *Node) Class() Class { return n.class }

// Parent returns the parent node, nil for a root.
func (n *Node) Parent() *Node { return n.parent }

// OnRelease registers fn to run when the node is unpublished.
func (n *Node) OnRelease(fn func()) {
	n.release = fn
}

// IsHostNode reports whether n is the primary node of an adapter host.
func IsHostNode(n *Node) bool {
	return n != nil && n.class == ClassHost
}

// Tree is the set of published nodes. Each Tree owns its bus root, the
// default parent for hosts published without one.
type Tree struct {
	log *zap.Logger

	mu    sync.RWMutex
	root  *Node
	nodes map[string]*Node
}

// NewTree creates a tree holding only the bus root.
func NewTree(log *zap.Logger) *Tree {
	if log == nil {
		log = zap.NewNop()
	}
	root := &Node{name: "platform", class: ClassBus}
	return &Tree{
		log:   log.Named("devnode"),
		root:  root,
		nodes: map[string]*Node{root.name: root},
	}
}

// Root returns the bus root.
func (t *Tree) Root() *Node {
	return t.root
}

// Publish adds a node to the tree. The name must be unique among
// published nodes.
func (t *Tree) Publish(n *Node) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.nodes[n.name]; exists {
		return fmt.Errorf("node %q already published", n.name)
	}
	if n.parent == nil {
		n.parent = t.root
	}
	t.nodes[n.name] = n
	t.log.Debug("node published",
		zap.String("node", n.name),
		zap.String("class", string(n.class)),
		zap.String("parent", n.parent.name))
	return nil
}

// Unpublish removes a node and runs its release hook. Unpublishing a
// node that is not in the tree is a no-op.
func (t *Tree) Unpublish(n *Node) {
	t.mu.Lock()
	cur, ok := t.nodes[n.name]
	if !ok || cur != n {
		t.mu.Unlock()
		return
	}
	delete(t.nodes, n.name)
	t.mu.Unlock()

	t.log.Debug("node unpublished", zap.String("node", n.name))
	if n.release != nil {
		n.release()
	}
}

// Find returns the published node with the given name, or nil.
func (t *Tree) Find(name string) *Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nodes[name]
}

// Len returns the number of published nodes, the root included.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}
