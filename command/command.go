package command

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Tag correlates a Result with the Command that produced it.
// The zero Tag is reserved for Results that don't answer any particular Command, such as version mismatch reports.
type Tag = uuid.UUID

// ZeroTag is the tag carried by Results that aren't tied to a Command.
var ZeroTag = uuid.Nil

// NewTag returns a fresh, unique tag.
func NewTag() Tag { return uuid.New() }

// Env is the execution context a Command runs against.
// It is owned by the executor and only ever used from the executor's goroutine.
type Env interface {
	// Exec runs a host-native command line and returns its output.
	Exec(ctx context.Context, line string) (string, error)
}

// Command is an executable unit of work.
type Command interface {
	// Tag returns the unique identifier assigned when the Command was constructed.
	Tag() Tag
	// Kind is the name the Command was registered under.
	Kind() string
	// Execute runs the Command. It is called at most once, on the executor's goroutine.
	Execute(ctx context.Context, env Env) Outcome

	setTag(Tag)
}

// Base provides the tag bookkeeping for Commands. Embed it and initialize it with NewBase.
type Base struct {
	tag Tag
}

func NewBase() Base { return Base{tag: NewTag()} }

func (b *Base) Tag() Tag { return b.tag }

func (b *Base) setTag(t Tag) { b.tag = t }

// Factory returns a zero Command of a registered kind, ready to be decoded into.
type Factory func() Command

var (
	registryMut sync.RWMutex
	registry    = map[string]Factory{}
)

// Register makes a Command kind decodable. Panics on duplicate registration.
func Register(kind string, f Factory) {
	registryMut.Lock()
	defer registryMut.Unlock()
	if _, ok := registry[kind]; ok {
		panic(fmt.Sprintf("command: duplicate registration of kind %q", kind))
	}
	registry[kind] = f
}

// New constructs an empty Command of the given kind, with the given tag.
func New(kind string, tag Tag) (Command, error) {
	registryMut.RLock()
	f, ok := registry[kind]
	registryMut.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown command kind %q", kind)
	}
	cmd := f()
	cmd.setTag(tag)
	return cmd, nil
}

// Kinds returns the registered kinds, sorted.
func Kinds() []string {
	registryMut.RLock()
	defer registryMut.RUnlock()
	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
