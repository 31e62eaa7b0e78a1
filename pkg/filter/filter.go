// Package filter compiles boolean expressions over resource documents.
//
// Expressions use the expr-lang syntax and see the document as a flat
// environment: the reserved keys id, owner_id and collection, plus every
// top-level field of the document body.
//
//	p, err := filter.Compile(`status == "open" && priority > 2`)
//	ok, err := p.Match(env)
package filter

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Predicate is a compiled expression that evaluates to a bool.
type Predicate struct {
	source  string
	program *vm.Program
}

// CacheSize is how many compiled programs are kept, least recently used
// first out.
const CacheSize = 1024

var cache = mustCache(CacheSize)

func mustCache(size int) *lru.Cache[string, *vm.Program] {
	c, err := lru.New[string, *vm.Program](size)
	if err != nil {
		panic(err)
	}
	return c
}

// Compile compiles source into a predicate. Compiled programs are cached by
// source text in a bounded LRU.
func Compile(source string) (*Predicate, error) {
	if source == "" {
		return nil, fmt.Errorf("empty filter expression")
	}
	if program, ok := cache.Get(source); ok {
		return &Predicate{source: source, program: program}, nil
	}

	program, err := expr.Compile(source, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("failed to compile filter %q: %w", source, err)
	}
	cache.Add(source, program)

	return &Predicate{source: source, program: program}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(source string) *Predicate {
	p, err := Compile(source)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the expression source.
func (p *Predicate) String() string {
	return p.source
}

// Match evaluates the predicate against env. A nil predicate matches everything.
func (p *Predicate) Match(env map[string]any) (bool, error) {
	if p == nil {
		return true, nil
	}
	out, err := expr.Run(p.program, env)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate filter %q: %w", p.source, err)
	}
	ok, _ := out.(bool)
	return ok, nil
}
