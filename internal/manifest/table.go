package manifest

import (
	"fmt"
	"strings"
)

// Entry 是 manifest 中的一条 bundle 声明。
type Entry struct {
	Name         string   `json:"name"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// Table 是只读的 bundle 名称 → 依赖列表映射，名称大小写不敏感，保留声明时的原始拼写。
type Table struct {
	entries map[string]Entry
	order   []string
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// NewTable 校验并构建依赖表：拒绝空名称、重复名称、未声明的依赖以及依赖环。
func NewTable(entries []Entry) (*Table, error) {
	t := &Table{entries: make(map[string]Entry, len(entries))}
	for _, entry := range entries {
		name := strings.TrimSpace(entry.Name)
		key := normalizeName(name)
		if key == "" {
			return nil, fmt.Errorf("%w: bundle name is empty", ErrInvalid)
		}
		if existing, exists := t.entries[key]; exists {
			return nil, fmt.Errorf("%w: duplicate bundle %q (already declared as %q)", ErrInvalid, name, existing.Name)
		}
		deps := make([]string, 0, len(entry.Dependencies))
		for _, dep := range entry.Dependencies {
			deps = append(deps, strings.TrimSpace(dep))
		}
		t.entries[key] = Entry{Name: name, Dependencies: deps}
		t.order = append(t.order, name)
	}

	for _, name := range t.order {
		for _, dep := range t.entries[normalizeName(name)].Dependencies {
			if _, ok := t.entries[normalizeName(dep)]; !ok {
				return nil, fmt.Errorf("%w: bundle %q depends on undeclared %q", ErrInvalid, name, dep)
			}
		}
	}

	state := make(map[string]visitState, len(t.entries))
	for _, name := range t.order {
		if err := t.visit(normalizeName(name), state, nil, func(string) {}); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Len 返回声明的 bundle 数量。
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.order)
}

// Names 按声明顺序返回全部 bundle 名称。
func (t *Table) Names() []string {
	if t == nil {
		return nil
	}
	return append([]string(nil), t.order...)
}

// Contains 判断名称是否在 manifest 中声明（大小写不敏感）。
func (t *Table) Contains(name string) bool {
	_, ok := t.Lookup(name)
	return ok
}

// Lookup 返回名称对应的条目，依赖列表为副本。
func (t *Table) Lookup(name string) (Entry, bool) {
	if t == nil {
		return Entry{}, false
	}
	entry, ok := t.entries[normalizeName(name)]
	if !ok {
		return Entry{}, false
	}
	entry.Dependencies = append([]string(nil), entry.Dependencies...)
	return entry, true
}

// Closure 以深度优先方式返回 name 的传递依赖闭包（包含自身），依赖在前、依赖方在后。
// 每个名称只出现一次，返回的是 manifest 中的原始拼写。
func (t *Table) Closure(name string) ([]string, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBundle, name)
	}
	key := normalizeName(name)
	if _, ok := t.entries[key]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBundle, name)
	}

	var order []string
	state := make(map[string]visitState)
	if err := t.visit(key, state, nil, func(canonical string) {
		order = append(order, canonical)
	}); err != nil {
		return nil, err
	}
	return order, nil
}

type visitState uint8

const (
	unvisited visitState = iota
	visiting
	visited
)

func (t *Table) visit(key string, state map[string]visitState, path []string, emit func(string)) error {
	entry, ok := t.entries[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBundle, key)
	}
	switch state[key] {
	case visited:
		return nil
	case visiting:
		return fmt.Errorf("%w: %s -> %s", ErrDependencyCycle, strings.Join(path, " -> "), entry.Name)
	}

	state[key] = visiting
	path = append(path, entry.Name)
	for _, dep := range entry.Dependencies {
		if err := t.visit(normalizeName(dep), state, path, emit); err != nil {
			return err
		}
	}
	state[key] = visited
	emit(entry.Name)
	return nil
}
