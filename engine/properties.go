package engine

import (
	"sync"
)

// Properties is a flat string/int/bool bag using dotted keys, e.g.
// "ice.localUsername" or "dtls.setup". It is what session configuration and
// negotiated remote parameters travel in. Safe for concurrent use.
type Properties struct {
	mu      sync.RWMutex
	strings map[string]string
	ints    map[string]int
	bools   map[string]bool
}

// NewProperties creates an empty property bag.
func NewProperties() *Properties {
	return &Properties{
		strings: make(map[string]string),
		ints:    make(map[string]int),
		bools:   make(map[string]bool),
	}
}

// SetString stores a string value under key.
func (p *Properties) SetString(key, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.strings[key] = value
}

// SetInt stores an integer value under key.
func (p *Properties) SetInt(key string, value int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ints[key] = value
}

// SetBool stores a boolean value under key.
func (p *Properties) SetBool(key string, value bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bools[key] = value
}

// GetString returns the string stored under key, or def if absent.
func (p *Properties) GetString(key, def string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if v, ok := p.strings[key]; ok {
		return v
	}
	return def
}

// GetInt returns the integer stored under key, or def if absent.
func (p *Properties) GetInt(key string, def int) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if v, ok := p.ints[key]; ok {
		return v
	}
	return def
}

// GetBool returns the boolean stored under key, or def if absent.
func (p *Properties) GetBool(key string, def bool) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if v, ok := p.bools[key]; ok {
		return v
	}
	return def
}

// Merge copies every entry of other into p, overwriting existing keys.
// A nil other is a no-op.
func (p *Properties) Merge(other *Properties) {
	if other == nil {
		return
	}

	other.mu.RLock()
	strings := make(map[string]string, len(other.strings))
	for k, v := range other.strings {
		strings[k] = v
	}
	ints := make(map[string]int, len(other.ints))
	for k, v := range other.ints {
		ints[k] = v
	}
	bools := make(map[string]bool, len(other.bools))
	for k, v := range other.bools {
		bools[k] = v
	}
	other.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	for k, v := range strings {
		p.strings[k] = v
	}
	for k, v := range ints {
		p.ints[k] = v
	}
	for k, v := range bools {
		p.bools[k] = v
	}
}
