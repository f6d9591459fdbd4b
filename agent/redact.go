package agent

import (
	"sort"
	"strings"
	"sync"
)

// SecretGuard redacts known secret values from text an agent reports back,
// such as progress lines, failure messages and task output.
type SecretGuard struct {
	mu          sync.RWMutex
	knownValues map[string]string // value → name (reversed for fast lookup)
}

// NewSecretGuard returns an empty guard.
func NewSecretGuard() *SecretGuard {
	return &SecretGuard{knownValues: make(map[string]string)}
}

// Add registers a secret value under name. Values shorter than four
// characters are ignored.
func (sg *SecretGuard) Add(name, value string) {
	if len(value) < 4 {
		return
	}
	sg.mu.Lock()
	sg.knownValues[value] = name
	sg.mu.Unlock()
}

// Redact replaces known secret values with [REDACTED:name]. Longer values
// are replaced first so a secret containing another is fully hidden.
func (sg *SecretGuard) Redact(text string) string {
	if sg == nil {
		return text
	}
	sg.mu.RLock()
	defer sg.mu.RUnlock()
	vals := make([]string, 0, len(sg.knownValues))
	for val := range sg.knownValues {
		if strings.Contains(text, val) {
			vals = append(vals, val)
		}
	}
	sort.Slice(vals, func(i, j int) bool { return len(vals[i]) > len(vals[j]) })
	for _, val := range vals {
		text = strings.ReplaceAll(text, val, "[REDACTED:"+sg.knownValues[val]+"]")
	}
	return text
}
