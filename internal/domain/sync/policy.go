package sync

import (
	"fmt"
	"strings"
)

// ConflictPolicy правило автоматического разрешения конфликтов коллекции
type ConflictPolicy string

const (
	// PolicyManual конфликт остаётся PENDING до решения клиента
	PolicyManual ConflictPolicy = "manual"
	// PolicyLastWriteWins побеждает более поздняя запись, равенство остаётся PENDING
	PolicyLastWriteWins ConflictPolicy = "last_write_wins"
)

func (p ConflictPolicy) Valid() bool {
	return p == PolicyManual || p == PolicyLastWriteWins
}

// Policies политики по коллекциям
type Policies map[Collection]ConflictPolicy

// DefaultPolicies все коллекции разрешаются вручную
func DefaultPolicies() Policies {
	p := make(Policies, len(Collections))
	for _, c := range Collections {
		p[c] = PolicyManual
	}
	return p
}

// For политика для коллекции, manual если не задана
func (p Policies) For(c Collection) ConflictPolicy {
	if policy, ok := p[c]; ok {
		return policy
	}
	return PolicyManual
}

// ParsePolicies разбирает строку вида "products=last_write_wins,settings=manual".
// Незаданные коллекции получают manual.
func ParsePolicies(s string) (Policies, error) {
	policies := DefaultPolicies()
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("invalid conflict policy %q: expected collection=policy", part)
		}
		c := Collection(strings.TrimSpace(name))
		if !c.Valid() {
			return nil, fmt.Errorf("invalid conflict policy %q: unknown collection", part)
		}
		p := ConflictPolicy(strings.ToLower(strings.TrimSpace(value)))
		if !p.Valid() {
			return nil, fmt.Errorf("invalid conflict policy %q: unknown policy", part)
		}
		policies[c] = p
	}
	return policies, nil
}

func (p Policies) String() string {
	parts := make([]string, 0, len(Collections))
	for _, c := range Collections {
		parts = append(parts, fmt.Sprintf("%s=%s", c, p.For(c)))
	}
	return strings.Join(parts, ",")
}

// decideResolution решение, которое политика принимает по свежему конфликту
func decideResolution(policy ConflictPolicy, c *Conflict) Resolution {
	if policy != PolicyLastWriteWins {
		return ResolutionPending
	}
	switch {
	case c.LocalTimestamp.After(c.ServerTimestamp):
		return ResolutionUseLocal
	case c.LocalTimestamp.Before(c.ServerTimestamp):
		return ResolutionUseServer
	}
	return ResolutionPending
}
