package storage

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/relayforge/relay-node/db"
	"github.com/relayforge/relay-node/types"
)

// SetRule stores a policy rule, assigning a fresh ID when it has none.
// Returns the stored rule ID.
func (s *Storage) SetRule(rule *types.PolicyRule) (string, error) {
	if rule == nil {
		return "", fmt.Errorf("nil policy rule")
	}
	if !rule.Kind.Valid() {
		return "", fmt.Errorf("unknown rule kind %q", rule.Kind)
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}

	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	data, err := EncodeArtifact(rule)
	if err != nil {
		return "", fmt.Errorf("encode policy rule: %w", err)
	}
	wtx := s.db.WriteTx()
	defer wtx.Discard()
	if err := wtx.Set(append(rulePrefix, rule.ID...), data); err != nil {
		return "", err
	}
	return rule.ID, wtx.Commit()
}

// Rule returns the policy rule with the given ID.
func (s *Storage) Rule(id string) (*types.PolicyRule, error) {
	data, err := s.db.Get(append(rulePrefix, id...))
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rule := new(types.PolicyRule)
	if err := DecodeArtifact(data, rule); err != nil {
		return nil, fmt.Errorf("decode policy rule: %w", err)
	}
	return rule, nil
}

// DeleteRule removes a policy rule. Deleting an unknown rule fails with
// ErrNotFound.
func (s *Storage) DeleteRule(id string) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	key := append(rulePrefix, id...)
	if _, err := s.db.Get(key); err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return ErrNotFound
		}
		return err
	}
	wtx := s.db.WriteTx()
	defer wtx.Discard()
	if err := wtx.Delete(key); err != nil {
		return err
	}
	return wtx.Commit()
}

// ListRules returns all policy rules sorted by ID.
func (s *Storage) ListRules() ([]*types.PolicyRule, error) {
	var rules []*types.PolicyRule
	if err := s.db.Iterate(rulePrefix, func(_, v []byte) bool {
		rule := new(types.PolicyRule)
		if err := DecodeArtifact(v, rule); err != nil {
			return true
		}
		rules = append(rules, rule)
		return true
	}); err != nil {
		return nil, err
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules, nil
}
