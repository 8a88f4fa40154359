// Package policy decides which addresses a bridge connection may subscribe
// to and publish to. Anything not explicitly allowed is denied.
package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// Direction selects which half of the bridge a rule applies to.
type Direction string

const (
	// Inbound rules permit subscribing to an address and receiving its messages.
	Inbound Direction = "inbound"
	// Outbound rules permit publishing or sending to an address.
	Outbound Direction = "outbound"
)

var ErrInvalidRule = errors.New("invalid policy rule")

// Rule allows one address, or the addresses matching AddressRegex, in one
// direction. Headers and Match narrow the rule further: every listed header
// must be present with the given value and every listed top-level body field
// must be equal to the given JSON value.
type Rule struct {
	Direction    Direction         `yaml:"direction" json:"direction"`
	Address      string            `yaml:"address,omitempty" json:"address,omitempty"`
	AddressRegex string            `yaml:"addressRegex,omitempty" json:"addressRegex,omitempty"`
	Headers      map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Match        map[string]any    `yaml:"match,omitempty" json:"match,omitempty"`
}

type rule struct {
	address string
	re      *regexp.Regexp
	headers map[string]string
	match   map[string]json.RawMessage
}

// Policy is an immutable, compiled rule set.
type Policy struct {
	inbound  []rule
	outbound []rule
}

// New compiles rules into a Policy.
func New(rules []Rule) (*Policy, error) {
	p := &Policy{}
	for i, r := range rules {
		c, err := compile(r)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		switch r.Direction {
		case Inbound:
			p.inbound = append(p.inbound, c)
		case Outbound:
			p.outbound = append(p.outbound, c)
		default:
			return nil, fmt.Errorf("rule %d: direction %q: %w", i, r.Direction, ErrInvalidRule)
		}
	}
	return p, nil
}

// Must is like New but panics on error.
func Must(rules []Rule) *Policy {
	p, err := New(rules)
	if err != nil {
		panic(err)
	}
	return p
}

// DenyAll returns a policy without rules.
func DenyAll() *Policy {
	return &Policy{}
}

func compile(r Rule) (rule, error) {
	c := rule{address: r.Address, headers: r.Headers}
	switch {
	case r.Address != "" && r.AddressRegex != "":
		return c, fmt.Errorf("address and addressRegex are exclusive: %w", ErrInvalidRule)
	case r.Address == "" && r.AddressRegex == "":
		return c, fmt.Errorf("address or addressRegex required: %w", ErrInvalidRule)
	case r.AddressRegex != "":
		re, err := regexp.Compile(`^(?:` + r.AddressRegex + `)$`)
		if err != nil {
			return c, fmt.Errorf("addressRegex: %w", errors.Join(ErrInvalidRule, err))
		}
		c.re = re
	}
	if len(r.Match) > 0 {
		c.match = make(map[string]json.RawMessage, len(r.Match))
		for k, v := range r.Match {
			raw, err := json.Marshal(v)
			if err != nil {
				return c, fmt.Errorf("match %q: %w", k, errors.Join(ErrInvalidRule, err))
			}
			c.match[k] = raw
		}
	}
	return c, nil
}

// PermitsInbound reports whether address may be subscribed to by a
// registration carrying headers. Match fields are not consulted because no
// body is known at registration time; see PermitsDelivery.
func (p *Policy) PermitsInbound(address string, headers map[string]string) bool {
	if address == "" {
		return false
	}
	for _, r := range p.inbound {
		if r.matchesAddress(address) && r.matchesHeaders(headers) {
			return true
		}
	}
	return false
}

// PermitsDelivery reports whether a message with body received on address
// may be delivered to a subscriber that registered with headers.
func (p *Policy) PermitsDelivery(address string, headers map[string]string, body json.RawMessage) bool {
	return permits(p.inbound, address, headers, body)
}

// PermitsOutbound reports whether a message with the given headers and body
// may be published or sent to address.
func (p *Policy) PermitsOutbound(address string, headers map[string]string, body json.RawMessage) bool {
	return permits(p.outbound, address, headers, body)
}

func permits(rules []rule, address string, headers map[string]string, body json.RawMessage) bool {
	if address == "" {
		return false
	}
	for _, r := range rules {
		if r.matchesAddress(address) && r.matchesHeaders(headers) && r.matchesBody(body) {
			return true
		}
	}
	return false
}

func (r rule) matchesAddress(address string) bool {
	if r.re != nil {
		return r.re.MatchString(address)
	}
	return r.address == address
}

func (r rule) matchesHeaders(headers map[string]string) bool {
	for k, v := range r.headers {
		if got, ok := headers[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// matchesBody requires a JSON object body when the rule has match fields.
// A body that is absent or not an object never matches such a rule.
func (r rule) matchesBody(body json.RawMessage) bool {
	if len(r.match) == 0 {
		return true
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return false
	}
	for k, want := range r.match {
		got, ok := fields[k]
		if !ok || !jsonEqual(got, want) {
			return false
		}
	}
	return true
}

func jsonEqual(a, b json.RawMessage) bool {
	if bytes.Equal(a, b) {
		return true
	}
	var x, y any
	if json.Unmarshal(a, &x) != nil || json.Unmarshal(b, &y) != nil {
		return false
	}
	xa, _ := json.Marshal(x)
	yb, _ := json.Marshal(y)
	return bytes.Equal(xa, yb)
}
