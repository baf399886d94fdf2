package bus

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tbourn/go-event-pipeline/internal/domain"
)

// Sink kinds understood by the sinks package.
const (
	KindLog     = "log"
	KindWebhook = "webhook"
	KindKafka   = "kafka"
)

// Route declares one subscriber, the adapter behind it and the events it
// receives.
//
//	subscribers:
//	  - name: search-sync
//	    kind: webhook
//	    url: http://search:8080/hooks/events
//	    timeout: 2s
//	    max_attempts: 8
//	    patterns:
//	      - entity_type: restaurant
//	      - entity_type: review
//	        operation: create
type Route struct {
	Name        string            `yaml:"name"`
	Kind        string            `yaml:"kind"`
	URL         string            `yaml:"url"`
	Topic       string            `yaml:"topic"`
	Headers     map[string]string `yaml:"headers"`
	Timeout     time.Duration     `yaml:"timeout"`
	MaxAttempts int               `yaml:"max_attempts"`
	Patterns    []Pattern         `yaml:"patterns"`
}

// Routes is the routing table.
type Routes struct {
	Subscribers []Route `yaml:"subscribers"`
}

// Lookup returns the route called name.
func (r Routes) Lookup(name string) (Route, bool) {
	for _, s := range r.Subscribers {
		if s.Name == name {
			return s, true
		}
	}
	return Route{}, false
}

// Tune applies a route's timeout and attempt overrides to o. It has the
// signature expected by Dispatchers.
func (r Routes) Tune(name string, o DispatcherOptions) DispatcherOptions {
	rt, ok := r.Lookup(name)
	if !ok {
		return o
	}
	if rt.Timeout > 0 {
		o.Timeout = rt.Timeout
	}
	if rt.MaxAttempts > 0 {
		o.Policy.MaxAttempts = rt.MaxAttempts
	}
	return o
}

// LoadRoutes reads and validates a YAML routing table.
func LoadRoutes(path string) (Routes, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Routes{}, fmt.Errorf("read routes: %w", err)
	}
	return ParseRoutes(b)
}

// ParseRoutes decodes and validates a YAML routing table. Entity types and
// operations are normalized ("UserAccount" becomes "user_account").
func ParseRoutes(b []byte) (Routes, error) {
	var r Routes
	if err := yaml.Unmarshal(b, &r); err != nil {
		return Routes{}, fmt.Errorf("parse routes: %w", err)
	}
	seen := make(map[string]bool)
	for i := range r.Subscribers {
		s := &r.Subscribers[i]
		if s.Name == "" {
			return Routes{}, fmt.Errorf("routes: subscriber %d has no name", i)
		}
		if seen[s.Name] {
			return Routes{}, fmt.Errorf("routes: duplicate subscriber %q", s.Name)
		}
		seen[s.Name] = true
		if s.Kind == "" {
			s.Kind = KindLog
		}
		switch s.Kind {
		case KindLog:
		case KindWebhook:
			if s.URL == "" {
				return Routes{}, fmt.Errorf("routes: %s: webhook needs url", s.Name)
			}
		case KindKafka:
			if s.Topic == "" {
				return Routes{}, fmt.Errorf("routes: %s: kafka needs topic", s.Name)
			}
		default:
			return Routes{}, fmt.Errorf("routes: %s: unknown kind %q", s.Name, s.Kind)
		}
		if len(s.Patterns) == 0 {
			return Routes{}, fmt.Errorf("routes: %s: %w", s.Name, errNoPatterns)
		}
		for j := range s.Patterns {
			p := &s.Patterns[j]
			if p.EntityType != "" {
				e, err := domain.ParseEntityType(string(p.EntityType))
				if err != nil {
					return Routes{}, fmt.Errorf("routes: %s: %w", s.Name, err)
				}
				p.EntityType = e
			}
			if p.Operation != "" {
				op, err := domain.ParseOperation(string(p.Operation))
				if err != nil {
					return Routes{}, fmt.Errorf("routes: %s: %w", s.Name, err)
				}
				p.Operation = op
			}
		}
	}
	return r, nil
}

var errNoPatterns = errors.New("no patterns (use an empty pattern `- {}` to receive everything)")
