package policy

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/keithlinneman/linnemanlabs-gate/internal/ratelimit"
)

type summaryOperation struct {
	Name   string   `json:"name"`
	Method string   `json:"method"`
	Path   string   `json:"path"`
	Rules  []string `json:"rules"`
	// Bound is false until the limiter has a binding for the operation.
	Bound bool `json:"bound"`
}

type summary struct {
	Version    string             `json:"version,omitempty"`
	SHA256     string             `json:"sha256"`
	Source     string             `json:"source"`
	LoadedAt   time.Time          `json:"loaded_at"`
	WindowMode string             `json:"window_mode"`
	Defaults   []string           `json:"defaults"`
	Operations []summaryOperation `json:"operations"`
	Tracked    int                `json:"tracked_clients"`
}

func ruleStrings(rules []ratelimit.Rule) []string {
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.String())
	}
	return out
}

// Handler reports the rules the limiter actually enforces for each
// operation, which can differ from the document if something bound an
// operation before the policy was applied.
func (p *Policy) Handler(l *ratelimit.Limiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := summary{
			Version:    p.Version,
			SHA256:     p.SHA256,
			Source:     p.Source,
			LoadedAt:   p.LoadedAt,
			WindowMode: l.Mode().String(),
			Defaults:   ruleStrings(l.DefaultRules()),
			Operations: make([]summaryOperation, 0, len(p.Operations)),
			Tracked:    l.Tracked(),
		}
		for _, op := range p.Operations {
			bound, ok := l.BoundRules(op.Name)
			s.Operations = append(s.Operations, summaryOperation{
				Name:   op.Name,
				Method: op.Method,
				Path:   op.Path,
				Rules:  ruleStrings(bound),
				Bound:  ok,
			})
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(s)
	})
}
