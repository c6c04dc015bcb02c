// Package authz evaluates a principal's permission to execute a named
// command or query. Permissions form a relationship graph: direct grants to
// principals, plus membership-expanded grants through groups.
package authz

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/keel/pkg/apperr"
	"github.com/Mindburn-Labs/keel/pkg/reqctx"
)

// Relation names used by the bus pipelines.
const (
	RelationExecute = "execute"
	RelationMember  = "member"
)

// Tuple is a directed edge in the permission graph:
// (principal:alice) -> [execute] -> (command:post_journal_entry).
type Tuple struct {
	Object   string `json:"object"`   // e.g. "command:post_journal_entry"
	Relation string `json:"relation"` // e.g. "execute", "member"
	Subject  string `json:"subject"`  // e.g. "principal:alice", "group:accountants"
}

// Authorizer is the port the bus middleware depends on.
type Authorizer interface {
	// Authorize returns nil when the request principal may perform action
	// (e.g. "command:post_journal_entry"), apperr.Forbidden otherwise.
	Authorize(ctx context.Context, rc *reqctx.Ctx, action string) error
}

// Engine holds the permission graph. Grants are written during startup;
// lookup is lock-protected but effectively read-only at runtime.
type Engine struct {
	mu     sync.RWMutex
	graph  map[string]struct{}
	tuples []Tuple
}

func NewEngine() *Engine {
	return &Engine{graph: make(map[string]struct{})}
}

// Grant adds a tuple. Adding an existing tuple is a no-op.
func (e *Engine) Grant(t Tuple) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := tupleKey(t)
	if _, ok := e.graph[key]; ok {
		return
	}
	e.graph[key] = struct{}{}
	e.tuples = append(e.tuples, t)
}

// Check reports whether subject has relation on object, directly or through
// group membership.
func (e *Engine) Check(object, relation, subject string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.check(object, relation, subject, make(map[string]bool))
}

func (e *Engine) check(object, relation, subject string, visited map[string]bool) bool {
	if _, ok := e.graph[fmt.Sprintf("%s#%s@%s", object, relation, subject)]; ok {
		return true
	}

	visitKey := object + "#" + relation
	if visited[visitKey] {
		return false
	}
	visited[visitKey] = true

	// Group expansion: (object#relation@group:G) grants subject when the
	// subject is a member of group:G, transitively.
	for _, t := range e.tuples {
		if t.Object != object || t.Relation != relation {
			continue
		}
		if strings.HasPrefix(t.Subject, "group:") && e.check(t.Subject, RelationMember, subject, visited) {
			return true
		}
	}
	return false
}

// Authorize implements Authorizer. System contexts bypass the graph: they
// exist only for administrative flows that run without a tenant.
func (e *Engine) Authorize(_ context.Context, rc *reqctx.Ctx, action string) error {
	if rc.IsSystem() {
		return nil
	}
	if e.Check(action, RelationExecute, "principal:"+rc.PrincipalID) {
		return nil
	}
	return apperr.Forbidden(fmt.Sprintf("principal %q may not perform %s", rc.PrincipalID, action))
}

func tupleKey(t Tuple) string {
	return fmt.Sprintf("%s#%s@%s", t.Object, t.Relation, t.Subject)
}

// AllowAll authorizes every request; test and bootstrap wiring only.
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, *reqctx.Ctx, string) error { return nil }
