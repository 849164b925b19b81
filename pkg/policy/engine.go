package policy

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

// EngineOptions control OPA engine construction.
type EngineOptions struct {
	// Entrypoint is the default decision path, e.g. "gateway/authz/decision".
	Entrypoint string
	// Modules are the Rego sources keyed by file name.
	Modules map[string]string
	// CacheMaxEntries bounds the decision cache (LRU). Zero selects the
	// default size; negative disables caching.
	CacheMaxEntries int
	Logger          *slog.Logger
}

// Identity is the caller as bound by the security chain.
type Identity struct {
	API          string
	Plan         string
	Application  string
	Subscription string
	User         string
	ClientID     string
}

// Input is the document a decision is evaluated against. Every field takes
// part in the cache key.
type Input struct {
	Entrypoint   string
	Method       string
	Path         string
	Host         string
	Headers      map[string]string
	Identity     Identity
	DisableCache bool
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Allow    bool
	Reason   string
	Metadata map[string]string
}

// Engine evaluates Rego decisions with an embedded OPA instance.
type Engine struct {
	moduleOrder   []string
	parsedModules map[string]*ast.Module
	entrypoint    string
	cache         *decisionCache
	logger        *slog.Logger

	mu      sync.RWMutex
	queries map[string]*rego.PreparedEvalQuery
}

const (
	defaultEntrypoint    = "gateway/authz/decision"
	defaultCacheCapacity = 1024
)

// NewEngine parses the modules and prepares the default entrypoint.
func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	entry := strings.TrimSpace(opts.Entrypoint)
	if entry == "" {
		entry = defaultEntrypoint
	}
	if len(opts.Modules) == 0 {
		return nil, errors.New("policy engine requires at least one rego module")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	maxEntries := opts.CacheMaxEntries
	switch {
	case maxEntries == 0:
		maxEntries = defaultCacheCapacity
	case maxEntries < 0:
		maxEntries = 0
	}
	var cache *decisionCache
	if maxEntries > 0 {
		cache = newDecisionCache(maxEntries)
	}

	order := slices.Sorted(maps.Keys(opts.Modules))
	parsed := make(map[string]*ast.Module, len(order))
	for _, name := range order {
		module, err := ast.ParseModuleWithOpts(name, opts.Modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		parsed[name] = module
	}

	e := &Engine{
		moduleOrder:   order,
		parsedModules: parsed,
		entrypoint:    entry,
		cache:         cache,
		logger:        logger,
		queries:       make(map[string]*rego.PreparedEvalQuery),
	}
	if _, err := e.preparedQuery(ctx, entry); err != nil {
		return nil, fmt.Errorf("compile rego modules: %w", err)
	}
	return e, nil
}

// Evaluate returns the decision for input. An undefined result allows.
func (e *Engine) Evaluate(ctx context.Context, input Input) (Decision, error) {
	entry := strings.TrimSpace(input.Entrypoint)
	if entry == "" {
		entry = e.entrypoint
	}

	key, cacheable := e.cacheKey(entry, input)
	if cacheable {
		if cached, ok := e.cache.Get(key); ok {
			return cloneDecision(cached), nil
		}
	}

	prepared, err := e.preparedQuery(ctx, entry)
	if err != nil {
		return Decision{}, fmt.Errorf("prepare query: %w", err)
	}

	results, err := prepared.Eval(ctx, rego.EvalInput(inputDocument(input)))
	if err != nil {
		return Decision{}, fmt.Errorf("opa decision: %w", err)
	}

	decision := Decision{Allow: true, Metadata: map[string]string{}}
	if len(results) > 0 && len(results[0].Expressions) > 0 {
		decision, err = parseDecision(results[0].Expressions[0].Value)
		if err != nil {
			return Decision{}, err
		}
	} else {
		e.logger.Debug("opa decision undefined, allowing", slog.String("entrypoint", entry))
	}

	if cacheable {
		e.cache.Add(key, decision)
	}
	return decision, nil
}

// FlushCache clears all cached decisions.
func (e *Engine) FlushCache() {
	if e.cache != nil {
		e.cache.Clear()
	}
}

func (e *Engine) preparedQuery(ctx context.Context, entry string) (*rego.PreparedEvalQuery, error) {
	e.mu.RLock()
	prepared, ok := e.queries[entry]
	e.mu.RUnlock()
	if ok {
		return prepared, nil
	}

	opts := make([]func(*rego.Rego), 0, len(e.moduleOrder)+1)
	opts = append(opts, rego.Query("data."+strings.ReplaceAll(entry, "/", ".")))
	for _, name := range e.moduleOrder {
		opts = append(opts, rego.ParsedModule(e.parsedModules[name]))
	}
	pq, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.queries[entry]; ok {
		return existing, nil
	}
	e.queries[entry] = &pq
	return &pq, nil
}

func inputDocument(in Input) map[string]any {
	headers := make(map[string]any, len(in.Headers))
	for k, v := range in.Headers {
		headers[k] = v
	}
	return map[string]any{
		"request": map[string]any{
			"method":  in.Method,
			"path":    in.Path,
			"host":    in.Host,
			"headers": headers,
		},
		"identity": map[string]any{
			"api":          in.Identity.API,
			"plan":         in.Identity.Plan,
			"application":  in.Identity.Application,
			"subscription": in.Identity.Subscription,
			"user":         in.Identity.User,
			"client_id":    in.Identity.ClientID,
		},
	}
}

func (e *Engine) cacheKey(entry string, in Input) (string, bool) {
	if e.cache == nil || in.DisableCache {
		return "", false
	}
	h := sha256.New()
	for _, f := range []string{
		entry, in.Method, in.Path, in.Host,
		in.Identity.API, in.Identity.Plan, in.Identity.Application,
		in.Identity.Subscription, in.Identity.User, in.Identity.ClientID,
	} {
		writeField(h, f)
	}
	for _, k := range slices.Sorted(maps.Keys(in.Headers)) {
		writeField(h, k)
		writeField(h, in.Headers[k])
	}
	return hex.EncodeToString(h.Sum(nil)), true
}

// writeField writes value followed by a NUL separator.
func writeField(h hash.Hash, value string) {
	h.Write([]byte(value))
	h.Write([]byte{0})
}

// parseDecision accepts a bare boolean or an object with allow/action, reason and metadata.
func parseDecision(value any) (Decision, error) {
	switch v := value.(type) {
	case bool:
		return Decision{Allow: v, Metadata: map[string]string{}}, nil
	case map[string]any:
		d := Decision{Allow: true, Metadata: map[string]string{}}
		if allow, ok := v["allow"].(bool); ok {
			d.Allow = allow
		}
		if action, ok := v["action"]; ok {
			text, ok := action.(string)
			if !ok {
				return Decision{}, fmt.Errorf("opa decision: action must be string, got %T", action)
			}
			switch strings.ToLower(text) {
			case "allow":
				d.Allow = true
			case "block", "deny":
				d.Allow = false
			default:
				return Decision{}, fmt.Errorf("opa decision: unknown action %q", text)
			}
		}
		d.Reason, _ = v["reason"].(string)
		if md, ok := v["metadata"].(map[string]any); ok {
			for k, raw := range md {
				if s, ok := raw.(string); ok {
					d.Metadata[k] = s
				}
			}
		}
		return d, nil
	default:
		return Decision{}, fmt.Errorf("opa decision: unexpected result type %T", value)
	}
}

func cloneDecision(d Decision) Decision {
	d.Metadata = maps.Clone(d.Metadata)
	return d
}

type decisionCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[string]*list.Element
}

type cacheItem struct {
	key   string
	value Decision
}

func newDecisionCache(capacity int) *decisionCache {
	return &decisionCache{
		max:     capacity,
		order:   list.New(),
		entries: make(map[string]*list.Element, capacity),
	}
}

func (c *decisionCache) Get(key string) (Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[key]
	if !ok {
		return Decision{}, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(cacheItem).value, true
}

func (c *decisionCache) Add(key string, value Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value = cacheItem{key: key, value: value}
		c.order.MoveToFront(elem)
		return
	}
	c.entries[key] = c.order.PushFront(cacheItem{key: key, value: value})
	if c.order.Len() <= c.max {
		return
	}
	if tail := c.order.Back(); tail != nil {
		c.order.Remove(tail)
		delete(c.entries, tail.Value.(cacheItem).key)
	}
}

func (c *decisionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *decisionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[string]*list.Element, c.max)
}
