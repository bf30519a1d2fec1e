package policy

import (
	"context"
	"fmt"
	"testing"

	"github.com/open-policy-agent/opa/rego"
)

const defaultPolicyAssertionsRego = `
package memories.tests

import future.keywords.if

# --- authz assertions ---

test_allow_own_tenant if {
	data.memories.authz.allow with input as {
		"operation": "write",
		"namespace": ["tenant", "alice", "technical"],
		"key": "note-1",
		"context": {"tenant_id": "alice"}
	}
}

test_deny_other_tenant if {
	not data.memories.authz.allow with input as {
		"operation": "read",
		"namespace": ["tenant", "bob", "technical"],
		"key": "note-1",
		"context": {"tenant_id": "alice"}
	}
}

test_deny_non_tenant_namespace if {
	not data.memories.authz.allow with input as {
		"operation": "write",
		"namespace": ["org", "alice", "technical"],
		"key": "note-1",
		"context": {"tenant_id": "alice"}
	}
}

# --- attribute extraction assertions ---

test_extracts_tenant if {
	data.memories.attributes.attributes with input as {
		"namespace": ["tenant", "alice", "technical"],
		"key": "k1",
		"value": {"text": "hello"},
		"attributes": {"foo": "bar"}
	} == {"tenant": "alice"}
}

# --- filter injection assertions ---

test_filter_narrows_prefix_to_tenant if {
	data.memories.filter with input as {
		"namespace_prefix": ["tenant"],
		"filter": {},
		"context": {"tenant_id": "alice"}
	} == {
		"namespace_prefix": ["tenant", "alice"],
		"attribute_filter": {"tenant": "alice"}
	}
}

test_filter_keeps_narrower_prefix if {
	data.memories.filter with input as {
		"namespace_prefix": ["tenant", "alice", "technical"],
		"filter": {},
		"context": {"tenant_id": "alice"}
	} == {
		"namespace_prefix": ["tenant", "alice", "technical"],
		"attribute_filter": {"tenant": "alice"}
	}
}

test_filter_rejects_cross_tenant_prefix if {
	data.memories.filter with input as {
		"namespace_prefix": ["tenant", "bob"],
		"filter": {"topic": "python"},
		"context": {"tenant_id": "alice"}
	} == {
		"namespace_prefix": ["tenant", "alice"],
		"attribute_filter": {"tenant": "alice"}
	}
}
`

func TestDefaultPoliciesRegoAssertions(t *testing.T) {
	modules := map[string]string{
		"authz.rego":      defaultAuthzRego,
		"attributes.rego": defaultAttrExtractRego,
		"filter.rego":     defaultFilterInjectRego,
		"tests.rego":      defaultPolicyAssertionsRego,
	}
	testRules := []string{
		"test_allow_own_tenant",
		"test_deny_other_tenant",
		"test_deny_non_tenant_namespace",
		"test_extracts_tenant",
		"test_filter_narrows_prefix_to_tenant",
		"test_filter_keeps_narrower_prefix",
		"test_filter_rejects_cross_tenant_prefix",
	}

	for _, rule := range testRules {
		t.Run(rule, func(t *testing.T) {
			query := fmt.Sprintf("data.memories.tests.%s", rule)
			if !evalRegoBoolean(t, modules, query) {
				t.Fatalf("rego assertion failed: %s", query)
			}
		})
	}
}

func evalRegoBoolean(t *testing.T, modules map[string]string, query string) bool {
	t.Helper()
	opts := []func(*rego.Rego){rego.Query(query)}
	for name, src := range modules {
		opts = append(opts, rego.Module(name, src))
	}

	r := rego.New(opts...)
	results, err := r.Eval(context.Background())
	if err != nil {
		t.Fatalf("eval %s: %v", query, err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		t.Fatalf("eval %s: no result", query)
	}
	v, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		t.Fatalf("eval %s: expected bool, got %T", query, results[0].Expressions[0].Value)
	}
	return v
}
