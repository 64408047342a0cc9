package metadata

import (
	"net/http"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAccumulatesRepeatedKeys(t *testing.T) {
	h := New("role", "admin", "role", "auditor", "tenant", "acme")

	assert.Equal(t, []string{"admin", "auditor"}, h.Values("role"))
	assert.Equal(t, "admin", h.Get("role"))
	assert.Equal(t, "acme", h.Get("tenant"))
	assert.Equal(t, "", h.Get("missing"))
	assert.False(t, h.Has("missing"))
}

func TestCloneDoesNotAlias(t *testing.T) {
	original := Headers{"a": {"1"}, "b": {"2", "3"}}
	clone := original.Clone()
	clone["a"][0] = "changed"
	clone["b"] = append(clone["b"], "4")

	assert.Equal(t, "1", original.Get("a"))
	assert.Len(t, original["b"], 2)
}

func TestCloneEmpty(t *testing.T) {
	var h Headers
	cloned := h.Clone()
	require.NotNil(t, cloned)
	assert.Empty(t, cloned)
}

func TestWithAndWithAll(t *testing.T) {
	base := Headers{"foo": {"bar"}}
	enriched := base.With("baz", "qux", "quux")
	assert.False(t, base.Has("baz"))
	assert.Equal(t, []string{"qux", "quux"}, enriched.Values("baz"))

	merged := enriched.WithAll(Headers{"alpha": {"beta"}, "foo": {"override"}})
	assert.Equal(t, "beta", merged.Get("alpha"))
	assert.Equal(t, "override", merged.Get("foo"))
	assert.Equal(t, "bar", enriched.Get("foo"))
}

func TestKeysSorted(t *testing.T) {
	h := New("c", "1", "a", "2", "b", "3")
	assert.Equal(t, []string{"a", "b", "c"}, h.Keys())
}

func TestHTTPConversions(t *testing.T) {
	header := http.Header{}
	header.Add("Authorization", "Bearer token")
	header.Add("X-Scope", "read")
	header.Add("X-Scope", "write")

	h := FromHTTP(header)
	assert.Equal(t, "Bearer token", h.Get("Authorization"))
	assert.Equal(t, []string{"read", "write"}, h.Values("X-Scope"))

	header.Set("Authorization", "mutated")
	assert.Equal(t, "Bearer token", h.Get("Authorization"))

	back := New("x-tenant", "acme").ToHTTP()
	assert.Equal(t, "acme", back.Get("X-Tenant"))

	assert.Empty(t, FromHTTP(nil))
}

func TestToAndFromWatermill(t *testing.T) {
	h := Headers{"tenant": {"acme"}, "role": {"admin", "auditor"}}
	wm := ToWatermill(h)
	assert.Equal(t, "acme", wm["header.tenant"])

	wm["partition"] = "p-1"
	roundTrip := FromWatermill(wm)
	assert.Equal(t, h, roundTrip)
	assert.False(t, roundTrip.Has("partition"))

	assert.Empty(t, ToWatermill(nil))
}

func TestFromWatermillEmpty(t *testing.T) {
	h := FromWatermill(nil)
	require.NotNil(t, h)
	assert.Empty(t, h)
}

func TestCopyToWatermill(t *testing.T) {
	msg := message.NewMessage("uuid", nil)
	CopyToWatermill(msg, New("tenant", "acme"))
	assert.Equal(t, "acme", msg.Metadata.Get("header.tenant"))

	assert.NotPanics(t, func() { CopyToWatermill(nil, New("a", "b")) })
}
