package predicate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nilsbertram/portal/predicate"
)

type fakeAttrs map[string]any

func (f fakeAttrs) Attr(name string) (any, bool) {
	v, ok := f[name]
	return v, ok
}

func TestIs(t *testing.T) {
	t.Parallel()

	assert.True(t, predicate.Is("admin").Eval(fakeAttrs{"admin": true}))
	assert.False(t, predicate.Is("admin").Eval(fakeAttrs{"admin": false}))
	assert.False(t, predicate.Is("admin").Eval(fakeAttrs{}))
}

func TestHas(t *testing.T) {
	t.Parallel()

	assert.True(t, predicate.Has("username").Eval(fakeAttrs{"username": ""}))
	assert.False(t, predicate.Has("username").Eval(fakeAttrs{}))
}

func TestIsEqual(t *testing.T) {
	t.Parallel()

	p := predicate.IsEqual("role", "moderator")
	assert.True(t, p.Eval(fakeAttrs{"role": "moderator"}))
	assert.False(t, p.Eval(fakeAttrs{"role": "guest"}))
	assert.False(t, p.Eval(fakeAttrs{}))
}

func TestAnyAllNot(t *testing.T) {
	t.Parallel()

	attrs := fakeAttrs{"admin": false, "moderator": true}

	assert.True(t, predicate.Any(predicate.Is("admin"), predicate.Is("moderator")).Eval(attrs))
	assert.False(t, predicate.All(predicate.Is("admin"), predicate.Is("moderator")).Eval(attrs))
	assert.True(t, predicate.Not(predicate.Is("admin")).Eval(attrs))

	assert.False(t, predicate.Any().Eval(attrs))
	assert.True(t, predicate.All().Eval(attrs))
}

func TestMissingAttributeNeverPanics(t *testing.T) {
	t.Parallel()

	attrs := fakeAttrs{}
	assert.NotPanics(t, func() {
		predicate.IsEqual("missing", 42).Eval(attrs)
		predicate.Is("missing").Eval(attrs)
	})
}
