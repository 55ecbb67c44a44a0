package sipmsg

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
)

func TestRefTakeRelease(t *testing.T) {
	res := &sip.Response{}
	r := NewRef(res)
	assert.EqualValues(t, 1, r.Count())

	got := r.Take()
	assert.Same(t, res, got)
	assert.EqualValues(t, 2, r.Count())

	assert.EqualValues(t, 1, r.Release())
	assert.EqualValues(t, 0, r.Release())
}

func TestNilRefIsSafe(t *testing.T) {
	var r *Ref
	assert.Nil(t, r.Take())
	assert.EqualValues(t, 0, r.Release())
	assert.EqualValues(t, 0, r.Count())
	assert.Nil(t, r.Response())
}
