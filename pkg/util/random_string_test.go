package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRandomStringIsSeeded(t *testing.T) {
	a := CreateRandomStringGenerator(7)
	b := CreateRandomStringGenerator(7)

	for i := 0; i < 5; i++ {
		assert.Equal(t, a.GetRandomString(6), b.GetRandomString(6))
	}
}

func TestRandomStringAlphabet(t *testing.T) {
	g := CreateRandomStringGenerator(1)
	s := g.GetRandomString(256)

	assert.Len(t, []rune(s), 256)
	assert.False(t, strings.ContainsAny(s, "0OlI"))
}
