package keyword

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenInSet(t *testing.T) {
	assert := assert.New(t)

	keywords := []string{
		"example",
		"bunch",
	}

	assert.True(TokenInSet("example", keywords))
	assert.False(TokenInSet("Example", keywords))
	assert.False(TokenInSet("elephant", keywords))
}

func TestContainsPhrase(t *testing.T) {
	assert := assert.New(t)

	fixtures := []struct {
		text   string
		phrase string
		out    bool
	}{
		{text: "", phrase: "idiot", out: false},
		{text: "you idiot", phrase: "idiot", out: true},
		{text: "You IDIOT!!", phrase: "idiot", out: true},
		{text: "idiotic take", phrase: "idiot", out: false},
		{text: "i will find you", phrase: "find you", out: true},
		{text: "find the thing you lost", phrase: "find you", out: false},
		{text: "anything", phrase: "", out: false},
	}

	for _, fix := range fixtures {
		assert.Equal(fix.out, ContainsPhrase(TokenizeText(fix.text), TokenizePhrase(fix.phrase)), fix.text)
	}
}
