package utils

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeMessageID(t *testing.T) {
	assert.Equal(t, "abc@example.com", NormalizeMessageID("<abc@example.com>"))
	assert.Equal(t, "abc@example.com", NormalizeMessageID(" abc@example.com "))
}

func TestTruncateUTF8(t *testing.T) {
	t.Run("short string untouched", func(t *testing.T) {
		assert.Equal(t, "hello", TruncateUTF8("hello", 10))
	})

	t.Run("cuts at byte limit", func(t *testing.T) {
		assert.Equal(t, "hello", TruncateUTF8("hello world", 5))
	})

	t.Run("never splits a rune", func(t *testing.T) {
		// é is two bytes, cutting at 3 would split the second é
		s := "é" + "é"
		got := TruncateUTF8(s, 3)
		assert.Equal(t, "é", got)
		assert.True(t, utf8.ValidString(got))
	})

	t.Run("zero and negative caps", func(t *testing.T) {
		assert.Equal(t, "", TruncateUTF8("hello", 0))
		assert.Equal(t, "", TruncateUTF8("hello", -1))
	})

	t.Run("large body stays valid", func(t *testing.T) {
		body := strings.Repeat("日本語テキスト", 200)
		got := TruncateUTF8(body, 2048)
		assert.LessOrEqual(t, len(got), 2048)
		assert.True(t, utf8.ValidString(got))
	})
}
