package device

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDescribe(t *testing.T) {
	t.Run("desktop browser", func(t *testing.T) {
		ua := "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
		desc := Describe(ua)
		require.Contains(t, desc, "Chrome 120")
		require.NotContains(t, desc, "(mobile)")
	})

	t.Run("mobile browser flagged", func(t *testing.T) {
		ua := "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"
		desc := Describe(ua)
		require.Contains(t, desc, "(mobile)")
	})

	t.Run("empty input", func(t *testing.T) {
		require.Empty(t, Describe(""))
		require.Empty(t, Describe("   "))
	})
}
