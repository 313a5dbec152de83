package bytes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConversions(t *testing.T) {
	tests := []struct {
		name string
		s    string
	}{
		{"empty", ""},
		{"command", "TOPOLOGY"},
		{"unicode", "日本語"},
		{"graph", "[fe:07000:0:1[be:07001:1:0]]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := StringToBytes(tt.s)
			if tt.s == "" {
				assert.Nil(t, b)
			} else {
				assert.Equal(t, []byte(tt.s), b)
			}
			assert.Equal(t, tt.s, BytesToString([]byte(tt.s)))
		})
	}
	assert.Equal(t, "", BytesToString(nil))
}

func BenchmarkBytesToString(b *testing.B) {
	buf := []byte("STREAMS")
	for i := 0; i < b.N; i++ {
		_ = BytesToString(buf)
	}
}
