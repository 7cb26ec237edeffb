package format

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBytes(t *testing.T) {
	cases := []struct {
		in   uint64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.00 KB"},
		{1536, "1.50 KB"},
		{1024 * 1024, "1.00 MB"},
		{5 * 1024 * 1024 * 1024, "5.00 GB"},
	}
	for _, c := range cases {
		require.Equal(t, c.want, Bytes(c.in))
	}
}

func TestDuration(t *testing.T) {
	require.Equal(t, "150ms", Duration(150*time.Millisecond))
	require.Equal(t, "5s", Duration(5*time.Second))
	require.Equal(t, "2m30s", Duration(150*time.Second))
	require.Equal(t, "1h1m5s", Duration(time.Hour+time.Minute+5*time.Second))
}

func TestTimeAgo(t *testing.T) {
	require.Equal(t, "never", TimeAgo(time.Time{}))
	require.Contains(t, TimeAgo(time.Now().Add(-30*time.Second)), "s ago")
	require.Contains(t, TimeAgo(time.Now().Add(-2*time.Hour)), "h ago")
}
