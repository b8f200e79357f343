package bufferpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocateSizeBuckets(t *testing.T) {
	p, err := New(4*1024*1024, 4*1024, 512*1024)
	require.NoError(t, err)

	tests := []struct {
		name string
		size int
	}{
		{"one block", 4 * 1024},
		{"small, rounds up", 1024},
		{"multi block", 200 * 1024},
		{"near max", 500 * 1024},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := p.Allocate(tt.size, PatternZero, 0)
			require.NoError(t, err)
			require.Len(t, buf.Data, tt.size)
			for _, b := range buf.Data {
				require.Equal(t, byte(0), b)
			}
			p.Free(buf)
		})
	}
}

func TestAllocateOverflowsToMempool(t *testing.T) {
	p, err := New(2*1024*1024, 4*1024, 64*1024)
	require.NoError(t, err)

	buf, err := p.Allocate(1024*1024, PatternNone, 0)
	require.NoError(t, err)
	require.True(t, buf.overflow)
	require.Len(t, buf.Data, 1024*1024)
	p.Free(buf)
}

func TestAllocateWord32Pattern(t *testing.T) {
	p, err := New(1024*1024, 4*1024, 64*1024)
	require.NoError(t, err)

	buf, err := p.Allocate(4096, PatternWord32, 0x5A5A5A5A)
	require.NoError(t, err)
	require.Equal(t, byte(0x5A), buf.Data[0])
	p.Free(buf)
}

func TestAllocateZeroPatternAllOnesWhenValueNonZero(t *testing.T) {
	p, err := New(1024*1024, 4*1024, 64*1024)
	require.NoError(t, err)

	buf, err := p.Allocate(4096, PatternZero, 1)
	require.NoError(t, err)
	require.Equal(t, byte(0xFF), buf.Data[0])
	p.Free(buf)
}

func TestAllocateRandomPatternVaries(t *testing.T) {
	p, err := New(1024*1024, 4*1024, 64*1024)
	require.NoError(t, err)

	buf1, err := p.Allocate(4096, PatternRandom, 100)
	require.NoError(t, err)
	buf2, err := p.Allocate(4096, PatternRandom, 100)
	require.NoError(t, err)

	require.NotEqual(t, buf1.Data, buf2.Data)
	p.Free(buf1)
	p.Free(buf2)
}

func TestAllocateRandomPatternHonorsPercentage(t *testing.T) {
	p, err := New(1024*1024, 4*1024, 64*1024)
	require.NoError(t, err)

	buf, err := p.Allocate(4096, PatternRandom, 50)
	require.NoError(t, err)
	for i := 2048; i < 4096; i++ {
		require.Equal(t, byte(0), buf.Data[i], "bytes past the pattern_value percentage must be zero")
	}
	p.Free(buf)
}

func TestAllocateRejectsNonPositiveSize(t *testing.T) {
	p, err := New(1024*1024, 4*1024, 64*1024)
	require.NoError(t, err)

	_, err = p.Allocate(0, PatternNone, 0)
	require.Error(t, err)
}

func TestAllocateArenaExhaustion(t *testing.T) {
	p, err := New(3*4096, 4096, 4096*2)
	require.NoError(t, err)

	var bufs []*Buffer
	for i := 0; i < 10; i++ {
		buf, err := p.Allocate(4096, PatternNone, 0)
		if err != nil {
			require.Greater(t, i, 0, "should allocate at least one block before exhausting")
			return
		}
		bufs = append(bufs, buf)
	}
	t.Fatal("expected arena exhaustion before 10 allocations")
}
