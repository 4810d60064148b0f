package nvm

import (
	"errors"
	"slices"
	"testing"
)

func TestChunks(t *testing.T) {
	type chunk struct {
		offset uint32
		start  int
		n      int
		last   bool
	}

	tests := []struct {
		name     string
		offset   uint32
		length   int
		expected []chunk
	}{
		{"empty", 0, 0, nil},
		{"inside one sector", 0x10, 0x20, []chunk{{0x10, 0, 0x20, true}}},
		{"whole sector", 0x1000, SectorSize, []chunk{{0x1000, 0, SectorSize, true}}},
		{"straddling", 0x0FF0, 0x20, []chunk{{0x0FF0, 0, 0x10, false}, {0x1000, 0x10, 0x10, true}}},
		{"spanning", 0x0800, 2 * SectorSize, []chunk{
			{0x0800, 0, 0x800, false},
			{0x1000, 0x800, SectorSize, false},
			{0x2000, 0x1800, 0x800, true},
		}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var got []chunk
			err := chunks(test.offset, test.length, func(offset uint32, start, n int, last bool) error {
				got = append(got, chunk{offset, start, n, last})
				return nil
			})
			if err != nil {
				t.Fatal(err)
			}
			if !slices.Equal(got, test.expected) {
				t.Errorf("chunks(%#x, %d) = %+v, expected %+v", test.offset, test.length, got, test.expected)
			}
		})
	}
}

func TestChunksNegativeLength(t *testing.T) {
	called := false
	err := chunks(0, -1, func(uint32, int, int, bool) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrRange) {
		t.Errorf("expected ErrRange, got %v", err)
	}
	if called {
		t.Error("callback invoked for a negative length")
	}
}
