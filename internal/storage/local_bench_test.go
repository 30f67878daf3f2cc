package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
)

func benchStorage(b *testing.B) *LocalStorage {
	b.Helper()
	ls, err := NewLocalStorage(b.TempDir())
	if err != nil {
		b.Fatal(err)
	}
	return ls
}

func BenchmarkLocalStorage_Store(b *testing.B) {
	for _, size := range []int{1 << 10, 1 << 20} {
		b.Run(fmt.Sprintf("%dB", size), func(b *testing.B) {
			ls := benchStorage(b)
			ctx := context.Background()
			data := bytes.Repeat([]byte("x"), size)
			b.SetBytes(int64(size))
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				key := fmt.Sprintf("generic/bench/pkg/%d/file.bin", i)
				if err := ls.Store(ctx, key, bytes.NewReader(data), "application/octet-stream"); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkLocalStorage_StoreParallel(b *testing.B) {
	ls := benchStorage(b)
	ctx := context.Background()
	data := bytes.Repeat([]byte("x"), 64<<10)
	var n atomic.Int64
	b.SetBytes(int64(len(data)))
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			key := fmt.Sprintf("generic/bench/pkg/%d/file.bin", n.Add(1))
			if err := ls.Store(ctx, key, bytes.NewReader(data), "application/octet-stream"); err != nil {
				b.Fatal(err)
			}
		}
	})
}

func BenchmarkLocalStorage_Retrieve(b *testing.B) {
	ls := benchStorage(b)
	ctx := context.Background()
	data := bytes.Repeat([]byte("x"), 1<<20)
	const key = "generic/bench/pkg/1.0.0/file.bin"
	if err := ls.Store(ctx, key, bytes.NewReader(data), "application/octet-stream"); err != nil {
		b.Fatal(err)
	}

	b.Run("full", func(b *testing.B) {
		b.SetBytes(int64(len(data)))
		for i := 0; i < b.N; i++ {
			rc, err := ls.Retrieve(ctx, key)
			if err != nil {
				b.Fatal(err)
			}
			if _, err := io.Copy(io.Discard, rc); err != nil {
				b.Fatal(err)
			}
			rc.Close()
		}
	})

	b.Run("range", func(b *testing.B) {
		rng := &ByteRange{Start: 4096, End: 4096 + 64<<10 - 1}
		b.SetBytes(rng.Length())
		for i := 0; i < b.N; i++ {
			obj, err := ls.RetrieveRange(ctx, key, rng)
			if err != nil {
				b.Fatal(err)
			}
			if _, err := io.Copy(io.Discard, obj.Body); err != nil {
				b.Fatal(err)
			}
			obj.Body.Close()
		}
	})
}
