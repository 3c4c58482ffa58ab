package ewf

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// VerifyAll re-reads every chunk and confirms its stored CRC32 matches
// the decompressed plaintext, surfacing the first ChecksumError/IoError
// encountered (spec.md §8 invariant 1). It runs under a single shared
// read lock — concurrency comes from overlapping I/O and decompression
// across chunks, not from racing against a concurrent writer, mirroring
// distr1/distri's errgroup fan-out for independent per-item work.
func (h *Handle) VerifyAll(ctx context.Context) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	chunkCount := h.tbl.Len()
	g, ctx := errgroup.WithContext(ctx)
	for k := 0; k < chunkCount; k++ {
		k := k
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			_, err := h.ReadChunk(uint64(k))
			return err
		})
	}
	return g.Wait()
}
