package engine

import (
	"context"
	"encoding/json"
	"testing"
)

// BenchmarkSequencer_Dispatch measures handler dispatch without the channel.
func BenchmarkSequencer_Dispatch(b *testing.B) {
	seq := NewSequencer(1)
	seq.Register("noop", func(context.Context, Command) (any, error) { return nil, nil })
	ctx := context.Background()
	cmd := Command{Name: "noop"}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		cmd.Seq = uint64(i + 1)
		seq.dispatch(ctx, cmd)
	}
}

// BenchmarkSequencer_FullPipeline measures end-to-end submission.
// Note: This benchmark includes channel overhead.
func BenchmarkSequencer_FullPipeline(b *testing.B) {
	seq := NewSequencer(128)
	seq.Register("echo", echo)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go seq.Run(ctx)

	payload := json.RawMessage(`{"n":1}`)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, err := seq.Submit(ctx, "echo", caller, payload); err != nil {
			b.Fatal(err)
		}
	}
}
