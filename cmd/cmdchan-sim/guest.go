package main

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"

	"github.com/joeycumines/go-cmdchan"
	"github.com/joeycumines/go-cmdchan/command"
	"github.com/joeycumines/go-cmdchan/guestmem"
	"github.com/joeycumines/go-cmdchan/ring"
)

// guest drives a channel the way a guest driver would: it writes commands to
// the ring, rings the doorbell when the worker is not processing, and counts
// completion interrupts.
type guest struct {
	cfg       ProducerConfig
	logger    *logiface.Logger[logiface.Event]
	ch        *cmdchan.Channel
	producer  *ring.Producer
	mem       *guestmem.Memory
	irqs      atomic.Int64
	irq       chan struct{}
	limit     uint32
	fillLen   uint16
	written   int64
	cancelled int64
	buffers   int64
}

type guestStats struct {
	Written   int64
	Cancelled int64
	Buffers   int64
	IRQs      int64
}

// newGuest splits the region below ringOffset in two: ring commands fill
// the lower half and synchronous buffers the upper.
func newGuest(cfg ProducerConfig, logger *logiface.Logger[logiface.Event], producer *ring.Producer, mem *guestmem.Memory, ringOffset uint32) *guest {
	limit := ringOffset / 2
	return &guest{
		cfg:      cfg,
		logger:   logger,
		producer: producer,
		mem:      mem,
		irq:      make(chan struct{}, 1),
		limit:    limit - limit%cfg.FillSize,
		fillLen:  uint16(len(command.AppendPagingFill(nil, 0, 0, 0))),
	}
}

// interrupt is the command completion hook.
func (g *guest) interrupt() {
	g.irqs.Add(1)
	select {
	case g.irq <- struct{}{}:
	default:
	}
}

// prepare stores one paging fill per guest page, for sysmem commands to
// point at.
func (g *guest) prepare() {
	pages := uint32(g.mem.Size() / guestmem.PageSize)
	for pfn := range pages {
		fill := command.AppendPagingFill(nil, g.fillOffset(int(pfn)), g.cfg.FillSize, pfn)
		copy(g.mem.Page(pfn), fill)
	}
}

func (g *guest) fillOffset(i int) uint32 {
	return uint32(i) * g.cfg.FillSize % g.limit
}

func (g *guest) bufferOffset(i int) uint64 {
	return uint64(g.limit + g.fillOffset(i))
}

func (g *guest) run(ctx context.Context, ringOffset uint32) (guestStats, error) {
	if err := g.ch.Enable(ctx, ringOffset, false); err != nil {
		return guestStats{}, fmt.Errorf("enable: %w", err)
	}
	start := time.Now()
	pages := int(g.mem.Size() / guestmem.PageSize)

	for i := range g.cfg.Commands {
		if g.cfg.BufferEvery > 0 && i%g.cfg.BufferEvery == 0 {
			fill := command.AppendBpbFill(nil, g.bufferOffset(i), g.cfg.FillSize, uint32(i))
			err := g.ch.ExecBuffer(ctx, cmdchan.BufferDescriptor{
				Flags:  cmdchan.BufferInline,
				Inline: fill,
				Size:   uint32(len(fill)),
			})
			if err != nil {
				return g.stats(), fmt.Errorf("buffer %d: %w", i, err)
			}
			g.buffers++
		}

		var cmd []byte
		switch i % 3 {
		case 0:
			cmd = command.AppendPagingFill(nil, g.fillOffset(i), g.cfg.FillSize, uint32(i))
		case 1:
			cmd = command.AppendOpaque(nil, command.OpNopCmd, nil)
		default:
			pfn := uint64(i % pages)
			cmd = command.AppendSysmem(nil, pfn*guestmem.PageSize, g.fillLen)
		}

		e, err := g.write(ctx, cmd)
		if err != nil {
			return g.stats(), err
		}
		g.written++
		if g.cfg.CancelEvery > 0 && i%g.cfg.CancelEvery == 0 && e.Cancel() {
			g.cancelled++
		}
	}

	if err := g.drain(ctx); err != nil {
		return g.stats(), err
	}
	g.logger.Info().
		Int64("commands", g.written).
		Int64("cancelled", g.cancelled).
		Int64("buffers", g.buffers).
		Dur("elapsed", time.Since(start)).
		Log("workload complete")
	return g.stats(), nil
}

// write publishes cmd, backing off while the ring is full.
func (g *guest) write(ctx context.Context, cmd []byte) (*ring.Entry, error) {
	for {
		e, err := g.producer.Write(cmd)
		if err == nil {
			g.doorbell()
			return e, nil
		}
		if !errors.Is(err, ring.ErrFull) {
			return nil, err
		}
		g.doorbell()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(g.cfg.Backoff):
		}
	}
}

func (g *guest) doorbell() {
	if g.producer.Events()&ring.EventProcessing == 0 {
		g.ch.CheckForNewRingData()
	}
}

// drain waits for an interrupt for every command that was not cancelled.
func (g *guest) drain(ctx context.Context) error {
	want := g.written - g.cancelled
	for g.irqs.Load() < want {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.irq:
		case <-time.After(g.cfg.Backoff):
			g.doorbell()
		}
	}
	return nil
}

func (g *guest) stats() guestStats {
	return guestStats{
		Written:   g.written,
		Cancelled: g.cancelled,
		Buffers:   g.buffers,
		IRQs:      g.irqs.Load(),
	}
}
