package jmux

import (
	"context"
	"io"
	"net"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	"github.com/jmux-project/jmux/pkg/logging"
	"github.com/jmux-project/jmux/pkg/must"
	"github.com/jmux-project/jmux/pkg/stream"
)

// closeWriter is implemented by connections that support half-closure.
// *Channel implements it via CloseWrite; most net.Conn implementations
// backed by TCP do as well.
type closeWriter interface {
	CloseWrite() error
}

// ForwardAndClose relays bytes bidirectionally between a channel and an
// external connection until both directions have seen EOF, one side errors,
// or ctx is cancelled, then closes both. Both arguments must implement
// CloseWrite (closeWriter) or this function panics: that requirement is what
// lets a clean EOF on one side become a half-close on the other, rather than
// a full close that would truncate any data still in flight the other way.
func ForwardAndClose(ctx context.Context, channel *Channel, external net.Conn, logger *logging.Logger) {
	defer must.Close(stream.NewMultiCloser(channel, external), logger)

	externalCloseWriter, ok := external.(closeWriter)
	if !ok {
		panic("external connection does not implement write closure")
	}

	var toChannel, toExternal uint64
	channelWriter := stream.NewAuditWriter(channel, func(n uint64) { atomic.AddUint64(&toChannel, n) })
	externalWriter := stream.NewAuditWriter(external, func(n uint64) { atomic.AddUint64(&toExternal, n) })

	copyErrors := make(chan error, 2)
	go func() {
		_, err := io.Copy(channelWriter, external)
		if err == nil {
			must.CloseWrite(channel, logger)
		}
		copyErrors <- err
	}()
	go func() {
		_, err := io.Copy(externalWriter, channel)
		if err == nil {
			must.CloseWrite(externalCloseWriter, logger)
		}
		copyErrors <- err
	}()

	for i := 0; i < 2; i++ {
		select {
		case err := <-copyErrors:
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}

	logger.Debugf(
		"relay closed: %s to channel, %s to external",
		humanize.Bytes(atomic.LoadUint64(&toChannel)),
		humanize.Bytes(atomic.LoadUint64(&toExternal)),
	)
}
