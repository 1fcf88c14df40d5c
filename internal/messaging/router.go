package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/BTreeMap/RemindPipe/internal/models"
)

// Router sends each channel type through the transport registered for it.
type Router struct {
	routes map[models.ChannelType]Transport
}

var _ Transport = (*Router)(nil)

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{routes: make(map[models.ChannelType]Transport)}
}

// Handle registers t for the given channel types, replacing earlier registrations.
func (r *Router) Handle(t Transport, channels ...models.ChannelType) *Router {
	for _, ch := range channels {
		r.routes[ch] = t
	}
	return r
}

// Channels returns the channel types with a registered transport, sorted.
func (r *Router) Channels() []models.ChannelType {
	out := make([]models.ChannelType, 0, len(r.routes))
	for ch := range r.routes {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Send implements Transport.
func (r *Router) Send(ctx context.Context, channel models.ChannelType, address, content string) (SendResult, error) {
	t, ok := r.routes[channel]
	if !ok {
		slog.Warn("Router.Send: no transport for channel", "channel", channel)
		return SendResult{}, transportError(channel, fmt.Errorf("no transport configured"))
	}
	return t.Send(ctx, channel, address, content)
}
