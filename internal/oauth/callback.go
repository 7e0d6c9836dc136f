package oauth

import (
	"net"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CallbackParams are the query parameters delivered by the redirect
// endpoint.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// LocalRedirectURI builds the redirect URI registered with authorization
// servers for a gateway listening on listenAddr. The host is always
// "localhost" regardless of the bind host: providers whitelist the literal
// redirect URI, and a wildcard bind like ":8080" has no usable host at all.
func LocalRedirectURI(listenAddr string) string {
	_, port, err := net.SplitHostPort(listenAddr)
	if err != nil || port == "" {
		return "http://localhost/oauth/callback"
	}
	return "http://localhost:" + port + "/oauth/callback"
}

// CallbackBroker fans redirect deliveries out to every waiting authorization
// run. More than one authorization attempt can be outstanding at once;
// each waiter matches on its own state nonce.
type CallbackBroker struct {
	mu      sync.Mutex
	waiters map[string]chan CallbackParams
	logger  *zap.Logger
}

// NewCallbackBroker creates an empty broker.
func NewCallbackBroker(logger *zap.Logger) *CallbackBroker {
	return &CallbackBroker{
		waiters: make(map[string]chan CallbackParams),
		logger:  logger.Named("oauth-callback"),
	}
}

// Subscribe registers a waiter and returns its id and delivery channel.
// The channel is buffered so Deliver never blocks on a slow waiter.
func (b *CallbackBroker) Subscribe() (string, <-chan CallbackParams) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.NewString()
	ch := make(chan CallbackParams, 1)
	b.waiters[id] = ch
	return id, ch
}

// Unsubscribe removes a waiter. Safe to call after delivery.
func (b *CallbackBroker) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.waiters, id)
}

// Deliver forwards params to every current waiter and returns how many
// received it. A waiter whose buffer is already full is skipped; it has a
// delivery pending that it has not consumed yet.
func (b *CallbackBroker) Deliver(params CallbackParams) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	delivered := 0
	for id, ch := range b.waiters {
		select {
		case ch <- params:
			delivered++
		default:
			b.logger.Warn("callback waiter buffer full, skipping",
				zap.String("waiter", id))
		}
	}
	b.logger.Debug("callback delivered to waiters",
		zap.Int("waiters", delivered),
		zap.Bool("has_error", params.Error != ""))
	return delivered
}

// WaiterCount returns the number of subscribed waiters.
func (b *CallbackBroker) WaiterCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiters)
}
