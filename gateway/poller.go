package gateway

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aliscie/ic-websocket-gateway/canister"
	"github.com/aliscie/ic-websocket-gateway/codec"
	"github.com/aliscie/ic-websocket-gateway/principal"
	"github.com/aliscie/ic-websocket-gateway/telemetry"
)

// Poller periodically polls one canister for outbound messages and fans them
// out to the client sessions registered with it. There is at most one poller
// per canister; it exists from the first client's arrival until the last
// client's departure or a fatal backend error.
type Poller struct {
	canisterID principal.Principal
	client     *canister.Client
	interval   time.Duration
	analyzer   *telemetry.Analyzer
	log        *zap.SugaredLogger
}

// NewPoller creates a poller for canisterID. interval is the pause before
// each poll.
func NewPoller(canisterID principal.Principal, client *canister.Client, interval time.Duration, analyzer *telemetry.Analyzer, log *zap.SugaredLogger) *Poller {
	return &Poller{
		canisterID: canisterID,
		client:     client,
		interval:   interval,
		analyzer:   analyzer,
		log:        log.With("canister_id", canisterID.String()),
	}
}

// pollResult carries one completed poll iteration back into the loop. batch
// is nil when the iteration produced nothing deliverable (transient error,
// empty batch, or everything filtered).
type pollResult struct {
	batch *canister.CertifiedBatch
	event telemetry.Event
}

// Run drives the poll loop. firstClient and firstSink are the client whose
// arrival spawned this poller: registering it before the first poll
// guarantees the registered-client set is never empty while the poller runs,
// and gives the first-iteration filter its marker.
//
// intake receives registrations and disconnects from the connection manager;
// termination receives exactly one TerminationInfo before Run returns,
// except when ctx is cancelled (process shutdown).
func (p *Poller) Run(ctx context.Context, intake <-chan IntakeEvent, termination chan<- TerminationInfo, firstClient principal.Principal, firstSink Sink) {
	// Polling starts from nonce 0. The canister responds to nonce 0 with the
	// tail of its queue, which may still hold messages addressed to sessions
	// of a previous gateway process; the first-iteration filter discards
	// those.
	var messageNonce uint64
	var pollingIteration uint64

	sinks := sinkMap{firstClient: firstSink}
	queues := queueMap{}

	p.log.Infow("poller started", "first_client", firstClient.String())

	// The in-flight poll survives intake turns: an arriving client must not
	// restart the sleep or the backend call. One poll is in flight at a
	// time; pollDone is buffered so an abandoned result never leaks the
	// goroutine.
	pollDone := make(chan pollResult, 1)
	go p.pollOnce(ctx, messageNonce, pollingIteration, firstClient, pollDone)

	for {
		select {
		case <-ctx.Done():
			p.log.Infow("poller stopping on shutdown")
			return

		case ev := <-intake:
			switch ev.Kind {
			case IntakeNewClient:
				p.log.Debugw("client registered with poller", "client_principal", ev.Principal.String())
				sinks[ev.Principal] = ev.Sink
			case IntakeClientDisconnected:
				p.log.Debugw("client removed from poller", "client_principal", ev.Principal.String())
				delete(sinks, ev.Principal)
				delete(queues, ev.Principal)
				if len(sinks) == 0 {
					p.log.Infow("terminating poller, no clients connected")
					p.signalTermination(ctx, termination, TerminationLastClientDisconnected)
					return
				}
			}

		case res := <-pollDone:
			// Holding queues drain before the fresh batch, even when the
			// batch is empty: a sink registered since the last turn may have
			// queued messages waiting.
			drainQueues(queues, sinks, p.log)

			if res.batch != nil {
				p.analyzer.Record(res.event.Finish())
				if err := relayBatch(res.batch, queues, sinks, &messageNonce, p.log); err != nil {
					p.log.Errorw("fatal relay failure", "error", err)
					p.signalTermination(ctx, termination, TerminationBackendError)
					broadcastError(sinks, err, p.log)
					return
				}
				// Only iterations that returned messages count.
				pollingIteration++
			}

			go p.pollOnce(ctx, messageNonce, pollingIteration, firstClient, pollDone)
		}
	}
}

// pollOnce sleeps one interval, fetches messages starting at nonce, applies
// the first-iteration filter, and reports on done. Backend and decode
// failures are transient here: the iteration is dropped and the loop
// schedules the next one.
func (p *Poller) pollOnce(ctx context.Context, nonce, iteration uint64, firstClient principal.Principal, done chan<- pollResult) {
	event := telemetry.NewEvent(telemetry.TagPollerIteration, fmt.Sprintf("%s#%d", p.canisterID.String(), iteration))

	select {
	case <-time.After(p.interval):
	case <-ctx.Done():
		return
	}

	batch, err := p.client.GetMessages(ctx, p.canisterID, nonce)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Warnw("poll iteration failed", "nonce", nonce, "error", err)
		}
		done <- pollResult{}
		return
	}

	messages := batch.Messages
	if nonce == 0 {
		filtered, err := filterFirstIteration(messages, firstClient)
		if err != nil {
			p.log.Warnw("dropping undecodable first-iteration batch", "error", err)
			done <- pollResult{}
			return
		}
		p.log.Debugw("first-iteration filter applied",
			"polled", len(messages),
			"kept", len(filtered),
		)
		messages = filtered
	}

	if len(messages) == 0 {
		done <- pollResult{}
		return
	}
	batch.Messages = messages
	done <- pollResult{batch: batch, event: event}
}

// filterFirstIteration handles the gateway-restart race: on the first poll
// the canister returns the tail of its queue, which can include messages
// addressed to sessions of the previous gateway process. The OpenMessage of
// the client that spawned this poller is the earliest point at which gateway
// and canister agree that this process generation has begun, so everything
// older is discarded. When the marker is absent the whole batch is old and
// is discarded; the next iteration retries.
//
// The marker assumes firstClient's previous-generation OpenMessage is no
// longer sitting in the canister queue when the gateway restarts; matching
// is by principal alone because the wire OpenMessage does not carry the
// session nonce.
func filterFirstIteration(messages []canister.OutputMessage, firstClient principal.Principal) ([]canister.OutputMessage, error) {
	for i := len(messages) - 1; i >= 0; i-- {
		var wm codec.WebsocketMessage
		if err := codec.Decode(messages[i].Content, &wm); err != nil {
			return nil, err
		}
		if !wm.IsServiceMessage {
			continue
		}
		sm, err := codec.DecodeServiceMessage(wm.Content)
		if err != nil {
			return nil, err
		}
		if sm.Open != nil && sm.Open.ClientPrincipal == firstClient {
			return messages[i:], nil
		}
	}
	return nil, nil
}

// broadcastError tells every registered session that the poller is dying and
// the connection must close.
func broadcastError(sinks sinkMap, err error, log *zap.SugaredLogger) {
	for p, sink := range sinks {
		if sendErr := sink.Send(ConnectionUpdate{Err: err}); sendErr != nil {
			log.Errorw("client task terminated before error broadcast",
				"client_principal", p.String(),
			)
		}
	}
}

func (p *Poller) signalTermination(ctx context.Context, termination chan<- TerminationInfo, reason TerminationReason) {
	select {
	case termination <- TerminationInfo{CanisterID: p.canisterID, Reason: reason}:
	case <-ctx.Done():
		p.log.Errorw("connection manager stopped before termination signal",
			"reason", reason.String(),
		)
	}
}
