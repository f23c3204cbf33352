package gateway

import (
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aliscie/ic-websocket-gateway/canister"
	"github.com/aliscie/ic-websocket-gateway/codec"
	"github.com/aliscie/ic-websocket-gateway/errors"
	"github.com/aliscie/ic-websocket-gateway/principal"
)

// sinkMap and queueMap are owned solely by the poller task that holds them.
// Clients register via intake messages, never by touching these directly.
type sinkMap map[principal.Principal]Sink

type queueMap map[principal.Principal][]codec.CanisterToClientMessage

// relayBatch delivers each message of a polled batch, in batch order, to its
// client's sink when one is registered and to the client's holding queue
// otherwise. The resume nonce always advances past every message seen, so
// the next poll starts after the batch regardless of where its messages
// landed.
//
// A send failure on a sink means that client's session ended before its
// disconnect reached the poller; it is logged and the batch continues. A
// malformed message key is a structured poison from the backend and fails
// the whole batch.
func relayBatch(batch *canister.CertifiedBatch, queues queueMap, sinks sinkMap, nonce *uint64, log *zap.SugaredLogger) error {
	for _, m := range batch.Messages {
		msgNonce, err := nonceFromKey(m.Key)
		if err != nil {
			return err
		}

		toClient := codec.CanisterToClientMessage{
			Key:     m.Key,
			Content: m.Content,
			Cert:    batch.Cert,
			Tree:    batch.Tree,
		}

		if sink, ok := sinks[m.ClientPrincipal]; ok {
			if err := sink.Send(ConnectionUpdate{Message: &toClient}); err != nil {
				log.Errorw("client task terminated before relay",
					"client_principal", m.ClientPrincipal.String(),
					"key", m.Key,
				)
			}
		} else {
			queues[m.ClientPrincipal] = append(queues[m.ClientPrincipal], toClient)
			log.Debugw("queued message for unregistered client",
				"client_principal", m.ClientPrincipal.String(),
				"key", m.Key,
			)
		}

		if msgNonce+1 > *nonce {
			*nonce = msgNonce + 1
		}
	}
	return nil
}

// drainQueues flushes, for every client that now has a registered sink, its
// holding queue in FIFO order, then removes the queue entry. Different
// clients drain concurrently since each sink is client-exclusive; all drains
// are awaited before the caller demuxes the next batch, which is what keeps
// queued-before-polled ordering intact per client.
func drainQueues(queues queueMap, sinks sinkMap, log *zap.SugaredLogger) {
	var g errgroup.Group
	for p, queue := range queues {
		p, queue := p, queue
		sink, ok := sinks[p]
		if !ok {
			continue
		}
		g.Go(func() error {
			for _, m := range queue {
				m := m
				if err := sink.Send(ConnectionUpdate{Message: &m}); err != nil {
					log.Errorw("client task terminated while draining queue",
						"client_principal", p.String(),
						"key", m.Key,
					)
					return nil
				}
				log.Debugw("drained queued message",
					"client_principal", p.String(),
					"key", m.Key,
				)
			}
			return nil
		})
		delete(queues, p)
	}
	g.Wait()
}

// nonceFromKey extracts the stream nonce from a gateway-scoped message key
// of the form "<gateway>_<nonce>".
func nonceFromKey(key string) (uint64, error) {
	idx := strings.LastIndexByte(key, '_')
	if idx < 0 || idx == len(key)-1 {
		return 0, errors.Newf("malformed message key %q", key)
	}
	n, err := strconv.ParseUint(key[idx+1:], 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "malformed message key %q", key)
	}
	return n, nil
}
