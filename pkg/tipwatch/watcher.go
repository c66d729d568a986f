package tipwatch

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/go-zeromq/zmq4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Tip is one new block announcement.
type Tip struct {
	Hash   chainhash.Hash
	Header wire.BlockHeader
	SeenAt time.Time
}

// Watcher subscribes to a node's zmq rawblock feed and fans new tips out to
// subscribers. A stalled feed is logged but not treated as fatal; the node
// may simply be between blocks.
type Watcher struct {
	host   string
	logger *zap.Logger
	broker *broker
}

func NewWatcher(host string, logger *zap.Logger) *Watcher {
	b := newBroker()
	go b.start()
	if !strings.HasPrefix(host, "tcp://") {
		host = "tcp://" + host
	}
	return &Watcher{host: host, logger: logger, broker: b}
}

func (w *Watcher) Subscribe() chan *Tip {
	return w.broker.subscribe()
}

func (w *Watcher) UnSubscribe(channel chan *Tip) {
	w.broker.unsubscribe(channel)
}

func (w *Watcher) Stop() {
	w.broker.stop()
}

func (w *Watcher) Start(ctx context.Context) error {
	sub := zmq4.NewSub(ctx)
	err := sub.Dial(w.host)
	if err != nil {
		return errors.Wrap(err, "could not dial")
	}

	err = sub.SetOption(zmq4.OptionSubscribe, "rawblock")
	if err != nil {
		return errors.Wrap(err, "could not subscribe")
	}

	var mu sync.RWMutex
	var lastBlockAt time.Time

	doneChan := make(chan struct{})
	defer close(doneChan)

	go func() {
		tick := time.NewTicker(time.Hour)
		defer tick.Stop()
		for {
			select {
			case <-doneChan:
				return
			case <-tick.C:
				mu.RLock()
				last := lastBlockAt
				mu.RUnlock()

				if time.Since(last) > time.Hour {
					w.logger.Warn("no block seen in over an hour",
						zap.Time("last_block_at", last))
				}
			}
		}
	}()

	for {
		msg, err := sub.Recv()
		if err != nil {
			return errors.Wrap(err, "could not receive message")
		}

		if len(msg.Frames) < 2 {
			return errors.New("unexpected message frames")
		}

		var header wire.BlockHeader
		if err := header.Deserialize(bytes.NewReader(msg.Frames[1])); err != nil {
			return errors.Wrap(err, "bad block detected")
		}

		tip := &Tip{Hash: header.BlockHash(), Header: header, SeenAt: time.Now()}
		w.logger.Info("new tip", zap.Stringer("hash", &tip.Hash))
		w.broker.publish <- tip

		mu.Lock()
		lastBlockAt = tip.SeenAt
		mu.Unlock()
	}
}
