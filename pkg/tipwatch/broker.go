package tipwatch

// broker fans block notifications out to any number of subscribers. Slow
// subscribers get their message delivered from a goroutine so one stalled
// reader cannot hold up the rest.
type broker struct {
	doneChan chan struct{}
	publish  chan *Tip
	sub      chan chan *Tip
	unsub    chan chan *Tip
}

func newBroker() *broker {
	return &broker{
		doneChan: make(chan struct{}),
		publish:  make(chan *Tip, 1),
		sub:      make(chan chan *Tip, 1),
		unsub:    make(chan chan *Tip, 1),
	}
}

func (b *broker) start() {
	subs := make(map[chan *Tip]struct{})
	for {
		select {
		case <-b.doneChan:
			return
		case sub := <-b.sub:
			subs[sub] = struct{}{}
		case unsub := <-b.unsub:
			delete(subs, unsub)
		case msg := <-b.publish:
			for ch := range subs {
				select {
				case ch <- msg:
				default:
					go func(ch chan *Tip) {
						select {
						case <-b.doneChan:
						case ch <- msg:
						}
					}(ch)
				}
			}
		}
	}
}

func (b *broker) stop() {
	close(b.doneChan)
}

func (b *broker) subscribe() chan *Tip {
	msgCh := make(chan *Tip, 1)
	b.sub <- msgCh
	return msgCh
}

func (b *broker) unsubscribe(msgChan chan *Tip) {
	b.unsub <- msgChan
}
