package ws

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans ingested metric events out to stream subscribers, keyed by kind.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
}

type message struct {
	kind    string
	payload []byte
}

type subscription struct {
	kind   string
	client Subscriber
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.kind]; !ok {
				h.clients[sub.kind] = make(map[Subscriber]struct{})
			}
			h.clients[sub.kind][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.kind]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.kind)
				}
			}
		case msg := <-h.broadcast:
			h.dispatch(msg.kind, msg.payload)
			h.dispatch("all", msg.payload)
		}
	}
}

func (h *Hub) dispatch(kind string, payload []byte) {
	clients, ok := h.clients[kind]
	if !ok {
		return
	}
	for c := range clients {
		if err := c.Send(payload); err != nil {
			c.Close()
			delete(clients, c)
		}
	}
	if len(clients) == 0 {
		delete(h.clients, kind)
	}
}

// Register adds a client to a kind stream. Kind "all" receives every event.
func (h *Hub) Register(kind string, client Subscriber) {
	h.register <- subscription{kind: kind, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(kind string, client Subscriber) {
	h.unreg <- subscription{kind: kind, client: client}
}

// Broadcast sends payload to subscribers of the event's kind.
func (h *Hub) Broadcast(kind string, payload []byte) {
	h.broadcast <- message{kind: kind, payload: payload}
}
