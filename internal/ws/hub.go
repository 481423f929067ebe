package ws

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans live metric events out to subscribers keyed by tunnel name. The
// empty key subscribes to every tunnel. All map access is confined to the
// run goroutine.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
}

// message couples a payload with the tunnel it concerns.
type message struct {
	tunnelName string
	payload    []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	tunnelName string
	client     Subscriber
}

// allTunnels is the wildcard subscription key.
const allTunnels = ""

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
			if _, ok := h.clients[sub.tunnelName]; !ok {
				h.clients[sub.tunnelName] = make(map[Subscriber]struct{})
			}
			h.clients[sub.tunnelName][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.tunnelName]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.tunnelName)
				}
			}
		case msg := <-h.broadcast:
			h.deliver(msg.tunnelName, msg.payload)
			if msg.tunnelName != allTunnels {
				h.deliver(allTunnels, msg.payload)
			}
		}
	}
}

func (h *Hub) deliver(key string, payload []byte) {
	clients, ok := h.clients[key]
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
		delete(h.clients, key)
	}
}

// Register adds a client to a tunnel stream. An empty name subscribes to all.
func (h *Hub) Register(tunnelName string, client Subscriber) {
	h.register <- subscription{tunnelName: tunnelName, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(tunnelName string, client Subscriber) {
	h.unreg <- subscription{tunnelName: tunnelName, client: client}
}

// Broadcast sends payload to the tunnel's subscribers and to wildcard
// subscribers.
func (h *Hub) Broadcast(tunnelName string, payload []byte) {
	h.broadcast <- message{tunnelName: tunnelName, payload: payload}
}
