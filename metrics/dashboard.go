package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

// Message is sent to websocket clients: one "snapshot" with the full history
// on connect, then one "scalar" message per event.
type Message struct {
	Type    string   `json:"type"`
	Scalars []Scalar `json:"scalars"`
}

const clientBuffer = 64

type client struct {
	conn *websocket.Conn
	send chan Message
}

// Dashboard serves the scalar history over HTTP and pushes new events to
// websocket subscribers.
type Dashboard struct {
	rec      *Recorder
	charts   []Chart
	router   *mux.Router
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]bool
	server  *http.Server
}

func NewDashboard(charts []Chart) *Dashboard {
	if charts == nil {
		charts = DefaultCharts
	}
	d := &Dashboard{
		rec:    NewRecorder(),
		charts: charts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*client]bool),
	}

	r := mux.NewRouter()
	r.HandleFunc("/", d.index).Methods(http.MethodGet)
	r.HandleFunc("/api/tags", d.tags).Methods(http.MethodGet)
	r.HandleFunc("/api/scalars", d.scalars).Methods(http.MethodGet)
	r.HandleFunc("/api/scalars/{tag}", d.scalars).Methods(http.MethodGet)
	r.HandleFunc("/plot/{name:[A-Za-z0-9_-]+}.svg", d.plot).Methods(http.MethodGet)
	r.HandleFunc("/ws", d.websocket)
	d.router = r
	return d
}

func (d *Dashboard) Handler() http.Handler { return d.router }

// Start serves the dashboard on addr in the background and returns the bound
// address.
func (d *Dashboard) Start(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	srv := &http.Server{Handler: d.router, ReadHeaderTimeout: 10 * time.Second}
	d.mu.Lock()
	d.server = srv
	d.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Errorf("dashboard server: %v", err)
		}
	}()
	klog.Infof("dashboard listening on http://%s", ln.Addr())
	return ln.Addr().String(), nil
}

func (d *Dashboard) AddScalar(tag string, value float64, step int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Scalar{Tag: tag, Step: step, Value: value, WallTime: time.Now()}
	d.rec.mu.Lock()
	d.rec.scalars = append(d.rec.scalars, s)
	d.rec.mu.Unlock()

	msg := Message{Type: "scalar", Scalars: []Scalar{s}}
	for c := range d.clients {
		select {
		case c.send <- msg:
		default:
			klog.Warningf("dashboard client %s is too slow, disconnecting", c.conn.RemoteAddr())
			d.dropLocked(c)
		}
	}
	return nil
}

// Close stops the server and disconnects all clients.
func (d *Dashboard) Close() error {
	d.mu.Lock()
	for c := range d.clients {
		d.dropLocked(c)
	}
	srv := d.server
	d.mu.Unlock()

	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func (d *Dashboard) dropLocked(c *client) {
	if d.clients[c] {
		delete(d.clients, c)
		close(c.send)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		klog.V(1).Infof("dashboard: write response: %v", err)
	}
}

func (d *Dashboard) tags(w http.ResponseWriter, r *http.Request) {
	tags := d.rec.Tags()
	if tags == nil {
		tags = []string{}
	}
	writeJSON(w, tags)
}

func (d *Dashboard) scalars(w http.ResponseWriter, r *http.Request) {
	tag := mux.Vars(r)["tag"]
	scalars := d.rec.Scalars(tag)
	if tag != "" && len(scalars) == 0 {
		http.Error(w, "unknown tag "+tag, http.StatusNotFound)
		return
	}
	if scalars == nil {
		scalars = []Scalar{}
	}
	writeJSON(w, scalars)
}

func (d *Dashboard) plot(w http.ResponseWriter, r *http.Request) {
	chart, ok := FindChart(d.charts, mux.Vars(r)["name"])
	if !ok {
		http.NotFound(w, r)
		return
	}
	svg, err := RenderSVG(d.rec, chart, 6*vg.Inch, 4*vg.Inch)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Write(svg)
}

func (d *Dashboard) websocket(w http.ResponseWriter, r *http.Request) {
	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		klog.Warningf("dashboard: websocket upgrade: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan Message, clientBuffer)}

	// the snapshot is queued under the same lock as broadcasts, so no event
	// is missed or delivered twice
	d.mu.Lock()
	snapshot := d.rec.Scalars("")
	if snapshot == nil {
		snapshot = []Scalar{}
	}
	c.send <- Message{Type: "snapshot", Scalars: snapshot}
	d.clients[c] = true
	d.mu.Unlock()

	go d.writeLoop(c)
	d.readLoop(c)
}

func (d *Dashboard) writeLoop(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteJSON(msg); err != nil {
			klog.V(1).Infof("dashboard: write to %s: %v", c.conn.RemoteAddr(), err)
			d.mu.Lock()
			d.dropLocked(c)
			d.mu.Unlock()
			// drain until the channel is closed
			for range c.send {
			}
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// readLoop discards client input and unregisters the client on disconnect.
func (d *Dashboard) readLoop(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
	d.mu.Lock()
	d.dropLocked(c)
	d.mu.Unlock()
}

func (d *Dashboard) index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(indexHTML))
}

const indexHTML = `<!DOCTYPE html>
<html>
<head><title>siamese training</title></head>
<body>
<h3>epoch <span id="epoch">-</span></h3>
<img id="loss" src="/plot/loss.svg">
<img id="score" src="/plot/score.svg">
<pre id="log"></pre>
<script>
var ws = new WebSocket("ws://" + location.host + "/ws");
ws.onmessage = function(ev) {
  var msg = JSON.parse(ev.data);
  msg.scalars.forEach(function(s) {
    document.getElementById("epoch").textContent = s.step;
    document.getElementById("log").textContent += s.step + "\t" + s.tag + "\t" + s.value.toFixed(5) + "\n";
  });
  var t = Date.now();
  document.getElementById("loss").src = "/plot/loss.svg?" + t;
  document.getElementById("score").src = "/plot/score.svg?" + t;
};
</script>
</body>
</html>
`
