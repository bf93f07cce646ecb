package spjs

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrClosed = errors.New("spjs client closed")

const reconnectDelay = 3 * time.Second

// Client is a reconnecting connection to a serial-port-json-server.
type Client struct {
	url string

	outgoing  chan message
	incomming chan interface{}

	closeCh chan struct{}
	closed  sync.Once
	wg      sync.WaitGroup
}

type message struct {
	done    chan struct{}
	payload []byte
}

type DataFrame struct {
	Port string `json:"P"`
	Data string `json:"D"`
}
type CmdStatus struct {
	Cmd        string
	QueueCount int `json:"QCnt"`
	Type       []string
	Data       []string `json:"D"`
	ID         string   `json:"Id"`
}

type ErrorMessage struct {
	Error string
}
type SerialPortList struct {
	SerialPorts []SerialPort
}
type SerialPort struct {
	Name         string
	Friendly     string
	SerialNumber string
	IsOpen       bool
	Baud         int
	USBVID       string
	USBPID       string
}

func NewClient(url string) *Client {
	c := &Client{
		url:       url,
		outgoing:  make(chan message, 1000),
		incomming: make(chan interface{}, 1000),
		closeCh:   make(chan struct{}),
	}
	c.wg.Add(1)
	go c.loop()
	return c
}

// Messages delivers decoded server messages. It is closed after Close.
func (c *Client) Messages() <-chan interface{} {
	return c.incomming
}

func parseMessage(data []byte, msg map[string]json.RawMessage) (val interface{}, err error) {
	check := func(fieldName string, v interface{}) bool {
		if msg[fieldName] == nil {
			return false
		}
		val = v
		err = json.Unmarshal(data, val)
		return true
	}
	if check("Error", &ErrorMessage{}) {
		return
	}
	if check("SerialPorts", &SerialPortList{}) {
		return
	}
	if check("Type", &CmdStatus{}) {
		return
	}
	if check("D", &DataFrame{}) {
		return
	}

	return nil, errors.New("unknown message: " + string(data))
}

func (c *Client) readLoop(ws *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closeCh:
			default:
				log.Println("ERROR: spjs read:", err)
			}
			return
		}
		if !bytes.HasPrefix(data, []byte("{")) {
			// echo of our own command
			continue
		}
		var msg map[string]json.RawMessage
		if err = json.Unmarshal(data, &msg); err != nil {
			log.Println("ERROR: spjs decode:", err)
			continue
		}
		val, err := parseMessage(data, msg)
		if err != nil {
			continue
		}
		select {
		case c.incomming <- val:
		case <-c.closeCh:
			return
		}
	}
}

func (c *Client) loop() {
	defer c.wg.Done()
	var nextUp message

reconnect:
	for {
		select {
		case <-c.closeCh:
			return
		default:
		}

		log.Println("Connecting to", c.url)
		ws, _, err := websocket.DefaultDialer.Dial(c.url, nil)
		if err != nil {
			log.Println("ERROR: spjs connect:", err)
			select {
			case <-c.closeCh:
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}
		log.Println("Connected to", c.url)
		readDone := make(chan struct{})
		go c.readLoop(ws, readDone)
		go c.WriteString("list")

		for {
			if nextUp.done != nil {
				err = ws.WriteMessage(websocket.TextMessage, nextUp.payload)
				if err != nil {
					log.Println("ERROR: spjs send:", err)
					ws.Close()
					<-readDone
					continue reconnect
				}
				close(nextUp.done)
				nextUp.done = nil
			}

			select {
			case <-c.closeCh:
				ws.Close()
				<-readDone
				return
			case <-readDone:
				ws.Close()
				continue reconnect
			case nextUp = <-c.outgoing:
			}
		}
	}
}

type JSON struct {
	Port string `json:"P"`
	Data []Data
}
type Data struct {
	Data string `json:"D"`
	ID   string `json:"Id"`
}

// SendJSON queues a sendjson command and waits until it is on the wire.
func (c *Client) SendJSON(v JSON) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.send(append([]byte("sendjson "), data...))
}

// WriteString sends a raw server command such as "list" or "open".
func (c *Client) WriteString(data string) error {
	return c.send([]byte(data))
}

func (c *Client) send(payload []byte) error {
	ch := make(chan struct{})
	select {
	case c.outgoing <- message{done: ch, payload: payload}:
	case <-c.closeCh:
		return ErrClosed
	}
	select {
	case <-ch:
		return nil
	case <-c.closeCh:
		return ErrClosed
	}
}

func (c *Client) Close() error {
	c.closed.Do(func() {
		close(c.closeCh)
		c.wg.Wait()
		close(c.incomming)
	})
	return nil
}
