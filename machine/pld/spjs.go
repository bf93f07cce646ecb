package pld

import (
	"bufio"
	"bytes"
	"io"
	"log"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/mastercactapus/pld/spjs"
)

var lastID int64

func nextID() string {
	id := atomic.AddInt64(&lastID, 1)
	return "pld_" + strconv.FormatInt(id, 36)
}

type spjsClient interface {
	Messages() <-chan interface{}
	WriteString(data string) error
	SendJSON(v spjs.JSON) error
	Close() error
}

// spjsStream presents one port on a serial-port-json-server as a byte stream.
type spjsStream struct {
	sp   spjsClient
	port string
	baud int

	pr *io.PipeReader
	pw *io.PipeWriter
}

// DialSPJS connects to the server at url and opens port on it.
func DialSPJS(url, port string, baud int, opts ...ConnOption) *Conn {
	return NewConn(newSPJSStream(spjs.NewClient(url), port, baud), opts...)
}

func newSPJSStream(sp spjsClient, port string, baud int) *spjsStream {
	if baud == 0 {
		baud = DefaultBaud
	}
	pr, pw := io.Pipe()
	s := &spjsStream{sp: sp, port: port, baud: baud, pr: pr, pw: pw}
	go s.loop()
	return s
}

func (s *spjsStream) loop() {
	defer s.pw.Close()
	for resp := range s.sp.Messages() {
		switch msg := resp.(type) {
		case *spjs.DataFrame:
			if msg.Port != s.port {
				continue
			}
			if _, err := io.WriteString(s.pw, msg.Data); err != nil {
				return
			}
		case *spjs.SerialPortList:
			for _, port := range msg.SerialPorts {
				if port.Name != s.port || port.IsOpen {
					continue
				}
				if err := s.sp.WriteString("open " + s.port + " " + strconv.Itoa(s.baud) + " default"); err != nil {
					log.Println("ERROR: spjs open:", err)
				}
			}
		case *spjs.ErrorMessage:
			log.Println("ERROR: spjs:", msg.Error)
		}
	}
}

func (s *spjsStream) Read(p []byte) (int, error) { return s.pr.Read(p) }

// Write sends each line of p as one queued entry.
func (s *spjsStream) Write(p []byte) (int, error) {
	j := spjs.JSON{Port: s.port}
	scan := bufio.NewScanner(bytes.NewReader(p))
	for scan.Scan() {
		j.Data = append(j.Data, spjs.Data{
			Data: strings.TrimSpace(scan.Text()) + "\n",
			ID:   nextID(),
		})
	}
	if len(j.Data) == 0 {
		return len(p), nil
	}
	if err := s.sp.SendJSON(j); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *spjsStream) Close() error {
	err := s.sp.Close()
	s.pr.CloseWithError(io.ErrClosedPipe)
	return err
}
