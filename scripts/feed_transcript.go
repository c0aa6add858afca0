package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/consulta/pkg/events"
	"github.com/harunnryd/consulta/pkg/providers/mock"
	"github.com/harunnryd/consulta/pkg/transports/ws"
)

// feed_transcript replays a text file into a running console as if a push
// capture were producing it, printing suggestions as they arrive.
func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "")
	file := flag.String("file", "examples/clinic/consultation.txt", "")
	interval := flag.Duration("interval", 700*time.Millisecond, "")
	save := flag.Bool("save", false, "save the visit after stopping")
	flag.Parse()

	f, err := os.Open(*file)
	if err != nil {
		fmt.Println("open error:", err)
		os.Exit(1)
	}
	lines, err := mock.ReadScript(f)
	f.Close()
	if err != nil || len(lines) == 0 {
		fmt.Println("script error:", err)
		os.Exit(1)
	}

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		fmt.Println("dial error:", err)
		os.Exit(1)
	}
	defer conn.Close()

	replies := make(chan ws.Reply, 8)
	go readLoop(conn, replies)

	send := func(m ws.Message) {
		if err := conn.WriteJSON(m); err != nil {
			fmt.Println("write error:", err)
			os.Exit(1)
		}
	}
	await := func(op string, timeout time.Duration) ws.Reply {
		deadline := time.After(timeout)
		for {
			select {
			case r, ok := <-replies:
				if !ok {
					fmt.Println("connection closed")
					os.Exit(1)
				}
				if r.Op != op {
					continue
				}
				if !r.OK {
					fmt.Printf("%s failed: %s\n", op, r.Error)
					os.Exit(1)
				}
				return r
			case <-deadline:
				fmt.Println(op, "timed out")
				os.Exit(1)
			}
		}
	}

	send(ws.Message{Type: ws.OpStart})
	started := await(ws.OpStart, 10*time.Second)
	fmt.Println("session_id:", started.SessionID)

	active := true
	send(ws.Message{Type: ws.OpEdge, Active: &active})
	for _, line := range lines {
		words := strings.Fields(line)
		if len(words) > 1 {
			send(ws.Message{Type: ws.OpIncrement, Interim: strings.Join(words[:len(words)/2], " ")})
			time.Sleep(*interval / 2)
		}
		send(ws.Message{Type: ws.OpIncrement, Final: line})
		time.Sleep(*interval)
	}
	inactive := false
	send(ws.Message{Type: ws.OpEdge, Active: &inactive})

	send(ws.Message{Type: ws.OpStop})
	await(ws.OpStop, 2*time.Minute)
	fmt.Println("stopped")

	if *save {
		send(ws.Message{Type: ws.OpSave})
		saved := await(ws.OpSave, time.Minute)
		fmt.Println("saved:", string(mustJSON(saved.Data)))
	}
}

func readLoop(conn *websocket.Conn, replies chan<- ws.Reply) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			close(replies)
			return
		}
		var head struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &head) != nil {
			continue
		}
		if head.Type == "reply" {
			var r ws.Reply
			if json.Unmarshal(data, &r) == nil {
				replies <- r
			}
			continue
		}
		var env struct {
			Type events.Type     `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		switch env.Type {
		case events.TypeSuggestionsChanged, events.TypeQuestionAsked, events.TypeNotice:
			fmt.Printf("%s %s\n", env.Type, env.Data)
		case events.TypeAnalysisUpdated:
			fmt.Printf("%s (%d bytes)\n", env.Type, len(env.Data))
		}
	}
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}
