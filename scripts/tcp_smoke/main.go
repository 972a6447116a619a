// Command tcp_smoke exercises a running server end to end: it binds a
// username, creates a room, selects it and sends one message, printing
// every envelope the server pushes back.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/parley-chat/parley-server/internal/proto"
)

func main() {
	addr := flag.String("addr", "localhost:5000", "server address")
	user := flag.String("user", "smoke", "username to initialise with")
	room := flag.String("room", "general", "room to create and select")
	text := flag.String("text", "hello from smoke test", "message text to send")
	timeout := flag.Duration("timeout", 5*time.Second, "total timeout for the run")
	flag.Parse()

	conn, err := net.DialTimeout("tcp", *addr, *timeout)
	if err != nil {
		log.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(*timeout)); err != nil {
		log.Fatalf("set deadline: %v", err)
	}

	mustSend := func(env *proto.Envelope) {
		data, err := env.Encode()
		if err != nil {
			log.Fatalf("encode: %v", err)
		}
		if err := proto.WriteFrame(conn, data); err != nil {
			log.Fatalf("send: %v", err)
		}
	}

	mustSend(proto.New(proto.KindInitialisation, *user, "", nil))

	members, _ := json.Marshal([]string{})
	mustSend(proto.New(proto.KindCreateRoom, *user, *room, members))
	mustSend(proto.New(proto.KindSelectRoom, *user, *room, nil))
	mustSend(proto.NewText(proto.KindText, *user, *room, *text))

	r := bufio.NewReader(conn)
	for {
		data, err := proto.ReadFrame(r)
		if err != nil {
			log.Printf("read: %v", err)
			return
		}
		env, err := proto.Decode(data)
		if err != nil {
			log.Printf("decode: %v", err)
			continue
		}
		fmt.Printf("<- %s: %s\n", env.Kind, env.Text())
	}
}
