package hubconn_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/mna/hubconn"
	"github.com/mna/hubconn/connection"
	"github.com/sirupsen/logrus"
)

// This example shows how to connect to a hub, handle server invocations
// and invoke a hub method.
func Example() {
	hc := hubconn.New("http://localhost:5000/chat", hubconn.WithTraceLevel(logrus.WarnLevel))
	hc.SetClientConfig(connection.ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
	})

	// handlers must be registered before the connection is started.
	err := hc.On("ReceiveMessage", hubconn.HandlerFunc(func(ctx context.Context, args []json.RawMessage) {
		var user, msg string
		if len(args) == 2 && json.Unmarshal(args[0], &user) == nil && json.Unmarshal(args[1], &msg) == nil {
			fmt.Printf("%s: %s\n", user, msg)
		}
	}))
	if err != nil {
		log.Fatalf("On failed: %v", err)
	}

	ctx := context.Background()
	if err := hc.Start(ctx); err != nil {
		log.Fatalf("Start failed: %v", err)
	}
	defer hc.Stop(ctx)

	res, err := hc.Invoke(ctx, "SendMessage", "me", "hello")
	if err != nil {
		if hubconn.IsKind(err, hubconn.KindInvocation) {
			log.Fatalf("hub returned an error: %v", err)
		}
		log.Fatalf("Invoke failed: %v", err)
	}
	fmt.Println(string(res))
}
