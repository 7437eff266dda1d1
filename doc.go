// Package hubconn implements a client of the SignalR-style JSON hub
// protocol, over a websocket connection.
//
// HubConn
//
// A HubConn invokes methods on a hub server and dispatches the server's
// invocations to registered handlers, all over a single connection. In
// its simplest form:
//
//     hc := hubconn.New("https://example.com/chat")
//     hc.On("ReceiveMessage", handler)
//     if err := hc.Start(ctx); err != nil {
//       // handle error
//     }
//     res, err := hc.Invoke(ctx, "SendMessage", "me", "hello")
//
// Start returns only once the server has accepted the handshake. Invoke
// waits for the completion of the invocation and returns its JSON result,
// while Send only waits for the invocation to be written. Go is the
// asynchronous version of Invoke.
//
// Handlers can only be registered while the connection is disconnected.
// They are called sequentially, on the receiving goroutine, in the order
// the server's invocations are received.
//
// Protocol
//
// Each message is a JSON object terminated by the 0x1E record separator.
// A single transport message may carry several such frames. The first
// frame received after the handshake request is the handshake response,
// either {} or {"error":"..."}. See the message package for the message
// types.
//
// Errors
//
// Errors returned by HubConn methods are *Error values. The Kind field
// identifies the class of error (usage, handshake, protocol, invocation or
// transport), see IsKind. Errors returned by the server for an invocation
// are of kind KindInvocation, with the server's error text as message.
//
// Stop fails all pending invocations. So does an unexpected loss of the
// connection, which also calls the function set with SetDisconnected.
// There is no automatic reconnection.
//
// Observability
//
// A HubConn logs with logrus, records prometheus metrics on the
// registerer set by WithRegisterer, and creates OpenTelemetry spans for
// Start, Invoke and Send.
//
package hubconn
