// Package messaging provides the four client roles built on a shared
// rabbitmq.Connection.
//
// Each role owns one channel and reopens it whenever the connection comes
// back or the channel fails:
//   - Consumer: declares and binds a queue, decodes payloads and passes them
//     to registered handlers
//   - Producer: publishes encoded payloads to an exchange, optionally after
//     a delay
//   - RPCClient: sends call envelopes and matches responses by correlation
//     id on a private reply queue
//   - RPCServer: serves call envelopes with named handlers and replies to
//     the request's reply-to queue
//
// Roles never buffer while their channel is down. Producer.Send and
// RPCClient calls fail with ErrChannelNotReady instead.
//
// Example usage:
//
//	conn := rabbitmq.NewConnection(url, rabbitmq.WithLogger(logger))
//	if err := conn.Connect(ctx); err != nil {
//		return err
//	}
//
//	server, err := messaging.NewRPCServer(conn, messaging.Handlers{
//		"add": func(ctx context.Context, p messaging.Params) (any, error) {
//			var a, b int
//			if err := p.Decode(0, &a); err != nil {
//				return nil, err
//			}
//			if err := p.Decode(1, &b); err != nil {
//				return nil, err
//			}
//			return a + b, nil
//		},
//	}, messaging.RPCServerConfig{Queue: "calc", PrefetchCount: 10})
//	if err != nil {
//		return err
//	}
//	_ = server.Init(ctx)
//
//	client, err := messaging.NewRPCClient(conn, messaging.RPCClientConfig{Queue: "calc"})
//	if err != nil {
//		return err
//	}
//	_ = client.Init(ctx)
//
//	res, err := client.Exec(ctx, "add", []any{2, 3}, messaging.WithTimeout(5*time.Second))
package messaging
